// Package otel provides an OpenTelemetry-instrumented decorator for
// event.Log implementations, recording spans and metrics around appends and
// reads without changing their semantics.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

const instrumentationName = "github.com/tidelog-io/tidelog"

var _ event.Log = (*InstrumentedLog)(nil)

// InstrumentedLog wraps an event.Log with OpenTelemetry tracing and metrics.
type InstrumentedLog struct {
	inner  event.Log
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	appendCounter   metric.Int64Counter
	appendDuration  metric.Float64Histogram
	appendConflicts metric.Int64Counter
	appendErrors    metric.Int64Counter
	readCounter     metric.Int64Counter
	eventsRead      metric.Int64Counter
}

// Option configures the InstrumentedLog
type Option func(*InstrumentedLog)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *InstrumentedLog) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *InstrumentedLog) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// NewInstrumentedLog wraps an event log with tracing and metrics. The global
// tracer and meter providers are used unless overridden with options.
func NewInstrumentedLog(inner event.Log, opts ...Option) (*InstrumentedLog, error) {
	il := &InstrumentedLog{
		inner:  inner,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	for _, opt := range opts {
		opt(il)
	}

	var err error

	il.appendCounter, err = il.meter.Int64Counter(
		"tidelog.append.count",
		metric.WithDescription("Number of append operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	il.appendDuration, err = il.meter.Float64Histogram(
		"tidelog.append.duration",
		metric.WithDescription("Append operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	il.appendConflicts, err = il.meter.Int64Counter(
		"tidelog.append.conflicts",
		metric.WithDescription("Number of appends rejected by the version check"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	il.appendErrors, err = il.meter.Int64Counter(
		"tidelog.append.errors",
		metric.WithDescription("Number of append errors other than conflicts"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	il.readCounter, err = il.meter.Int64Counter(
		"tidelog.read.count",
		metric.WithDescription("Number of read operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	il.eventsRead, err = il.meter.Int64Counter(
		"tidelog.read.events",
		metric.WithDescription("Number of events yielded to readers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return il, nil
}

func (il *InstrumentedLog) AppendEvents(
	ctx context.Context,
	id stream.ID,
	expected version.Check,
	events event.RawEvents,
) (version.Version, error) {
	attrs := []attribute.KeyValue{
		attribute.String("stream.id", id.String()),
		attribute.Int("event.count", len(events)),
	}

	ctx, span := il.tracer.Start(ctx, "tidelog.append", trace.WithAttributes(attrs...))
	defer span.End()

	il.appendCounter.Add(ctx, 1, metric.WithAttributes(attrs[0]))

	start := time.Now()
	newVersion, err := il.inner.AppendEvents(ctx, id, expected, events)
	il.appendDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attrs[0]))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)

		if version.IsConflict(err) {
			il.appendConflicts.Add(ctx, 1, metric.WithAttributes(attrs[0]))
		} else {
			il.appendErrors.Add(ctx, 1, metric.WithAttributes(
				attrs[0],
				attribute.String("error.kind", fault.KindOf(err).String()),
			))
		}
		return version.Zero, err
	}

	span.SetAttributes(attribute.Int64("stream.version", int64(newVersion)))
	span.SetStatus(codes.Ok, "")
	return newVersion, nil
}

// ReadEvents traces the consumption of the returned iterator, not just its
// construction: the span ends when the caller stops iterating.
func (il *InstrumentedLog) ReadEvents(
	ctx context.Context,
	id stream.ID,
	selector version.Selector,
) event.Envelopes {
	return func(yield func(*event.Envelope, error) bool) {
		attrs := []attribute.KeyValue{
			attribute.String("stream.id", id.String()),
			attribute.Int64("selector.from", int64(selector.From)),
			attribute.Int64("selector.to", int64(selector.To)),
		}

		ctx, span := il.tracer.Start(ctx, "tidelog.read", trace.WithAttributes(attrs...))
		defer span.End()

		il.readCounter.Add(ctx, 1, metric.WithAttributes(attrs[0]))

		var count int64
		for envelope, err := range il.inner.ReadEvents(ctx, id, selector) {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
				yield(nil, err)
				return
			}

			count++
			if !yield(envelope, nil) {
				break
			}
		}

		il.eventsRead.Add(ctx, count, metric.WithAttributes(attrs[0]))
		span.SetAttributes(attribute.Int64("events.read", count))
		span.SetStatus(codes.Ok, "")
	}
}

func (il *InstrumentedLog) Exists(ctx context.Context, id stream.ID) (bool, error) {
	ctx, span := il.tracer.Start(ctx, "tidelog.exists",
		trace.WithAttributes(attribute.String("stream.id", id.String())))
	defer span.End()

	ok, err := il.inner.Exists(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return false, err
	}

	span.SetStatus(codes.Ok, "")
	return ok, nil
}

func (il *InstrumentedLog) CurrentVersion(ctx context.Context, id stream.ID) (version.Version, error) {
	ctx, span := il.tracer.Start(ctx, "tidelog.current_version",
		trace.WithAttributes(attribute.String("stream.id", id.String())))
	defer span.End()

	v, err := il.inner.CurrentVersion(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return version.Zero, err
	}

	span.SetStatus(codes.Ok, "")
	return v, nil
}
