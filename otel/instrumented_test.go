package otel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/eventlog"
	"github.com/tidelog-io/tidelog/otel"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// The default global providers are no-ops, so these tests exercise the
// decorator's pass-through behavior: instrumentation must never change what
// the wrapped log returns.
func TestInstrumentedLog_PassThrough(t *testing.T) {
	log, err := otel.NewInstrumentedLog(eventlog.NewMemory())
	require.NoError(t, err)

	streamID := stream.MustID("order", "otel-1")
	ctx := t.Context()

	v, err := log.AppendEvents(ctx, streamID, version.CheckExact(0), event.RawEvents{
		event.NewRaw("order.created", []byte(`{}`)),
		event.NewRaw("order.paid", []byte(`{}`)),
	})
	require.NoError(t, err)
	require.Equal(t, version.Version(2), v)

	records, err := log.ReadEvents(ctx, streamID, version.SelectFromBeginning).Collect()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "order.created", records[0].EventType())

	exists, err := log.Exists(ctx, streamID)
	require.NoError(t, err)
	require.True(t, exists)

	current, err := log.CurrentVersion(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, version.Version(2), current)
}

func TestInstrumentedLog_PropagatesConflict(t *testing.T) {
	log, err := otel.NewInstrumentedLog(eventlog.NewMemory())
	require.NoError(t, err)

	streamID := stream.MustID("order", "otel-conflict")
	ctx := t.Context()

	_, err = log.AppendEvents(ctx, streamID, version.CheckExact(0), event.RawEvents{
		event.NewRaw("order.created", nil),
	})
	require.NoError(t, err)

	_, err = log.AppendEvents(ctx, streamID, version.CheckExact(0), event.RawEvents{
		event.NewRaw("order.paid", nil),
	})
	require.True(t, version.IsConflict(err))

	var conflictErr *version.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Equal(t, version.Version(1), conflictErr.Actual)
}
