package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/synadia-io/orbit.go/jetstreamext"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/pkg/timeutils"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

var _ event.Log = (*NATS)(nil)

const (
	// Custom headers carrying the envelope fields the message body cannot.
	headerEventID       = "Tidelog-Event-Id"
	headerEventType     = "Tidelog-Event-Type"
	headerStreamVersion = "Tidelog-Stream-Version"
	headerMetadata      = "Tidelog-Metadata"
	headerOccurredAt    = "Tidelog-Occurred-At"
)

// NATS provides an event.Log implementation using NATS JetStream as the
// backing store.
//
// It uses a "one stream per aggregate" model:
//
//   - Each stream.ID has its own dedicated JetStream stream.
//   - Each stream has exactly one subject.
//   - The tidelog stream version is equal to the JetStream sequence for that
//     subject, which makes the optimistic concurrency check a mapping onto
//     "expected last sequence per subject".
//
// Single-event appends use standard JetStream publish. Multi-event appends
// use ADR-50 atomic batch publishing via orbit.go.
type NATS struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	clock timeutils.TimeProvider

	// Prefixes used to generate stream and subject names from a stream.ID.
	// For an ID "order/123" and defaults:
	//   stream  -> "tidelog_events.order_123"
	//   subject -> "tidelog.events.order_123"
	streamPrefix  string
	subjectPrefix string

	storageType jetstream.StorageType
	retention   jetstream.RetentionPolicy

	// Timeout for reads when pulling messages.
	readTimeout time.Duration
}

type NATSOption func(*NATS)

// WithNATSStreamName sets the prefix used when generating per-aggregate
// stream names. Defaults to "tidelog_events".
func WithNATSStreamName(name string) NATSOption {
	return func(n *NATS) {
		n.streamPrefix = name
	}
}

// WithNATSSubjectPrefix sets the prefix used for all event subjects.
// Defaults to "tidelog.events".
func WithNATSSubjectPrefix(prefix string) NATSOption {
	return func(n *NATS) {
		n.subjectPrefix = prefix
	}
}

// WithNATSStorage sets the storage backend (e.g., File or Memory) for the
// JetStream streams. Defaults to jetstream.FileStorage for durability.
func WithNATSStorage(storage jetstream.StorageType) NATSOption {
	return func(n *NATS) {
		n.storageType = storage
	}
}

// WithNATSRetentionPolicy sets the retention policy for the JetStream
// streams. Defaults to jetstream.LimitsPolicy.
func WithNATSRetentionPolicy(policy jetstream.RetentionPolicy) NATSOption {
	return func(n *NATS) {
		n.retention = policy
	}
}

// WithNATSReadTimeout sets the read wait duration when pulling messages.
// Defaults to 500 milliseconds.
func WithNATSReadTimeout(t time.Duration) NATSOption {
	return func(n *NATS) {
		n.readTimeout = t
	}
}

// WithNATSClock overrides the clock used for occurred_at stamping.
func WithNATSClock(clock timeutils.TimeProvider) NATSOption {
	return func(n *NATS) {
		n.clock = clock
	}
}

// NewNATSJetStream creates a new NATS event log instance. It requires a
// connected *nats.Conn. Streams are not created up front; they are created
// lazily when events are first appended for a given aggregate.
func NewNATSJetStream(nc *nats.Conn, opts ...NATSOption) (*NATS, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	njs := &NATS{
		nc:            nc,
		js:            js,
		clock:         timeutils.NewRealTimeProvider(),
		streamPrefix:  "tidelog_events",
		subjectPrefix: "tidelog.events",
		storageType:   jetstream.FileStorage,
		retention:     jetstream.LimitsPolicy,
		readTimeout:   500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(njs)
	}

	return njs, nil
}

func (c *NATS) AppendEvents(
	ctx context.Context,
	id stream.ID,
	expected version.Check,
	events event.RawEvents,
) (version.Version, error) {
	if err := ctx.Err(); err != nil {
		return version.Zero, fault.Unavailable("append events", err)
	}

	if len(events) == 0 {
		return version.Zero, ErrNoEvents
	}

	exp, err := c.resolveCheck(ctx, id, expected)
	if err != nil {
		return version.Zero, fmt.Errorf("append events: %w", err)
	}

	streamName := c.streamIDToStreamName(id)
	subject := c.streamIDToSubject(id)

	if err := c.ensureStream(ctx, streamName, subject); err != nil {
		return version.Zero, fmt.Errorf("append events: ensure stream: %w", err)
	}

	envelopes := events.ToEnvelopes(id, exp, c.clock.Now())

	msgs, err := envelopesToNatsMsgs(subject, envelopes)
	if err != nil {
		return version.Zero, fmt.Errorf("append events: prepare messages: %w", err)
	}

	if len(msgs) == 1 {
		return c.publishSingle(ctx, exp, msgs[0])
	}

	return c.publishBatch(ctx, exp, msgs)
}

// resolveCheck maps the caller's expectation onto an expected-last-sequence
// value. CheckAny reads the stream's current sequence first; JetStream has
// no truly unconditional sequenced publish, so a writer racing an
// unconditional append still surfaces as a conflict rather than silently
// corrupting the version/sequence equality.
func (c *NATS) resolveCheck(
	ctx context.Context,
	id stream.ID,
	expected version.Check,
) (version.Version, error) {
	switch exp := expected.(type) {
	case version.CheckExact:
		return version.Version(exp), nil
	case version.CheckAny:
		return c.CurrentVersion(ctx, id)
	default:
		return version.Zero, ErrUnsupportedCheck
	}
}

// publishSingle is an optimized path for writing a single event.
func (c *NATS) publishSingle(
	ctx context.Context,
	expected version.Version,
	msg *nats.Msg,
) (version.Version, error) {
	pubOpts := []jetstream.PublishOpt{
		jetstream.WithExpectLastSequencePerSubject(uint64(expected)),
	}

	if _, err := c.js.PublishMsg(ctx, msg, pubOpts...); err != nil {
		if actualVersion, ok := parseActualVersionFromError(err); ok {
			return version.Zero, version.NewConflictError(expected, actualVersion)
		}
		return version.Zero, fault.Unavailable("append events: publish", err)
	}

	return expected + 1, nil
}

// publishBatch appends a batch of events atomically using JetStream's atomic
// batch publish feature via orbit.go's jetstreamext.BatchPublisher.
func (c *NATS) publishBatch(
	ctx context.Context,
	expected version.Version,
	msgs []*nats.Msg,
) (version.Version, error) {
	batch, err := jetstreamext.NewBatchPublisher(c.js)
	if err != nil {
		return version.Zero, fault.Unavailable("append events: create batch publisher", err)
	}

	// Ensure incomplete batches are abandoned explicitly.
	defer func() {
		if !batch.IsClosed() {
			_ = batch.Discard()
		}
	}()

	for i := 0; i < len(msgs)-1; i++ {
		opts := []jetstreamext.BatchMsgOpt(nil)
		if i == 0 {
			// Apply the optimistic concurrency check to the first message.
			opts = append(opts,
				jetstreamext.WithBatchExpectLastSequencePerSubject(uint64(expected)),
			)
		}

		if err := batch.AddMsg(msgs[i], opts...); err != nil {
			if actualVersion, ok := parseActualVersionFromError(err); ok {
				return version.Zero, version.NewConflictError(expected, actualVersion)
			}
			return version.Zero, fault.Unavailable(
				fmt.Sprintf("append events: add message %d to batch", i+1), err)
		}
	}

	// Commit the batch with the final message.
	if _, err := batch.CommitMsg(ctx, msgs[len(msgs)-1]); err != nil {
		if actualVersion, ok := parseActualVersionFromError(err); ok {
			return version.Zero, version.NewConflictError(expected, actualVersion)
		}
		return version.Zero, fault.Unavailable("append events: commit batch", err)
	}

	return expected + version.Version(len(msgs)), nil
}

// ReadEvents returns an iterator for the event history of a single stream.
//
// It reads from the stream's dedicated JetStream stream by creating an
// ephemeral pull consumer filtered to the stream's subject. The selector's
// From/To versions map directly to JetStream sequence numbers.
func (c *NATS) ReadEvents(
	ctx context.Context,
	id stream.ID,
	selector version.Selector,
) event.Envelopes {
	return func(yield func(*event.Envelope, error) bool) {
		streamName := c.streamIDToStreamName(id)
		subject := c.streamIDToSubject(id)

		jsStream, err := c.js.Stream(ctx, streamName)
		if err != nil {
			// A missing stream means no events were ever written for this
			// aggregate, which is a normal condition, not an error.
			if errors.Is(err, jetstream.ErrStreamNotFound) {
				return
			}
			yield(nil, fault.Unavailable(
				fmt.Sprintf("read events: stream %q not reachable", streamName), err))
			return
		}

		consumerCfg := jetstream.ConsumerConfig{
			FilterSubject:     subject,
			AckPolicy:         jetstream.AckExplicitPolicy,
			DeliverPolicy:     jetstream.DeliverByStartSequencePolicy,
			OptStartSeq:       uint64(selector.From),
			InactiveThreshold: 5 * time.Minute,
		}

		// A start sequence of 0 is invalid for DeliverByStartSequencePolicy,
		// so we switch to DeliverAllPolicy in that case.
		if selector.From == 0 {
			consumerCfg.DeliverPolicy = jetstream.DeliverAllPolicy
		}

		consumer, err := jsStream.CreateOrUpdateConsumer(ctx, consumerCfg)
		if err != nil {
			yield(nil, fault.Unavailable("read events: create consumer", err))
			return
		}

		iter, err := consumer.Messages()
		if err != nil {
			yield(nil, fault.Unavailable("read events: get messages", err))
			return
		}
		defer iter.Stop()

		for {
			msg, err := iter.Next(jetstream.NextMaxWait(c.readTimeout))
			if err != nil {
				if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					return
				}
				if errors.Is(err, nats.ErrTimeout) {
					// No more messages currently available.
					return
				}
				yield(nil, fault.Unavailable("read events: iterate messages", err))
				return
			}

			envelope, err := c.natsMsgToEnvelope(msg, id)
			if err != nil {
				yield(nil, fmt.Errorf("read events: failed to convert message: %w", err))
				return
			}

			if selector.To != 0 && envelope.Version() > selector.To {
				return
			}

			if !yield(envelope, nil) {
				return
			}

			if err := msg.Ack(); err != nil {
				yield(nil, fault.Unavailable("read events: acknowledge message", err))
				return
			}
		}
	}
}

func (c *NATS) Exists(ctx context.Context, id stream.ID) (bool, error) {
	v, err := c.CurrentVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return v > version.Zero, nil
}

func (c *NATS) CurrentVersion(ctx context.Context, id stream.ID) (version.Version, error) {
	jsStream, err := c.js.Stream(ctx, c.streamIDToStreamName(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return version.Zero, nil
		}
		return version.Zero, fault.Unavailable("current version: get stream", err)
	}

	info, err := jsStream.Info(ctx)
	if err != nil {
		return version.Zero, fault.Unavailable("current version: stream info", err)
	}

	return version.Version(info.State.LastSeq), nil
}

// ensureStream guarantees that a per-aggregate stream exists. If the stream
// already exists, it is returned as-is. We assume only this component
// creates/manages these per-aggregate streams.
func (c *NATS) ensureStream(
	ctx context.Context,
	streamName, subject string,
) error {
	cfg := jetstream.StreamConfig{
		Name:               streamName,
		Subjects:           []string{subject},
		Storage:            c.storageType,
		Retention:          c.retention,
		AllowAtomicPublish: true,
	}

	_, err := c.js.Stream(ctx, streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("ensure stream %q: get stream: %w", streamName, err)
	}

	_, err = c.js.CreateStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ensure stream %q: create: %w", streamName, err)
	}
	return nil
}

// envelopesToNatsMsgs transforms stamped envelopes into messages suitable
// for publishing, carrying the envelope fields in headers.
func envelopesToNatsMsgs(subject string, envelopes []*event.Envelope) ([]*nats.Msg, error) {
	msgs := make([]*nats.Msg, len(envelopes))

	for i, envelope := range envelopes {
		header := nats.Header{
			headerEventID:       []string{envelope.ID().String()},
			headerEventType:     []string{envelope.EventType()},
			headerStreamVersion: []string{strconv.FormatUint(uint64(envelope.Version()), 10)},
			headerOccurredAt:    []string{envelope.OccurredAt().UTC().Format(time.RFC3339Nano)},
		}

		if len(envelope.Metadata()) > 0 {
			metadata, err := json.Marshal(envelope.Metadata())
			if err != nil {
				return nil, fault.Serialization("encode metadata", err)
			}
			header[headerMetadata] = []string{string(metadata)}
		}

		msgs[i] = &nats.Msg{
			Subject: subject,
			Data:    envelope.Payload(),
			Header:  header,
		}
	}

	return msgs, nil
}

// natsMsgToEnvelope converts a received jetstream.Msg back into an envelope,
// extracting the stamped fields from the message headers.
func (c *NATS) natsMsgToEnvelope(msg jetstream.Msg, id stream.ID) (*event.Envelope, error) {
	eventType := msg.Headers().Get(headerEventType)
	if eventType == "" {
		return nil, errors.New("message is missing event type header")
	}

	versionStr := msg.Headers().Get(headerStreamVersion)
	if versionStr == "" {
		return nil, errors.New("message is missing stream version header")
	}
	eventVersion, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return nil, fault.Serialization("parse event version", err)
	}

	eventID, err := uuid.Parse(msg.Headers().Get(headerEventID))
	if err != nil {
		return nil, fault.Serialization("parse event id", err)
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, msg.Headers().Get(headerOccurredAt))
	if err != nil {
		return nil, fault.Serialization("parse occurred at", err)
	}

	var metadata map[string]string
	if raw := msg.Headers().Get(headerMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fault.Serialization("unmarshal metadata", err)
		}
	}

	return event.NewEnvelope(
		eventID,
		id,
		version.Version(eventVersion),
		eventType,
		msg.Data(),
		metadata,
		occurredAt,
	), nil
}

// streamIDToStreamName converts a stream.ID into a per-aggregate JetStream
// stream name, e.g. "order/123" -> "tidelog_events_order-2F123".
func (c *NATS) streamIDToStreamName(id stream.ID) string {
	return fmt.Sprintf("%s_%s", c.streamPrefix, sanitizeID(id.String()))
}

// streamIDToSubject converts a stream.ID into a NATS subject,
// e.g. "order/123" -> "tidelog.events.order-2F123".
func (c *NATS) streamIDToSubject(id stream.ID) string {
	return fmt.Sprintf("%s.%s", c.subjectPrefix, sanitizeID(id.String()))
}

// sanitizeID maps a stream ID onto the characters JetStream allows in stream
// names and subject tokens. Every byte outside [A-Za-z0-9_] is hex-escaped as
// "-XX" (the escape character included), so distinct IDs never collapse onto
// the same JetStream stream: "order/a.b" and "order/a_b" stay distinct.
func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id) + 2)
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "-%02X", c)
		}
	}
	return b.String()
}

// wrongLastSeqRegexp finds the digits at the very end of the error description.
var wrongLastSeqRegexp = regexp.MustCompile(`(\d+)$`)

// parseActualVersionFromError inspects an error to see if it's a JetStream
// "wrong last sequence" conflict (error code 10071). If it is, it parses the
// actual version out of the error's description string.
func parseActualVersionFromError(err error) (version.Version, bool) {
	var apiErr *jetstream.APIError

	if !errors.As(err, &apiErr) {
		return version.Zero, false
	}
	if apiErr.ErrorCode != jetstream.JSErrCodeStreamWrongLastSequence {
		return version.Zero, false
	}

	matches := wrongLastSeqRegexp.FindStringSubmatch(apiErr.Description)
	if len(matches) <= 1 {
		return version.Zero, false
	}

	actual, parseErr := strconv.ParseUint(matches[1], 10, 64)
	if parseErr != nil {
		return version.Zero, false
	}

	return version.Version(actual), true
}
