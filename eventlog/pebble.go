package eventlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/pkg/timeutils"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

var _ event.Log = new(Pebble)

var (
	eventKeyPrefix   = []byte("e/")
	versionKeyPrefix = []byte("v/")
)

// Stream ID and version live in the key; the value holds the rest of the
// envelope.
type pebbleEventData struct {
	EventID    uuid.UUID         `json:"eventID"`
	EventType  string            `json:"eventType"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Pebble is an event log backed by a pebble key-value store. The mutex makes
// the read-then-write of an append atomic; the batch makes it durable as a
// single unit.
type Pebble struct {
	db    *pebble.DB
	clock timeutils.TimeProvider
	mu    sync.Mutex
}

type PebbleOption func(*Pebble)

// WithPebbleClock overrides the clock used for occurred_at stamping.
func WithPebbleClock(clock timeutils.TimeProvider) PebbleOption {
	return func(p *Pebble) {
		p.clock = clock
	}
}

func NewPebble(db *pebble.DB, opts ...PebbleOption) *Pebble {
	p := &Pebble{
		db:    db,
		clock: timeutils.NewRealTimeProvider(),
		mu:    sync.Mutex{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Pebble) AppendEvents(
	ctx context.Context,
	id stream.ID,
	expected version.Check,
	events event.RawEvents,
) (version.Version, error) {
	if err := ctx.Err(); err != nil {
		return version.Zero, fault.Unavailable("append events", err)
	}

	if len(events) == 0 {
		return version.Zero, fmt.Errorf("append events: %w", ErrNoEvents)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	streamVersionKey := versionKeyFor(id)
	actual, err := p.getStreamVersion(streamVersionKey)
	if err != nil {
		return version.Zero, fmt.Errorf("append events: %w", err)
	}

	starting, err := resolveStartingVersion(expected, actual)
	if err != nil {
		return version.Zero, fmt.Errorf("append events: %w", err)
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	envelopes := events.ToEnvelopes(id, starting, p.clock.Now())
	for _, envelope := range envelopes {
		key := eventKeyFor(id, envelope.Version())
		value, err := json.Marshal(pebbleEventData{
			EventID:    envelope.ID(),
			EventType:  envelope.EventType(),
			Payload:    envelope.Payload(),
			Metadata:   envelope.Metadata(),
			OccurredAt: envelope.OccurredAt(),
		})
		if err != nil {
			return version.Zero, fault.Serialization("append events: marshal event data", err)
		}
		if err := batch.Set(key, value, pebble.NoSync); err != nil {
			return version.Zero, fault.Unavailable("append events: add event to batch", err)
		}
	}

	newStreamVersion := starting + version.Version(len(events))
	versionValue := make([]byte, uint64sizeBytes)
	binary.BigEndian.PutUint64(versionValue, uint64(newStreamVersion))

	if err := batch.Set(streamVersionKey, versionValue, pebble.NoSync); err != nil {
		return version.Zero, fault.Unavailable("append events: add version to batch", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return version.Zero, fault.Unavailable("append events: commit batch", err)
	}

	return newStreamVersion, nil
}

func (p *Pebble) ReadEvents(
	ctx context.Context,
	id stream.ID,
	selector version.Selector,
) event.Envelopes {
	return func(yield func(*event.Envelope, error) bool) {
		startKey := eventKeyFor(id, selector.From)
		prefix := eventKeyPrefixFor(id)

		//nolint:exhaustruct // Unnecessary.
		iter, err := p.db.NewIter(&pebble.IterOptions{
			LowerBound: startKey,
			UpperBound: prefixEndKey(prefix),
		})
		if err != nil {
			yield(nil, fault.Unavailable("read events: create iterator", err))
			return
		}
		defer iter.Close()

		for iter.First(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, fault.Unavailable("read events", err))
				return
			}

			eventVersion, err := parseEventKey(prefix, iter.Key())
			if err != nil {
				yield(nil, fmt.Errorf("read events: could not parse event key: %w", err))
				return
			}

			if selector.To > 0 && eventVersion > selector.To {
				return
			}

			var data pebbleEventData
			if err := json.Unmarshal(iter.Value(), &data); err != nil {
				yield(nil, fault.Serialization("read events: unmarshal event data", err))
				return
			}

			envelope := event.NewEnvelope(
				data.EventID,
				id,
				eventVersion,
				data.EventType,
				data.Payload,
				data.Metadata,
				data.OccurredAt,
			)

			if !yield(envelope, nil) {
				return
			}
		}
		if err := iter.Error(); err != nil {
			yield(nil, fault.Unavailable("read events: iterator error", err))
		}
	}
}

func (p *Pebble) Exists(ctx context.Context, id stream.ID) (bool, error) {
	v, err := p.CurrentVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return v > version.Zero, nil
}

func (p *Pebble) CurrentVersion(ctx context.Context, id stream.ID) (version.Version, error) {
	if err := ctx.Err(); err != nil {
		return version.Zero, fault.Unavailable("current version", err)
	}

	v, err := p.getStreamVersion(versionKeyFor(id))
	if err != nil {
		return version.Zero, fmt.Errorf("current version: %w", err)
	}
	return v, nil
}

// DangerouslyDeleteEventsUpTo permanently deletes all events for a stream up
// to and including the given version. It breaks the append-only contract and
// exists only for manual pruning after a snapshot has been taken. The stream
// version key is untouched so new appends keep their positions.
func (p *Pebble) DangerouslyDeleteEventsUpTo(
	ctx context.Context,
	id stream.ID,
	v version.Version,
) error {
	if err := ctx.Err(); err != nil {
		return fault.Unavailable("dangerously delete events", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := eventKeyFor(id, version.Zero)
	end := eventKeyFor(id, v+1)

	if err := p.db.DeleteRange(start, end, pebble.Sync); err != nil {
		return fault.Unavailable("dangerously delete events: delete range", err)
	}
	return nil
}

func (p *Pebble) getStreamVersion(key []byte) (version.Version, error) {
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return version.Zero, nil
		}
		return version.Zero, fault.Unavailable("get stream version", err)
	}
	defer closer.Close()

	return version.Version(binary.BigEndian.Uint64(value)), nil
}

const (
	uint64sizeBytes = 8
	slashSizeBytes  = 1
)

// Entities may legally contain the stream separator, so the ID is escaped
// before it goes into a slash-delimited key. Without this, "order/o" would
// iterate into "order/o/x"'s events.
var streamKeyEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

func escapeStreamID(id stream.ID) string {
	return streamKeyEscaper.Replace(id.String())
}

func versionKeyFor(id stream.ID) []byte {
	return append(append([]byte{}, versionKeyPrefix...), []byte(escapeStreamID(id))...)
}

func eventKeyPrefixFor(id stream.ID) []byte {
	return append(append([]byte{}, eventKeyPrefix...), []byte(escapeStreamID(id)+"/")...)
}

// Key structure: e/{escaped streamID}/[8-byte big-endian version]. Big-endian
// keeps lexicographic key order equal to version order.
func eventKeyFor(id stream.ID, v version.Version) []byte {
	idBytes := []byte(escapeStreamID(id))
	key := make([]byte, 0, len(eventKeyPrefix)+len(idBytes)+slashSizeBytes+uint64sizeBytes)
	key = append(key, eventKeyPrefix...)
	key = append(key, idBytes...)
	key = append(key, '/')
	key = binary.BigEndian.AppendUint64(key, uint64(v))
	return key
}

func parseEventKey(prefix, key []byte) (version.Version, error) {
	if !bytes.HasPrefix(key, prefix) {
		return 0, fmt.Errorf("invalid event key prefix: %q", key)
	}
	if len(key) != len(prefix)+uint64sizeBytes {
		return 0, fmt.Errorf("invalid event key length: %q", key)
	}

	versionBytes := key[len(key)-uint64sizeBytes:]
	return version.Version(binary.BigEndian.Uint64(versionBytes)), nil
}

// prefixEndKey returns the key that immediately follows all keys with the given prefix.
func prefixEndKey(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
