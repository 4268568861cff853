package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/pkg/timeutils"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

var _ event.Log = new(Memory)

// Memory is a thread-safe in-memory event log, useful for tests and
// single-process setups. Per-stream serialization comes from the store-wide
// mutex; distinct streams still contend on it, which is acceptable at this
// backend's scale.
type Memory struct {
	events         map[string][]*event.Envelope
	streamVersions map[string]version.Version
	clock          timeutils.TimeProvider
	mu             sync.RWMutex
}

type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for occurred_at stamping.
func WithMemoryClock(clock timeutils.TimeProvider) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// NewMemory creates a new in-memory event log.
func NewMemory(opts ...MemoryOption) *Memory {
	mem := &Memory{
		mu:             sync.RWMutex{},
		events:         make(map[string][]*event.Envelope),
		streamVersions: make(map[string]version.Version),
		clock:          timeutils.NewRealTimeProvider(),
	}

	for _, opt := range opts {
		opt(mem)
	}

	return mem
}

func (mem *Memory) AppendEvents(
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

	key := id.String()
	occurredAt := mem.clock.Now()

	mem.mu.Lock()
	defer mem.mu.Unlock()

	actual := mem.streamVersions[key]

	starting, err := resolveStartingVersion(expected, actual)
	if err != nil {
		return version.Zero, fmt.Errorf("append events: %w", err)
	}

	envelopes := events.ToEnvelopes(id, starting, occurredAt)
	mem.events[key] = append(mem.events[key], envelopes...)

	newStreamVersion := starting + version.Version(len(events))
	mem.streamVersions[key] = newStreamVersion

	return newStreamVersion, nil
}

func (mem *Memory) ReadEvents(
	ctx context.Context,
	id stream.ID,
	selector version.Selector,
) event.Envelopes {
	return func(yield func(*event.Envelope, error) bool) {
		mem.mu.RLock()
		defer mem.mu.RUnlock()

		envelopes, ok := mem.events[id.String()]
		if !ok {
			return
		}

		for _, envelope := range envelopes {
			if envelope.Version() < selector.From {
				continue
			}

			if selector.To > 0 && envelope.Version() > selector.To {
				break
			}

			if err := ctx.Err(); err != nil {
				yield(nil, fault.Unavailable("read events", err))
				return
			}

			if !yield(envelope, nil) {
				return
			}
		}
	}
}

func (mem *Memory) Exists(ctx context.Context, id stream.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fault.Unavailable("exists", err)
	}

	mem.mu.RLock()
	defer mem.mu.RUnlock()

	return mem.streamVersions[id.String()] > version.Zero, nil
}

func (mem *Memory) CurrentVersion(ctx context.Context, id stream.ID) (version.Version, error) {
	if err := ctx.Err(); err != nil {
		return version.Zero, fault.Unavailable("current version", err)
	}

	mem.mu.RLock()
	defer mem.mu.RUnlock()

	return mem.streamVersions[id.String()], nil
}

// DangerouslyDeleteEventsUpTo permanently deletes all events for a stream up
// to and including the given version. It breaks the append-only contract and
// exists only for manual pruning after a snapshot has been taken. The
// stream's current version is untouched so new appends keep their positions.
func (mem *Memory) DangerouslyDeleteEventsUpTo(
	ctx context.Context,
	id stream.ID,
	v version.Version,
) error {
	if err := ctx.Err(); err != nil {
		return fault.Unavailable("dangerously delete events", err)
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()

	key := id.String()
	envelopes, ok := mem.events[key]
	if !ok {
		return nil
	}

	n := 0
	for _, envelope := range envelopes {
		if envelope.Version() > v {
			envelopes[n] = envelope
			n++
		}
	}
	mem.events[key] = envelopes[:n]

	return nil
}
