package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// Envelope is one persisted event: the opaque payload plus the identity and
// ordering metadata assigned by the store. Envelopes are immutable; they are
// created only through a successful append and never updated afterwards.
type Envelope struct {
	id         uuid.UUID
	streamID   stream.ID
	version    version.Version
	eventType  string
	payload    []byte
	metadata   map[string]string
	occurredAt time.Time
}

func NewEnvelope(
	id uuid.UUID,
	streamID stream.ID,
	v version.Version,
	eventType string,
	payload []byte,
	metadata map[string]string,
	occurredAt time.Time,
) *Envelope {
	return &Envelope{
		id:         id,
		streamID:   streamID,
		version:    v,
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		occurredAt: occurredAt,
	}
}

func (e *Envelope) ID() uuid.UUID { return e.id }

func (e *Envelope) StreamID() stream.ID { return e.streamID }

func (e *Envelope) Version() version.Version { return e.version }

// EventType is the schema discriminator consumers use to pick a
// deserializer. The store never interprets it.
func (e *Envelope) EventType() string { return e.eventType }

// Payload is the serialized event body. Callers must not mutate it.
func (e *Envelope) Payload() []byte { return e.payload }

// Metadata carries auxiliary context such as causation or correlation
// identifiers. It is uninterpreted by the store and may be nil.
func (e *Envelope) Metadata() map[string]string { return e.metadata }

// OccurredAt is assigned by the store at append time, once per batch.
func (e *Envelope) OccurredAt() time.Time { return e.occurredAt }

// Envelopes is a lazy, finite, restartable sequence of envelopes. Since the
// log is append-only, iterating twice with the same bounds yields the same
// data.
type Envelopes func(yield func(*Envelope, error) bool)

// Collect drains the sequence into a slice, stopping at the first error.
func (es Envelopes) Collect() ([]*Envelope, error) {
	var out []*Envelope
	for e, err := range es {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
