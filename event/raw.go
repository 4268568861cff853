package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// Raw is an event that has not been persisted yet: a type tag, an opaque
// payload and optional metadata. Versions, IDs and timestamps are assigned
// by the log on append.
type Raw struct {
	eventType string
	payload   []byte
	metadata  map[string]string
}

func NewRaw(eventType string, payload []byte) Raw {
	return Raw{
		eventType: eventType,
		payload:   payload,
		metadata:  nil,
	}
}

// WithMetadata returns a copy of the raw event carrying the given metadata.
func (r Raw) WithMetadata(metadata map[string]string) Raw {
	r.metadata = metadata
	return r
}

func (r *Raw) EventType() string { return r.eventType }

func (r *Raw) Payload() []byte { return r.payload }

func (r *Raw) Metadata() map[string]string { return r.metadata }

type RawEvents []Raw

// ToEnvelopes stamps the batch: consecutive versions starting at
// startingVersion+1, a fresh unique ID per event and the append timestamp.
func (re RawEvents) ToEnvelopes(
	id stream.ID,
	startingVersion version.Version,
	occurredAt time.Time,
) []*Envelope {
	envelopes := make([]*Envelope, len(re))

	for i, raw := range re {
		//nolint:gosec // It's not a problem in practice.
		envelopes[i] = NewEnvelope(
			uuid.New(),
			id,
			startingVersion+version.Version(i+1),
			raw.eventType,
			raw.payload,
			raw.metadata,
			occurredAt,
		)
	}

	return envelopes
}
