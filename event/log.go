package event

import (
	"context"

	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

type Reader interface {
	// ReadEvents returns the committed envelopes of a stream within the
	// selector bounds, ordered by version. A missing stream yields an empty
	// sequence, not an error.
	ReadEvents(ctx context.Context, id stream.ID, selector version.Selector) Envelopes
}

type Appender interface {
	// AppendEvents durably commits the batch as a single unit and returns the
	// stream's new current version. With version.CheckExact the commit fails
	// with *version.ConflictError unless the stream is at exactly that
	// version; with version.CheckAny the append is unconditional.
	AppendEvents(
		ctx context.Context,
		id stream.ID,
		expected version.Check,
		events RawEvents,
	) (version.Version, error)
}

// Log is the durable append/read surface over streams.
type Log interface {
	Appender
	Reader

	// Exists reports whether the stream has at least one committed event.
	Exists(ctx context.Context, id stream.ID) (bool, error)

	// CurrentVersion returns the version of the last committed event, or
	// version.Zero for a stream with no events.
	CurrentVersion(ctx context.Context, id stream.ID) (version.Version, error)
}
