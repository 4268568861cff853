package snapshot

import (
	"context"
	"log/slog"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/pkg/timeutils"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// StateFunc materializes the caller's folded state as opaque bytes. It is
// only invoked when the policy decides a snapshot should be taken.
type StateFunc func(ctx context.Context) ([]byte, error)

// Writer applies a Policy after successful appends and saves snapshots
// through a Store.
//
// Snapshot persistence is strictly best-effort: a failed save is logged and
// swallowed, never surfaced to the append path. The event log has already
// committed; losing a snapshot only costs replay time.
type Writer struct {
	store  Store
	policy Policy
	clock  timeutils.TimeProvider
	logger *slog.Logger
}

type WriterOption func(*Writer)

// WithWriterClock overrides the clock used for the TakenAt timestamp.
func WithWriterClock(clock timeutils.TimeProvider) WriterOption {
	return func(w *Writer) {
		w.clock = clock
	}
}

// WithWriterLogger sets the logger used to report failed snapshot saves.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

func NewWriter(store Store, policy Policy, opts ...WriterOption) *Writer {
	w := &Writer{
		store:  store,
		policy: policy,
		clock:  timeutils.NewRealTimeProvider(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// AfterAppend evaluates the policy for an append that moved the stream from
// previousVersion to newVersion. If the policy triggers, it materializes the
// state and saves a snapshot at newVersion. It reports whether a snapshot
// was saved.
func (w *Writer) AfterAppend(
	ctx context.Context,
	id stream.ID,
	previousVersion version.Version,
	newVersion version.Version,
	committed []*event.Envelope,
	state StateFunc,
) bool {
	if !w.policy(ctx, previousVersion, newVersion, committed) {
		return false
	}

	data, err := state(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "snapshot state materialization failed",
			"stream_id", id.String(),
			"version", uint64(newVersion),
			"error", err,
		)
		return false
	}

	snap := &Snapshot{
		StreamID: id,
		Version:  newVersion,
		State:    data,
		TakenAt:  w.clock.Now(),
	}

	if err := w.store.Save(ctx, snap); err != nil {
		w.logger.WarnContext(ctx, "snapshot save failed",
			"stream_id", id.String(),
			"version", uint64(newVersion),
			"error", err,
		)
		return false
	}

	return true
}
