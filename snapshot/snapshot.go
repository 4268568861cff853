// Package snapshot defines the snapshot record and the store interface used
// to persist point-in-time captures of folded stream state.
//
// Snapshots are an optimization: deleting every snapshot must never lose
// data, since the event log remains the source of truth. State is carried as
// opaque bytes; callers serialize their own state with a serde of their
// choosing.
package snapshot

import (
	"context"
	"time"

	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// Snapshot captures the folded state of a single stream as of Version.
// A replay that starts from a snapshot reads only events with versions
// greater than Version.
type Snapshot struct {
	StreamID stream.ID
	Version  version.Version
	State    []byte
	TakenAt  time.Time
}

// Store persists at most one snapshot per stream.
//
// Save follows last-greatest-wins semantics: a save is a no-op (not an
// error) when the store already holds a snapshot at an equal or greater
// version for the same stream. Concurrent saves at different versions must
// converge on the greatest version regardless of arrival order.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	LoadLatest(ctx context.Context, id stream.ID) (*Snapshot, bool, error)
}
