// Package tidelog is an event-sourcing persistence core: append-only event
// streams with optimistic concurrency, snapshots to bound replay cost, and a
// coordinator that folds history back into state.
//
// The facade below wires the subpackages together; applications that need
// finer control use eventlog, snapshot, snapshotstore and replay directly.
package tidelog

import (
	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/replay"
	"github.com/tidelog-io/tidelog/serde"
	"github.com/tidelog-io/tidelog/snapshot"
)

// Coordinators.
func NewReplayCoordinator[S any](
	log event.Reader,
	initial func() S,
	fold replay.FoldFunc[S],
	opts ...replay.CoordinatorOption[S],
) *replay.Coordinator[S] {
	return replay.NewCoordinator(log, initial, fold, opts...)
}

// Snapshot writers.
func NewSnapshotWriter(
	store snapshot.Store,
	policy snapshot.Policy,
	opts ...snapshot.WriterOption,
) *snapshot.Writer {
	return snapshot.NewWriter(store, policy, opts...)
}

// Serdes.
func NewJSONStateSerde[S any](factory func() S) serde.Fused[S, []byte] {
	return serde.NewJSON(factory)
}
