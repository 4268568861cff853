package snapshot

import (
	"context"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/version"
)

// Policy decides whether a snapshot should be taken after a successful
// append moved a stream from previousVersion to newVersion.
type Policy func(
	ctx context.Context,
	previousVersion version.Version,
	newVersion version.Version,
	committed []*event.Envelope,
) bool

const DefaultSnapshotFrequency = 100 // A sensible default

// EveryNEvents snapshots whenever an append crosses a multiple of n.
// A batch append that jumps over the boundary still triggers exactly one
// snapshot.
func EveryNEvents(n uint64) Policy {
	if n == 0 {
		return Never()
	}

	return func(_ context.Context, previousVersion, newVersion version.Version, _ []*event.Envelope) bool {
		nextSnapshotVersion := (uint64(previousVersion)/n + 1) * n
		return uint64(newVersion) >= nextSnapshotVersion
	}
}

// Never disables snapshotting.
func Never() Policy {
	return func(_ context.Context, _, _ version.Version, _ []*event.Envelope) bool {
		return false
	}
}

// OnEventType snapshots whenever an event of one of the given types was
// committed. Useful for rare, state-resetting events.
func OnEventType(eventTypes ...string) Policy {
	if len(eventTypes) == 0 {
		return Never()
	}

	typesToMatch := make(map[string]struct{}, len(eventTypes))
	for _, name := range eventTypes {
		typesToMatch[name] = struct{}{}
	}

	return func(_ context.Context, _, _ version.Version, committed []*event.Envelope) bool {
		for _, envelope := range committed {
			if _, ok := typesToMatch[envelope.EventType()]; ok {
				return true
			}
		}

		return false
	}
}
