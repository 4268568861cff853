// Package snapshotstore provides snapshot.Store implementations backed by
// memory, SQLite, and PostgreSQL.
package snapshotstore

import (
	"context"
	"slices"
	"sync"

	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/snapshot"
	"github.com/tidelog-io/tidelog/stream"
)

var _ snapshot.Store = (*Memory)(nil)

// Memory is an in-memory snapshot store. Useful for tests and for
// applications where losing snapshots on restart is acceptable.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]*snapshot.Snapshot
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]*snapshot.Snapshot),
	}
}

// Save stores the snapshot unless an equal or greater version is already
// held for the same stream.
func (s *Memory) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fault.Unavailable("save snapshot", err)
	}

	key := snap.StreamID.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.snapshots[key]; ok && existing.Version >= snap.Version {
		return nil
	}

	stored := *snap
	stored.State = slices.Clone(snap.State)
	s.snapshots[key] = &stored

	return nil
}

func (s *Memory) LoadLatest(ctx context.Context, id stream.ID) (*snapshot.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fault.Unavailable("load latest snapshot", err)
	}

	s.mu.RLock()
	stored, ok := s.snapshots[id.String()]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	snap := *stored
	snap.State = slices.Clone(stored.State)

	return &snap, true, nil
}
