package snapshot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/pkg/timeutils"
	"github.com/tidelog-io/tidelog/snapshot"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

type recordingStore struct {
	saved   []*snapshot.Snapshot
	saveErr error
}

func (s *recordingStore) Save(_ context.Context, snap *snapshot.Snapshot) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *recordingStore) LoadLatest(_ context.Context, _ stream.ID) (*snapshot.Snapshot, bool, error) {
	if len(s.saved) == 0 {
		return nil, false, nil
	}
	return s.saved[len(s.saved)-1], true, nil
}

func TestWriter_AfterAppend_SavesOnPolicyTrigger(t *testing.T) {
	store := &recordingStore{}
	pinned := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	writer := snapshot.NewWriter(store, snapshot.EveryNEvents(10),
		snapshot.WithWriterClock(timeutils.Fixed(pinned)))

	streamID := stream.MustID("order", "w-1")
	state := func(context.Context) ([]byte, error) {
		return []byte(`{"total": 5}`), nil
	}

	saved := writer.AfterAppend(t.Context(), streamID, 0, 5, nil, state)
	require.False(t, saved)
	require.Empty(t, store.saved)

	saved = writer.AfterAppend(t.Context(), streamID, 5, 10, nil, state)
	require.True(t, saved)
	require.Len(t, store.saved, 1)
	require.Equal(t, streamID, store.saved[0].StreamID)
	require.Equal(t, version.Version(10), store.saved[0].Version)
	require.Equal(t, []byte(`{"total": 5}`), store.saved[0].State)
	require.True(t, pinned.Equal(store.saved[0].TakenAt))
}

// TestWriter_AfterAppend_SwallowsSaveFailure pins the contract that a failed
// snapshot save never propagates: the append already committed, the snapshot
// is only an optimization.
func TestWriter_AfterAppend_SwallowsSaveFailure(t *testing.T) {
	store := &recordingStore{saveErr: errors.New("store down")}
	writer := snapshot.NewWriter(store, snapshot.EveryNEvents(1))

	saved := writer.AfterAppend(
		t.Context(),
		stream.MustID("order", "w-2"),
		0, 1, nil,
		func(context.Context) ([]byte, error) { return []byte(`{}`), nil },
	)

	require.False(t, saved)
	require.Empty(t, store.saved)
}

func TestWriter_AfterAppend_SwallowsStateFailure(t *testing.T) {
	store := &recordingStore{}
	writer := snapshot.NewWriter(store, snapshot.EveryNEvents(1))

	saved := writer.AfterAppend(
		t.Context(),
		stream.MustID("order", "w-3"),
		0, 1, nil,
		func(context.Context) ([]byte, error) { return nil, errors.New("cannot serialize") },
	)

	require.False(t, saved)
	require.Empty(t, store.saved)
}
