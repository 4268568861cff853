package snapshotstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/internal/testutils"
	"github.com/tidelog-io/tidelog/snapshot"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// Test_SaveAndLoadLatest covers the happy path: a saved snapshot comes back
// intact, and a newer save replaces it.
func Test_SaveAndLoadLatest(t *testing.T) {
	stores, closeDBs := testutils.SetupSnapStores(t)
	defer closeDBs()

	for _, s := range stores {
		t.Run(s.Name, func(t *testing.T) {
			streamID := stream.MustID("order", "s-roundtrip")
			ctx := t.Context()

			require.NoError(t, s.Store.Save(ctx, &snapshot.Snapshot{
				StreamID: streamID,
				Version:  10,
				State:    []byte(`{"total": 100}`),
				TakenAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			}))

			loaded, found, err := s.Store.LoadLatest(ctx, streamID)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, version.Version(10), loaded.Version)
			require.Equal(t, []byte(`{"total": 100}`), loaded.State)

			require.NoError(t, s.Store.Save(ctx, &snapshot.Snapshot{
				StreamID: streamID,
				Version:  20,
				State:    []byte(`{"total": 250}`),
				TakenAt:  time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
			}))

			loaded, found, err = s.Store.LoadLatest(ctx, streamID)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, version.Version(20), loaded.Version)
			require.Equal(t, []byte(`{"total": 250}`), loaded.State)
		})
	}
}

// Test_LoadLatest_Missing verifies a stream without a snapshot reports
// absence without an error.
func Test_LoadLatest_Missing(t *testing.T) {
	stores, closeDBs := testutils.SetupSnapStores(t)
	defer closeDBs()

	for _, s := range stores {
		t.Run(s.Name, func(t *testing.T) {
			loaded, found, err := s.Store.LoadLatest(t.Context(), stream.MustID("order", "s-missing"))
			require.NoError(t, err)
			require.False(t, found)
			require.Nil(t, loaded)
		})
	}
}

// Test_Save_LastGreatestWins verifies racing savers converge on the greatest
// version no matter the arrival order: a stale save never clobbers a newer
// snapshot and never errors.
func Test_Save_LastGreatestWins(t *testing.T) {
	stores, closeDBs := testutils.SetupSnapStores(t)
	defer closeDBs()

	for _, s := range stores {
		t.Run(s.Name, func(t *testing.T) {
			streamID := stream.MustID("order", "s-race")
			ctx := t.Context()

			// Newer snapshot lands first.
			require.NoError(t, s.Store.Save(ctx, &snapshot.Snapshot{
				StreamID: streamID,
				Version:  8,
				State:    []byte(`"at-8"`),
				TakenAt:  time.Now(),
			}))

			// The straggler at version 5 must be a silent no-op.
			require.NoError(t, s.Store.Save(ctx, &snapshot.Snapshot{
				StreamID: streamID,
				Version:  5,
				State:    []byte(`"at-5"`),
				TakenAt:  time.Now(),
			}))

			loaded, found, err := s.Store.LoadLatest(ctx, streamID)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, version.Version(8), loaded.Version)
			require.Equal(t, []byte(`"at-8"`), loaded.State)
		})
	}
}

// Test_Save_IsolatedPerStream verifies snapshots for different streams do
// not interfere.
func Test_Save_IsolatedPerStream(t *testing.T) {
	stores, closeDBs := testutils.SetupSnapStores(t)
	defer closeDBs()

	for _, s := range stores {
		t.Run(s.Name, func(t *testing.T) {
			ctx := t.Context()
			first := stream.MustID("order", "s-iso-1")
			second := stream.MustID("order", "s-iso-2")

			require.NoError(t, s.Store.Save(ctx, &snapshot.Snapshot{
				StreamID: first, Version: 3, State: []byte(`"one"`), TakenAt: time.Now(),
			}))
			require.NoError(t, s.Store.Save(ctx, &snapshot.Snapshot{
				StreamID: second, Version: 7, State: []byte(`"two"`), TakenAt: time.Now(),
			}))

			loaded, found, err := s.Store.LoadLatest(ctx, first)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, version.Version(3), loaded.Version)
			require.Equal(t, []byte(`"one"`), loaded.State)
		})
	}
}
