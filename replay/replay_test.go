package replay_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/eventlog"
	"github.com/tidelog-io/tidelog/replay"
	"github.com/tidelog-io/tidelog/serde"
	"github.com/tidelog-io/tidelog/snapshot"
	"github.com/tidelog-io/tidelog/snapshotstore"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

type orderState struct {
	Total int `json:"total"`
	Items int `json:"items"`
}

func newOrderState() *orderState {
	return &orderState{}
}

func foldOrder(state *orderState, envelope *event.Envelope) (*orderState, error) {
	switch envelope.EventType() {
	case "order.item_added":
		var payload struct {
			Amount int `json:"amount"`
		}
		if err := json.Unmarshal(envelope.Payload(), &payload); err != nil {
			return nil, err
		}
		state.Total += payload.Amount
		state.Items++
		return state, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", envelope.EventType())
	}
}

// appendItems writes n item_added events with amounts 1..n.
func appendItems(t *testing.T, log event.Log, id stream.ID, n int) {
	t.Helper()

	events := make(event.RawEvents, n)
	for i := range n {
		events[i] = event.NewRaw(
			"order.item_added",
			fmt.Appendf(nil, `{"amount": %d}`, i+1),
		)
	}

	_, err := log.AppendEvents(t.Context(), id, version.CheckAny{}, events)
	require.NoError(t, err)
}

func TestReplay_EmptyStream(t *testing.T) {
	log := eventlog.NewMemory()
	coordinator := replay.NewCoordinator(log, newOrderState, foldOrder)

	state, v, err := coordinator.Replay(t.Context(), stream.MustID("order", "r-empty"))
	require.NoError(t, err)
	require.Equal(t, version.Zero, v)
	require.Equal(t, &orderState{}, state)
}

func TestReplay_FoldsFullHistory(t *testing.T) {
	log := eventlog.NewMemory()
	streamID := stream.MustID("order", "r-full")
	appendItems(t, log, streamID, 5)

	coordinator := replay.NewCoordinator(log, newOrderState, foldOrder)

	state, v, err := coordinator.Replay(t.Context(), streamID)
	require.NoError(t, err)
	require.Equal(t, version.Version(5), v)
	require.Equal(t, &orderState{Total: 15, Items: 5}, state)
}

func TestReplayTo_BoundsTheFold(t *testing.T) {
	log := eventlog.NewMemory()
	streamID := stream.MustID("order", "r-bounded")
	appendItems(t, log, streamID, 5)

	coordinator := replay.NewCoordinator(log, newOrderState, foldOrder)

	state, v, err := coordinator.ReplayTo(t.Context(), streamID, 3)
	require.NoError(t, err)
	require.Equal(t, version.Version(3), v)
	require.Equal(t, &orderState{Total: 6, Items: 3}, state)
}

// TestReplay_FromSnapshot_EqualsFullReplay pins the central snapshot
// guarantee: starting from a snapshot and folding the delta produces exactly
// the state a from-scratch replay would.
func TestReplay_FromSnapshot_EqualsFullReplay(t *testing.T) {
	log := eventlog.NewMemory()
	snapStore := snapshotstore.NewMemory()
	streamID := stream.MustID("order", "r-snap")
	appendItems(t, log, streamID, 13)

	stateSerde := serde.NewJSON(newOrderState)

	// Full replay is the reference.
	full := replay.NewCoordinator(log, newOrderState, foldOrder)
	wantState, wantVersion, err := full.Replay(t.Context(), streamID)
	require.NoError(t, err)
	require.Equal(t, version.Version(13), wantVersion)

	// Snapshot the state as of version 10.
	atTen, _, err := full.ReplayTo(t.Context(), streamID, 10)
	require.NoError(t, err)
	stateBytes, err := stateSerde.Serialize(atTen)
	require.NoError(t, err)
	require.NoError(t, snapStore.Save(t.Context(), &snapshot.Snapshot{
		StreamID: streamID,
		Version:  10,
		State:    stateBytes,
		TakenAt:  time.Now(),
	}))

	floored := replay.NewCoordinator(log, newOrderState, foldOrder,
		replay.WithSnapshots(snapStore, stateSerde))

	gotState, gotVersion, err := floored.Replay(t.Context(), streamID)
	require.NoError(t, err)
	require.Equal(t, wantVersion, gotVersion)
	require.Equal(t, wantState, gotState)
}

// TestReplayTo_IgnoresSnapshotAboveBound verifies a snapshot newer than the
// requested bound is skipped rather than folded past the target version.
func TestReplayTo_IgnoresSnapshotAboveBound(t *testing.T) {
	log := eventlog.NewMemory()
	snapStore := snapshotstore.NewMemory()
	streamID := stream.MustID("order", "r-snap-bound")
	appendItems(t, log, streamID, 13)

	stateSerde := serde.NewJSON(newOrderState)
	stateBytes, err := stateSerde.Serialize(&orderState{Total: 55, Items: 10})
	require.NoError(t, err)
	require.NoError(t, snapStore.Save(t.Context(), &snapshot.Snapshot{
		StreamID: streamID,
		Version:  10,
		State:    stateBytes,
		TakenAt:  time.Now(),
	}))

	coordinator := replay.NewCoordinator(log, newOrderState, foldOrder,
		replay.WithSnapshots(snapStore, stateSerde))

	state, v, err := coordinator.ReplayTo(t.Context(), streamID, 3)
	require.NoError(t, err)
	require.Equal(t, version.Version(3), v)
	require.Equal(t, &orderState{Total: 6, Items: 3}, state)
}

func TestReplay_FoldErrorPropagates(t *testing.T) {
	log := eventlog.NewMemory()
	streamID := stream.MustID("order", "r-fold-err")
	appendItems(t, log, streamID, 2)

	foldErr := errors.New("fold blew up")
	coordinator := replay.NewCoordinator(log, newOrderState,
		func(*orderState, *event.Envelope) (*orderState, error) {
			return nil, foldErr
		})

	_, _, err := coordinator.Replay(t.Context(), streamID)
	require.ErrorIs(t, err, foldErr)
}
