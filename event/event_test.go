package event_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

func TestRawEvents_ToEnvelopes(t *testing.T) {
	streamID := stream.MustID("order", "o-1")
	occurredAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	raw := event.RawEvents{
		event.NewRaw("order.created", []byte(`{"total": 0}`)),
		event.NewRaw("order.item_added", []byte(`{"sku": "a"}`)).
			WithMetadata(map[string]string{"correlation_id": "abc"}),
	}

	envelopes := raw.ToEnvelopes(streamID, 4, occurredAt)
	require.Len(t, envelopes, 2)

	require.Equal(t, version.Version(5), envelopes[0].Version())
	require.Equal(t, version.Version(6), envelopes[1].Version())
	require.Equal(t, "order.created", envelopes[0].EventType())
	require.Equal(t, streamID, envelopes[0].StreamID())
	require.Nil(t, envelopes[0].Metadata())
	require.Equal(t, map[string]string{"correlation_id": "abc"}, envelopes[1].Metadata())

	// Identity is assigned at stamping time, one fresh ID per event.
	require.NotEqual(t, uuid.Nil, envelopes[0].ID())
	require.NotEqual(t, envelopes[0].ID(), envelopes[1].ID())

	// The whole batch shares one timestamp.
	require.True(t, occurredAt.Equal(envelopes[0].OccurredAt()))
	require.True(t, occurredAt.Equal(envelopes[1].OccurredAt()))
}

func TestRaw_WithMetadata_DoesNotMutateReceiver(t *testing.T) {
	original := event.NewRaw("order.created", nil)
	tagged := original.WithMetadata(map[string]string{"k": "v"})

	require.Nil(t, original.Metadata())
	require.Equal(t, map[string]string{"k": "v"}, tagged.Metadata())
}

func TestEnvelopes_Collect(t *testing.T) {
	streamID := stream.MustID("order", "o-collect")
	first := event.NewEnvelope(uuid.New(), streamID, 1, "order.created", nil, nil, time.Now())
	second := event.NewEnvelope(uuid.New(), streamID, 2, "order.paid", nil, nil, time.Now())

	var iter event.Envelopes = func(yield func(*event.Envelope, error) bool) {
		if !yield(first, nil) {
			return
		}
		yield(second, nil)
	}

	collected, err := iter.Collect()
	require.NoError(t, err)
	require.Equal(t, []*event.Envelope{first, second}, collected)
}

func TestEnvelopes_Collect_StopsOnError(t *testing.T) {
	streamID := stream.MustID("order", "o-collect-err")
	first := event.NewEnvelope(uuid.New(), streamID, 1, "order.created", nil, nil, time.Now())
	readErr := errors.New("backend gone")

	var iter event.Envelopes = func(yield func(*event.Envelope, error) bool) {
		if !yield(first, nil) {
			return
		}
		yield(nil, readErr)
	}

	_, err := iter.Collect()
	require.ErrorIs(t, err, readErr)
}
