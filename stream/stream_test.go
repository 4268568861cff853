package stream_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/stream"
)

func TestNewID(t *testing.T) {
	id, err := stream.NewID("order", "o-123")
	require.NoError(t, err)
	require.Equal(t, "order", id.Type())
	require.Equal(t, "o-123", id.Entity())
	require.Equal(t, "order/o-123", id.String())
	require.False(t, id.IsZero())
}

func TestNewID_Validation(t *testing.T) {
	_, err := stream.NewID("", "o-123")
	require.ErrorIs(t, err, stream.ErrEmptyType)

	_, err = stream.NewID("order", "")
	require.ErrorIs(t, err, stream.ErrEmptyEntity)
}

func TestParseID(t *testing.T) {
	id, err := stream.ParseID("order/o-123")
	require.NoError(t, err)
	require.Equal(t, "order", id.Type())
	require.Equal(t, "o-123", id.Entity())
}

func TestParseID_RoundTrip(t *testing.T) {
	original := stream.MustID("account", "a-42")

	parsed, err := stream.ParseID(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseID_Invalid(t *testing.T) {
	for _, input := range []string{"", "order", "/o-123", "order/"} {
		_, err := stream.ParseID(input)
		require.Error(t, err, "input %q", input)
	}
}

func TestMustID_PanicsOnInvalid(t *testing.T) {
	require.Panics(t, func() {
		stream.MustID("", "o-123")
	})
}

func TestID_IsZero(t *testing.T) {
	var id stream.ID
	require.True(t, id.IsZero())
}
