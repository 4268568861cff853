package version_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/version"
)

func TestCheckExact(t *testing.T) {
	check := version.CheckExact(3)

	require.NoError(t, check.CheckExact(3))

	err := check.CheckExact(5)
	require.Error(t, err)

	var conflictErr *version.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Equal(t, version.Version(3), conflictErr.Expected)
	require.Equal(t, version.Version(5), conflictErr.Actual)
}

func TestIsConflict(t *testing.T) {
	conflict := version.NewConflictError(1, 3)

	require.True(t, version.IsConflict(conflict))
	require.True(t, version.IsConflict(fmt.Errorf("append: %w", conflict)))
	require.False(t, version.IsConflict(errors.New("not a conflict")))
	require.False(t, version.IsConflict(nil))
}

func TestConflictError_Message(t *testing.T) {
	err := version.NewConflictError(1, 3)
	require.Contains(t, err.Error(), "expected stream version 1")
	require.Contains(t, err.Error(), "actual 3")
}
