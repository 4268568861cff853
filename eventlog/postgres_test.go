package eventlog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/eventlog"
	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/internal/testutils"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// TestPostgres_AppendEvents_BackendFailureIsRetryable forces the backend to
// reject an insert with a non-conflict error and checks the failure
// classifies as unavailable, so callers treat it as transient and retry
// instead of giving up.
func TestPostgres_AppendEvents_BackendFailureIsRetryable(t *testing.T) {
	db, cleanup, ok := testutils.SetupPostgres(t)
	if !ok {
		t.Skipf("set %s to run PostgreSQL tests", testutils.PostgresDSNEnv)
	}
	defer cleanup()

	pgLog, err := eventlog.NewPostgres(db)
	require.NoError(t, err)

	_, err = db.Exec(`
	CREATE OR REPLACE FUNCTION tidelog_test_reject_insert()
	RETURNS TRIGGER AS $$
	BEGIN
		RAISE EXCEPTION 'storage rejected the write';
	END;
	$$ LANGUAGE plpgsql;`)
	require.NoError(t, err)

	_, err = db.Exec(`
	CREATE TRIGGER trg_tidelog_test_reject_insert
	BEFORE INSERT ON tidelog_events
	FOR EACH ROW EXECUTE FUNCTION tidelog_test_reject_insert();`)
	require.NoError(t, err)

	defer func() {
		_, _ = db.Exec("DROP TRIGGER IF EXISTS trg_tidelog_test_reject_insert ON tidelog_events")
		_, _ = db.Exec("DROP FUNCTION IF EXISTS tidelog_test_reject_insert")
	}()

	streamID := stream.MustID("order", "o-backend-failure")
	_, err = pgLog.AppendEvents(t.Context(), streamID, version.CheckExact(0), event.RawEvents{
		event.NewRaw("order.created", nil),
	})
	require.Error(t, err)
	require.False(t, version.IsConflict(err))
	require.Equal(t, fault.KindUnavailable, fault.KindOf(err))
	require.True(t, fault.IsRetryable(err))
}
