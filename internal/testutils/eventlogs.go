// Package testutils wires up every available backend so conformance tests
// can run the same scenarios against all of them.
package testutils

import (
	"database/sql"
	"os"
	"testing"

	"github.com/cockroachdb/pebble"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	_ "github.com/mattn/go-sqlite3" // database/sql driver "sqlite3"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/eventlog"
	"github.com/tidelog-io/tidelog/snapshot"
	"github.com/tidelog-io/tidelog/snapshotstore"
)

// PostgresDSNEnv names the environment variable that, when set, adds the
// PostgreSQL-backed implementations to the conformance fixtures. Without it
// the suites run against the embedded backends only.
const PostgresDSNEnv = "TIDELOG_POSTGRES_DSN"

// NATSURLEnv names the environment variable that, when set, adds the NATS
// JetStream event log to the conformance fixtures.
const NATSURLEnv = "TIDELOG_NATS_URL"

type EventLog struct {
	Name string
	Log  event.Log
}

type SnapStore struct {
	Name  string
	Store snapshot.Store
}

// SetupEventLogs returns one fixture per available event log backend and a
// cleanup function that must run after the fixtures are no longer used.
func SetupEventLogs(t *testing.T) ([]EventLog, func()) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "sqlite-*.db")
	require.NoError(t, err)

	sqliteDB, err := sql.Open("sqlite3", f.Name())
	require.NoError(t, err)

	sqliteLog, err := eventlog.NewSqlite(sqliteDB)
	require.NoError(t, err)

	pebbleDB, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)

	logs := []EventLog{
		{
			Name: "memory log",
			Log:  eventlog.NewMemory(),
		},
		{
			Name: "sqlite log",
			Log:  sqliteLog,
		},
		{
			Name: "pebble log",
			Log:  eventlog.NewPebble(pebbleDB),
		},
	}

	cleanupPostgres := func() {}
	if pg, cleanup, ok := SetupPostgres(t); ok {
		postgresLog, err := eventlog.NewPostgres(pg)
		require.NoError(t, err)
		logs = append(logs, EventLog{Name: "postgres log", Log: postgresLog})
		cleanupPostgres = cleanup
	}

	cleanupNATS := func() {}
	if natsURL := os.Getenv(NATSURLEnv); natsURL != "" {
		nc, err := nats.Connect(natsURL)
		require.NoError(t, err)

		natsLog, err := eventlog.NewNATSJetStream(nc)
		require.NoError(t, err)
		logs = append(logs, EventLog{Name: "nats jetstream log", Log: natsLog})
		cleanupNATS = nc.Close
	}

	return logs, func() {
		require.NoError(t, sqliteDB.Close())
		require.NoError(t, pebbleDB.Close())
		cleanupPostgres()
		cleanupNATS()
	}
}

// SetupSnapStores returns one fixture per available snapshot store backend
// and a cleanup function.
func SetupSnapStores(t *testing.T) ([]SnapStore, func()) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "sqlite-*.db")
	require.NoError(t, err)

	sqliteDB, err := sql.Open("sqlite3", f.Name())
	require.NoError(t, err)

	sqliteStore, err := snapshotstore.NewSqlite(sqliteDB)
	require.NoError(t, err)

	stores := []SnapStore{
		{
			Name:  "memory snapshot store",
			Store: snapshotstore.NewMemory(),
		},
		{
			Name:  "sqlite snapshot store",
			Store: sqliteStore,
		},
	}

	cleanupPostgres := func() {}
	if pg, cleanup, ok := SetupPostgres(t); ok {
		pgStore, err := snapshotstore.NewPostgres(pg)
		require.NoError(t, err)
		stores = append(stores, SnapStore{Name: "postgres snapshot store", Store: pgStore})
		cleanupPostgres = cleanup
	}

	return stores, func() {
		require.NoError(t, sqliteDB.Close())
		cleanupPostgres()
	}
}

// SetupPostgres connects to the database named by PostgresDSNEnv. The third
// return value is false when the variable is unset, so suites silently run
// without the PostgreSQL fixtures on machines that lack one.
func SetupPostgres(t *testing.T) (*sql.DB, func(), bool) {
	t.Helper()

	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		return nil, nil, false
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	cleanup := func() {
		_, _ = db.Exec("DROP TABLE IF EXISTS tidelog_events")
		_, _ = db.Exec("DROP TABLE IF EXISTS tidelog_snapshots")
		_, _ = db.Exec("DROP TABLE IF EXISTS goose_db_version")
		_ = db.Close()
	}

	return db, cleanup, true
}

// CollectEnvelopes drains an iterator, failing the test on any yielded error.
func CollectEnvelopes(t *testing.T, records event.Envelopes) []*event.Envelope {
	t.Helper()
	collected, err := records.Collect()
	require.NoError(t, err)

	return collected
}
