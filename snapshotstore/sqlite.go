package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/snapshot"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

var _ snapshot.Store = (*Sqlite)(nil)

// Sqlite is a snapshot store backed by a SQLite database. The
// last-greatest-wins rule is enforced in the upsert itself, so concurrent
// savers converge on the greatest version regardless of arrival order.
type Sqlite struct {
	db *sql.DB
}

func NewSqlite(db *sql.DB) (*Sqlite, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tidelog_snapshots (
			stream_id TEXT    PRIMARY KEY,
			version   INTEGER NOT NULL,
			state     BLOB,
			taken_at  INTEGER NOT NULL
		);`); err != nil {
		return nil, fmt.Errorf("new sqlite snapshot store: create snapshots table failed: %w", err)
	}

	return &Sqlite{db: db}, nil
}

// Save upserts the snapshot. The WHERE clause on the conflict action makes
// a stale save (version <= stored version) a silent no-op.
func (s *Sqlite) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tidelog_snapshots (stream_id, version, state, taken_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET
			version  = excluded.version,
			state    = excluded.state,
			taken_at = excluded.taken_at
		WHERE excluded.version > tidelog_snapshots.version;`,
		snap.StreamID.String(),
		snap.Version,
		snap.State,
		snap.TakenAt.UnixNano(),
	)
	if err != nil {
		return fault.Unavailable("save snapshot: exec upsert", err)
	}

	return nil
}

func (s *Sqlite) LoadLatest(ctx context.Context, id stream.ID) (*snapshot.Snapshot, bool, error) {
	var (
		v           uint64
		state       []byte
		takenAtNano int64
	)

	err := s.db.QueryRowContext(ctx,
		"SELECT version, state, taken_at FROM tidelog_snapshots WHERE stream_id = ?",
		id.String(),
	).Scan(&v, &state, &takenAtNano)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fault.Unavailable("load latest snapshot: query row", err)
	}

	return &snapshot.Snapshot{
		StreamID: id,
		Version:  version.Version(v),
		State:    state,
		TakenAt:  time.Unix(0, takenAtNano),
	}, true, nil
}
