package snapshotstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/pkg/migrations"
	"github.com/tidelog-io/tidelog/snapshot"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

// Compile-time check to ensure Postgres store implements the snapshot.Store interface.
var _ snapshot.Store = (*Postgres)(nil)

// Postgres provides a PostgreSQL-backed implementation of snapshot.Store.
// It stores snapshots in the `tidelog_snapshots` table, using an "UPSERT"
// operation guarded by a version comparison so that only a strictly greater
// version replaces the stored snapshot. Schema management is handled via
// `goose` migrations.
type Postgres struct {
	db    *sql.DB
	mopts migrations.Options
}

// PostgresOption is a function that configures a Postgres store instance.
type PostgresOption func(*Postgres)

// WithPGMigrations allows customizing the migration behavior, such as
// skipping migrations or providing a custom logger.
func WithPGMigrations(options migrations.Options) PostgresOption {
	return func(p *Postgres) {
		p.mopts = options
	}
}

//go:embed postgresmigrations/*.sql
var postgresMigrations embed.FS

// NewPostgres creates and returns a new PostgreSQL-backed snapshot store.
//
// Upon initialization, it runs database migrations using goose to ensure the
// necessary `tidelog_snapshots` table exists. The snapshot state is stored in
// a `BYTEA` column, so any byte serialization works.
func NewPostgres(db *sql.DB, opts ...PostgresOption) (*Postgres, error) {
	s := &Postgres{
		db: db,
		mopts: migrations.Options{
			SkipMigrations: false,
			Logger:         migrations.NopLogger(),
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.mopts.SkipMigrations {
		return s, nil
	}

	if err := migrations.RunMigrations(migrations.Migrations{
		DB:      db,
		Fsys:    postgresMigrations,
		Logger:  s.mopts.Logger,
		Dialect: "pgx",
		Dir:     "postgresmigrations",
	}); err != nil {
		return nil, fmt.Errorf("new postgres snapshot store: %w", err)
	}

	return s, nil
}

// Save upserts the snapshot. A save at a version less than or equal to the
// stored version is a no-op, so racing savers always converge on the
// greatest version.
func (s *Postgres) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tidelog_snapshots (stream_id, version, state, taken_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (stream_id) DO UPDATE SET
            version  = EXCLUDED.version,
            state    = EXCLUDED.state,
            taken_at = EXCLUDED.taken_at
        WHERE EXCLUDED.version > tidelog_snapshots.version;
    `, snap.StreamID.String(), snap.Version, snap.State, snap.TakenAt.UTC())
	if err != nil {
		return fault.Unavailable("save snapshot: exec upsert", err)
	}

	return nil
}

// LoadLatest retrieves the stored snapshot for a stream. It returns the
// snapshot, a boolean indicating whether one was found, and an error. A
// missing snapshot returns `false` and a nil error, which is the expected
// outcome for a stream that has not crossed a snapshot boundary yet.
func (s *Postgres) LoadLatest(ctx context.Context, id stream.ID) (*snapshot.Snapshot, bool, error) {
	var (
		v       uint64
		state   []byte
		takenAt time.Time
	)

	const qLoadLatest = "SELECT version, state, taken_at FROM tidelog_snapshots WHERE stream_id = $1"
	err := s.db.QueryRowContext(ctx, qLoadLatest, id.String()).Scan(&v, &state, &takenAt)
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
		TakenAt:  takenAt,
	}, true, nil
}
