package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/pkg/timeutils"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

var _ event.Log = (*Postgres)(nil)

const pgUniqueViolation = "23505"

// Postgres is an event log backed by PostgreSQL (pgx stdlib driver). A
// PL/pgSQL trigger performs the optimistic concurrency check: it locks the
// stream's newest row, verifies the insert continues the sequence and raises
// a tagged exception carrying the actual version otherwise. The
// UNIQUE(stream_id, version) constraint backstops the empty-stream race the
// row lock cannot cover.
type Postgres struct {
	db    *sql.DB
	clock timeutils.TimeProvider

	tableName       string
	qCreateTable    string
	qCreateFunction string
	qCreateTrigger  string
	qInsertEvent    string
	qReadEvents     string
	qCurrentVersion string
	qDeleteUpTo     string
}

type PostgresOption func(*Postgres)

// PostgresTableName overrides the default "tidelog_events" table name.
func PostgresTableName(tableName string) PostgresOption {
	return func(p *Postgres) {
		p.tableName = tableName
	}
}

// WithPostgresClock overrides the clock used for occurred_at stamping.
func WithPostgresClock(clock timeutils.TimeProvider) PostgresOption {
	return func(p *Postgres) {
		p.clock = clock
	}
}

// NewPostgres creates a new Postgres event log. It will also create the
// necessary table, function and trigger in the database if they don't
// already exist.
func NewPostgres(db *sql.DB, opts ...PostgresOption) (*Postgres, error) {
	pgLog := &Postgres{
		db:        db,
		clock:     timeutils.NewRealTimeProvider(),
		tableName: "tidelog_events",
	}

	for _, o := range opts {
		o(pgLog)
	}

	pgLog.buildQueries()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("new postgres event log: begin setup transaction: %w", err)
	}

	//nolint:errcheck // The error from Commit/Rollback will be handled.
	defer tx.Rollback()

	if _, err := tx.Exec(pgLog.qCreateTable); err != nil {
		return nil, fmt.Errorf("new postgres event log: create events table: %w", err)
	}
	if _, err := tx.Exec(pgLog.qCreateFunction); err != nil {
		return nil, fmt.Errorf("new postgres event log: create version check function: %w", err)
	}
	if _, err := tx.Exec(pgLog.qCreateTrigger); err != nil {
		return nil, fmt.Errorf("new postgres event log: create version check trigger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("new postgres event log: commit setup transaction: %w", err)
	}

	return pgLog, nil
}

func (p *Postgres) buildQueries() {
	p.qCreateTable = fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		global_position BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		event_id        UUID NOT NULL UNIQUE,
		stream_id       TEXT NOT NULL,
		version         BIGINT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         BYTEA,
		metadata        JSONB,
		occurred_at     TIMESTAMPTZ NOT NULL,
		UNIQUE (stream_id, version)
	);`, p.tableName)

	// The RAISE EXCEPTION message carries the actual version after the
	// prefix; the driver-agnostic conflict check parses it back out.
	p.qCreateFunction = fmt.Sprintf(`
    CREATE OR REPLACE FUNCTION tidelog_check_event_version()
    RETURNS TRIGGER AS $$
    DECLARE
        max_version BIGINT;
    BEGIN
        SELECT version INTO max_version FROM %s
            WHERE stream_id = NEW.stream_id
            ORDER BY version DESC LIMIT 1
            FOR UPDATE;
        IF NOT FOUND THEN
            max_version := 0;
        END IF;
        IF NEW.version != max_version + 1 THEN
            RAISE EXCEPTION '%s%%', max_version;
        END IF;
        RETURN NEW;
    END;
    $$ LANGUAGE plpgsql;`, p.tableName, conflictErrorPrefix)

	p.qCreateTrigger = fmt.Sprintf(`
    DROP TRIGGER IF EXISTS trg_tidelog_check_event_version ON %s;
    CREATE TRIGGER trg_tidelog_check_event_version
    BEFORE INSERT ON %s
    FOR EACH ROW EXECUTE FUNCTION tidelog_check_event_version();
    `, p.tableName, p.tableName)

	p.qInsertEvent = fmt.Sprintf(
		"INSERT INTO %s (event_id, stream_id, version, event_type, payload, metadata, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		p.tableName,
	)
	p.qReadEvents = fmt.Sprintf(
		"SELECT event_id, version, event_type, payload, metadata, occurred_at FROM %s WHERE stream_id = $1 AND version >= $2 AND ($3 = 0 OR version <= $3) ORDER BY version ASC",
		p.tableName,
	)
	p.qCurrentVersion = fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) FROM %s WHERE stream_id = $1",
		p.tableName,
	)
	p.qDeleteUpTo = fmt.Sprintf(
		"DELETE FROM %s WHERE stream_id = $1 AND version <= $2",
		p.tableName,
	)
}

// DangerouslyDeleteEventsUpTo permanently deletes all events for a stream up
// to and including the given version. It breaks the append-only contract and
// exists only for manual pruning after a snapshot has been taken. Invalidate
// snapshots older than v before calling this.
func (p *Postgres) DangerouslyDeleteEventsUpTo(
	ctx context.Context,
	id stream.ID,
	v version.Version,
) error {
	_, err := p.db.ExecContext(ctx, p.qDeleteUpTo, id.String(), v)
	if err != nil {
		return fmt.Errorf(
			"dangerously delete events for stream '%s' up to version %d: %w",
			id,
			v,
			err,
		)
	}
	return nil
}

func (p *Postgres) AppendEvents(
	ctx context.Context,
	id stream.ID,
	expected version.Check,
	events event.RawEvents,
) (version.Version, error) {
	newVersion, starting, err := p.appendOnce(ctx, id, expected, events)
	if err == nil {
		return newVersion, nil
	}

	// A unique violation means a racing writer won the empty-stream case the
	// trigger's row lock cannot serialize. Re-read the current version so the
	// conflict error carries it.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		actual, verErr := p.CurrentVersion(ctx, id)
		if verErr != nil {
			return version.Zero, fmt.Errorf("append events: %w", err)
		}
		return version.Zero, fmt.Errorf(
			"append events: %w",
			version.NewConflictError(starting, actual),
		)
	}

	return version.Zero, fmt.Errorf("append events: %w", err)
}

func (p *Postgres) appendOnce(
	ctx context.Context,
	id stream.ID,
	expected version.Check,
	events event.RawEvents,
) (version.Version, version.Version, error) {
	if err := ctx.Err(); err != nil {
		return version.Zero, version.Zero, fault.Unavailable("append", err)
	}

	if len(events) == 0 {
		return version.Zero, version.Zero, ErrNoEvents
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return version.Zero, version.Zero, fault.Unavailable("begin transaction", err)
	}

	//nolint:errcheck // not needed.
	defer tx.Rollback()

	starting, err := p.resolveInTx(ctx, tx, id, expected)
	if err != nil {
		return version.Zero, starting, err
	}

	stmt, err := tx.PrepareContext(ctx, p.qInsertEvent)
	if err != nil {
		return version.Zero, starting, fault.Unavailable("prepare statement", err)
	}
	defer stmt.Close()

	envelopes := events.ToEnvelopes(id, starting, p.clock.Now())

	for _, envelope := range envelopes {
		metadata, err := encodeMetadata(envelope.Metadata())
		if err != nil {
			return version.Zero, starting, err
		}

		_, err = stmt.ExecContext(
			ctx,
			envelope.ID(),
			envelope.StreamID().String(),
			envelope.Version(),
			envelope.EventType(),
			envelope.Payload(),
			metadata,
			envelope.OccurredAt(),
		)
		if err != nil {
			if actualVersion, isConflict := parseConflictError(err); isConflict {
				return version.Zero, starting, version.NewConflictError(starting, actualVersion)
			}
			return version.Zero, starting, fault.Unavailable("exec statement", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return version.Zero, starting, fault.Unavailable("commit transaction", err)
	}

	return starting + version.Version(len(events)), starting, nil
}

func (p *Postgres) resolveInTx(
	ctx context.Context,
	tx *sql.Tx,
	id stream.ID,
	expected version.Check,
) (version.Version, error) {
	switch exp := expected.(type) {
	case version.CheckExact:
		return version.Version(exp), nil
	case version.CheckAny:
		var current uint64
		err := tx.QueryRowContext(ctx, p.qCurrentVersion, id.String()).Scan(&current)
		if err != nil {
			return version.Zero, fault.Unavailable("read current version", err)
		}
		return version.Version(current), nil
	default:
		return version.Zero, ErrUnsupportedCheck
	}
}

//nolint:dupl // Kept separate from the sqlite reader on purpose.
func (p *Postgres) ReadEvents(
	ctx context.Context,
	id stream.ID,
	selector version.Selector,
) event.Envelopes {
	return func(yield func(*event.Envelope, error) bool) {
		rows, err := p.db.QueryContext(ctx, p.qReadEvents, id.String(), selector.From, selector.To)
		if err != nil {
			yield(nil, fault.Unavailable("read events: query context", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, fault.Unavailable("read events", err))
				return
			}

			var (
				eventID      string
				eventVersion uint64
				eventType    string
				payload      []byte
				metadata     sql.NullString
				occurredAt   time.Time
			)

			if err := rows.Scan(&eventID, &eventVersion, &eventType, &payload, &metadata, &occurredAt); err != nil {
				yield(nil, fault.Unavailable("read events: scan row", err))
				return
			}

			envelope, err := decodeEnvelope(
				eventID,
				id,
				version.Version(eventVersion),
				eventType,
				payload,
				metadata,
				occurredAt,
			)
			if err != nil {
				yield(nil, err)
				return
			}

			if !yield(envelope, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(nil, fault.Unavailable("read events: rows error", err))
		}
	}
}

func (p *Postgres) Exists(ctx context.Context, id stream.ID) (bool, error) {
	v, err := p.CurrentVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return v > version.Zero, nil
}

func (p *Postgres) CurrentVersion(ctx context.Context, id stream.ID) (version.Version, error) {
	var current uint64
	err := p.db.QueryRowContext(ctx, p.qCurrentVersion, id.String()).Scan(&current)
	if err != nil {
		return version.Zero, fault.Unavailable("current version: query row", err)
	}
	return version.Version(current), nil
}
