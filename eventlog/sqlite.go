package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidelog-io/tidelog/event"
	"github.com/tidelog-io/tidelog/fault"
	"github.com/tidelog-io/tidelog/pkg/timeutils"
	"github.com/tidelog-io/tidelog/stream"
	"github.com/tidelog-io/tidelog/version"
)

var _ event.Log = new(Sqlite)

// Sqlite is an event log backed by a SQLite database. The optimistic
// concurrency check rides on a UNIQUE(stream_id, version) constraint plus a
// BEFORE INSERT trigger that raises a tagged error carrying the stream's
// actual version.
type Sqlite struct {
	db    *sql.DB
	clock timeutils.TimeProvider
}

type SqliteOption func(*Sqlite)

// WithSqliteClock overrides the clock used for occurred_at stamping.
func WithSqliteClock(clock timeutils.TimeProvider) SqliteOption {
	return func(s *Sqlite) {
		s.clock = clock
	}
}

func NewSqlite(db *sql.DB, opts ...SqliteOption) (*Sqlite, error) {
	sqliteLog := &Sqlite{
		db:    db,
		clock: timeutils.NewRealTimeProvider(),
	}

	for _, o := range opts {
		o(sqliteLog)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tidelog_events (
			global_position INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT    NOT NULL UNIQUE,
			stream_id       TEXT    NOT NULL,
			version         INTEGER NOT NULL,
			event_type      TEXT    NOT NULL,
			payload         BLOB,
			metadata        TEXT,
			occurred_at     INTEGER NOT NULL,
			UNIQUE (stream_id, version)
		);`); err != nil {
		return nil, fmt.Errorf("new sqlite event log: create events table failed: %w", err)
	}
	if _, err := db.Exec(`
        CREATE TRIGGER IF NOT EXISTS tidelog_check_event_version
        BEFORE INSERT ON tidelog_events
        FOR EACH ROW
        BEGIN
            -- The message prefix is what the driver-agnostic conflict check keys on.
            SELECT RAISE(ABORT, '` + conflictErrorPrefix + `' || (SELECT COALESCE(MAX(version), 0) FROM tidelog_events WHERE stream_id = NEW.stream_id))
            WHERE NEW.version != (
                SELECT COALESCE(MAX(version), 0) + 1
                FROM tidelog_events
                WHERE stream_id = NEW.stream_id
            );
        END;`); err != nil {
		return nil, fmt.Errorf("new sqlite event log: create version check trigger failed: %w", err)
	}

	return sqliteLog, nil
}

func (s *Sqlite) AppendEvents(
	ctx context.Context,
	id stream.ID,
	expected version.Check,
	events event.RawEvents,
) (version.Version, error) {
	var newVersion version.Version

	err := s.withinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		v, err := s.appendInTx(ctx, tx, id, expected, events)
		if err != nil {
			return err
		}
		newVersion = v
		return nil
	})
	if err != nil {
		return version.Zero, fmt.Errorf("append events: %w", err)
	}
	return newVersion, nil
}

func (s *Sqlite) appendInTx(
	ctx context.Context,
	tx *sql.Tx,
	id stream.ID,
	expected version.Check,
	events event.RawEvents,
) (version.Version, error) {
	if err := ctx.Err(); err != nil {
		return version.Zero, fault.Unavailable("append in tx", err)
	}

	if len(events) == 0 {
		return version.Zero, fmt.Errorf("append in tx: %w", ErrNoEvents)
	}

	starting, err := s.resolveInTx(ctx, tx, id, expected)
	if err != nil {
		return version.Zero, err
	}

	stmt, err := tx.PrepareContext(
		ctx,
		"INSERT INTO tidelog_events (event_id, stream_id, version, event_type, payload, metadata, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return version.Zero, fault.Unavailable("append in tx: prepare statement", err)
	}
	defer stmt.Close()

	envelopes := events.ToEnvelopes(id, starting, s.clock.Now())

	for _, envelope := range envelopes {
		metadata, err := encodeMetadata(envelope.Metadata())
		if err != nil {
			return version.Zero, err
		}

		_, err = stmt.ExecContext(
			ctx,
			envelope.ID().String(),
			envelope.StreamID().String(),
			envelope.Version(),
			envelope.EventType(),
			envelope.Payload(),
			metadata,
			envelope.OccurredAt().UnixNano(),
		)
		if err != nil {
			if actualVersion, isConflict := parseConflictError(err); isConflict {
				return version.Zero, version.NewConflictError(starting, actualVersion)
			}

			return version.Zero, fault.Unavailable("append in tx: exec statement", err)
		}
	}

	return starting + version.Version(len(events)), nil
}

// resolveInTx turns the caller's expectation into the batch's starting
// version. CheckAny reads the stream's current version inside the
// transaction; the insert trigger still guards against a racing writer.
func (s *Sqlite) resolveInTx(
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
		err := tx.QueryRowContext(
			ctx,
			"SELECT COALESCE(MAX(version), 0) FROM tidelog_events WHERE stream_id = ?",
			id.String(),
		).Scan(&current)
		if err != nil {
			return version.Zero, fault.Unavailable("append in tx: read current version", err)
		}
		return version.Version(current), nil
	default:
		return version.Zero, fmt.Errorf("append in tx: %w", ErrUnsupportedCheck)
	}
}

func (s *Sqlite) withinTx(
	ctx context.Context,
	fn func(ctx context.Context, tx *sql.Tx) error,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Unavailable("within tx: begin transaction", err)
	}

	//nolint:errcheck // not needed.
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fault.Unavailable("within tx: commit transaction", err)
	}

	return nil
}

func (s *Sqlite) ReadEvents(
	ctx context.Context,
	id stream.ID,
	selector version.Selector,
) event.Envelopes {
	return func(yield func(*event.Envelope, error) bool) {
		rows, err := s.db.QueryContext(
			ctx,
			"SELECT event_id, version, event_type, payload, metadata, occurred_at FROM tidelog_events WHERE stream_id = ? AND version >= ? AND (? = 0 OR version <= ?) ORDER BY version ASC",
			id.String(),
			selector.From,
			selector.To,
			selector.To,
		)
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
				occurredAt   int64
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
				time.Unix(0, occurredAt),
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

func (s *Sqlite) Exists(ctx context.Context, id stream.ID) (bool, error) {
	v, err := s.CurrentVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return v > version.Zero, nil
}

func (s *Sqlite) CurrentVersion(ctx context.Context, id stream.ID) (version.Version, error) {
	var current uint64
	err := s.db.QueryRowContext(
		ctx,
		"SELECT COALESCE(MAX(version), 0) FROM tidelog_events WHERE stream_id = ?",
		id.String(),
	).Scan(&current)
	if err != nil {
		return version.Zero, fault.Unavailable("current version: query row", err)
	}
	return version.Version(current), nil
}

// DangerouslyDeleteEventsUpTo permanently deletes all events for a stream up
// to and including the given version. It breaks the append-only contract and
// exists only for manual pruning after a snapshot has been taken. Invalidate
// snapshots older than v before calling this.
func (s *Sqlite) DangerouslyDeleteEventsUpTo(
	ctx context.Context,
	id stream.ID,
	v version.Version,
) error {
	_, err := s.db.ExecContext(
		ctx,
		"DELETE FROM tidelog_events WHERE stream_id = ? AND version <= ?",
		id.String(),
		v,
	)
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

func encodeMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fault.Serialization("encode metadata", err)
	}

	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeEnvelope(
	eventID string,
	id stream.ID,
	v version.Version,
	eventType string,
	payload []byte,
	metadata sql.NullString,
	occurredAt time.Time,
) (*event.Envelope, error) {
	parsedID, err := uuid.Parse(eventID)
	if err != nil {
		return nil, fault.Serialization("decode envelope: parse event id", err)
	}

	var md map[string]string
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &md); err != nil {
			return nil, fault.Serialization("decode envelope: unmarshal metadata", err)
		}
	}

	return event.NewEnvelope(parsedID, id, v, eventType, payload, md, occurredAt), nil
}
