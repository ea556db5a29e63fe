// Package postgres provides the PostgreSQL-backed storage.Store.
//
// Layout matches the SQLite backend. Appends take a transaction-scoped
// advisory lock so that global sequences stay gapless even when several
// processes share one database.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// appendLockKey is the pg_advisory_xact_lock key serializing appends.
const appendLockKey = 0x65766e74

const readChunk = 256

const selectEvent = `
	SELECT global_sequence, event_id, original_stream_id, stream_sequence,
	       event_type, utc_timestamp, metadata, payload, payload_format
	FROM events`

// Store is a storage.Store on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database described by dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendEvents implements storage.EventWriter.
func (s *Store) AppendEvents(ctx context.Context, streamID string, expected event.ExpectedSequence, events []event.Persisted) error {
	key := event.StreamKey(streamID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append events: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return fmt.Errorf("append events: lock: %w", err)
	}

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_sequence), 0) FROM events WHERE stream_id = $1`, key,
	).Scan(&current); err != nil {
		return fmt.Errorf("append events: read stream sequence: %w", err)
	}

	if !expected.Matches(current) {
		return fmt.Errorf("append events %s: %w (expected %s, current %d)", streamID, event.ErrUnexpectedStreamSequence, expected, current)
	}

	var global int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`).Scan(&global); err != nil {
		return fmt.Errorf("append events: read global sequence: %w", err)
	}

	ids := make([]string, 0, len(events))
	seen := make(map[uuid.UUID]struct{}, len(events))
	for i, e := range events {
		if _, ok := seen[e.ID]; ok {
			return fmt.Errorf("append events %s: %w (event %s)", streamID, event.ErrDuplicatedEntry, e.ID)
		}
		seen[e.ID] = struct{}{}
		ids = append(ids, e.ID.String())

		if want := current + int64(i) + 1; e.StreamSequence != want {
			return fmt.Errorf("append events %s: %w (stream sequence %d, want %d)", streamID, event.ErrUnexpectedStreamSequence, e.StreamSequence, want)
		}
		if want := global + int64(i) + 1; e.GlobalSequence != want {
			return fmt.Errorf("append events %s: global sequence %d, want %d", streamID, e.GlobalSequence, want)
		}
	}

	var existing sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT event_id::text FROM events WHERE event_id::text = ANY($1) LIMIT 1`, pq.Array(ids),
	).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("append events %s: %w (event %s)", streamID, event.ErrDuplicatedEntry, existing.String)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("append events: check event ids: %w", err)
	}

	for _, e := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events
			(global_sequence, event_id, stream_id, original_stream_id, stream_sequence,
			 event_type, utc_timestamp, metadata, payload, payload_format)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			e.GlobalSequence,
			e.ID.String(),
			key,
			e.StreamID,
			e.StreamSequence,
			e.EventType,
			e.Timestamp.UTC().UnixNano(),
			e.Metadata,
			e.Payload,
			int(e.Format),
		)
		if err != nil {
			return fmt.Errorf("append events %s: %w", streamID, mapViolation(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append events: commit: %w", mapViolation(err))
	}
	return nil
}

// ReadEvents implements storage.EventReader.
func (s *Store) ReadEvents(ctx context.Context, after int64, max int, fn func(event.Persisted) error) error {
	return readChunked(ctx, after, max, fn, func(after int64, limit int) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, selectEvent+`
			WHERE global_sequence > $1
			ORDER BY global_sequence ASC
			LIMIT $2
		`, after, limit)
	}, func(e event.Persisted) int64 { return e.GlobalSequence })
}

// ReadStream implements storage.EventReader.
func (s *Store) ReadStream(ctx context.Context, streamID string, after int64, max int, fn func(event.Persisted) error) error {
	key := event.StreamKey(streamID)
	return readChunked(ctx, after, max, fn, func(after int64, limit int) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, selectEvent+`
			WHERE stream_id = $1 AND stream_sequence > $2
			ORDER BY stream_sequence ASC
			LIMIT $3
		`, key, after, limit)
	}, func(e event.Persisted) int64 { return e.StreamSequence })
}

// ReadHighestGlobalSequence implements storage.EventReader.
func (s *Store) ReadHighestGlobalSequence(ctx context.Context) (int64, error) {
	var high int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`).Scan(&high); err != nil {
		return 0, fmt.Errorf("read highest global sequence: %w", err)
	}
	return high, nil
}

// ReadHighestStreamSequence implements storage.EventReader.
func (s *Store) ReadHighestStreamSequence(ctx context.Context, streamID string) (int64, error) {
	var high int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_sequence), 0) FROM events WHERE stream_id = $1`,
		event.StreamKey(streamID),
	).Scan(&high); err != nil {
		return 0, fmt.Errorf("read highest stream sequence: %w", err)
	}
	return high, nil
}

// AppendProjectionIndex implements storage.ProjectionWriter.
func (s *Store) AppendProjectionIndex(ctx context.Context, projectionStreamID string, expected int64, globalSequences []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append index: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(projection_sequence), 0) FROM projection_index WHERE projection_stream_id = $1`,
		projectionStreamID,
	).Scan(&current); err != nil {
		return fmt.Errorf("append index: read checkpoint: %w", err)
	}

	if expected < current {
		return fmt.Errorf("append index %s: %w (expected %d, current %d)", projectionStreamID, event.ErrDuplicatedEntry, expected, current)
	}
	if expected != current {
		return fmt.Errorf("append index %s: %w (expected %d, current %d)", projectionStreamID, event.ErrUnexpectedStreamSequence, expected, current)
	}

	for i, g := range globalSequences {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projection_index (projection_stream_id, projection_sequence, global_sequence)
			VALUES ($1, $2, $3)
		`, projectionStreamID, expected+int64(i)+1, g)
		if err != nil {
			return fmt.Errorf("append index %s: %w", projectionStreamID, mapViolation(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append index: commit: %w", mapViolation(err))
	}
	return nil
}

// ReadProjectionCheckpoint implements storage.ProjectionReader.
func (s *Store) ReadProjectionCheckpoint(ctx context.Context, projectionStreamID string) (storage.Checkpoint, error) {
	var cp storage.Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT projection_sequence, global_sequence
		FROM projection_index
		WHERE projection_stream_id = $1
		ORDER BY projection_sequence DESC
		LIMIT 1
	`, projectionStreamID).Scan(&cp.Sequence, &cp.GlobalSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Checkpoint{}, nil
	}
	if err != nil {
		return storage.Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", projectionStreamID, err)
	}
	return cp, nil
}

// ReadProjectionIndex implements storage.ProjectionReader.
func (s *Store) ReadProjectionIndex(ctx context.Context, projectionStreamID string, after int64, max int, fn func(storage.IndexedEvent) error) error {
	remaining := max
	for {
		limit := readChunk
		if max > 0 && remaining < limit {
			limit = remaining
		}
		if limit == 0 {
			return nil
		}

		rows, err := s.db.QueryContext(ctx, `
			SELECT p.projection_sequence,
			       e.global_sequence, e.event_id, e.original_stream_id, e.stream_sequence,
			       e.event_type, e.utc_timestamp, e.metadata, e.payload, e.payload_format
			FROM projection_index p
			JOIN events e ON e.global_sequence = p.global_sequence
			WHERE p.projection_stream_id = $1 AND p.projection_sequence > $2
			ORDER BY p.projection_sequence ASC
			LIMIT $3
		`, projectionStreamID, after, limit)
		if err != nil {
			return fmt.Errorf("read index %s: %w", projectionStreamID, err)
		}

		var batch []storage.IndexedEvent
		for rows.Next() {
			var seq int64
			e, err := scanEvent(rows, &seq)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, storage.IndexedEvent{ProjectionSequence: seq, Event: e})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate index %s: %w", projectionStreamID, err)
		}

		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}

		if len(batch) < limit {
			return nil
		}
		after = batch[len(batch)-1].ProjectionSequence
		if max > 0 {
			remaining -= len(batch)
		}
	}
}

func readChunked(
	ctx context.Context,
	after int64,
	max int,
	fn func(event.Persisted) error,
	query func(after int64, limit int) (*sql.Rows, error),
	position func(event.Persisted) int64,
) error {
	remaining := max
	for {
		limit := readChunk
		if max > 0 && remaining < limit {
			limit = remaining
		}
		if limit == 0 {
			return nil
		}

		rows, err := query(after, limit)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}

		var batch []event.Persisted
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate events: %w", err)
		}

		for _, e := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}

		if len(batch) < limit {
			return nil
		}
		after = position(batch[len(batch)-1])
		if max > 0 {
			remaining -= len(batch)
		}
	}
}

// scanEvent reads the event columns, after any leading columns in prefix.
func scanEvent(rows *sql.Rows, prefix ...any) (event.Persisted, error) {
	var (
		e      event.Persisted
		id     string
		nanos  int64
		format int
	)
	dest := append(prefix,
		&e.GlobalSequence, &id, &e.StreamID, &e.StreamSequence,
		&e.EventType, &nanos, &e.Metadata, &e.Payload, &format,
	)
	if err := rows.Scan(dest...); err != nil {
		return event.Persisted{}, fmt.Errorf("scan event: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return event.Persisted{}, fmt.Errorf("scan event: parse id %q: %w", id, err)
	}
	e.ID = parsed
	e.Timestamp = time.Unix(0, nanos).UTC()
	e.Format = event.Format(format)
	return e, nil
}

// mapViolation translates unique_violation (23505) into the storage sentinels.
func mapViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}

	switch {
	case strings.Contains(pqErr.Constraint, "event_id"):
		return fmt.Errorf("%w: %v", event.ErrDuplicatedEntry, err)
	case pqErr.Constraint == "events_stream_sequence_key", pqErr.Constraint == "events_pkey":
		return fmt.Errorf("%w: %v", event.ErrUnexpectedStreamSequence, err)
	case pqErr.Constraint == "projection_index_pkey":
		return fmt.Errorf("%w: %v", event.ErrDuplicatedEntry, err)
	default:
		return err
	}
}
