package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/eventide/internal/event"
)

const selectEvent = `
	SELECT global_sequence, event_id, original_stream_id, stream_sequence,
	       event_type, utc_timestamp, metadata, payload, payload_format
	FROM events`

// AppendEvents implements storage.EventWriter.
//
// Sequence and identity conflicts are checked inside the transaction; the
// table constraints back those checks up if another process writes the file.
func (s *Store) AppendEvents(ctx context.Context, streamID string, expected event.ExpectedSequence, events []event.Persisted) error {
	key := event.StreamKey(streamID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append events: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_sequence), 0) FROM events WHERE stream_id = ?`, key,
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

	seen := make(map[uuid.UUID]struct{}, len(events))
	for i, e := range events {
		if _, ok := seen[e.ID]; ok {
			return fmt.Errorf("append events %s: %w (event %s)", streamID, event.ErrDuplicatedEntry, e.ID)
		}
		seen[e.ID] = struct{}{}

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE event_id = ?`, e.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("append events: check event id: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("append events %s: %w (event %s)", streamID, event.ErrDuplicatedEntry, e.ID)
		}

		if want := current + int64(i) + 1; e.StreamSequence != want {
			return fmt.Errorf("append events %s: %w (stream sequence %d, want %d)", streamID, event.ErrUnexpectedStreamSequence, e.StreamSequence, want)
		}
		if want := global + int64(i) + 1; e.GlobalSequence != want {
			return fmt.Errorf("append events %s: global sequence %d, want %d", streamID, e.GlobalSequence, want)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events
		(global_sequence, event_id, stream_id, original_stream_id, stream_sequence,
		 event_type, utc_timestamp, metadata, payload, payload_format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("append events: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.ExecContext(ctx,
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
			return fmt.Errorf("append events %s: %w", streamID, mapConstraint(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append events: commit: %w", mapConstraint(err))
	}

	return nil
}

// ReadEvents implements storage.EventReader.
func (s *Store) ReadEvents(ctx context.Context, after int64, max int, fn func(event.Persisted) error) error {
	return s.readChunked(ctx, after, max, fn, func(after int64, limit int) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, selectEvent+`
			WHERE global_sequence > ?
			ORDER BY global_sequence ASC
			LIMIT ?
		`, after, limit)
	}, func(e event.Persisted) int64 { return e.GlobalSequence })
}

// ReadStream implements storage.EventReader.
func (s *Store) ReadStream(ctx context.Context, streamID string, after int64, max int, fn func(event.Persisted) error) error {
	key := event.StreamKey(streamID)
	return s.readChunked(ctx, after, max, fn, func(after int64, limit int) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, selectEvent+`
			WHERE stream_id = ? AND stream_sequence > ?
			ORDER BY stream_sequence ASC
			LIMIT ?
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
		`SELECT COALESCE(MAX(stream_sequence), 0) FROM events WHERE stream_id = ?`,
		event.StreamKey(streamID),
	).Scan(&high); err != nil {
		return 0, fmt.Errorf("read highest stream sequence: %w", err)
	}
	return high, nil
}

// readChunked pages through a query so callbacks never run while rows hold
// the single connection.
func (s *Store) readChunked(
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
		batch, err := scanEvents(rows)
		if err != nil {
			return err
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEvents(rows *sql.Rows) ([]event.Persisted, error) {
	defer rows.Close()

	var out []event.Persisted
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(row scanner) (event.Persisted, error) {
	var (
		e      event.Persisted
		id     string
		nanos  int64
		format int
	)
	if err := row.Scan(
		&e.GlobalSequence, &id, &e.StreamID, &e.StreamSequence,
		&e.EventType, &nanos, &e.Metadata, &e.Payload, &format,
	); err != nil {
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

// mapConstraint translates SQLite constraint violations into the storage
// sentinels. Other errors are returned unchanged.
func mapConstraint(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return err
	}

	msg := se.Error()
	switch {
	case strings.Contains(msg, "events.event_id"):
		return fmt.Errorf("%w: %v", event.ErrDuplicatedEntry, err)
	case strings.Contains(msg, "events.stream_id"), strings.Contains(msg, "events.global_sequence"):
		return fmt.Errorf("%w: %v", event.ErrUnexpectedStreamSequence, err)
	case strings.Contains(msg, "projection_index"):
		return fmt.Errorf("%w: %v", event.ErrDuplicatedEntry, err)
	default:
		return err
	}
}
