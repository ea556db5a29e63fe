package sqlite

import (
	"context"
	"fmt"

	"github.com/roach88/eventide/internal/event"
	"github.com/roach88/eventide/internal/storage"
)

// AppendProjectionIndex implements storage.ProjectionWriter.
func (s *Store) AppendProjectionIndex(ctx context.Context, projectionStreamID string, expected int64, globalSequences []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append index: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(projection_sequence), 0) FROM projection_index WHERE projection_stream_id = ?`,
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

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO projection_index (projection_stream_id, projection_sequence, global_sequence)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("append index: prepare: %w", err)
	}
	defer stmt.Close()

	for i, g := range globalSequences {
		if _, err := stmt.ExecContext(ctx, projectionStreamID, expected+int64(i)+1, g); err != nil {
			return fmt.Errorf("append index %s: %w", projectionStreamID, mapConstraint(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append index: commit: %w", err)
	}
	return nil
}

// ReadProjectionCheckpoint implements storage.ProjectionReader.
func (s *Store) ReadProjectionCheckpoint(ctx context.Context, projectionStreamID string) (storage.Checkpoint, error) {
	var cp storage.Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(projection_sequence), 0),
		       COALESCE((SELECT global_sequence FROM projection_index
		                 WHERE projection_stream_id = ?
		                 ORDER BY projection_sequence DESC LIMIT 1), 0)
		FROM projection_index
		WHERE projection_stream_id = ?
	`, projectionStreamID, projectionStreamID).Scan(&cp.Sequence, &cp.GlobalSequence)
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

		batch, err := s.readIndexChunk(ctx, projectionStreamID, after, limit)
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
		after = batch[len(batch)-1].ProjectionSequence
		if max > 0 {
			remaining -= len(batch)
		}
	}
}

func (s *Store) readIndexChunk(ctx context.Context, projectionStreamID string, after int64, limit int) ([]storage.IndexedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.projection_sequence,
		       e.global_sequence, e.event_id, e.original_stream_id, e.stream_sequence,
		       e.event_type, e.utc_timestamp, e.metadata, e.payload, e.payload_format
		FROM projection_index p
		JOIN events e ON e.global_sequence = p.global_sequence
		WHERE p.projection_stream_id = ? AND p.projection_sequence > ?
		ORDER BY p.projection_sequence ASC
		LIMIT ?
	`, projectionStreamID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", projectionStreamID, err)
	}
	defer rows.Close()

	var out []storage.IndexedEvent
	for rows.Next() {
		var seq int64
		e, err := scanEvent(prefixed{rows: rows, first: &seq})
		if err != nil {
			return nil, err
		}
		out = append(out, storage.IndexedEvent{ProjectionSequence: seq, Event: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index %s: %w", projectionStreamID, err)
	}
	return out, nil
}

// prefixed scans one leading column before the event columns.
type prefixed struct {
	rows  scanner
	first any
}

func (p prefixed) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.first}, dest...)...)
}
