package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tempest11/graphrun/internal/model"
)

// AppendEvent assigns the next per-run sequence number and persists the
// event, returning it with ID and Sequence filled in. Sequences are
// gap-free and start at 0. The MAX(sequence)+1 read and the insert share
// one transaction; the orchestrator guarantees a single writer per run and
// the unique (run_id, sequence) constraint backstops that discipline.
func (db *DB) AppendEvent(ctx context.Context, runID uuid.UUID, mode model.StreamMode, payload []byte) (model.Event, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: begin append event: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM run_events WHERE run_id = $1`, runID,
	).Scan(&seq); err != nil {
		return model.Event{}, fmt.Errorf("storage: next sequence: %w", err)
	}

	ev := model.Event{
		ID:         model.FormatEventID(runID.String(), seq),
		RunID:      runID,
		Sequence:   seq,
		StreamMode: mode,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO run_events (id, run_id, sequence, stream_mode, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.RunID, ev.Sequence, string(ev.StreamMode), []byte(ev.Payload), ev.CreatedAt,
	); err != nil {
		return model.Event{}, fmt.Errorf("storage: insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Event{}, fmt.Errorf("storage: commit append event: %w", err)
	}
	return ev, nil
}

// EventsAfter returns the run's events with sequence strictly greater than
// after, in ascending sequence order. Pass -1 to read from the beginning.
func (db *DB) EventsAfter(ctx context.Context, runID uuid.UUID, after int64) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, sequence, stream_mode, payload, created_at
		 FROM run_events WHERE run_id = $1 AND sequence > $2
		 ORDER BY sequence ASC`, runID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events after: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Sequence, &ev.StreamMode, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastSequence returns the highest sequence persisted for a run, or -1
// when the log is empty.
func (db *DB) LastSequence(ctx context.Context, runID uuid.UUID) (int64, error) {
	var seq int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), -1) FROM run_events WHERE run_id = $1`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("storage: last sequence: %w", err)
	}
	return seq, nil
}
