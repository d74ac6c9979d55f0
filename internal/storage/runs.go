package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tempest11/graphrun/internal/model"
)

// CreateRun inserts a new run in pending state and returns it.
func (db *DB) CreateRun(ctx context.Context, threadID uuid.UUID, assistantID *uuid.UUID, input []byte, owner string) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:          uuid.New(),
		ThreadID:    threadID,
		AssistantID: assistantID,
		Status:      model.RunStatusPending,
		Input:       input,
		Owner:       owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, thread_id, assistant_id, status, input, owner, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.ThreadID, run.AssistantID, string(run.Status), nullableJSON(run.Input), run.Owner, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	var input, output []byte
	var errMsg *string
	err := db.pool.QueryRow(ctx,
		`SELECT id, thread_id, assistant_id, status, input, output, error, owner, created_at, updated_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.ThreadID, &run.AssistantID, &run.Status,
		&input, &output, &errMsg, &run.Owner, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Input = input
	run.Output = output
	if errMsg != nil {
		run.Error = *errMsg
	}
	return run, nil
}

// ListRunsByThread returns runs for a thread, newest first.
func (db *DB) ListRunsByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_id, assistant_id, status, input, output, error, owner, created_at, updated_at
		 FROM runs WHERE thread_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, threadID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var input, output []byte
		var errMsg *string
		if err := rows.Scan(
			&r.ID, &r.ThreadID, &r.AssistantID, &r.Status,
			&input, &output, &errMsg, &r.Owner, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Input = input
		r.Output = output
		if errMsg != nil {
			r.Error = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListActiveRunsByThread returns the non-terminal runs of a thread.
func (db *DB) ListActiveRunsByThread(ctx context.Context, threadID uuid.UUID) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_id, assistant_id, status, input, output, error, owner, created_at, updated_at
		 FROM runs WHERE thread_id = $1 AND status = ANY($2)
		 ORDER BY created_at ASC`, threadID, activeStatusStrings(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var input, output []byte
		var errMsg *string
		if err := rows.Scan(
			&r.ID, &r.ThreadID, &r.AssistantID, &r.Status,
			&input, &output, &errMsg, &r.Owner, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Input = input
		r.Output = output
		if errMsg != nil {
			r.Error = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SetRunStatus moves an active run to another active status. Guarded so a
// run that has already reached a terminal state is never revived; returns
// ErrConflict in that case.
func (db *DB) SetRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = ANY($3)`,
		id, string(status), activeStatusStrings(),
	)
	if err != nil {
		return fmt.Errorf("storage: set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FinishRun moves an active run to a terminal status, recording output and
// error. The active-status guard makes the terminal transition happen
// exactly once; a second attempt returns ErrConflict.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output []byte, errMsg string) error {
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $2, output = $3, error = $4, updated_at = now()
		 WHERE id = $1 AND status = ANY($5)`,
		id, string(status), nullableJSON(output), errVal, activeStatusStrings(),
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteRun removes a run. Its events cascade.
func (db *DB) DeleteRun(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func activeStatusStrings() []string {
	active := model.ActiveStatuses()
	out := make([]string, len(active))
	for i, s := range active {
		out[i] = string(s)
	}
	return out
}
