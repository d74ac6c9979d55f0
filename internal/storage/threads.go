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

// CreateThread inserts a new thread and returns it.
func (db *DB) CreateThread(ctx context.Context, req model.CreateThreadRequest, owner string) (model.Thread, error) {
	now := time.Now().UTC()
	th := model.Thread{
		ID:        uuid.New(),
		Status:    model.ThreadStatusIdle,
		Metadata:  req.Metadata,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if th.Metadata == nil {
		th.Metadata = []byte(`{}`)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO threads (id, status, metadata, owner, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		th.ID, string(th.Status), []byte(th.Metadata), th.Owner, th.CreatedAt, th.UpdatedAt,
	)
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: create thread: %w", err)
	}
	return th, nil
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var th model.Thread
	var metadata []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, status, metadata, owner, created_at, updated_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&th.ID, &th.Status, &metadata, &th.Owner, &th.CreatedAt, &th.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, ErrNotFound
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	th.Metadata = metadata
	return th, nil
}

// ListThreads returns threads ordered by created_at DESC.
func (db *DB) ListThreads(ctx context.Context, limit, offset int) ([]model.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, status, metadata, owner, created_at, updated_at
		 FROM threads
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var th model.Thread
		var metadata []byte
		if err := rows.Scan(&th.ID, &th.Status, &metadata, &th.Owner, &th.CreatedAt, &th.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan thread: %w", err)
		}
		th.Metadata = metadata
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

// SetThreadStatus updates a thread's busy/idle marker.
func (db *DB) SetThreadStatus(ctx context.Context, id uuid.UUID, status model.ThreadStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE threads SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set thread status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThread removes a thread. Runs and their events cascade.
func (db *DB) DeleteThread(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
