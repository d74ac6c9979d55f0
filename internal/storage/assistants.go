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

// CreateAssistant inserts a new assistant at version 1 and records the
// initial version snapshot in the same transaction.
func (db *DB) CreateAssistant(ctx context.Context, req model.CreateAssistantRequest, owner string) (model.Assistant, error) {
	now := time.Now().UTC()
	a := model.Assistant{
		ID:          uuid.New(),
		Name:        req.Name,
		GraphID:     req.GraphID,
		Config:      req.Config,
		InputSchema: req.InputSchema,
		Version:     1,
		Owner:       owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Config == nil {
		a.Config = []byte(`{}`)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Assistant{}, fmt.Errorf("storage: begin create assistant: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO assistants (id, name, graph_id, config, input_schema, version, owner, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Name, a.GraphID, []byte(a.Config), nullableJSON(a.InputSchema), a.Version, a.Owner, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return model.Assistant{}, fmt.Errorf("storage: create assistant: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO assistant_versions (assistant_id, version, graph_id, config, input_schema, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Version, a.GraphID, []byte(a.Config), nullableJSON(a.InputSchema), a.CreatedAt,
	); err != nil {
		return model.Assistant{}, fmt.Errorf("storage: create assistant version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Assistant{}, fmt.Errorf("storage: commit create assistant: %w", err)
	}
	return a, nil
}

// GetAssistant retrieves an assistant at its latest version.
func (db *DB) GetAssistant(ctx context.Context, id uuid.UUID) (model.Assistant, error) {
	var a model.Assistant
	var config, schema []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, graph_id, config, input_schema, version, owner, created_at, updated_at
		 FROM assistants WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.GraphID, &config, &schema, &a.Version, &a.Owner, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assistant{}, ErrNotFound
		}
		return model.Assistant{}, fmt.Errorf("storage: get assistant: %w", err)
	}
	a.Config = config
	a.InputSchema = schema
	return a, nil
}

// GetAssistantVersion retrieves a pinned version snapshot of an assistant.
func (db *DB) GetAssistantVersion(ctx context.Context, id uuid.UUID, version int) (model.AssistantVersion, error) {
	var v model.AssistantVersion
	var config, schema []byte
	err := db.pool.QueryRow(ctx,
		`SELECT assistant_id, version, graph_id, config, input_schema, created_at
		 FROM assistant_versions WHERE assistant_id = $1 AND version = $2`, id, version,
	).Scan(&v.AssistantID, &v.Version, &v.GraphID, &config, &schema, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AssistantVersion{}, ErrNotFound
		}
		return model.AssistantVersion{}, fmt.Errorf("storage: get assistant version: %w", err)
	}
	v.Config = config
	v.InputSchema = schema
	return v, nil
}

// ListAssistants returns assistants ordered by created_at DESC.
func (db *DB) ListAssistants(ctx context.Context, limit, offset int) ([]model.Assistant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, graph_id, config, input_schema, version, owner, created_at, updated_at
		 FROM assistants
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list assistants: %w", err)
	}
	defer rows.Close()

	var assistants []model.Assistant
	for rows.Next() {
		var a model.Assistant
		var config, schema []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.GraphID, &config, &schema, &a.Version, &a.Owner, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan assistant: %w", err)
		}
		a.Config = config
		a.InputSchema = schema
		assistants = append(assistants, a)
	}
	return assistants, rows.Err()
}

// UpdateAssistant applies a partial update, bumping the version and
// recording the new snapshot in one transaction. Returns the updated
// assistant at its new version.
func (db *DB) UpdateAssistant(ctx context.Context, id uuid.UUID, req model.UpdateAssistantRequest) (model.Assistant, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Assistant{}, fmt.Errorf("storage: begin update assistant: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var a model.Assistant
	var config, schema []byte
	// Lock the row so concurrent updates serialize on the version bump.
	err = tx.QueryRow(ctx,
		`SELECT id, name, graph_id, config, input_schema, version, owner, created_at, updated_at
		 FROM assistants WHERE id = $1 FOR UPDATE`, id,
	).Scan(&a.ID, &a.Name, &a.GraphID, &config, &schema, &a.Version, &a.Owner, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assistant{}, ErrNotFound
		}
		return model.Assistant{}, fmt.Errorf("storage: lock assistant: %w", err)
	}
	a.Config = config
	a.InputSchema = schema

	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.GraphID != nil {
		a.GraphID = *req.GraphID
	}
	if req.Config != nil {
		a.Config = req.Config
	}
	if req.InputSchema != nil {
		a.InputSchema = req.InputSchema
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE assistants SET name = $2, graph_id = $3, config = $4, input_schema = $5, version = $6, updated_at = $7
		 WHERE id = $1`,
		a.ID, a.Name, a.GraphID, []byte(a.Config), nullableJSON(a.InputSchema), a.Version, a.UpdatedAt,
	); err != nil {
		return model.Assistant{}, fmt.Errorf("storage: update assistant: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO assistant_versions (assistant_id, version, graph_id, config, input_schema, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Version, a.GraphID, []byte(a.Config), nullableJSON(a.InputSchema), a.UpdatedAt,
	); err != nil {
		return model.Assistant{}, fmt.Errorf("storage: insert assistant version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Assistant{}, fmt.Errorf("storage: commit update assistant: %w", err)
	}
	return a, nil
}

// DeleteAssistant removes an assistant. Existing runs keep their rows with
// assistant_id nulled out; version history cascades away.
func (db *DB) DeleteAssistant(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM assistants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableJSON maps an absent JSON document to SQL NULL instead of an
// empty byte slice, which Postgres would reject as invalid JSONB.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
