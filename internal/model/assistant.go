package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Assistant binds a workload graph to a configuration. Updates create a
// new version; runs resolve the latest version unless pinned.
type Assistant struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	GraphID     string          `json:"graph_id"`
	Config      json.RawMessage `json:"config,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Version     int             `json:"version"`
	Owner       string          `json:"owner"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AssistantVersion is an immutable snapshot of an assistant at one version.
type AssistantVersion struct {
	AssistantID uuid.UUID       `json:"assistant_id"`
	Version     int             `json:"version"`
	GraphID     string          `json:"graph_id"`
	Config      json.RawMessage `json:"config,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
