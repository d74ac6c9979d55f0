package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ThreadStatus tracks whether a thread currently owns an active run.
type ThreadStatus string

const (
	ThreadStatusIdle ThreadStatus = "idle"
	ThreadStatusBusy ThreadStatus = "busy"
)

// Thread is a conversation context that runs execute against.
type Thread struct {
	ID        uuid.UUID       `json:"id"`
	Status    ThreadStatus    `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Owner     string          `json:"owner"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
