package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusPending means the run record exists but the producer has not
	// emitted its first event yet.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means the producer is live.
	RunStatusRunning RunStatus = "running"
	// RunStatusStreaming means the producer is live and currently emitting
	// message deltas.
	RunStatusStreaming RunStatus = "streaming"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is a final state. Terminal states never
// transition again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Active reports whether a producer may still emit events for a run in
// state s.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusStreaming:
		return true
	}
	return false
}

// ActiveStatuses lists the non-terminal states, for guarded SQL updates.
func ActiveStatuses() []RunStatus {
	return []RunStatus{RunStatusPending, RunStatusRunning, RunStatusStreaming}
}

// Run is one execution of an assistant's workload against a thread.
type Run struct {
	ID          uuid.UUID       `json:"id"`
	ThreadID    uuid.UUID       `json:"thread_id"`
	AssistantID *uuid.UUID      `json:"assistant_id,omitempty"`
	Status      RunStatus       `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Owner       string          `json:"owner"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
