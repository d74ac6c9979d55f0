package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxInputLen caps run input payloads so a single request cannot fill
// Postgres JSONB columns with caller-controlled garbage.
const MaxInputLen = 256 * 1024 // 256 KB

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateThreadRequest is the request body for POST /v1/threads.
type CreateThreadRequest struct {
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// CreateAssistantRequest is the request body for POST /v1/assistants.
type CreateAssistantRequest struct {
	Name        string          `json:"name"`
	GraphID     string          `json:"graph_id"`
	Config      json.RawMessage `json:"config,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// UpdateAssistantRequest is the request body for PATCH /v1/assistants/{assistant_id}.
// Any non-nil field produces a new assistant version.
type UpdateAssistantRequest struct {
	Name        *string         `json:"name,omitempty"`
	GraphID     *string         `json:"graph_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CreateRunRequest is the request body for POST /v1/threads/{thread_id}/runs.
type CreateRunRequest struct {
	AssistantID          uuid.UUID       `json:"assistant_id"`
	AssistantVersion     *int            `json:"assistant_version,omitempty"`
	Input                json.RawMessage `json:"input,omitempty"`
	OnlyInterruptUpdates bool            `json:"only_interrupt_updates,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Owner  string `json:"owner"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Brokers  int    `json:"brokers"`
	Uptime   int64  `json:"uptime_seconds"`
}
