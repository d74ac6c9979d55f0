package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamMode classifies an envelope's payload shape and intent.
type StreamMode string

const (
	// StreamModeValues is a full state snapshot after a step.
	StreamModeValues StreamMode = "values"
	// StreamModeMessages is a token fragment or message delta.
	StreamModeMessages StreamMode = "messages"
	// StreamModeUpdates is a per-node incremental state update.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeMetadata carries run bookkeeping (run id, attempt, etc.).
	StreamModeMetadata StreamMode = "metadata"
	// StreamModeCustom is reserved for workload-defined payloads.
	StreamModeCustom StreamMode = "custom"
	// StreamModeEnd is the terminal envelope. It is always the last envelope
	// of a run and appears at most once.
	StreamModeEnd StreamMode = "end"
)

// InterruptKey is the payload key that marks an "updates" event as a
// human-approval interrupt.
const InterruptKey = "__interrupt__"

// eventIDMarker separates the run id from the sequence in an envelope id.
const eventIDMarker = "_event_"

// Event is one unit in a run's event log: a stream-mode tag, an opaque
// payload, and a per-run sequence number. Immutable once persisted.
// Source of truth for reconnect and resume; the live broker is an
// optimization on top of it.
type Event struct {
	ID         string          `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	Sequence   int64           `json:"sequence"`
	StreamMode StreamMode      `json:"stream_mode"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// IsTerminal reports whether this envelope closes its run's stream.
func (e Event) IsTerminal() bool {
	return e.StreamMode == StreamModeEnd
}

// FormatEventID builds the envelope id "{run_id}_event_{sequence}".
// Inverse of ParseEventSequence.
func FormatEventID(runID string, sequence int64) string {
	return runID + eventIDMarker + strconv.FormatInt(sequence, 10)
}

// ExtractEventSequence parses the sequence number out of an envelope id,
// reporting whether the id carried one. An id without the "_event_"
// marker, or whose trailing token is not an integer, has no usable
// cursor; callers resuming a stream fall back to a full replay. Negative
// integers parse successfully; the log read contract (sequence strictly
// greater than the cursor) makes them equivalent to a full replay.
func ExtractEventSequence(eventID string) (int64, bool) {
	idx := strings.LastIndex(eventID, eventIDMarker)
	if idx < 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(eventID[idx+len(eventIDMarker):], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// ParseEventSequence is ExtractEventSequence collapsed to a bare int64,
// with 0 standing in for "no usable cursor". Callers that must tell a
// malformed id apart from a confirmed position 0 use ExtractEventSequence.
func ParseEventSequence(eventID string) int64 {
	seq, _ := ExtractEventSequence(eventID)
	return seq
}

// EndPayload is the payload of the terminal "end" envelope.
type EndPayload struct {
	Status RunStatus       `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}
