// Package stream implements the live event path for runs: the per-run
// broker, the broker registry, the event transform stage, and the
// orchestrator that drives an execution engine and feeds the durable log.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tempest11/graphrun/internal/model"
)

// ErrMalformedEvent marks a raw engine event that cannot be decoded into
// a (mode, payload) pair. Malformed events are logged and skipped; they
// never consume a sequence number.
var ErrMalformedEvent = errors.New("stream: malformed event")

// RawEvent is a single (mode, payload) pair pulled from an engine before
// sequencing and persistence.
type RawEvent struct {
	Mode    model.StreamMode
	Payload json.RawMessage
}

// EventSource is a stream of raw events from one workload execution.
// Recv returns io.EOF when the workload finishes normally, the context
// error when cancelled, and an error wrapping ErrMalformedEvent for
// undecodable items (the source remains usable after a malformed item).
type EventSource interface {
	Recv(ctx context.Context) (RawEvent, error)
	Close() error
}

// WorkloadConfig describes the workload an engine should execute.
type WorkloadConfig struct {
	RunID    uuid.UUID
	ThreadID uuid.UUID
	GraphID  string
	Config   json.RawMessage
}

// Engine starts workload executions. Implementations live outside this
// module; ScriptedEngine is the built-in development stand-in.
type Engine interface {
	Start(ctx context.Context, cfg WorkloadConfig, input json.RawMessage) (EventSource, error)
}

// ScriptedEngine replays a fixed script of raw JSON event tuples. It is
// the default engine in development builds and the test double for the
// orchestrator. Each script entry goes through the same tuple decoding as
// a real engine's output, so malformed entries exercise the skip path.
type ScriptedEngine struct {
	// Script holds raw event tuples, e.g. `["values", {"step": 1}]`.
	Script []json.RawMessage
	// Delay is an optional pause before each event, to make the live
	// phase observable in development.
	Delay time.Duration
}

// Start begins replaying the script. The returned source is independent
// per call, so one ScriptedEngine serves concurrent runs.
func (e *ScriptedEngine) Start(_ context.Context, _ WorkloadConfig, _ json.RawMessage) (EventSource, error) {
	script := make([]json.RawMessage, len(e.Script))
	copy(script, e.Script)
	return &scriptedSource{script: script, delay: e.Delay}, nil
}

type scriptedSource struct {
	script []json.RawMessage
	delay  time.Duration
	next   int
}

func (s *scriptedSource) Recv(ctx context.Context) (RawEvent, error) {
	if s.next >= len(s.script) {
		return RawEvent{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return RawEvent{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return RawEvent{}, err
	}
	raw := s.script[s.next]
	s.next++
	return ParseRawEvent(raw)
}

func (s *scriptedSource) Close() error {
	s.next = len(s.script)
	return nil
}
