package graphrun

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/stream"
)

// Workload describes the run an Engine should execute.
type Workload struct {
	RunID    uuid.UUID
	ThreadID uuid.UUID
	GraphID  string
	Config   json.RawMessage
}

// RawEvent is one (mode, payload) pair emitted by an Engine. Mode is the
// stream channel name: "values", "messages", "updates", "metadata", or
// "custom".
type RawEvent struct {
	Mode    string
	Payload json.RawMessage
}

// EventSource is a stream of raw events from one workload execution.
// Recv returns io.EOF when the workload finishes normally and the
// context error when cancelled.
type EventSource interface {
	Recv(ctx context.Context) (RawEvent, error)
	Close() error
}

// Engine starts workload executions. Implement this to plug a real
// execution backend into graphrun.
type Engine interface {
	Start(ctx context.Context, w Workload, input json.RawMessage) (EventSource, error)
}

// engineAdapter wraps a public Engine to satisfy stream.Engine.
type engineAdapter struct {
	e Engine
}

func (a *engineAdapter) Start(ctx context.Context, cfg stream.WorkloadConfig, input json.RawMessage) (stream.EventSource, error) {
	src, err := a.e.Start(ctx, Workload{
		RunID:    cfg.RunID,
		ThreadID: cfg.ThreadID,
		GraphID:  cfg.GraphID,
		Config:   cfg.Config,
	}, input)
	if err != nil {
		return nil, err
	}
	return &sourceAdapter{src: src}, nil
}

type sourceAdapter struct {
	src EventSource
}

func (a *sourceAdapter) Recv(ctx context.Context) (stream.RawEvent, error) {
	ev, err := a.src.Recv(ctx)
	if err != nil {
		return stream.RawEvent{}, err
	}
	return stream.RawEvent{Mode: model.StreamMode(ev.Mode), Payload: ev.Payload}, nil
}

func (a *sourceAdapter) Close() error {
	return a.src.Close()
}
