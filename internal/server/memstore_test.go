package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/storage"
)

// memStore is an in-memory Store for handler tests. Guarded run
// transitions mirror the SQL layer so orchestrator semantics hold.
type memStore struct {
	mu         sync.Mutex
	threads    map[uuid.UUID]model.Thread
	assistants map[uuid.UUID]model.Assistant
	versions   map[uuid.UUID][]model.AssistantVersion
	runs       map[uuid.UUID]model.Run
	events     map[uuid.UUID][]model.Event
}

func newMemStore() *memStore {
	return &memStore{
		threads:    make(map[uuid.UUID]model.Thread),
		assistants: make(map[uuid.UUID]model.Assistant),
		versions:   make(map[uuid.UUID][]model.AssistantVersion),
		runs:       make(map[uuid.UUID]model.Run),
		events:     make(map[uuid.UUID][]model.Event),
	}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) CreateThread(_ context.Context, req model.CreateThreadRequest, owner string) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	th := model.Thread{
		ID:        uuid.New(),
		Status:    model.ThreadStatusIdle,
		Metadata:  req.Metadata,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[th.ID] = th
	return th, nil
}

func (s *memStore) GetThread(_ context.Context, id uuid.UUID) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return model.Thread{}, storage.ErrNotFound
	}
	return th, nil
}

func (s *memStore) ListThreads(_ context.Context, limit, offset int) ([]model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		out = append(out, th)
	}
	return page(out, limit, offset), nil
}

func (s *memStore) SetThreadStatus(_ context.Context, id uuid.UUID, status model.ThreadStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return storage.ErrNotFound
	}
	th.Status = status
	th.UpdatedAt = time.Now().UTC()
	s.threads[id] = th
	return nil
}

func (s *memStore) DeleteThread(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.threads, id)
	for runID, run := range s.runs {
		if run.ThreadID == id {
			delete(s.runs, runID)
			delete(s.events, runID)
		}
	}
	return nil
}

func (s *memStore) CreateAssistant(_ context.Context, req model.CreateAssistantRequest, owner string) (model.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.assistants[a.ID] = a
	s.versions[a.ID] = []model.AssistantVersion{{
		AssistantID: a.ID, Version: 1, GraphID: a.GraphID,
		Config: a.Config, InputSchema: a.InputSchema, CreatedAt: now,
	}}
	return a, nil
}

func (s *memStore) GetAssistant(_ context.Context, id uuid.UUID) (model.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assistants[id]
	if !ok {
		return model.Assistant{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStore) GetAssistantVersion(_ context.Context, id uuid.UUID, version int) (model.AssistantVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, av := range s.versions[id] {
		if av.Version == version {
			return av, nil
		}
	}
	return model.AssistantVersion{}, storage.ErrNotFound
}

func (s *memStore) ListAssistants(_ context.Context, limit, offset int) ([]model.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Assistant, 0, len(s.assistants))
	for _, a := range s.assistants {
		out = append(out, a)
	}
	return page(out, limit, offset), nil
}

func (s *memStore) UpdateAssistant(_ context.Context, id uuid.UUID, req model.UpdateAssistantRequest) (model.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assistants[id]
	if !ok {
		return model.Assistant{}, storage.ErrNotFound
	}
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.GraphID != nil {
		a.GraphID = *req.GraphID
	}
	if len(req.Config) > 0 {
		a.Config = req.Config
	}
	if len(req.InputSchema) > 0 {
		a.InputSchema = req.InputSchema
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	s.assistants[id] = a
	s.versions[id] = append(s.versions[id], model.AssistantVersion{
		AssistantID: id, Version: a.Version, GraphID: a.GraphID,
		Config: a.Config, InputSchema: a.InputSchema, CreatedAt: a.UpdatedAt,
	})
	return a, nil
}

func (s *memStore) DeleteAssistant(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assistants[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.assistants, id)
	delete(s.versions, id)
	for runID, run := range s.runs {
		if run.AssistantID != nil && *run.AssistantID == id {
			run.AssistantID = nil
			s.runs[runID] = run
		}
	}
	return nil
}

func (s *memStore) CreateRun(_ context.Context, threadID uuid.UUID, assistantID *uuid.UUID, input []byte, owner string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.runs[run.ID] = run
	return run, nil
}

func (s *memStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *memStore) ListRunsByThread(_ context.Context, threadID uuid.UUID, limit, offset int) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, run := range s.runs {
		if run.ThreadID == threadID {
			out = append(out, run)
		}
	}
	return page(out, limit, offset), nil
}

func (s *memStore) ListActiveRunsByThread(_ context.Context, threadID uuid.UUID) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, run := range s.runs {
		if run.ThreadID == threadID && run.Status.Active() {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *memStore) SetRunStatus(_ context.Context, id uuid.UUID, status model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !run.Status.Active() {
		return storage.ErrConflict
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return nil
}

func (s *memStore) FinishRun(_ context.Context, id uuid.UUID, status model.RunStatus, output []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !run.Status.Active() {
		return storage.ErrConflict
	}
	run.Status = status
	run.Output = output
	run.Error = errMsg
	run.UpdatedAt = time.Now().UTC()
	s.runs[id] = run
	return nil
}

func (s *memStore) DeleteRun(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.runs, id)
	delete(s.events, id)
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, runID uuid.UUID, mode model.StreamMode, payload []byte) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.events[runID]))
	ev := model.Event{
		ID:         model.FormatEventID(runID.String(), seq),
		RunID:      runID,
		Sequence:   seq,
		StreamMode: mode,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	s.events[runID] = append(s.events[runID], ev)
	return ev, nil
}

func (s *memStore) EventsAfter(_ context.Context, runID uuid.UUID, after int64) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, ev := range s.events[runID] {
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
