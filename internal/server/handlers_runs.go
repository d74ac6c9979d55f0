package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/storage"
	"github.com/tempest11/graphrun/internal/stream"
)

// HandleCreateRun handles POST /v1/threads/{thread_id}/runs: creates the
// run record and launches its producer. The assistant configuration is
// resolved once here; later assistant updates never touch a run in flight.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathUUID(w, r, "thread_id")
	if !ok {
		return
	}
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Input) > model.MaxInputLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("input exceeds %d bytes", model.MaxInputLen))
		return
	}

	if _, err := h.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
			return
		}
		h.logger.Error("get thread", "thread_id", threadID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}

	a, err := h.store.GetAssistant(ctx, req.AssistantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "assistant not found")
			return
		}
		h.logger.Error("get assistant", "assistant_id", req.AssistantID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}

	graphID := a.GraphID
	cfgRaw := a.Config
	inputSchema := a.InputSchema
	if req.AssistantVersion != nil {
		av, err := h.store.GetAssistantVersion(ctx, req.AssistantID, *req.AssistantVersion)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "assistant version not found")
				return
			}
			h.logger.Error("get assistant version", "assistant_id", req.AssistantID, "version", *req.AssistantVersion, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
			return
		}
		graphID = av.GraphID
		cfgRaw = av.Config
		inputSchema = av.InputSchema
	}

	if err := h.validateInput(inputSchema, req.Input); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input does not match input_schema: "+err.Error())
		return
	}

	// One producer per thread at a time; a second run must wait until the
	// thread is idle again.
	active, err := h.store.ListActiveRunsByThread(ctx, threadID)
	if err != nil {
		h.logger.Error("list active runs", "thread_id", threadID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}
	if len(active) > 0 {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "thread already has an active run")
		return
	}

	run, err := h.store.CreateRun(ctx, threadID, &req.AssistantID, req.Input, OwnerFromContext(ctx))
	if err != nil {
		h.logger.Error("create run", "thread_id", threadID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}

	cfg := stream.WorkloadConfig{
		RunID:    run.ID,
		ThreadID: threadID,
		GraphID:  graphID,
		Config:   cfgRaw,
	}
	policy := stream.Policy{OnlyInterruptUpdates: req.OnlyInterruptUpdates}
	if err := h.orch.StartRun(run, cfg, policy); err != nil {
		h.logger.Error("start run", "run_id", run.ID, "error", err)
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already started")
		return
	}

	h.logger.Info("run started", "run_id", run.ID, "thread_id", threadID, "graph_id", graphID)
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleListRuns handles GET /v1/threads/{thread_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathUUID(w, r, "thread_id")
	if !ok {
		return
	}
	limit, offset := pagination(r)
	runs, err := h.store.ListRunsByThread(r.Context(), threadID, limit, offset)
	if err != nil {
		h.logger.Error("list runs", "thread_id", threadID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeList(w, r, runs, limit, offset, len(runs))
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Idempotent; the
// cancelled status is persisted before the response is written.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	if err := h.orch.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		if errors.Is(err, stream.ErrCancelTimeout) {
			writeError(w, r, http.StatusAccepted, model.ErrCodeConflict, "cancel accepted, producer still winding down")
			return
		}
		h.logger.Error("cancel run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel run")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.logger.Error("get run after cancel", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleJoinRun handles GET /v1/runs/{run_id}/join: blocks until the run
// is terminal and returns its final descriptor. Failed and cancelled runs
// return 200; the outcome is in the descriptor.
func (h *Handlers) HandleJoinRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	run, err := h.orch.Join(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		if r.Context().Err() != nil {
			return // client went away
		}
		h.logger.Error("join run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to join run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleDeleteRun handles DELETE /v1/runs/{run_id}: force-cancels an
// active run, then deletes the record and its event log.
func (h *Handlers) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	ctx := r.Context()

	run, err := h.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete run")
		return
	}

	if run.Status.Active() {
		if err := h.orch.Cancel(ctx, id); err != nil {
			h.logger.Error("cancel run before delete", "run_id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel run")
			return
		}
	}
	h.registry.Remove(id)

	if err := h.store.DeleteRun(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("delete run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStreamRun handles GET /v1/runs/{run_id}/stream: server-sent
// events from the cursor to the terminal envelope. Resumption cursor
// comes from the Last-Event-ID header (EventSource reconnects) or the
// last_event_id query param; absent means full replay from the start.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	ctx := r.Context()

	if _, err := h.store.GetRun(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to stream run")
		return
	}

	after := int64(-1)
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	if lastEventID != "" {
		// A cursor that does not parse is ignored, so the replay starts
		// from the beginning rather than silently skipping event 0.
		if seq, ok := model.ExtractEventSequence(lastEventID); ok {
			after = seq
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	// The stream outlives the server's WriteTimeout; lift the deadline
	// for this response only.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("stream: clear write deadline", "error", err)
	}

	events := make(chan model.Event)
	errc := make(chan error, 1)
	go func() {
		errc <- h.orch.Follow(ctx, id, after, func(ev model.Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case ev := <-events:
			if _, err := fmt.Fprint(w, formatSSE(ev)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case err := <-errc:
			// fn sends synchronously, so every delivered event was
			// consumed before the error lands here.
			if err != nil && ctx.Err() == nil {
				h.logger.Warn("stream: follow ended", "run_id", id, "error", err)
			}
			return
		}
	}
}

// formatSSE frames one event for the wire:
//
//	event: {mode}
//	id: {run_id}_event_{seq}
//	data: {json}
func formatSSE(ev model.Event) string {
	return fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", ev.StreamMode, ev.ID, ev.Payload)
}
