package server

import (
	"errors"
	"net/http"

	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/storage"
)

// HandleCreateThread handles POST /v1/threads.
func (h *Handlers) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.CreateThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	th, err := h.store.CreateThread(r.Context(), req, OwnerFromContext(r.Context()))
	if err != nil {
		h.logger.Error("create thread", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create thread")
		return
	}
	writeJSON(w, r, http.StatusCreated, th)
}

// HandleGetThread handles GET /v1/threads/{thread_id}.
func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "thread_id")
	if !ok {
		return
	}

	th, err := h.store.GetThread(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
			return
		}
		h.logger.Error("get thread", "thread_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get thread")
		return
	}
	writeJSON(w, r, http.StatusOK, th)
}

// HandleListThreads handles GET /v1/threads.
func (h *Handlers) HandleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	threads, err := h.store.ListThreads(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list threads", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list threads")
		return
	}
	if threads == nil {
		threads = []model.Thread{}
	}
	writeList(w, r, threads, limit, offset, len(threads))
}

// HandleDeleteThread handles DELETE /v1/threads/{thread_id}. Active runs
// on the thread are cancelled first so no producer keeps writing into a
// cascade-deleted log.
func (h *Handlers) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "thread_id")
	if !ok {
		return
	}
	ctx := r.Context()

	active, err := h.store.ListActiveRunsByThread(ctx, id)
	if err != nil {
		h.logger.Error("list active runs", "thread_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete thread")
		return
	}
	for _, run := range active {
		if err := h.orch.Cancel(ctx, run.ID); err != nil {
			h.logger.Error("cancel run before thread delete", "run_id", run.ID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel active run")
			return
		}
		h.registry.Remove(run.ID)
	}

	if err := h.store.DeleteThread(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
			return
		}
		h.logger.Error("delete thread", "thread_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
