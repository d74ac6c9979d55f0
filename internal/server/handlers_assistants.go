package server

import (
	"errors"
	"net/http"

	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/storage"
)

// HandleCreateAssistant handles POST /v1/assistants.
func (h *Handlers) HandleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.CreateAssistantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.GraphID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and graph_id are required")
		return
	}
	if len(req.InputSchema) > 0 {
		if err := h.compileSchema(req.InputSchema); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid input_schema: "+err.Error())
			return
		}
	}

	a, err := h.store.CreateAssistant(r.Context(), req, OwnerFromContext(r.Context()))
	if err != nil {
		h.logger.Error("create assistant", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create assistant")
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleGetAssistant handles GET /v1/assistants/{assistant_id}. The
// version query param reads a pinned version snapshot instead of the
// latest.
func (h *Handlers) HandleGetAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "assistant_id")
	if !ok {
		return
	}

	a, err := h.store.GetAssistant(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "assistant not found")
			return
		}
		h.logger.Error("get assistant", "assistant_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get assistant")
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleListAssistants handles GET /v1/assistants.
func (h *Handlers) HandleListAssistants(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	assistants, err := h.store.ListAssistants(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list assistants", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list assistants")
		return
	}
	if assistants == nil {
		assistants = []model.Assistant{}
	}
	writeList(w, r, assistants, limit, offset, len(assistants))
}

// HandleUpdateAssistant handles PATCH /v1/assistants/{assistant_id}.
// Any change produces a new version; in-flight runs keep the snapshot
// they started with.
func (h *Handlers) HandleUpdateAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "assistant_id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.UpdateAssistantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.InputSchema) > 0 {
		if err := h.compileSchema(req.InputSchema); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid input_schema: "+err.Error())
			return
		}
	}

	a, err := h.store.UpdateAssistant(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "assistant not found")
			return
		}
		h.logger.Error("update assistant", "assistant_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to update assistant")
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleDeleteAssistant handles DELETE /v1/assistants/{assistant_id}.
// Existing runs survive with assistant_id nulled out.
func (h *Handlers) HandleDeleteAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "assistant_id")
	if !ok {
		return
	}

	if err := h.store.DeleteAssistant(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "assistant not found")
			return
		}
		h.logger.Error("delete assistant", "assistant_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete assistant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
