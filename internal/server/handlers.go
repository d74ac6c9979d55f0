package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tempest11/graphrun/internal/auth"
	"github.com/tempest11/graphrun/internal/model"
	"github.com/tempest11/graphrun/internal/stream"
)

// Store is the persistence surface the HTTP handlers need. *storage.DB
// satisfies it; handler tests use an in-memory fake.
type Store interface {
	stream.Store

	CreateThread(ctx context.Context, req model.CreateThreadRequest, owner string) (model.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error)
	ListThreads(ctx context.Context, limit, offset int) ([]model.Thread, error)
	DeleteThread(ctx context.Context, id uuid.UUID) error

	CreateAssistant(ctx context.Context, req model.CreateAssistantRequest, owner string) (model.Assistant, error)
	GetAssistant(ctx context.Context, id uuid.UUID) (model.Assistant, error)
	GetAssistantVersion(ctx context.Context, id uuid.UUID, version int) (model.AssistantVersion, error)
	ListAssistants(ctx context.Context, limit, offset int) ([]model.Assistant, error)
	UpdateAssistant(ctx context.Context, id uuid.UUID, req model.UpdateAssistantRequest) (model.Assistant, error)
	DeleteAssistant(ctx context.Context, id uuid.UUID) error

	CreateRun(ctx context.Context, threadID uuid.UUID, assistantID *uuid.UUID, input []byte, owner string) (model.Run, error)
	ListRunsByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]model.Run, error)
	ListActiveRunsByThread(ctx context.Context, threadID uuid.UUID) ([]model.Run, error)
	DeleteRun(ctx context.Context, id uuid.UUID) error

	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	store        Store
	orch         *stream.Orchestrator
	registry     *stream.Registry
	jwtMgr       *auth.JWTManager
	adminKeyHash string
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	keepalive    time.Duration
	openAPISpec  []byte
	schemas      *schemaCache
	startedAt    time.Time
}

// HandlersDeps holds the dependencies for creating Handlers.
type HandlersDeps struct {
	Store        Store
	Orchestrator *stream.Orchestrator
	Registry     *stream.Registry
	JWTMgr       *auth.JWTManager
	AdminKeyHash string // empty disables auth
	Logger       *slog.Logger
	Version      string
	MaxBodyBytes int64
	Keepalive    time.Duration
	OpenAPISpec  []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	keepalive := deps.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		store:        deps.Store,
		orch:         deps.Orchestrator,
		registry:     deps.Registry,
		jwtMgr:       deps.JWTMgr,
		adminKeyHash: deps.AdminKeyHash,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: deps.MaxBodyBytes,
		keepalive:    keepalive,
		openAPISpec:  deps.OpenAPISpec,
		schemas:      newSchemaCache(),
		startedAt:    time.Now(),
	}
}

// HandleAuthToken handles POST /auth/token: exchanges the admin API key
// for a bearer token carrying the requested owner identity.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.adminKeyHash == "" {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "auth is disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Owner == "" || req.APIKey == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, h.adminKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(req.Owner)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: exp})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Brokers:  h.registry.Len(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.Error(w, "openapi spec not embedded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openAPISpec)
}

// pathUUID parses a UUID path value; writes a 400 and returns false on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// pagination extracts limit/offset query params with defaults.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
