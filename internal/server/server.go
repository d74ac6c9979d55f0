package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tempest11/graphrun/internal/auth"
	"github.com/tempest11/graphrun/internal/ratelimit"
	"github.com/tempest11/graphrun/internal/stream"
)

// Server is the graphrun HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): JWTMgr, Limiter, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store        Store
	Orchestrator *stream.Orchestrator
	Registry     *stream.Registry
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr       *auth.JWTManager
	AdminKeyHash string // empty disables auth
	Limiter      ratelimit.Limiter
	MCPServer    *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	Keepalive           time.Duration

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:        cfg.Store,
		Orchestrator: cfg.Orchestrator,
		Registry:     cfg.Registry,
		JWTMgr:       cfg.JWTMgr,
		AdminKeyHash: cfg.AdminKeyHash,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Keepalive:    cfg.Keepalive,
		OpenAPISpec:  cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Auth exchanges are limited by IP, run creation by owner identity.
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	runRL := ratelimit.Middleware(cfg.Limiter, ownerKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Threads.
	mux.HandleFunc("POST /v1/threads", h.HandleCreateThread)
	mux.HandleFunc("GET /v1/threads", h.HandleListThreads)
	mux.HandleFunc("GET /v1/threads/{thread_id}", h.HandleGetThread)
	mux.HandleFunc("DELETE /v1/threads/{thread_id}", h.HandleDeleteThread)

	// Assistants.
	mux.HandleFunc("POST /v1/assistants", h.HandleCreateAssistant)
	mux.HandleFunc("GET /v1/assistants", h.HandleListAssistants)
	mux.HandleFunc("GET /v1/assistants/{assistant_id}", h.HandleGetAssistant)
	mux.HandleFunc("PATCH /v1/assistants/{assistant_id}", h.HandleUpdateAssistant)
	mux.HandleFunc("DELETE /v1/assistants/{assistant_id}", h.HandleDeleteAssistant)

	// Runs. Creation launches a producer goroutine, so it carries the
	// rate limit; the read paths do not.
	mux.Handle("POST /v1/threads/{thread_id}/runs", runRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.HandleFunc("GET /v1/threads/{thread_id}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("DELETE /v1/runs/{run_id}", h.HandleDeleteRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)

	// Long-lived connections, no rate limit.
	mux.HandleFunc("GET /v1/runs/{run_id}/join", h.HandleJoinRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/stream", h.HandleStreamRun)

	// MCP StreamableHTTP transport (auth required via middleware chain).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ownerKeyFunc extracts the authenticated owner for rate limiting.
func ownerKeyFunc(r *http.Request) string {
	return OwnerFromContext(r.Context())
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
