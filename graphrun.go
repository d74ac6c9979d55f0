// Package graphrun is the public API for embedding the graphrun server.
//
// Consumers import this package to run the server in-process with a real
// execution engine plugged in:
//
//	app, err := graphrun.New(
//	    graphrun.WithVersion(version),
//	    graphrun.WithLogger(logger),
//	    graphrun.WithEngine(myEngine),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: graphrun (root)
// imports internal/*, but internal/* never imports graphrun (root).
package graphrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/joho/godotenv"

	"github.com/tempest11/graphrun/api"
	"github.com/tempest11/graphrun/internal/auth"
	"github.com/tempest11/graphrun/internal/config"
	"github.com/tempest11/graphrun/internal/mcp"
	"github.com/tempest11/graphrun/internal/ratelimit"
	"github.com/tempest11/graphrun/internal/server"
	"github.com/tempest11/graphrun/internal/storage"
	"github.com/tempest11/graphrun/internal/stream"
	"github.com/tempest11/graphrun/internal/telemetry"
	"github.com/tempest11/graphrun/migrations"
)

// App is the graphrun server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	registry     *stream.Registry
	orch         *stream.Orchestrator
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the graphrun server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("graphrun starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Auth is enabled by configuring an admin API key. Without one every
	// request runs as the anonymous owner (development mode).
	var jwtMgr *auth.JWTManager
	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: %w", err)
		}
		adminKeyHash, err = auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash admin key: %w", err)
		}
		logger.Info("auth: enabled")
	} else {
		logger.Warn("auth: disabled (no GRAPHRUN_ADMIN_API_KEY), all requests run as anonymous")
	}

	var engine stream.Engine
	if o.engine != nil {
		engine = &engineAdapter{e: o.engine}
	} else {
		engine = demoEngine()
		logger.Warn("engine: using built-in scripted demo engine")
	}

	registry := stream.NewRegistry(cfg.SubscriberBuffer, cfg.BrokerGrace, logger)
	orch := stream.NewOrchestrator(db, registry, engine, cfg.CancelWait, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(db, version, logger)

	srv := server.New(server.ServerConfig{
		Store:               db,
		Orchestrator:        orch,
		Registry:            registry,
		JWTMgr:              jwtMgr,
		AdminKeyHash:        adminKeyHash,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Keepalive:           cfg.KeepaliveEvery,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		registry:     registry,
		orch:         orch,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for embedding tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the registry sweeper and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, shutdown
// has completed; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.registry.Sweep(gctx, a.cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains the HTTP server, cancels any still-running producers so
// their cancelled status is persisted, then closes the database pool and
// the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("graphrun shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.db.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("graphrun stopped")
	return nil
}

// demoEngine returns the scripted engine used when no real engine is
// injected, so the binary streams end to end out of the box.
func demoEngine() stream.Engine {
	return &stream.ScriptedEngine{
		Script: []json.RawMessage{
			json.RawMessage(`["metadata", {"engine": "scripted-demo"}]`),
			json.RawMessage(`["values", {"step": "start"}]`),
			json.RawMessage(`["messages", {"delta": "hello "}]`),
			json.RawMessage(`["messages", {"delta": "world"}]`),
			json.RawMessage(`["values", {"step": "done", "message": "hello world"}]`),
		},
	}
}
