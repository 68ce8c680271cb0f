package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/tasuki/api"
	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/config"
	"github.com/ashita-ai/tasuki/internal/mcp"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
	"github.com/ashita-ai/tasuki/internal/server"
	"github.com/ashita-ai/tasuki/internal/service/lifecycle"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/telemetry"
	"github.com/ashita-ai/tasuki/migrations"
	"github.com/ashita-ai/tasuki/ui"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TASUKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tasuki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Select the task store. An empty DATABASE_URL runs everything in
	// memory, which is good enough for local development and demos.
	var (
		store storage.Store
		users storage.UserStore
		db    *storage.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}

		store = db
		users = db
	} else {
		logger.Warn("DATABASE_URL is empty, using in-memory store (data is lost on restart)")
		mem := storage.NewMemStore()
		store = mem
		users = mem
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Create the SSE broker and the lifecycle service that feeds it.
	broker := server.NewBroker(logger)
	lifecycleSvc := lifecycle.New(store, broker, logger)

	// Create MCP server. User identity comes from the JWT claims that the
	// HTTP auth middleware installs into the request context.
	mcpSrv := mcp.New(lifecycleSvc, func(ctx context.Context) uuid.UUID {
		return server.UserIDFromContext(ctx)
	}, logger)

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// The dashboard is only present in binaries built with the ui tag.
	uiFS, err := ui.DistFS()
	if err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded dashboard loaded")
	}

	// Create HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		Store:               store,
		Users:               users,
		DB:                  db,
		JWTMgr:              jwtMgr,
		Lifecycle:           lifecycleSvc,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.SSEHeartbeatInterval,
		OpenAPISpec:         api.OpenAPISpec,
		UIFS:                uiFS,
	})

	// Seed the initial admin user.
	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminAPIKey); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones, then close the broker so SSE handlers unwind.
	slog.Info("tasuki shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	broker.Close()

	slog.Info("tasuki stopped")
	return nil
}
