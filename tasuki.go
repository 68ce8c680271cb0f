// Package tasuki is the public API for embedding the Tasuki task lifecycle
// server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := tasuki.New(
//	    tasuki.WithVersion(version),
//	    tasuki.WithLogger(logger),
//	    tasuki.WithEventSink(myAuditSink{}),
//	    tasuki.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tasuki (root) imports
// internal/*, but internal/* never imports tasuki (root). Public types (Task,
// Event, etc.) are standalone structs with no internal imports; conversion
// helpers live here because this is the only file that sees both sides of the
// boundary.
package tasuki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/tasuki/api"
	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/config"
	"github.com/ashita-ai/tasuki/internal/mcp"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
	"github.com/ashita-ai/tasuki/internal/server"
	"github.com/ashita-ai/tasuki/internal/service/lifecycle"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/telemetry"
	"github.com/ashita-ai/tasuki/migrations"
	"github.com/ashita-ai/tasuki/ui"
)

// App is the Tasuki server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when running in memory
	srv          *server.Server
	broker       *server.Broker
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Tasuki server. It connects to the database (when one is
// configured), runs migrations, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run().
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

	// Load configuration (env vars), then apply option overrides.
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

	logger.Info("tasuki starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var (
		store storage.Store
		users storage.UserStore
		db    *storage.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}

		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				db.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}

		store = db
		users = db
	} else {
		logger.Warn("DATABASE_URL is empty, using in-memory store (data is lost on restart)")
		mem := storage.NewMemStore()
		store = mem
		users = mem
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// The SSE broker is the primary event consumer; registered sinks ride
	// along on the same publish path.
	broker := server.NewBroker(logger)
	var publisher lifecycle.EventPublisher = broker
	if len(o.eventSinks) > 0 {
		publisher = &sinkPublisher{broker: broker, sinks: o.eventSinks, logger: logger}
	}
	lifecycleSvc := lifecycle.New(store, publisher, logger)

	mcpSrv := mcp.New(lifecycleSvc, func(ctx context.Context) uuid.UUID {
		return server.UserIDFromContext(ctx)
	}, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	uiFS, err := ui.DistFS()
	if err != nil {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded dashboard loaded")
	}

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		Users:               users,
		DB:                  db,
		JWTMgr:              jwtMgr,
		Lifecycle:           lifecycleSvc,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		UIFS:                uiFS,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.SSEHeartbeatInterval,
	})

	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminUsername, cfg.AdminAPIKey); err != nil {
		logger.Warn("admin seed failed", "error", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically; callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully stops the server: drain in-flight HTTP requests, close
// the SSE broker so stream handlers unwind, then release the rate limiter,
// database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tasuki shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.broker.Close()
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	if a.db != nil {
		a.db.Close()
	}

	a.logger.Info("tasuki stopped")
	return nil
}

// sinkPublisher fans lifecycle events out to the SSE broker and every
// registered EventSink. Sinks run asynchronously so a slow consumer can never
// stall a task mutation.
type sinkPublisher struct {
	broker *server.Broker
	sinks  []EventSink
	logger *slog.Logger
}

func (p *sinkPublisher) Publish(userID uuid.UUID, event model.TaskEvent) {
	p.broker.Publish(userID, event)

	pub := toPublicEvent(event)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range p.sinks {
			if err := s.OnTaskEvent(ctx, userID, pub); err != nil {
				p.logger.Warn("event sink failed", "error", err, "event_type", event.Type, "task_id", event.TaskID)
			}
		}
	}()
}

// toPublicEvent converts an internal model.TaskEvent to the public Event.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicEvent(e model.TaskEvent) Event {
	out := Event{
		Type:      EventType(e.Type),
		TaskID:    e.TaskID,
		Timestamp: e.Timestamp,
	}
	if e.Task != nil {
		t := toPublicTask(*e.Task)
		out.Task = &t
	}
	return out
}

func toPublicTask(t model.Task) Task {
	return Task{
		ID:              t.ID,
		UserID:          t.UserID,
		AgentID:         t.AgentID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          Status(t.Status),
		Priority:        string(t.Priority),
		ConfidenceScore: t.ConfidenceScore,
		ReasoningLog:    toPublicSteps(t.ReasoningLog),
		ExecutionSteps:  toPublicSteps(t.ExecutionSteps),
		RequiresReview:  t.RequiresReview,
		ReviewedAt:      t.ReviewedAt,
		WasOverridden:   t.WasOverridden,
		RetryCount:      t.RetryCount,
		FirstAttemptAt:  t.FirstAttemptAt,
		LastRetryAt:     t.LastRetryAt,
		ErrorMessage:    t.ErrorMessage,
		ErrorCode:       t.ErrorCode,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func toPublicSteps(steps []model.StepRecord) []Step {
	if len(steps) == 0 {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = Step{
			Action:     s.Action,
			Reasoning:  s.Reasoning,
			Confidence: s.Confidence,
			Timestamp:  s.Timestamp,
			Outcome:    s.Outcome,
		}
	}
	return out
}
