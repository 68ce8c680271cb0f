package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
	"github.com/ashita-ai/tasuki/internal/service/lifecycle"
	"github.com/ashita-ai/tasuki/internal/storage"
)

// Server is the Tasuki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): DB, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store     storage.Store
	Users     storage.UserStore
	JWTMgr    *auth.JWTManager
	Lifecycle *lifecycle.Service
	Broker    *Broker
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	DB          *storage.DB // Backing pool when running on Postgres; used for health checks.
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte
	UIFS        fs.FS // Embedded dashboard; nil skips SPA mounting.

	// Extension points for embedding consumers. ExtraRoutes run inside the
	// standard middleware chain; Middlewares wrap the whole handler, first
	// registered outermost.
	ExtraRoutes []func(*http.ServeMux)
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	HeartbeatInterval   time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Users:               cfg.Users,
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Lifecycle:           cfg.Lifecycle,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Mutations are limited per user, token issuance per client IP.
	mutationRL := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// User management (admin only).
	mux.Handle("POST /v1/users", requireAdmin(http.HandlerFunc(h.HandleCreateUser)))

	// Task lifecycle. Mutations are rate limited, reads are not.
	mux.Handle("POST /v1/tasks", mutationRL(http.HandlerFunc(h.HandleCreateTask)))
	mux.Handle("GET /v1/tasks", http.HandlerFunc(h.HandleListTasks))
	mux.Handle("GET /v1/tasks/{task_id}", http.HandlerFunc(h.HandleGetTask))
	mux.Handle("PATCH /v1/tasks/{task_id}", mutationRL(http.HandlerFunc(h.HandleUpdateTask)))
	mux.Handle("DELETE /v1/tasks/{task_id}", mutationRL(http.HandlerFunc(h.HandleDeleteTask)))

	// Trust metrics (read only).
	mux.Handle("GET /v1/metrics", http.HandlerFunc(h.HandleMetrics))

	// Event stream (no rate limit, long-lived connection). The literal
	// "events" segment takes precedence over the {task_id} wildcard.
	mux.Handle("GET /v1/tasks/events", http.HandlerFunc(h.HandleSubscribe))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health and API documentation (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Consumer-registered routes, before the SPA catch-all.
	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Embedded dashboard SPA, mounted last as the catch-all.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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

// userKeyFunc extracts the user ID from the request context for rate limiting.
// Returns empty string for admins (exempt) and unauthenticated requests.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role == model.RoleAdmin {
		return ""
	}
	return "user:" + claims.UserID.String()
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
