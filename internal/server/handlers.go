package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/lifecycle"
	"github.com/ashita-ai/tasuki/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	users               storage.UserStore
	db                  *storage.DB // nil when running on the in-memory store
	jwtMgr              *auth.JWTManager
	lifecycle           *lifecycle.Service
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	heartbeatInterval   time.Duration
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Broker, OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	Users               storage.UserStore
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Lifecycle           *lifecycle.Service
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	HeartbeatInterval   time.Duration
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	hb := d.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &Handlers{
		store:               d.Store,
		users:               d.Users,
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		lifecycle:           d.Lifecycle,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		heartbeatInterval:   hb,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openapiSpec)
}

// HandleAuthToken handles POST /auth/token.
// Exchanges a username plus API key for a signed JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Username == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "username and apiKey are required")
		return
	}

	user, err := h.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil || user.APIKeyHash == nil {
		// Burn the same hashing cost as a real verification so timing does
		// not reveal whether the username exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuthRequired, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeAuthRequired, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued",
		"username", user.Username,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCreateUser handles POST /v1/users (admin only).
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateUsername(req.Username); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "apiKey is required")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	if !role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, fmt.Sprintf("unknown role %q", role))
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	user, err := h.users.CreateUser(r.Context(), model.User{
		Username:   req.Username,
		Role:       role,
		APIKeyHash: &hash,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create user", err)
		return
	}

	h.logger.Info("user created",
		"username", user.Username,
		"role", user.Role,
		"created_by", ClaimsFromContext(r.Context()).Username,
	)

	writeJSON(w, http.StatusCreated, user)
}

// HandleSubscribe handles GET /v1/tasks/events (SSE).
// Streams the authenticated user's task lifecycle events until the client
// disconnects or the server shuts down.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	// The response controller reaches through middleware wrappers via
	// Unwrap, so flushing and deadline control work on the real writer.
	rc := http.NewResponseController(w)

	userID := UserIDFromContext(r.Context())
	ch := h.broker.Subscribe(userID)
	if ch == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeFetchError, "event stream shutting down")
		return
	}
	defer h.broker.Unsubscribe(userID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Acknowledge the subscription before any event so clients can treat
	// the first bytes as confirmation that the stream is live.
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(":heartbeat\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	storeKind := "memory"
	if h.db != nil {
		storeKind = "postgres"
		if err := h.db.Ping(r.Context()); err != nil {
			storeKind = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	brokerStatus := "stopped"
	subscribers := 0
	if h.broker != nil {
		brokerStatus = "running"
		subscribers = h.broker.SubscriberCount()
	}

	writeJSON(w, httpStatus, model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Store:       storeKind,
		Broker:      brokerStatus,
		Subscribers: subscribers,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedAdmin creates the initial admin user if the users table is empty.
func (h *Handlers) SeedAdmin(ctx context.Context, username, apiKey string) error {
	count, err := h.users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count users: %w", err)
	}
	if count > 0 {
		h.logger.Info("users table not empty, skipping admin seed")
		return nil
	}
	if apiKey == "" {
		return fmt.Errorf("seed admin: TASUKI_ADMIN_API_KEY is empty and no users exist; set it to bootstrap initial access")
	}
	if username == "" {
		username = "admin"
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	if _, err := h.users.CreateUser(ctx, model.User{
		Username:   username,
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	}); err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("seeded initial admin user", "username", username)
	return nil
}

// --- Shared helpers ---

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeUpdateError, msg)
}

// handleDecodeError maps JSON decode failures to a validation error response.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeValidation,
			fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body: "+err.Error())
}

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("task_id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("task_id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid task_id: %s", idStr)
	}
	return id, nil
}
