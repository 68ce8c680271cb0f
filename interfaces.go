package tasuki

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// EventSink receives task lifecycle events alongside SSE delivery to
// subscribed clients. Sink methods run in goroutines so they must not block
// indefinitely. Failures are logged but never fail the originating mutation.
type EventSink interface {
	OnTaskEvent(ctx context.Context, userID uuid.UUID, event Event) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux. Routes
// added this way share the auth chain, logging, and OTEL instrumentation with
// the built-in routes, so anything under /v1/ requires a valid token. Called
// once during New(), before the dashboard catch-all is mounted.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost (before routing),
// so it sees all requests including /health. Multiple middlewares are applied
// in registration order, first registered outermost.
type Middleware func(http.Handler) http.Handler
