package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func keyByHeader(r *http.Request) string {
	return r.Header.Get("X-Test-Key")
}

func TestMiddlewareAllowsUnderLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(10, 5)
	defer func() { _ = limiter.Close() }()

	handler := ratelimit.Middleware(limiter, keyByHeader, nil)(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
		req.Header.Set("X-Test-Key", "user-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	defer func() { _ = limiter.Close() }()

	handler := ratelimit.Middleware(limiter, keyByHeader, func(*http.Request) string {
		return "req-123"
	})(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
		req.Header.Set("X-Test-Key", "user-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	req.Header.Set("X-Test-Key", "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Code)
	assert.Equal(t, "req-123", body.RequestID)
}

func TestMiddlewareIndependentKeys(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	handler := ratelimit.Middleware(limiter, keyByHeader, nil)(okHandler())

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
		req.Header.Set("X-Test-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send("user-a"))
	assert.Equal(t, http.StatusTooManyRequests, send("user-a"))
	assert.Equal(t, http.StatusOK, send("user-b"))
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	handler := ratelimit.Middleware(limiter, keyByHeader, nil)(okHandler())

	// No X-Test-Key header, so the key func returns "" and limiting is skipped.
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := ratelimit.Middleware(nil, keyByHeader, nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	req.Header.Set("X-Test-Key", "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// brokenLimiter always errors, to verify fail-open behavior.
type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter backend down")
}

func (brokenLimiter) Close() error { return nil }

func TestMiddlewareFailsOpenOnError(t *testing.T) {
	handler := ratelimit.Middleware(brokenLimiter{}, keyByHeader, nil)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", nil)
	req.Header.Set("X-Test-Key", "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", ratelimit.IPKeyFunc(req))
}
