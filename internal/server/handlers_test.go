package server_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/server"
	"github.com/ashita-ai/tasuki/internal/service/lifecycle"
	"github.com/ashita-ai/tasuki/internal/storage"
)

type testEnv struct {
	srv    *httptest.Server
	broker *server.Broker
}

// newTestEnv builds a full server on the in-memory store, seeds the admin,
// and returns the running test server plus tokens for an admin and a
// regular user.
func newTestEnv(t *testing.T) (*testEnv, string, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store := storage.NewMemStore()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	broker := server.NewBroker(logger)
	svc := lifecycle.New(store, broker, logger)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Users:               store,
		JWTMgr:              jwtMgr,
		Lifecycle:           svc,
		Broker:              broker,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		HeartbeatInterval:   time.Second,
	})

	require.NoError(t, srv.Handlers().SeedAdmin(t.Context(), "admin", "test-admin-key"))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		broker.Close()
	})

	env := &testEnv{srv: ts, broker: broker}
	adminToken := env.getToken(t, "admin", "test-admin-key")
	env.createUser(t, adminToken, "worker", "worker-key")
	userToken := env.getToken(t, "worker", "worker-key")
	return env, adminToken, userToken
}

func (e *testEnv) getToken(t *testing.T, username, apiKey string) string {
	t.Helper()
	body, _ := json.Marshal(model.AuthTokenRequest{Username: username, APIKey: apiKey})
	resp, err := http.Post(e.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokenResp model.AuthTokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResp))
	return tokenResp.Token
}

func (e *testEnv) createUser(t *testing.T, adminToken, username, apiKey string) {
	t.Helper()
	body, _ := json.Marshal(model.CreateUserRequest{Username: username, APIKey: apiKey})
	resp := e.do(t, http.MethodPost, "/v1/users", adminToken, body)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (e *testEnv) do(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createTask(t *testing.T, token, title string) model.Task {
	t.Helper()
	body, _ := json.Marshal(model.CreateTaskRequest{Title: title})
	resp := e.do(t, http.MethodPost, "/v1/tasks", token, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[model.Task](t, resp)
}

func (e *testEnv) patchTask(t *testing.T, token string, task model.Task, patch map[string]any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(patch)
	return e.do(t, http.MethodPatch, "/v1/tasks/"+task.ID.String(), token, body)
}

func TestAuthTokenInvalidCredentials(t *testing.T) {
	env, _, _ := newTestEnv(t)

	body, _ := json.Marshal(model.AuthTokenRequest{Username: "admin", APIKey: "wrong"})
	resp, err := http.Post(env.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	errResp := decodeBody[model.ErrorResponse](t, resp)
	assert.Equal(t, model.ErrCodeAuthRequired, errResp.Code)
	assert.NotEmpty(t, errResp.RequestID)
	assert.False(t, errResp.Timestamp.IsZero())
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	env, _, _ := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errResp := decodeBody[model.ErrorResponse](t, resp)
	assert.Equal(t, model.ErrCodeAuthRequired, errResp.Code)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	env, _, userToken := newTestEnv(t)

	body, _ := json.Marshal(model.CreateUserRequest{Username: "sneaky", APIKey: "k"})
	resp := env.do(t, http.MethodPost, "/v1/users", userToken, body)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTaskCRUDFlow(t *testing.T) {
	env, _, token := newTestEnv(t)

	// Create.
	task := env.createTask(t, token, "write report")
	assert.Equal(t, model.StatusTodo, task.Status)
	assert.Equal(t, model.PriorityMedium, task.Priority)
	assert.Equal(t, 0, task.RetryCount)

	// Get.
	resp := env.do(t, http.MethodGet, "/v1/tasks/"+task.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decodeBody[model.Task](t, resp)
	assert.Equal(t, task.ID, fetched.ID)
	assert.Equal(t, "write report", fetched.Title)

	// List.
	resp = env.do(t, http.MethodGet, "/v1/tasks", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decodeBody[[]model.Task](t, resp)
	require.Len(t, tasks, 1)

	// Update: legal transition.
	resp = env.patchTask(t, token, task, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[model.Task](t, resp)
	assert.Equal(t, model.StatusInProgress, updated.Status)

	// Delete.
	resp = env.do(t, http.MethodDelete, "/v1/tasks/"+task.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decodeBody[model.DeleteTaskResponse](t, resp)
	assert.True(t, deleted.Success)
	assert.Equal(t, task.ID, deleted.DeletedID)

	// Get after delete.
	resp = env.do(t, http.MethodGet, "/v1/tasks/"+task.ID.String(), token, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidTransitionErrorContract(t *testing.T) {
	env, _, token := newTestEnv(t)
	task := env.createTask(t, token, "jump the queue")

	// todo -> done is illegal.
	resp := env.patchTask(t, token, task, map[string]any{"status": "done"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var errResp struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Details struct {
			CurrentStatus    string   `json:"currentStatus"`
			AttemptedStatus  string   `json:"attemptedStatus"`
			ValidTransitions []string `json:"validTransitions"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(raw, &errResp))
	assert.Equal(t, model.ErrCodeInvalidTransition, errResp.Code)
	assert.Equal(t, "todo", errResp.Details.CurrentStatus)
	assert.Equal(t, "done", errResp.Details.AttemptedStatus)
	assert.ElementsMatch(t, []string{"in_progress", "cancelled"}, errResp.Details.ValidTransitions)

	// Task state is unchanged after the rejected transition.
	getResp := env.do(t, http.MethodGet, "/v1/tasks/"+task.ID.String(), token, nil)
	fetched := decodeBody[model.Task](t, getResp)
	assert.Equal(t, model.StatusTodo, fetched.Status)
}

func TestLowConfidenceForcesReview(t *testing.T) {
	env, _, token := newTestEnv(t)
	task := env.createTask(t, token, "low confidence run")

	// Setting confidence below 0.5 forces requiresReview, even when the
	// same patch explicitly sets it false.
	resp := env.patchTask(t, token, task, map[string]any{
		"confidenceScore": 0.4,
		"requiresReview":  false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[model.Task](t, resp)
	assert.True(t, updated.RequiresReview)
}

func TestRetryFlow(t *testing.T) {
	env, _, token := newTestEnv(t)
	task := env.createTask(t, token, "flaky")

	// Fail the task with an error.
	resp := env.patchTask(t, token, task, map[string]any{
		"status":       "in_progress",
		"errorMessage": "timeout",
		"errorCode":    "TIMEOUT",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Retry: error cleared, counter bumped, status forced to in_progress.
	resp = env.patchTask(t, token, task, map[string]any{"retry": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	retried := decodeBody[model.Task](t, resp)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, model.StatusInProgress, retried.Status)
	assert.Nil(t, retried.ErrorMessage)
	assert.Nil(t, retried.ErrorCode)
	require.NotNil(t, retried.FirstAttemptAt)
	first := *retried.FirstAttemptAt

	// Second retry: counter increments, firstAttemptAt unchanged.
	resp = env.patchTask(t, token, task, map[string]any{"retry": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	retried = decodeBody[model.Task](t, resp)
	assert.Equal(t, 2, retried.RetryCount)
	require.NotNil(t, retried.FirstAttemptAt)
	assert.Equal(t, first, *retried.FirstAttemptAt)
}

func TestMarkAsReviewed(t *testing.T) {
	env, _, token := newTestEnv(t)
	task := env.createTask(t, token, "needs human eyes")

	resp := env.patchTask(t, token, task, map[string]any{"confidenceScore": 0.2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flagged := decodeBody[model.Task](t, resp)
	require.True(t, flagged.RequiresReview)

	resp = env.patchTask(t, token, task, map[string]any{
		"markAsReviewed": true,
		"reviewNotes":    "looks fine",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reviewed := decodeBody[model.Task](t, resp)
	assert.False(t, reviewed.RequiresReview)
	assert.NotNil(t, reviewed.ReviewedAt)
	assert.NotNil(t, reviewed.ReviewedBy)
	require.NotNil(t, reviewed.ReviewNotes)
	assert.Equal(t, "looks fine", *reviewed.ReviewNotes)
	// Review does not move the status.
	assert.Equal(t, flagged.Status, reviewed.Status)
}

func TestTaskIsolationBetweenUsers(t *testing.T) {
	env, adminToken, userToken := newTestEnv(t)

	task := env.createTask(t, userToken, "private work")

	// Admin does not see the worker's task through list or get.
	resp := env.do(t, http.MethodGet, "/v1/tasks", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decodeBody[[]model.Task](t, resp)
	assert.Empty(t, tasks)

	resp = env.do(t, http.MethodGet, "/v1/tasks/"+task.ID.String(), adminToken, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFilters(t *testing.T) {
	env, _, token := newTestEnv(t)

	a := env.createTask(t, token, "a")
	env.createTask(t, token, "b")

	resp := env.patchTask(t, token, a, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/tasks?status=in_progress", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decodeBody[[]model.Task](t, resp)
	require.Len(t, tasks, 1)
	assert.Equal(t, a.ID, tasks[0].ID)

	// Unknown enum values are rejected, not silently ignored.
	resp = env.do(t, http.MethodGet, "/v1/tasks?status=bogus", token, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env, _, token := newTestEnv(t)

	task := env.createTask(t, token, "metric fodder")
	resp := env.patchTask(t, token, task, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	resp = env.patchTask(t, token, task, map[string]any{"status": "done", "confidenceScore": 0.9})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/metrics", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[model.TrustReport](t, resp)
	assert.Equal(t, 1, report.Aggregate.TotalTasks)
	assert.Equal(t, 1, report.Aggregate.TotalHighConfidenceTasks)
	require.NotNil(t, report.Aggregate.AverageConfidence)
	assert.InDelta(t, 0.9, *report.Aggregate.AverageConfidence, 1e-9)
}

func TestValidationErrors(t *testing.T) {
	env, _, token := newTestEnv(t)

	// Missing title.
	resp := env.do(t, http.MethodPost, "/v1/tasks", token, []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decodeBody[model.ErrorResponse](t, resp)
	assert.Equal(t, model.ErrCodeValidation, errResp.Code)

	// Unknown fields rejected.
	resp = env.do(t, http.MethodPost, "/v1/tasks", token, []byte(`{"title":"x","bogus":1}`))
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Confidence out of range.
	task := env.createTask(t, token, "range check")
	resp = env.patchTask(t, token, task, map[string]any{"confidenceScore": 1.5})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed task id.
	resp = env.do(t, http.MethodGet, "/v1/tasks/not-a-uuid", token, nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env, _, _ := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	health := decodeBody[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Store)
	assert.Equal(t, "running", health.Broker)
}

func TestSSEStreamReceivesEvents(t *testing.T) {
	env, _, token := newTestEnv(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet,
		env.srv.URL+"/v1/tasks/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// First frame is the connection ack comment.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"), "got %q", line)

	// Mutations now show up on the stream.
	task := env.createTask(t, token, "streamed")

	deadline := time.After(2 * time.Second)
	got := make(chan string, 1)
	go func() {
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(l, "event: ") {
				got <- strings.TrimSpace(strings.TrimPrefix(l, "event: "))
				return
			}
		}
	}()

	select {
	case eventType := <-got:
		assert.Equal(t, "task_created", eventType)
	case <-deadline:
		t.Fatal("timed out waiting for task_created on SSE stream")
	}
	_ = task
}

func TestSecurityAndRequestIDHeaders(t *testing.T) {
	env, _, _ := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestOversizedBodyRejected(t *testing.T) {
	env, _, token := newTestEnv(t)

	huge := fmt.Sprintf(`{"title":"x","description":%q}`, strings.Repeat("a", 2*1024*1024))
	resp := env.do(t, http.MethodPost, "/v1/tasks", token, []byte(huge))
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
