package tasuki

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Tasuki server (e.g. "http://localhost:8080").
	BaseURL string

	// Username identifies the account for authentication.
	Username string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
}

// Client is an HTTP client for the Tasuki task lifecycle API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Username, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tasuki: BaseURL is required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("tasuki: Username is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tasuki: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Username, cfg.APIKey, httpClient),
	}, nil
}

// CreateTask creates a new task. The task starts in todo with a zero retry
// count regardless of the request contents.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	var task Task
	if err := c.post(ctx, "/v1/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask retrieves a single task by id.
func (c *Client) GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	var task Task
	if err := c.get(ctx, "/v1/tasks/"+taskID.String(), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListOptions are optional filters for ListTasks.
type ListOptions struct {
	Status   TaskStatus
	AgentID  string
	Priority TaskPriority
}

// ListTasks returns the caller's tasks, newest first, optionally filtered.
func (c *Client) ListTasks(ctx context.Context, opts *ListOptions) ([]Task, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.AgentID != "" {
			params.Set("agent_id", opts.AgentID)
		}
		if opts.Priority != "" {
			params.Set("priority", string(opts.Priority))
		}
	}

	path := "/v1/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var tasks []Task
	if err := c.get(ctx, path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask applies a partial update. A status change outside the server's
// transition table fails with an error satisfying IsInvalidTransition.
func (c *Client) UpdateTask(ctx context.Context, taskID uuid.UUID, req UpdateTaskRequest) (*Task, error) {
	var task Task
	if err := c.patch(ctx, "/v1/tasks/"+taskID.String(), req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// RetryTask re-dispatches a failed task: the server increments retryCount,
// clears the error fields, and forces the status to in_progress.
func (c *Client) RetryTask(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	var task Task
	if err := c.patch(ctx, "/v1/tasks/"+taskID.String(), map[string]any{"retry": true}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// MarkReviewed records a human review on a task, clearing requiresReview.
func (c *Client) MarkReviewed(ctx context.Context, taskID uuid.UUID, notes string) (*Task, error) {
	body := map[string]any{"markAsReviewed": true}
	if notes != "" {
		body["reviewNotes"] = notes
	}
	var task Task
	if err := c.patch(ctx, "/v1/tasks/"+taskID.String(), body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, taskID uuid.UUID) (*DeleteTaskResponse, error) {
	var resp DeleteTaskResponse
	if err := c.doDelete(ctx, "/v1/tasks/"+taskID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Metrics retrieves the trust calibration report for the caller's tasks.
func (c *Client) Metrics(ctx context.Context) (*TrustReport, error) {
	var report TrustReport
	if err := c.get(ctx, "/v1/metrics", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

// Subscribe opens the live event stream for the caller's tasks. Events are
// sent on the returned channel until ctx is cancelled or the connection
// drops, at which point the channel is closed. Heartbeats are consumed
// internally and never surface as events.
//
// The stream has no replay: a client that reconnects should re-fetch state
// with ListTasks rather than expect missed events.
func (c *Client) Subscribe(ctx context.Context) (<-chan TaskEvent, error) {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/events", nil)
	if err != nil {
		return nil, fmt.Errorf("tasuki: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; a client-level timeout would kill it.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tasuki: open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	events := make(chan TaskEvent)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()
		readEventStream(ctx, resp.Body, events)
	}()
	return events, nil
}

// readEventStream parses SSE frames. Comment lines (": connected",
// ":heartbeat") are skipped; "data:" payloads decode into TaskEvent.
func readEventStream(ctx context.Context, r io.Reader, events chan<- TaskEvent) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event TaskEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiError is the server's standard error body.
type apiError struct {
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Details   json.RawMessage `json:"details"`
	RequestID string          `json:"requestId"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPatch, path, body, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tasuki: create request: %w", err)
	}
	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tasuki: create request: %w", err)
	}
	return c.doRequest(ctx, req, dest)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tasuki: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("tasuki: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tasuki: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tasuki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tasuki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tasuki: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	return json.Unmarshal(bodyBytes, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var payload apiError
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
		apiErr.RequestID = payload.RequestID
		if payload.Code == "INVALID_STATUS_TRANSITION" && payload.Details != nil {
			var detail TransitionError
			if err := json.Unmarshal(payload.Details, &detail); err == nil {
				apiErr.Transition = &detail
			}
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
