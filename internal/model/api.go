package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for task fields. These prevent a single oversized
// field from filling Postgres TEXT/JSONB columns with caller-controlled
// garbage or blowing up event payloads on the SSE stream.
const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 64 * 1024 // 64 KB
	MaxStepRecords    = 500
	MaxStepFieldLen   = 32 * 1024 // 32 KB, per step action/reasoning
	MaxNotesLen       = 16 * 1024 // 16 KB
	MaxErrorFieldLen  = 4 * 1024  // 4 KB
)

// Error code constants for the API error contract. Client UIs key specific
// messaging off the code, never off free-text messages.
const (
	ErrCodeAuthRequired      = "AUTH_REQUIRED"
	ErrCodeTaskNotFound      = "TASK_NOT_FOUND"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_STATUS_TRANSITION"
	ErrCodeUpdateError       = "UPDATE_ERROR"
	ErrCodeFetchError        = "FETCH_ERROR"
	ErrCodeDeleteError       = "DELETE_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// ErrorResponse is the standard error body for all HTTP API errors.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// TransitionErrorDetails is the Details payload for INVALID_STATUS_TRANSITION.
type TransitionErrorDetails struct {
	CurrentStatus    TaskStatus   `json:"currentStatus"`
	AttemptedStatus  TaskStatus   `json:"attemptedStatus"`
	ValidTransitions []TaskStatus `json:"validTransitions"`
}

// CreateTaskRequest is the request body for POST /v1/tasks.
// New tasks always start in todo with a zero retry count.
type CreateTaskRequest struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    TaskPriority `json:"priority,omitempty"` // Defaults to medium.
	AgentID     *string      `json:"agentId,omitempty"`
}

// Validate checks boundary constraints on a create request.
func (r CreateTaskRequest) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	return nil
}

// UpdateTaskRequest is the request body for PATCH /v1/tasks/{task_id}.
// Pointer fields distinguish "absent" from "set to zero value". Retry and
// MarkAsReviewed are action flags dispatched ahead of field updates: retry
// first, then review, then a plain partial update.
type UpdateTaskRequest struct {
	Title           *string       `json:"title,omitempty"`
	Description     *string       `json:"description,omitempty"`
	Status          *TaskStatus   `json:"status,omitempty"`
	Priority        *TaskPriority `json:"priority,omitempty"`
	AgentID         *string       `json:"agentId,omitempty"`
	ConfidenceScore *float64      `json:"confidenceScore,omitempty"`
	ReasoningLog    []StepRecord  `json:"reasoningLog,omitempty"`
	ExecutionSteps  []StepRecord  `json:"executionSteps,omitempty"`
	RequiresReview  *bool         `json:"requiresReview,omitempty"`
	WasOverridden   *bool         `json:"wasOverridden,omitempty"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
	ErrorCode       *string       `json:"errorCode,omitempty"`

	// Action flags.
	MarkAsReviewed bool    `json:"markAsReviewed,omitempty"`
	ReviewNotes    *string `json:"reviewNotes,omitempty"`
	Retry          bool    `json:"retry,omitempty"`
}

// Validate checks type and range constraints on an update request. Semantic
// rules (transition legality, forced review flags) belong to the lifecycle
// service, not here.
func (r UpdateTaskRequest) Validate() error {
	if r.Title != nil {
		if *r.Title == "" {
			return fmt.Errorf("title must not be empty")
		}
		if len(*r.Title) > MaxTitleLen {
			return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
		}
	}
	if r.Description != nil && len(*r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if r.Status != nil && !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", *r.Status)
	}
	if r.Priority != nil && !r.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", *r.Priority)
	}
	if r.ConfidenceScore != nil && (*r.ConfidenceScore < 0 || *r.ConfidenceScore > 1) {
		return fmt.Errorf("confidenceScore must be in [0,1], got %g", *r.ConfidenceScore)
	}
	if err := validateSteps("reasoningLog", r.ReasoningLog); err != nil {
		return err
	}
	if err := validateSteps("executionSteps", r.ExecutionSteps); err != nil {
		return err
	}
	if r.ReviewNotes != nil && len(*r.ReviewNotes) > MaxNotesLen {
		return fmt.Errorf("reviewNotes exceeds maximum length of %d bytes", MaxNotesLen)
	}
	if r.ErrorMessage != nil && len(*r.ErrorMessage) > MaxErrorFieldLen {
		return fmt.Errorf("errorMessage exceeds maximum length of %d bytes", MaxErrorFieldLen)
	}
	if r.ErrorCode != nil && len(*r.ErrorCode) > MaxErrorFieldLen {
		return fmt.Errorf("errorCode exceeds maximum length of %d bytes", MaxErrorFieldLen)
	}
	return nil
}

func validateSteps(field string, steps []StepRecord) error {
	if len(steps) > MaxStepRecords {
		return fmt.Errorf("%s exceeds maximum of %d entries", field, MaxStepRecords)
	}
	for i, s := range steps {
		if s.Action == "" {
			return fmt.Errorf("%s[%d].action is required", field, i)
		}
		if len(s.Action) > MaxStepFieldLen {
			return fmt.Errorf("%s[%d].action exceeds maximum length of %d bytes", field, i, MaxStepFieldLen)
		}
		if len(s.Reasoning) > MaxStepFieldLen {
			return fmt.Errorf("%s[%d].reasoning exceeds maximum length of %d bytes", field, i, MaxStepFieldLen)
		}
		if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
			return fmt.Errorf("%s[%d].confidence must be in [0,1], got %g", field, i, *s.Confidence)
		}
	}
	return nil
}

// TaskListFilters narrows ListTasksByOwner results.
type TaskListFilters struct {
	Status   *TaskStatus
	AgentID  *string
	Priority *TaskPriority
}

// DeleteTaskResponse is the response for DELETE /v1/tasks/{task_id}.
type DeleteTaskResponse struct {
	Success   bool      `json:"success"`
	DeletedID uuid.UUID `json:"deletedId"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Username string `json:"username"`
	APIKey   string `json:"apiKey"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	Broker      string `json:"broker"`
	Subscribers int    `json:"subscribers"`
	Uptime      int64  `json:"uptimeSeconds"`
}
