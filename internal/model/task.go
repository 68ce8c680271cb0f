// Package model defines the core domain types for Tasuki.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. JSON field names follow the wire contract consumed by
// the dashboard, which is camelCase.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the workflow state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskPriority represents the urgency of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Valid reports whether p is a known task priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// transitions is the status transition table. A status maps to the set of
// statuses a task may move to next. Any request outside this table is
// rejected with InvalidTransitionError. The only path that bypasses the
// table is the retry action, which force-sets in_progress as a recovery
// escape hatch.
var transitions = map[TaskStatus][]TaskStatus{
	StatusTodo:       {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusTodo, StatusReview, StatusDone, StatusCancelled},
	StatusReview:     {StatusInProgress, StatusDone, StatusCancelled},
	StatusDone:       {StatusInProgress}, // reopen
	StatusCancelled:  {StatusTodo},       // un-cancel
}

// ValidTransitions returns the statuses a task in status s may move to.
// The returned slice is a copy; callers may modify it.
func ValidTransitions(s TaskStatus) []TaskStatus {
	targets := transitions[s]
	out := make([]TaskStatus, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a status change request falls
// outside the transition table. It carries the current status, the attempted
// status, and the list of legal targets so the error response can tell the
// caller exactly what would have been accepted.
type InvalidTransitionError struct {
	Current   TaskStatus
	Attempted TaskStatus
	Valid     []TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	targets := make([]string, len(e.Valid))
	for i, t := range e.Valid {
		targets[i] = string(t)
	}
	return fmt.Sprintf("invalid status transition from %s to %s (valid: %s)",
		e.Current, e.Attempted, strings.Join(targets, ", "))
}

// ReviewConfidenceThreshold is the confidence score below which a task is
// auto-flagged for human review. The flag is forced regardless of any
// explicit requiresReview value in the same update.
const ReviewConfidenceThreshold = 0.5

// StepRecord is one entry in a task's reasoning log or execution step list.
// The source system stored these as free-form objects; the boundary resolves
// them into this typed shape before they reach the state machine.
type StepRecord struct {
	Action     string     `json:"action"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Outcome    *string    `json:"outcome,omitempty"`
}

// Task is a unit of work delegated to an autonomous agent, tracked through
// a fixed status lifecycle. All mutations go through the lifecycle service;
// nothing else writes tasks.
type Task struct {
	ID      uuid.UUID `json:"id"`
	UserID  uuid.UUID `json:"userId"`
	AgentID *string   `json:"agentId,omitempty"`

	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`

	// Trust calibration fields.
	ConfidenceScore *float64     `json:"confidenceScore,omitempty"`
	ReasoningLog    []StepRecord `json:"reasoningLog,omitempty"`
	ExecutionSteps  []StepRecord `json:"executionSteps,omitempty"`
	RequiresReview  bool         `json:"requiresReview"`
	ReviewedAt      *time.Time   `json:"reviewedAt,omitempty"`
	ReviewedBy      *uuid.UUID   `json:"reviewedBy,omitempty"`
	ReviewNotes     *string      `json:"reviewNotes,omitempty"`
	WasOverridden   bool         `json:"wasOverridden"`

	// Retry bookkeeping. FirstAttemptAt is set exactly once, on the first
	// retry; RetryCount only ever increases through the retry action.
	RetryCount     int        `json:"retryCount"`
	FirstAttemptAt *time.Time `json:"firstAttemptAt,omitempty"`
	LastRetryAt    *time.Time `json:"lastRetryAt,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	ErrorCode      *string    `json:"errorCode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
