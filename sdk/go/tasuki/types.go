package tasuki

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
)

// TaskPriority is the urgency of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// StepRecord is one entry in a task's reasoning log or execution step list.
type StepRecord struct {
	Action     string     `json:"action"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Outcome    *string    `json:"outcome,omitempty"`
}

// Task is a unit of work delegated to an autonomous agent.
type Task struct {
	ID      uuid.UUID `json:"id"`
	UserID  uuid.UUID `json:"userId"`
	AgentID *string   `json:"agentId,omitempty"`

	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`

	ConfidenceScore *float64     `json:"confidenceScore,omitempty"`
	ReasoningLog    []StepRecord `json:"reasoningLog,omitempty"`
	ExecutionSteps  []StepRecord `json:"executionSteps,omitempty"`
	RequiresReview  bool         `json:"requiresReview"`
	ReviewedAt      *time.Time   `json:"reviewedAt,omitempty"`
	ReviewedBy      *uuid.UUID   `json:"reviewedBy,omitempty"`
	ReviewNotes     *string      `json:"reviewNotes,omitempty"`
	WasOverridden   bool         `json:"wasOverridden"`

	RetryCount     int        `json:"retryCount"`
	FirstAttemptAt *time.Time `json:"firstAttemptAt,omitempty"`
	LastRetryAt    *time.Time `json:"lastRetryAt,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	ErrorCode      *string    `json:"errorCode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateTaskRequest is the body for creating a task.
type CreateTaskRequest struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    TaskPriority `json:"priority,omitempty"`
	AgentID     *string      `json:"agentId,omitempty"`
}

// UpdateTaskRequest is a partial update. Nil fields are left unchanged.
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
}

// DeleteTaskResponse confirms a deletion.
type DeleteTaskResponse struct {
	Success   bool      `json:"success"`
	DeletedID uuid.UUID `json:"deletedId"`
}

// TrustMetrics are aggregate calibration signals over a set of tasks.
type TrustMetrics struct {
	TotalTasks                    int      `json:"totalTasks"`
	TotalHighConfidenceTasks      int      `json:"totalHighConfidenceTasks"`
	OverriddenHighConfidenceTasks int      `json:"overriddenHighConfidenceTasks"`
	FalseConfidenceRate           float64  `json:"falseConfidenceRate"`
	TotalRetries                  int      `json:"totalRetries"`
	AverageRetryVelocityMs        *float64 `json:"averageRetryVelocityMs"`
	TasksRequiringReview          int      `json:"tasksRequiringReview"`
	TasksReviewed                 int      `json:"tasksReviewed"`
	ReviewRate                    float64  `json:"reviewRate"`
	AverageConfidence             *float64 `json:"averageConfidence"`
}

// AgentTrustMetrics are TrustMetrics for one agent plus completion counts.
type AgentTrustMetrics struct {
	AgentID string `json:"agentId"`
	TrustMetrics
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
}

// TrustReport is the full metrics snapshot from GET /v1/metrics.
type TrustReport struct {
	Aggregate TrustMetrics                 `json:"aggregate"`
	ByAgent   map[string]AgentTrustMetrics `json:"byAgent"`
	Timestamp time.Time                    `json:"timestamp"`
}

// TaskEventType is the category of a lifecycle event on the stream.
type TaskEventType string

const (
	EventTaskCreated TaskEventType = "task_created"
	EventTaskUpdated TaskEventType = "task_updated"
	EventTaskDeleted TaskEventType = "task_deleted"
)

// TaskEvent is one notification from the event stream.
type TaskEvent struct {
	Type      TaskEventType `json:"type"`
	TaskID    uuid.UUID     `json:"taskId"`
	Task      *Task         `json:"task,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	Broker      string `json:"broker"`
	Subscribers int    `json:"subscribers"`
	Uptime      int64  `json:"uptimeSeconds"`
}
