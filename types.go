package tasuki

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's access level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// EventType identifies the kind of task lifecycle event an EventSink receives.
type EventType string

const (
	EventTaskCreated EventType = "task_created"
	EventTaskUpdated EventType = "task_updated"
	EventTaskDeleted EventType = "task_deleted"
)

// Step is one entry of a task's reasoning or execution trail.
type Step struct {
	Action     string
	Reasoning  string
	Confidence *float64
	Timestamp  *time.Time
	Outcome    *string
}

// Task is the public representation of a task. It is a curated view of the
// internal model for use in extension interfaces; no internal package
// imports, safe to use from outside the module.
type Task struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	AgentID *string

	Title       string
	Description string
	Status      Status
	Priority    string

	ConfidenceScore *float64
	ReasoningLog    []Step
	ExecutionSteps  []Step
	RequiresReview  bool
	ReviewedAt      *time.Time
	WasOverridden   bool

	RetryCount     int
	FirstAttemptAt *time.Time
	LastRetryAt    *time.Time
	ErrorMessage   *string
	ErrorCode      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is a task lifecycle notification delivered to EventSinks.
// Task is nil for deletions.
type Event struct {
	Type      EventType
	TaskID    uuid.UUID
	Task      *Task
	Timestamp time.Time
}
