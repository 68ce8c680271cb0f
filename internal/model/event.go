package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskEventType represents the category of a task lifecycle event.
type TaskEventType string

const (
	EventTaskCreated TaskEventType = "task_created"
	EventTaskUpdated TaskEventType = "task_updated"
	EventTaskDeleted TaskEventType = "task_deleted"
)

// TaskEvent is an ephemeral notification describing a single task mutation.
// Events exist only for live delivery to subscribed clients: they are created
// at the moment a mutation commits and discarded once handed to every active
// subscriber channel. There is no event log and no replay; a reconnecting
// client re-fetches state instead.
type TaskEvent struct {
	Type      TaskEventType `json:"type"`
	TaskID    uuid.UUID     `json:"taskId"`
	Task      *Task         `json:"task,omitempty"` // Snapshot; present for created/updated.
	Timestamp time.Time     `json:"timestamp"`
}
