// Package storage provides the persistence layer for Tasuki.
//
// The lifecycle engine and HTTP handlers consume storage through the narrow
// Store and UserStore interfaces. Two implementations ship here: DB (pgx
// against Postgres) and MemStore (in-memory, used in dev mode and tests).
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist or is not
// visible to the caller. Ownership misses are indistinguishable from absence.
var ErrNotFound = errors.New("storage: not found")

// Store is the task persistence contract consumed by the lifecycle service
// and the metrics endpoint. Implementations must be safe for concurrent use.
type Store interface {
	// GetTask returns a task by id, scoped to its owner.
	GetTask(ctx context.Context, userID, taskID uuid.UUID) (model.Task, error)

	// SaveTask upserts a task and returns it with a refreshed UpdatedAt.
	SaveTask(ctx context.Context, task model.Task) (model.Task, error)

	// DeleteTask removes a task, scoped to its owner.
	DeleteTask(ctx context.Context, userID, taskID uuid.UUID) error

	// ListTasksByOwner returns all of a user's tasks matching the filters,
	// newest first.
	ListTasksByOwner(ctx context.Context, userID uuid.UUID, filters model.TaskListFilters) ([]model.Task, error)
}

// UserStore is the account lookup contract consumed by the auth endpoints.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	CreateUser(ctx context.Context, user model.User) (model.User, error)
	CountUsers(ctx context.Context) (int, error)
}
