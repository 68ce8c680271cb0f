package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

// MemStore is an in-memory Store and UserStore. It backs dev mode (no
// DATABASE_URL configured) and unit tests. Tasks are copied on the way in
// and out so callers never share slices or pointers with the store,
// matching the isolation a real database gives.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]model.Task
	users map[string]model.User
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks: make(map[uuid.UUID]model.Task),
		users: make(map[string]model.User),
	}
}

// GetTask returns a task by id, scoped to its owner.
func (m *MemStore) GetTask(_ context.Context, userID, taskID uuid.UUID) (model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID]
	if !ok || t.UserID != userID {
		return model.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return cloneTask(t), nil
}

// SaveTask upserts a task and returns it with a refreshed UpdatedAt.
func (m *MemStore) SaveTask(_ context.Context, task model.Task) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.tasks[task.ID]; ok && existing.UserID != task.UserID {
		return model.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	stored := cloneTask(task)
	m.tasks[task.ID] = stored
	return cloneTask(stored), nil
}

// DeleteTask removes a task, scoped to its owner.
func (m *MemStore) DeleteTask(_ context.Context, userID, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.UserID != userID {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	delete(m.tasks, taskID)
	return nil
}

// ListTasksByOwner returns a user's tasks matching the filters, newest first.
func (m *MemStore) ListTasksByOwner(_ context.Context, userID uuid.UUID, filters model.TaskListFilters) ([]model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []model.Task
	for _, t := range m.tasks {
		if t.UserID != userID {
			continue
		}
		if filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		if filters.AgentID != nil && (t.AgentID == nil || *t.AgentID != *filters.AgentID) {
			continue
		}
		if filters.Priority != nil && t.Priority != *filters.Priority {
			continue
		}
		tasks = append(tasks, cloneTask(t))
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// GetUserByUsername returns the user account with the given username.
func (m *MemStore) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return model.User{}, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	return u, nil
}

// CreateUser inserts a new user account and returns it.
func (m *MemStore) CreateUser(_ context.Context, user model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Username]; ok {
		return model.User{}, fmt.Errorf("storage: user %s already exists", user.Username)
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	m.users[user.Username] = user
	return user, nil
}

// CountUsers returns the total number of user accounts.
func (m *MemStore) CountUsers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// cloneTask deep-copies a task so stored state and caller state never alias.
func cloneTask(t model.Task) model.Task {
	out := t
	out.AgentID = clonePtr(t.AgentID)
	out.ConfidenceScore = clonePtr(t.ConfidenceScore)
	out.ReasoningLog = cloneSteps(t.ReasoningLog)
	out.ExecutionSteps = cloneSteps(t.ExecutionSteps)
	out.ReviewedAt = clonePtr(t.ReviewedAt)
	out.ReviewedBy = clonePtr(t.ReviewedBy)
	out.ReviewNotes = clonePtr(t.ReviewNotes)
	out.FirstAttemptAt = clonePtr(t.FirstAttemptAt)
	out.LastRetryAt = clonePtr(t.LastRetryAt)
	out.ErrorMessage = clonePtr(t.ErrorMessage)
	out.ErrorCode = clonePtr(t.ErrorCode)
	return out
}

func cloneSteps(steps []model.StepRecord) []model.StepRecord {
	if steps == nil {
		return nil
	}
	out := make([]model.StepRecord, len(steps))
	for i, s := range steps {
		out[i] = s
		out[i].Confidence = clonePtr(s.Confidence)
		out[i].Timestamp = clonePtr(s.Timestamp)
		out[i].Outcome = clonePtr(s.Outcome)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
