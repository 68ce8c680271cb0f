// Package lifecycle implements the task state machine: the single authority
// for validating and applying task mutations.
//
// Every mutation follows the same shape: acquire the per-task lock, read the
// task, apply semantic rules, write it back, publish exactly one lifecycle
// event. Events are published after the store write commits and still inside
// the per-task critical section, so any one subscriber observes a task's
// events in commit order. The broker's publish path never blocks, so holding
// the lock across it costs nothing.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/telemetry"
)

// EventPublisher receives lifecycle events from the state machine. Defined
// here rather than in the server package so the dependency points outward:
// the broker implements this, the service never imports the server.
//
// Publish must not block and must not fail the mutation; delivery to
// subscribers is best-effort by contract.
type EventPublisher interface {
	Publish(userID uuid.UUID, event model.TaskEvent)
}

// Service is the task state machine. All task writes in the system go
// through it; the metrics engine and event broadcaster only ever read.
type Service struct {
	store     storage.Store
	publisher EventPublisher
	logger    *slog.Logger
	locks     *taskLocks

	mutationDuration metric.Float64Histogram
}

// New creates a lifecycle Service. publisher may be nil (events discarded),
// which the dev CLI and some tests use.
func New(store storage.Store, publisher EventPublisher, logger *slog.Logger) *Service {
	meter := telemetry.Meter("tasuki/lifecycle")
	mutDur, _ := meter.Float64Histogram("tasuki.task.mutation.duration",
		metric.WithDescription("Time to apply a task mutation (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:            store,
		publisher:        publisher,
		logger:           logger,
		locks:            newTaskLocks(),
		mutationDuration: mutDur,
	}
}

// Create inserts a new task for the user. New tasks always start in todo
// with a zero retry count, whatever the request says.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, req model.CreateTaskRequest) (model.Task, error) {
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityMedium
	}

	task := model.Task{
		ID:          uuid.New(),
		UserID:      userID,
		AgentID:     req.AgentID,
		Title:       req.Title,
		Description: req.Description,
		Status:      model.StatusTodo,
		Priority:    priority,
	}

	saved, err := s.store.SaveTask(ctx, task)
	if err != nil {
		return model.Task{}, err
	}

	s.publish(saved.UserID, model.TaskEvent{
		Type:      model.EventTaskCreated,
		TaskID:    saved.ID,
		Task:      &saved,
		Timestamp: saved.UpdatedAt,
	})
	return saved, nil
}

// Get returns a task by id, scoped to the calling user.
func (s *Service) Get(ctx context.Context, userID, taskID uuid.UUID) (model.Task, error) {
	return s.getTask(ctx, userID, taskID)
}

// List returns the user's tasks matching the filters, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, filters model.TaskListFilters) ([]model.Task, error) {
	tasks, err := s.store.ListTasksByOwner(ctx, userID, filters)
	if err != nil && ctx.Err() == nil {
		// Idempotent read: one transparent retry on transient store failure.
		s.logger.Warn("task list failed, retrying once", "user_id", userID, "error", err)
		tasks, err = s.store.ListTasksByOwner(ctx, userID, filters)
	}
	return tasks, err
}

// Update applies a partial field update. If the patch changes status, the
// transition table is checked first and an InvalidTransitionError carries
// the legal targets back to the caller. A confidence score below the review
// threshold forces requiresReview on, regardless of any explicit
// requiresReview value in the same patch.
func (s *Service) Update(ctx context.Context, userID, taskID uuid.UUID, patch model.UpdateTaskRequest) (model.Task, error) {
	defer s.recordMutation("update", time.Now())
	unlock := s.locks.lock(taskID)
	defer unlock()

	task, err := s.getTask(ctx, userID, taskID)
	if err != nil {
		return model.Task{}, err
	}

	if patch.Status != nil && *patch.Status != task.Status {
		if !model.CanTransition(task.Status, *patch.Status) {
			return model.Task{}, &model.InvalidTransitionError{
				Current:   task.Status,
				Attempted: *patch.Status,
				Valid:     model.ValidTransitions(task.Status),
			}
		}
		task.Status = *patch.Status
	}

	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.AgentID != nil {
		task.AgentID = patch.AgentID
	}
	if patch.ReasoningLog != nil {
		task.ReasoningLog = patch.ReasoningLog
	}
	if patch.ExecutionSteps != nil {
		task.ExecutionSteps = patch.ExecutionSteps
	}
	if patch.RequiresReview != nil {
		task.RequiresReview = *patch.RequiresReview
	}
	if patch.WasOverridden != nil {
		task.WasOverridden = *patch.WasOverridden
	}
	if patch.ErrorMessage != nil {
		task.ErrorMessage = patch.ErrorMessage
	}
	if patch.ErrorCode != nil {
		task.ErrorCode = patch.ErrorCode
	}
	if patch.ConfidenceScore != nil {
		task.ConfidenceScore = patch.ConfidenceScore
		// Applied after the explicit requiresReview field above: low
		// confidence wins even when the same patch tries to clear the flag.
		if *patch.ConfidenceScore < model.ReviewConfidenceThreshold {
			task.RequiresReview = true
		}
	}

	return s.saveAndPublish(ctx, task)
}

// MarkReviewed records a human review: sets reviewedAt/reviewedBy, clears
// requiresReview, and attaches optional notes. Status is left untouched.
func (s *Service) MarkReviewed(ctx context.Context, userID, taskID, reviewerID uuid.UUID, notes *string) (model.Task, error) {
	defer s.recordMutation("mark_reviewed", time.Now())
	unlock := s.locks.lock(taskID)
	defer unlock()

	task, err := s.getTask(ctx, userID, taskID)
	if err != nil {
		return model.Task{}, err
	}

	now := time.Now().UTC()
	task.ReviewedAt = &now
	task.ReviewedBy = &reviewerID
	task.RequiresReview = false
	if notes != nil {
		task.ReviewNotes = notes
	}

	return s.saveAndPublish(ctx, task)
}

// Retry re-dispatches a failed task: increments retryCount, stamps
// firstAttemptAt exactly once, clears the error fields, and force-sets the
// status to in_progress. The forced status deliberately bypasses the
// transition table: retry is a recovery action, not a normal transition,
// and works even from done or cancelled.
func (s *Service) Retry(ctx context.Context, userID, taskID uuid.UUID) (model.Task, error) {
	defer s.recordMutation("retry", time.Now())
	unlock := s.locks.lock(taskID)
	defer unlock()

	task, err := s.getTask(ctx, userID, taskID)
	if err != nil {
		return model.Task{}, err
	}

	now := time.Now().UTC()
	task.RetryCount++
	if task.FirstAttemptAt == nil {
		task.FirstAttemptAt = &now
	}
	task.LastRetryAt = &now
	task.ErrorMessage = nil
	task.ErrorCode = nil
	task.Status = model.StatusInProgress

	return s.saveAndPublish(ctx, task)
}

// Delete removes a task and emits a deleted event. The event carries no
// snapshot; consumers drop the task from their local state.
func (s *Service) Delete(ctx context.Context, userID, taskID uuid.UUID) error {
	defer s.recordMutation("delete", time.Now())
	unlock := s.locks.lock(taskID)
	defer unlock()

	if err := s.store.DeleteTask(ctx, userID, taskID); err != nil {
		return err
	}

	s.publish(userID, model.TaskEvent{
		Type:      model.EventTaskDeleted,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// getTask reads a task with one transparent retry on transient store
// failure. Not-found is never retried; absence is a definitive answer.
// Writes are never retried anywhere in this service: a retried write that
// already committed would double its side effects (a second retryCount
// increment, a duplicate event).
func (s *Service) getTask(ctx context.Context, userID, taskID uuid.UUID) (model.Task, error) {
	task, err := s.store.GetTask(ctx, userID, taskID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) && ctx.Err() == nil {
		s.logger.Warn("task read failed, retrying once", "task_id", taskID, "error", err)
		task, err = s.store.GetTask(ctx, userID, taskID)
	}
	return task, err
}

// saveAndPublish commits the mutation and emits the updated event.
func (s *Service) saveAndPublish(ctx context.Context, task model.Task) (model.Task, error) {
	saved, err := s.store.SaveTask(ctx, task)
	if err != nil {
		return model.Task{}, err
	}

	s.publish(saved.UserID, model.TaskEvent{
		Type:      model.EventTaskUpdated,
		TaskID:    saved.ID,
		Task:      &saved,
		Timestamp: saved.UpdatedAt,
	})
	return saved, nil
}

func (s *Service) publish(userID uuid.UUID, event model.TaskEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(userID, event)
}

func (s *Service) recordMutation(op string, start time.Time) {
	if s.mutationDuration == nil {
		return
	}
	s.mutationDuration.Record(context.Background(),
		float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("tasuki.operation", op)),
	)
}
