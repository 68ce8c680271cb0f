package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tasuki/internal/model"
)

const taskColumns = `id, user_id, agent_id, title, description, status, priority,
	confidence_score, reasoning_log, execution_steps, requires_review,
	reviewed_at, reviewed_by, review_notes, was_overridden,
	retry_count, first_attempt_at, last_retry_at, error_message, error_code,
	created_at, updated_at`

// GetTask returns a task by id, scoped to its owner.
func (db *DB) GetTask(ctx context.Context, userID, taskID uuid.UUID) (model.Task, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND user_id = $2`,
		taskID, userID,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// SaveTask upserts a task and returns it with a refreshed UpdatedAt.
// The ON CONFLICT guard on user_id means an id collision across owners
// surfaces as a no-op rather than a cross-tenant overwrite.
func (db *DB) SaveTask(ctx context.Context, task model.Task) (model.Task, error) {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_id = EXCLUDED.agent_id,
		   title = EXCLUDED.title,
		   description = EXCLUDED.description,
		   status = EXCLUDED.status,
		   priority = EXCLUDED.priority,
		   confidence_score = EXCLUDED.confidence_score,
		   reasoning_log = EXCLUDED.reasoning_log,
		   execution_steps = EXCLUDED.execution_steps,
		   requires_review = EXCLUDED.requires_review,
		   reviewed_at = EXCLUDED.reviewed_at,
		   reviewed_by = EXCLUDED.reviewed_by,
		   review_notes = EXCLUDED.review_notes,
		   was_overridden = EXCLUDED.was_overridden,
		   retry_count = EXCLUDED.retry_count,
		   first_attempt_at = EXCLUDED.first_attempt_at,
		   last_retry_at = EXCLUDED.last_retry_at,
		   error_message = EXCLUDED.error_message,
		   error_code = EXCLUDED.error_code,
		   updated_at = EXCLUDED.updated_at
		 WHERE tasks.user_id = EXCLUDED.user_id`,
		task.ID, task.UserID, task.AgentID, task.Title, task.Description,
		string(task.Status), string(task.Priority),
		task.ConfidenceScore, task.ReasoningLog, task.ExecutionSteps, task.RequiresReview,
		task.ReviewedAt, task.ReviewedBy, task.ReviewNotes, task.WasOverridden,
		task.RetryCount, task.FirstAttemptAt, task.LastRetryAt, task.ErrorMessage, task.ErrorCode,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: save task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, task.ID)
	}
	return task, nil
}

// DeleteTask removes a task, scoped to its owner.
func (db *DB) DeleteTask(ctx context.Context, userID, taskID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tasks WHERE id = $1 AND user_id = $2`, taskID, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

// ListTasksByOwner returns a user's tasks matching the filters, newest first.
func (db *DB) ListTasksByOwner(ctx context.Context, userID uuid.UUID, filters model.TaskListFilters) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1`
	args := []any{userID}

	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.AgentID != nil {
		args = append(args, *filters.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filters.Priority != nil {
		args = append(args, string(*filters.Priority))
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// scanTask reads one task row in taskColumns order.
func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	var status, priority string
	err := row.Scan(
		&t.ID, &t.UserID, &t.AgentID, &t.Title, &t.Description, &status, &priority,
		&t.ConfidenceScore, &t.ReasoningLog, &t.ExecutionSteps, &t.RequiresReview,
		&t.ReviewedAt, &t.ReviewedBy, &t.ReviewNotes, &t.WasOverridden,
		&t.RetryCount, &t.FirstAttemptAt, &t.LastRetryAt, &t.ErrorMessage, &t.ErrorCode,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}
	t.Status = model.TaskStatus(status)
	t.Priority = model.TaskPriority(priority)
	return t, nil
}
