package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/trust"
	"github.com/ashita-ai/tasuki/internal/storage"
)

// HandleCreateTask handles POST /v1/tasks.
func (h *Handlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	task, err := h.lifecycle.Create(r.Context(), UserIDFromContext(r.Context()), req)
	if err != nil {
		h.writeInternalError(w, r, "failed to create task", err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

// HandleListTasks handles GET /v1/tasks.
// Supports status, agent_id, and priority query filters.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	filters, err := parseListFilters(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	tasks, err := h.lifecycle.List(r.Context(), UserIDFromContext(r.Context()), filters)
	if err != nil {
		h.logger.Error("failed to list tasks",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeFetchError, "failed to fetch tasks")
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}

	writeJSON(w, http.StatusOK, tasks)
}

// HandleGetTask handles GET /v1/tasks/{task_id}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	task, err := h.lifecycle.Get(r.Context(), UserIDFromContext(r.Context()), taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeTaskNotFound, "task not found")
			return
		}
		h.logger.Error("failed to fetch task",
			"task_id", taskID, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeFetchError, "failed to fetch task")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// HandleUpdateTask handles PATCH /v1/tasks/{task_id}.
// The body is a partial update. Two action flags take precedence over plain
// field updates: retry first, then markAsReviewed.
func (h *Handlers) HandleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	var req model.UpdateTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	userID := UserIDFromContext(r.Context())

	var task model.Task
	switch {
	case req.Retry:
		task, err = h.lifecycle.Retry(r.Context(), userID, taskID)
	case req.MarkAsReviewed:
		task, err = h.lifecycle.MarkReviewed(r.Context(), userID, taskID, userID, req.ReviewNotes)
	default:
		task, err = h.lifecycle.Update(r.Context(), userID, taskID, req)
	}
	if err != nil {
		h.writeUpdateError(w, r, taskID.String(), err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// HandleDeleteTask handles DELETE /v1/tasks/{task_id}.
func (h *Handlers) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	if err := h.lifecycle.Delete(r.Context(), UserIDFromContext(r.Context()), taskID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeTaskNotFound, "task not found")
			return
		}
		h.logger.Error("failed to delete task",
			"task_id", taskID, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeDeleteError, "failed to delete task")
		return
	}

	writeJSON(w, http.StatusOK, model.DeleteTaskResponse{
		Success:   true,
		DeletedID: taskID,
	})
}

// HandleMetrics handles GET /v1/metrics.
// Computes trust metrics from the caller's full task set at request time.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.lifecycle.List(r.Context(), UserIDFromContext(r.Context()), model.TaskListFilters{})
	if err != nil {
		h.logger.Error("failed to load tasks for metrics",
			"error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeFetchError, "failed to compute metrics")
		return
	}

	writeJSON(w, http.StatusOK, trust.Compute(tasks, time.Now().UTC()))
}

// writeUpdateError maps lifecycle mutation failures onto the error contract.
func (h *Handlers) writeUpdateError(w http.ResponseWriter, r *http.Request, taskID string, err error) {
	var transitionErr *model.InvalidTransitionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeTaskNotFound, "task not found")
	case errors.As(err, &transitionErr):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidTransition,
			transitionErr.Error(), model.TransitionErrorDetails{
				CurrentStatus:    transitionErr.Current,
				AttemptedStatus:  transitionErr.Attempted,
				ValidTransitions: transitionErr.Valid,
			})
	default:
		h.logger.Error("failed to update task",
			"task_id", taskID, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeUpdateError, "failed to update task")
	}
}

// parseListFilters builds TaskListFilters from query parameters, rejecting
// unknown enum values instead of silently returning an unfiltered list.
func parseListFilters(r *http.Request) (model.TaskListFilters, error) {
	var filters model.TaskListFilters
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		status := model.TaskStatus(v)
		if !status.Valid() {
			return filters, fmt.Errorf("unknown status %q", v)
		}
		filters.Status = &status
	}
	if v := q.Get("priority"); v != "" {
		priority := model.TaskPriority(v)
		if !priority.Valid() {
			return filters, fmt.Errorf("unknown priority %q", v)
		}
		filters.Priority = &priority
	}
	if v := q.Get("agent_id"); v != "" {
		filters.AgentID = &v
	}

	return filters, nil
}
