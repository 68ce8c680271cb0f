package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/trust"
)

func (s *Server) registerTools() {
	// tasuki_create_task: create a new task.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_create_task",
			mcplib.WithDescription("Create a new task in the todo state"),
			mcplib.WithString("title", mcplib.Description("Task title"), mcplib.Required()),
			mcplib.WithString("description", mcplib.Description("Task description")),
			mcplib.WithString("priority", mcplib.Description("low, medium, high, or urgent")),
			mcplib.WithString("agent_id", mcplib.Description("Agent to attribute the task to")),
		),
		s.handleCreateTask,
	)

	// tasuki_list_tasks: list tasks with optional filters.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_list_tasks",
			mcplib.WithDescription("List your tasks, optionally filtered by status, priority, or agent"),
			mcplib.WithString("status", mcplib.Description("Filter by status: todo, in_progress, review, done, cancelled")),
			mcplib.WithString("priority", mcplib.Description("Filter by priority: low, medium, high, urgent")),
			mcplib.WithString("agent_id", mcplib.Description("Filter by agent ID")),
		),
		s.handleListTasks,
	)

	// tasuki_update_task: partial update including status transitions.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_update_task",
			mcplib.WithDescription("Update a task's status, confidence, or error fields. Status changes follow the lifecycle transition rules."),
			mcplib.WithString("task_id", mcplib.Description("Task UUID"), mcplib.Required()),
			mcplib.WithString("status", mcplib.Description("New status: todo, in_progress, review, done, cancelled")),
			mcplib.WithNumber("confidence_score", mcplib.Description("Agent confidence 0.0-1.0; below 0.5 flags the task for review")),
			mcplib.WithString("error_message", mcplib.Description("Error message for a failed attempt")),
			mcplib.WithString("error_code", mcplib.Description("Machine-readable error code")),
		),
		s.handleUpdateTask,
	)

	// tasuki_retry_task: re-dispatch a failed task.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_retry_task",
			mcplib.WithDescription("Retry a task: clears errors, increments the retry count, and forces it back to in_progress"),
			mcplib.WithString("task_id", mcplib.Description("Task UUID"), mcplib.Required()),
		),
		s.handleRetryTask,
	)

	// tasuki_trust_metrics: trust calibration report.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_trust_metrics",
			mcplib.WithDescription("Compute trust metrics (false confidence rate, retry velocity, review rate) over your tasks, aggregated and per agent"),
		),
		s.handleTrustMetrics,
	)
}

func (s *Server) handleCreateTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	req := model.CreateTaskRequest{
		Title:       request.GetString("title", ""),
		Description: request.GetString("description", ""),
		Priority:    model.TaskPriority(request.GetString("priority", "")),
	}
	if agentID := request.GetString("agent_id", ""); agentID != "" {
		req.AgentID = &agentID
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	task, err := s.lifecycle.Create(ctx, userID, req)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to create task: %v", err)), nil
	}

	return taskResult(task)
}

func (s *Server) handleListTasks(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var filters model.TaskListFilters
	if v := request.GetString("status", ""); v != "" {
		status := model.TaskStatus(v)
		if !status.Valid() {
			return errorResult("unknown status: " + v), nil
		}
		filters.Status = &status
	}
	if v := request.GetString("priority", ""); v != "" {
		priority := model.TaskPriority(v)
		if !priority.Valid() {
			return errorResult("unknown priority: " + v), nil
		}
		filters.Priority = &priority
	}
	if v := request.GetString("agent_id", ""); v != "" {
		filters.AgentID = &v
	}

	tasks, err := s.lifecycle.List(ctx, userID, filters)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	taskID, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return errorResult("invalid task_id"), nil
	}

	var patch model.UpdateTaskRequest
	if v := request.GetString("status", ""); v != "" {
		status := model.TaskStatus(v)
		patch.Status = &status
	}
	if _, present := request.GetArguments()["confidence_score"]; present {
		score := request.GetFloat("confidence_score", 0)
		patch.ConfidenceScore = &score
	}
	if v := request.GetString("error_message", ""); v != "" {
		patch.ErrorMessage = &v
	}
	if v := request.GetString("error_code", ""); v != "" {
		patch.ErrorCode = &v
	}
	if err := patch.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	task, err := s.lifecycle.Update(ctx, userID, taskID, patch)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to update task: %v", err)), nil
	}

	return taskResult(task)
}

func (s *Server) handleRetryTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	taskID, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return errorResult("invalid task_id"), nil
	}

	task, err := s.lifecycle.Retry(ctx, userID, taskID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to retry task: %v", err)), nil
	}

	return taskResult(task)
}

func (s *Server) handleTrustMetrics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	tasks, err := s.lifecycle.List(ctx, userID, model.TaskListFilters{})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load tasks: %v", err)), nil
	}

	report := trust.Compute(tasks, time.Now().UTC())
	resultData, _ := json.MarshalIndent(report, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func taskResult(task model.Task) (*mcplib.CallToolResult, error) {
	resultData, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal task: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
