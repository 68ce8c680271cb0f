// Package mcp implements the Model Context Protocol server for Tasuki.
//
// The MCP server exposes the task lifecycle and trust metrics through MCP
// tools and resources, so MCP-compatible agents can work their own task
// queue over the same service layer as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/lifecycle"
)

// UserResolver extracts the authenticated user ID from a request context.
// The HTTP layer installs claims into the context before the MCP transport
// runs; this indirection keeps the package free of a dependency on it.
type UserResolver func(ctx context.Context) uuid.UUID

// Server wraps the MCP server with Tasuki's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	lifecycle *lifecycle.Service
	userFrom  UserResolver
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc *lifecycle.Service, userFrom UserResolver, logger *slog.Logger) *Server {
	s := &Server{
		lifecycle: svc,
		userFrom:  userFrom,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tasuki",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// tasuki://tasks/open: the caller's open tasks.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tasuki://tasks/open",
			"Open Tasks",
			mcplib.WithResourceDescription("Tasks in todo or in_progress for the requesting user"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleOpenTasks,
	)

	// tasuki://tasks/review: tasks awaiting human review.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tasuki://tasks/review",
			"Review Queue",
			mcplib.WithResourceDescription("Tasks flagged for human review"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleReviewQueue,
	)
}

func (s *Server) userID(ctx context.Context) (uuid.UUID, error) {
	id := s.userFrom(ctx)
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("mcp: authentication required")
	}
	return id, nil
}

func (s *Server) handleOpenTasks(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}

	// Two filtered reads; the store has no multi-status filter.
	todo := model.StatusTodo
	inProgress := model.StatusInProgress
	open, err := s.lifecycle.List(ctx, userID, model.TaskListFilters{Status: &todo})
	if err != nil {
		return nil, fmt.Errorf("mcp: open tasks: %w", err)
	}
	active, err := s.lifecycle.List(ctx, userID, model.TaskListFilters{Status: &inProgress})
	if err != nil {
		return nil, fmt.Errorf("mcp: open tasks: %w", err)
	}
	open = append(open, active...)

	data, err := json.MarshalIndent(open, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal tasks: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tasuki://tasks/open",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReviewQueue(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}

	tasks, err := s.lifecycle.List(ctx, userID, model.TaskListFilters{})
	if err != nil {
		return nil, fmt.Errorf("mcp: review queue: %w", err)
	}
	queue := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.RequiresReview && t.ReviewedAt == nil {
			queue = append(queue, t)
		}
	}

	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal queue: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tasuki://tasks/review",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
