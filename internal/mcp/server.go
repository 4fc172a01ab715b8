package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"remotenode/internal/core"
	"remotenode/internal/store"
)

// Planner is the scheduler surface the tools operate on.
type Planner interface {
	Jobs() []core.JobInfo
	Tasks() []core.TaskInfo
	Horizon() time.Time
	RunNow(ctx context.Context, actionID string) (core.Status, error)
}

// History lists stored status reports.
type History interface {
	ListReports(ctx context.Context, taskID string, limit, offset int) ([]*store.Report, error)
}

// MCPServer exposes the scheduler as MCP tools.
type MCPServer struct {
	planner  Planner
	history  History
	logger   *slog.Logger
	location *time.Location

	mcpServer *server.MCPServer
	http      *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance. history may be nil.
func NewMCPServer(planner Planner, history History, logger *slog.Logger, location *time.Location) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		planner:  planner,
		history:  history,
		logger:   logger,
		location: location,
	}
	s.mcpServer = server.NewMCPServer(
		"remotenode",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.mcpServer)
	s.http = server.NewStreamableHTTPServer(s.mcpServer)
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP serves MCP over the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.ServeHTTP(w, r)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("node_list_jobs",
		mcp.WithDescription("List the jobs scheduled until the next planning boundary"),
	), s.handleListJobs)

	mcpServer.AddTool(mcp.NewTool("node_list_tasks",
		mcp.WithDescription("List task instances with their last status"),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("node_run_task",
		mcp.WithDescription("Run a task immediately and return its status. Skipped if the task is already running"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Action id of the task"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("node_status_history",
		mcp.WithDescription("Show recent status reports of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Action id of the task"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of reports to return, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleStatusHistory)

	s.logger.Debug("MCP tools registered", "count", 4)
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.planner.Jobs()
	horizon := s.planner.Horizon()

	var b strings.Builder
	fmt.Fprintf(&b, "Planned until: %s\n", formatTime(&horizon, s.location))
	if len(jobs) == 0 {
		b.WriteString("No jobs scheduled\n")
		return mcp.NewToolResultText(b.String()), nil
	}
	fmt.Fprintf(&b, "Found %d jobs:\n\n", len(jobs))
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s\n", j.ID)
		fmt.Fprintf(&b, "  Trigger: %s\n", j.Trigger)
		fmt.Fprintf(&b, "  Next run: %s\n", formatTime(nextRun(j), s.location))
		if j.Running {
			b.WriteString("  Running now\n")
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks := s.planner.Tasks()
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks configured"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		status := "never run"
		if t.Last != nil {
			status = t.Last.Status.String()
		}
		fmt.Fprintf(&b, "[%s] %s (%s)\n", status, t.ID, t.Type)
		if t.Last != nil {
			fmt.Fprintf(&b, "  Last run: %s, took %s\n", formatTime(&t.Last.Started, s.location), t.Last.Duration.Round(time.Millisecond))
		}
		if t.State != "" {
			fmt.Fprintf(&b, "  Output: %s\n", truncateString(t.State, 120))
		}
		if t.Running {
			b.WriteString("  Running now\n")
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	status, err := s.planner.RunNow(ctx, taskID)
	switch {
	case errors.Is(err, core.ErrUnknownAction):
		return mcp.NewToolResultError(fmt.Sprintf("Task not found: %s", taskID)), nil
	case errors.Is(err, core.ErrTaskRunning):
		return mcp.NewToolResultError(fmt.Sprintf("Task %s is already running", taskID)), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Run task failed: %v", err)), nil
	}

	s.logger.Info("task run via mcp", "task_id", taskID, "status", status.String())
	return mcp.NewToolResultText(fmt.Sprintf("Task %s finished\nStatus: %s", taskID, status)), nil
}

func (s *MCPServer) handleStatusHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("Status history is disabled"), nil
	}
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	reports, err := s.history.ListReports(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("List status history failed: %v", err)), nil
	}
	if len(reports) == 0 {
		return mcp.NewToolResultText("No status reports for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d reports:\n\n", len(reports))
	for _, r := range reports {
		fmt.Fprintf(&b, "%s %s\n", formatTime(&r.CreatedAt, s.location), r.Status)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func nextRun(j core.JobInfo) *time.Time {
	if j.NextRun != nil {
		return j.NextRun
	}
	return j.FirstRun
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
