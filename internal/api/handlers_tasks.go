package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"remotenode/internal/core"
)

type resultResponse struct {
	Action     string `json:"action"`
	Status     string `json:"status"`
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
}

type taskResponse struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Running bool            `json:"running"`
	State   string          `json:"state,omitempty"`
	Last    *resultResponse `json:"last,omitempty"`
}

type reportResponse struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.planner.Tasks()
	resp := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.findTask(chi.URLParam(r, "taskID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	status, err := s.planner.RunNow(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrUnknownAction):
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		case errors.Is(err, core.ErrTaskRunning):
			writeError(w, http.StatusConflict, "conflict", "task is already running")
		default:
			s.logger.Error("run task now", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to run task")
		}
		return
	}
	s.logger.Info("task run via api", "task_id", taskID, "status", status.String())
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": status.String()})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, ok := s.findTask(taskID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "disabled", "status history is disabled")
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	reports, err := s.history.ListReports(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list reports", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list reports")
		return
	}

	resp := make([]reportResponse, 0, len(reports))
	for _, report := range reports {
		resp = append(resp, reportResponse{
			ID:        report.ID,
			Status:    report.Status.String(),
			CreatedAt: report.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) findTask(id string) (core.TaskInfo, bool) {
	for _, t := range s.planner.Tasks() {
		if t.ID == id {
			return t, true
		}
	}
	return core.TaskInfo{}, false
}

func taskToResponse(task core.TaskInfo) taskResponse {
	resp := taskResponse{
		ID:      task.ID,
		Type:    task.Type,
		Running: task.Running,
		State:   task.State,
	}
	if task.Last != nil {
		last := &resultResponse{
			Action:     task.Last.Action,
			Status:     task.Last.Status.String(),
			Text:       task.Last.Text,
			StartedAt:  task.Last.Started.UTC().Format(time.RFC3339),
			DurationMs: task.Last.Duration.Milliseconds(),
		}
		if task.Last.Err != nil {
			last.Error = task.Last.Err.Error()
		}
		resp.Last = last
	}
	return resp
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
