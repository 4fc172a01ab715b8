package api

import (
	"net/http"
	"time"

	"remotenode/internal/store"
)

type jobResponse struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Trigger  string  `json:"trigger"`
	FirstRun *string `json:"first_run,omitempty"`
	NextRun  *string `json:"next_run,omitempty"`
	Running  bool    `json:"running"`
}

type statusResponse struct {
	Now       string           `json:"now"`
	Location  string           `json:"location"`
	Uptime    string           `json:"uptime"`
	Horizon   string           `json:"horizon,omitempty"`
	Jobs      int              `json:"jobs"`
	Tasks     int              `json:"tasks"`
	Running   []string         `json:"running"`
	Summaries []*store.Summary `json:"summaries,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.planner.Jobs()
	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobResponse{
			ID:       j.ID,
			Kind:     string(j.Kind),
			Trigger:  j.Trigger,
			FirstRun: formatOptional(j.FirstRun),
			NextRun:  formatOptional(j.NextRun),
			Running:  j.Running,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tasks := s.planner.Tasks()
	resp := statusResponse{
		Now:      time.Now().In(s.location).Format(time.RFC3339),
		Location: s.location.String(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Jobs:     len(s.planner.Jobs()),
		Tasks:    len(tasks),
		Running:  []string{},
	}
	if h := s.planner.Horizon(); !h.IsZero() {
		resp.Horizon = h.In(s.location).Format(time.RFC3339)
	}
	for _, t := range tasks {
		if t.Running {
			resp.Running = append(resp.Running, t.ID)
		}
	}
	if s.history != nil {
		summaries, err := s.history.ListSummaries(r.Context())
		if err != nil {
			s.logger.Error("list task summaries", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load status history")
			return
		}
		resp.Summaries = summaries
	}
	writeJSON(w, http.StatusOK, resp)
}

func formatOptional(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
