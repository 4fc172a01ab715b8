package api

import (
	"encoding/json"
	"net/http"
	"time"

	"remotenode/internal/core"
)

type triggerPreviewRequest struct {
	Interval *int    `json:"interval,omitempty"`
	Date     *string `json:"date,omitempty"`
	Time     *string `json:"time,omitempty"`
	core.CronFields
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type triggerPreviewResponse struct {
	Valid     bool     `json:"valid"`
	Kind      string   `json:"kind,omitempty"`
	Trigger   string   `json:"trigger,omitempty"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleTriggerPreview resolves trigger fields the way an action would and lists upcoming fire times.
func (s *Server) handleTriggerPreview(w http.ResponseWriter, r *http.Request) {
	var req triggerPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, triggerPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	action := core.ActionConfig{
		ID:         "preview",
		Interval:   req.Interval,
		Date:       req.Date,
		Time:       req.Time,
		CronFields: req.CronFields,
	}
	trigger, err := core.ResolveTrigger(action, base)
	if err != nil {
		writeJSON(w, http.StatusOK, triggerPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	times := core.NextOccurrences(trigger.Schedule, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, triggerPreviewResponse{
		Valid:     true,
		Kind:      string(trigger.Kind),
		Trigger:   trigger.String(),
		NextTimes: formatted,
	})
}
