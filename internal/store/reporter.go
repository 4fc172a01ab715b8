package store

import (
	"context"
	"log/slog"
	"time"

	"remotenode/internal/core"
)

const recordTimeout = 5 * time.Second

// Reporter records task outcomes into the store. Write failures are logged
// and never reach the task.
type Reporter struct {
	store  *Store
	logger *slog.Logger
}

// NewReporter returns a core.StatusReporter backed by s.
func NewReporter(s *Store, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: s, logger: logger}
}

func (r *Reporter) RecordOK(taskID string)       { r.record(taskID, core.StatusOK) }
func (r *Reporter) RecordWarning(taskID string)  { r.record(taskID, core.StatusWarning) }
func (r *Reporter) RecordCritical(taskID string) { r.record(taskID, core.StatusCritical) }
func (r *Reporter) RecordInvalid(taskID string)  { r.record(taskID, core.StatusInvalid) }

func (r *Reporter) record(taskID string, status core.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.RecordStatus(ctx, taskID, status); err != nil {
		r.logger.Error("record status report", "task_id", taskID, "status", status.String(), "err", err)
	}
}
