package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remotenode/internal/core"
)

const sendTimeout = 15 * time.Second

// Alerter pushes a notification when a task reports CRITICAL or INVALID, and
// once more when an alerted task reports OK again. Alerts per task are limited
// to one per interval.
type Alerter struct {
	notifier Notifier
	interval time.Duration
	host     string
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	alerted  map[string]bool
}

// NewAlerter returns a core.StatusReporter sending through n.
func NewAlerter(n Notifier, interval time.Duration, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "remotenode"
	}
	return &Alerter{
		notifier: n,
		interval: interval,
		host:     host,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		alerted:  make(map[string]bool),
	}
}

func (a *Alerter) RecordOK(taskID string) {
	a.mu.Lock()
	wasAlerted := a.alerted[taskID]
	delete(a.alerted, taskID)
	a.mu.Unlock()
	if wasAlerted {
		a.send(taskID, fmt.Sprintf("[%s] %s recovered", a.host, taskID), "status OK")
	}
}

func (a *Alerter) RecordWarning(string) {}

func (a *Alerter) RecordCritical(taskID string) { a.alert(taskID, core.StatusCritical) }

func (a *Alerter) RecordInvalid(taskID string) { a.alert(taskID, core.StatusInvalid) }

func (a *Alerter) alert(taskID string, status core.Status) {
	a.mu.Lock()
	a.alerted[taskID] = true
	allowed := a.limiter(taskID).Allow()
	a.mu.Unlock()
	if !allowed {
		a.logger.Debug("alert suppressed by rate limit", "task_id", taskID, "status", status.String())
		return
	}
	a.send(taskID, fmt.Sprintf("[%s] %s %s", a.host, taskID, status), fmt.Sprintf("task %s reported %s", taskID, status))
}

func (a *Alerter) limiter(taskID string) *rate.Limiter {
	l, ok := a.limiters[taskID]
	if !ok {
		limit := rate.Inf
		if a.interval > 0 {
			limit = rate.Every(a.interval)
		}
		l = rate.NewLimiter(limit, 1)
		a.limiters[taskID] = l
	}
	return l
}

func (a *Alerter) send(taskID, title, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := a.notifier.Send(ctx, title, body); err != nil {
		a.logger.Warn("send alert", "task_id", taskID, "err", err)
	}
}
