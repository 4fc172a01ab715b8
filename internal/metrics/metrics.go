// Package metrics exposes task status reports and planner state to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remotenode/internal/core"
)

// PlannerView is the part of the scheduler the collector samples.
type PlannerView interface {
	Jobs() []core.JobInfo
	Horizon() time.Time
}

// Collector counts status reports per task and implements core.StatusReporter.
type Collector struct {
	registry *prometheus.Registry

	reports    *prometheus.CounterVec
	lastStatus *prometheus.GaugeVec
}

// NewCollector creates a collector on its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remotenode_task_reports_total",
			Help: "Total number of task status reports",
		}, []string{"task", "status"}),
		lastStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remotenode_task_last_status",
			Help: "Most recent status per task (-1 invalid, 0 ok, 1 warning, 2 critical)",
		}, []string{"task"}),
	}
	c.registry.MustRegister(
		c.reports,
		c.lastStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// WatchPlanner registers gauges sampled from the scheduler on every scrape.
func (c *Collector) WatchPlanner(p PlannerView) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "remotenode_scheduled_jobs",
			Help: "Number of jobs in the current planning window",
		}, func() float64 { return float64(len(p.Jobs())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "remotenode_plan_horizon_timestamp_seconds",
			Help: "Unix time of the next planning boundary",
		}, func() float64 {
			h := p.Horizon()
			if h.IsZero() {
				return 0
			}
			return float64(h.Unix())
		}),
	)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordOK(taskID string)       { c.record(taskID, core.StatusOK) }
func (c *Collector) RecordWarning(taskID string)  { c.record(taskID, core.StatusWarning) }
func (c *Collector) RecordCritical(taskID string) { c.record(taskID, core.StatusCritical) }
func (c *Collector) RecordInvalid(taskID string)  { c.record(taskID, core.StatusInvalid) }

func (c *Collector) record(taskID string, status core.Status) {
	c.reports.WithLabelValues(taskID, status.String()).Inc()
	c.lastStatus.WithLabelValues(taskID).Set(float64(status))
}
