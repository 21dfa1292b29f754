package metrics

import (
	"net/http"
	"time"

	"tasksync/internal/progress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcomes used as the "outcome" label
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Collector collects and exposes metrics. Every collector owns its registry
// so several services can live in one process (and in tests).
type Collector struct {
	registry        *prometheus.Registry
	tasksTotal      *prometheus.CounterVec
	inflightTasks   prometheus.Gauge
	taskDuration    prometheus.Histogram
	syncRunsTotal   *prometheus.CounterVec
	syncedRowsTotal *prometheus.CounterVec
	memoryMB        prometheus.Gauge
	heartbeatsTotal *prometheus.CounterVec
	progressTracker *progress.Tracker
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_tasks_total",
				Help: "Task attempts finished, by outcome",
			},
			[]string{"outcome"},
		),
		inflightTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasksync_inflight_tasks",
				Help: "Number of tasks currently executing",
			},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tasksync_task_duration_seconds",
				Help:    "Time taken by one task attempt",
				Buckets: prometheus.DefBuckets,
			},
		),
		syncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_sync_runs_total",
				Help: "Sync runs, by type and status",
			},
			[]string{"type", "status"},
		),
		syncedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_synced_rows_total",
				Help: "Rows moved between stores, by direction and result",
			},
			[]string{"direction", "result"},
		),
		memoryMB: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasksync_process_memory_mb",
				Help: "Process memory reported by the last heartbeat",
			},
		),
		heartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_heartbeats_total",
				Help: "Heartbeat writes, by result",
			},
			[]string{"result"},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.tasksTotal,
		c.inflightTasks,
		c.taskDuration,
		c.syncRunsTotal,
		c.syncedRowsTotal,
		c.memoryMB,
		c.heartbeatsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return c
}

// ObserveTask records one finished attempt and feeds the progress tracker
func (c *Collector) ObserveTask(outcome string, d time.Duration) {
	c.tasksTotal.WithLabelValues(outcome).Inc()
	c.taskDuration.Observe(d.Seconds())

	switch outcome {
	case OutcomeCompleted:
		c.progressTracker.AddSuccess(d)
	case OutcomeRetried:
		c.progressTracker.AddRetried(d)
	case OutcomeFailed:
		c.progressTracker.AddFailed(d)
	}
}

// SetInflightTasks sets the number of executing tasks
func (c *Collector) SetInflightTasks(count int) {
	c.inflightTasks.Set(float64(count))
}

// IncSyncRun counts one recorded sync run
func (c *Collector) IncSyncRun(syncType, status string) {
	c.syncRunsTotal.WithLabelValues(syncType, status).Inc()
}

// AddSyncedRows counts rows pulled or pushed
func (c *Collector) AddSyncedRows(direction string, processed, errors int) {
	c.syncedRowsTotal.WithLabelValues(direction, "ok").Add(float64(processed))
	c.syncedRowsTotal.WithLabelValues(direction, "error").Add(float64(errors))
}

// ObserveHeartbeat records a heartbeat attempt
func (c *Collector) ObserveHeartbeat(memoryMB float64, err error) {
	if err != nil {
		c.heartbeatsTotal.WithLabelValues("error").Inc()
		return
	}
	c.heartbeatsTotal.WithLabelValues("ok").Inc()
	c.memoryMB.Set(memoryMB)
}

// Handler exposes the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetBacklog forwards the pending count to the progress tracker
func (c *Collector) SetBacklog(pending int) {
	c.progressTracker.SetBacklog(int64(pending))
}
