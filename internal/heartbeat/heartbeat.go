// Package heartbeat records worker liveness samples into the local store.
package heartbeat

import (
	"context"
	"time"

	"tasksync/internal/metrics"
	"tasksync/internal/store"
	"tasksync/internal/sysinfo"

	"go.uber.org/zap"
)

// ActivityFunc reports how many tasks are currently executing
type ActivityFunc func() int

// Reporter writes one SystemMetric per interval tick
type Reporter struct {
	workerID string
	interval time.Duration
	store    store.Store
	active   ActivityFunc
	metrics  *metrics.Collector
	logger   *zap.Logger

	memoryMB func() float64
	now      func() time.Time
}

// NewReporter creates a heartbeat reporter. active may be nil when no worker
// runs in this process.
func NewReporter(
	workerID string,
	interval time.Duration,
	taskStore store.Store,
	active ActivityFunc,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if active == nil {
		active = func() int { return 0 }
	}
	if metricsCollector == nil {
		metricsCollector = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reporter{
		workerID: workerID,
		interval: interval,
		store:    taskStore,
		active:   active,
		metrics:  metricsCollector,
		logger:   logger.With(zap.String("component", "heartbeat")),
		memoryMB: sysinfo.ProcessMemoryMB,
		now:      time.Now,
	}
}

// Beat writes one sample. Errors are logged and returned but callers are not
// expected to act on them.
func (r *Reporter) Beat(ctx context.Context) error {
	metric := &store.SystemMetric{
		WorkerID:      r.workerID,
		MemoryUsageMB: r.memoryMB(),
		ActiveTasks:   r.active(),
		RecordedAt:    r.now(),
	}
	if metric.MemoryUsageMB < 0 {
		metric.MemoryUsageMB = 0
	}

	err := r.store.AppendMetric(ctx, metric)
	r.metrics.ObserveHeartbeat(metric.MemoryUsageMB, err)
	if err != nil {
		r.logger.Warn("Failed to record heartbeat", zap.Error(err))
		return err
	}

	r.logger.Debug("Heartbeat recorded",
		zap.Float64("memory_mb", metric.MemoryUsageMB),
		zap.Int("active_tasks", metric.ActiveTasks))
	return nil
}

// Run beats on every interval tick until ctx is cancelled, then writes one
// final sample so the last recorded state reflects the shutdown.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = r.Beat(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			_ = r.Beat(ctx)
		}
	}
}
