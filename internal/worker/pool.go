package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"tasksync/internal/blob"
	"tasksync/internal/metrics"
	"tasksync/internal/store"
	"tasksync/internal/sysinfo"
	"tasksync/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Loop claims tasks from the local store and runs them, at most
// MaxConcurrentTasks at a time.
type Loop struct {
	config   Config
	store    store.Store
	executor *Executor
	metrics  *metrics.Collector
	tracer   *telemetry.Tracer
	logger   *zap.Logger

	memoryMB func() float64
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	wg       sync.WaitGroup
}

// NewLoop creates a new worker loop
func NewLoop(
	config Config,
	taskStore store.Store,
	backend Backend,
	metricsCollector *metrics.Collector,
	tracer *telemetry.Tracer,
	logger *zap.Logger,
) *Loop {
	config = config.withDefaults()
	if config.WorkerID == "" {
		config.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if metricsCollector == nil {
		metricsCollector = metrics.New()
	}
	if tracer == nil {
		tracer = telemetry.NewTracer(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("worker_id", config.WorkerID))

	return &Loop{
		config:   config,
		store:    taskStore,
		executor: NewExecutor(backend, tracer, logger),
		metrics:  metricsCollector,
		tracer:   tracer,
		logger:   logger,
		memoryMB: sysinfo.ProcessMemoryMB,
		now:      time.Now,
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

// WorkerID returns the identity stamped on claimed tasks
func (l *Loop) WorkerID() string {
	return l.config.WorkerID
}

// ActiveTasks returns the number of tasks currently executing
func (l *Loop) ActiveTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Run polls for work until ctx is cancelled. On cancellation it stops
// claiming, aborts every in-flight task and waits for their outcomes to be
// persisted before returning.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("Worker started",
		zap.Int("max_concurrent_tasks", l.config.MaxConcurrentTasks),
		zap.Duration("task_timeout", l.config.TaskTimeout))

	l.requeueStale(ctx)

	overLimit := false
	for ctx.Err() == nil {
		if l.ActiveTasks() >= l.config.MaxConcurrentTasks {
			l.sleep(ctx, l.config.PollInterval)
			continue
		}

		if l.config.MemoryLimitMB > 0 {
			if usage := l.memoryMB(); usage > l.config.MemoryLimitMB {
				if !overLimit {
					l.logger.Warn("Memory above limit, pausing claims",
						zap.Float64("memory_mb", usage),
						zap.Float64("limit_mb", l.config.MemoryLimitMB))
					overLimit = true
				}
				runtime.GC()
				l.sleep(ctx, l.config.PollInterval)
				continue
			}
			if overLimit {
				l.logger.Info("Memory back under limit, resuming claims")
				overLimit = false
			}
		}

		task, err := l.store.ClaimNext(ctx, l.config.WorkerID, l.now())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, store.ErrClaimConflict) {
				l.logger.Debug("Lost claim race, retrying")
				continue
			}
			l.logger.Error("Failed to claim task", zap.Error(err))
			l.sleep(ctx, l.config.ClaimErrorBackoff)
			continue
		}
		if task == nil {
			l.sleep(ctx, l.config.PollInterval)
			continue
		}

		l.start(ctx, task)
	}

	l.logger.Info("Worker stopping", zap.Int("inflight", l.ActiveTasks()))
	l.AbortAll()
	l.wg.Wait()
	l.logger.Info("Worker stopped")
}

// ProcessNext claims one eligible task and runs it to completion. It returns
// false when no task was eligible.
func (l *Loop) ProcessNext(ctx context.Context) (bool, error) {
	task, err := l.store.ClaimNext(ctx, l.config.WorkerID, l.now())
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	taskCtx, done := l.begin(ctx, task)
	defer done()
	l.process(ctx, taskCtx, task)
	return true, nil
}

// Wait blocks until every started task has been persisted
func (l *Loop) Wait() {
	l.wg.Wait()
}

// AbortAll cancels every in-flight task with ErrTaskAborted
func (l *Loop) AbortAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, abort := range l.inflight {
		abort(ErrTaskAborted)
	}
}

func (l *Loop) start(ctx context.Context, task *store.Task) {
	taskCtx, done := l.begin(ctx, task)
	go func() {
		defer done()
		l.process(ctx, taskCtx, task)
	}()
}

// begin registers task as in flight and returns its attempt context. The
// attempt is detached from ctx so that cancellation reaches it only as
// ErrTaskAborted, a cause the retry policy can record.
func (l *Loop) begin(ctx context.Context, task *store.Task) (context.Context, func()) {
	taskCtx, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() { abort(ErrTaskAborted) })

	l.wg.Add(1)
	l.track(task.ID, abort)

	return taskCtx, func() {
		stop()
		abort(nil)
		l.untrack(task.ID)
		l.wg.Done()
	}
}

func (l *Loop) requeueStale(ctx context.Context) {
	if l.config.StaleAfter <= 0 {
		return
	}
	n, err := l.store.RequeueStale(ctx, l.now().Add(-l.config.StaleAfter))
	if err != nil {
		l.logger.Warn("Failed to requeue stale tasks", zap.Error(err))
		return
	}
	if n > 0 {
		l.logger.Info("Requeued stale tasks", zap.Int64("count", n))
	}
}

// process runs one claimed task and persists its outcome
func (l *Loop) process(ctx, taskCtx context.Context, task *store.Task) {
	taskCtx, cancel := context.WithTimeoutCause(taskCtx, l.config.TaskTimeout,
		fmt.Errorf("%w after %s", ErrTaskTimeout, l.config.TaskTimeout))
	defer cancel()

	attempt := task.RetryCount + 1
	taskCtx, span := l.tracer.StartTask(taskCtx, l.config.WorkerID, task.ID, task.RemoteTaskID, attempt)

	logger := l.logger.With(
		zap.String("task_id", task.ID),
		zap.String("remote_task_id", task.RemoteTaskID),
		zap.Int("attempt", attempt))
	logger.Debug("Task claimed")

	startTime := l.now()
	exec := l.executor.Execute(taskCtx, task, attempt)
	duration := time.Since(startTime)
	telemetry.End(span, exec.Err)

	persistCtx := context.WithoutCancel(ctx)
	if err := l.store.AppendSteps(persistCtx, exec.Steps); err != nil {
		logger.Error("Failed to save execution steps", zap.Error(err))
	}

	if exec.Err == nil {
		l.markCompleted(persistCtx, logger, task, exec.Result, duration)
		return
	}

	if task.CanRetry() {
		l.scheduleRetry(persistCtx, logger, task, exec.Err, duration)
		return
	}

	l.markFailed(persistCtx, logger, task, exec.Err, duration)
}

func (l *Loop) markCompleted(ctx context.Context, logger *zap.Logger, task *store.Task, result blob.JSON, d time.Duration) {
	if err := l.store.MarkCompleted(ctx, task.ID, l.config.WorkerID, result, l.now()); err != nil {
		logger.Error("Failed to save completed task", zap.Error(err))
		return
	}
	l.metrics.ObserveTask(metrics.OutcomeCompleted, d)
	logger.Info("Task completed successfully", zap.Duration("duration", d))
}

func (l *Loop) scheduleRetry(ctx context.Context, logger *zap.Logger, task *store.Task, cause error, d time.Duration) {
	retryAt := l.now().Add(l.config.RetryDelay * time.Duration(task.RetryCount+1))
	if err := l.store.ScheduleRetry(ctx, task.ID, l.config.WorkerID, retryAt); err != nil {
		logger.Error("Failed to schedule retry", zap.Error(err))
		return
	}
	l.metrics.ObserveTask(metrics.OutcomeRetried, d)
	logger.Warn("Task attempt failed, retry scheduled",
		zap.Int("retry_count", task.RetryCount+1),
		zap.Int("max_retries", task.MaxRetries),
		zap.Time("retry_at", retryAt),
		zap.Error(cause))
}

func (l *Loop) markFailed(ctx context.Context, logger *zap.Logger, task *store.Task, cause error, d time.Duration) {
	if err := l.store.MarkFailed(ctx, task.ID, l.config.WorkerID, cause.Error(), l.now()); err != nil {
		logger.Error("Failed to save failed task", zap.Error(err))
		return
	}
	l.metrics.ObserveTask(metrics.OutcomeFailed, d)
	logger.Error("Task failed after all retries",
		zap.Int("retry_count", task.RetryCount),
		zap.Error(cause))
}

func (l *Loop) track(id string, abort context.CancelCauseFunc) {
	l.mu.Lock()
	l.inflight[id] = abort
	n := len(l.inflight)
	l.mu.Unlock()
	l.metrics.SetInflightTasks(n)
}

func (l *Loop) untrack(id string) {
	l.mu.Lock()
	delete(l.inflight, id)
	n := len(l.inflight)
	l.mu.Unlock()
	l.metrics.SetInflightTasks(n)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
