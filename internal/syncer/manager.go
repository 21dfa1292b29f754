// Package syncer keeps the local task store and the remote task table
// eventually consistent. Pulls and pushes are keyed by the remote task id, so
// repeating a run is always safe.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksync/internal/lock"
	"tasksync/internal/metrics"
	"tasksync/internal/remote"
	"tasksync/internal/store"
	"tasksync/internal/telemetry"

	"go.uber.org/zap"
)

// ErrSyncInProgress is returned when another run holds the sync lock
var ErrSyncInProgress = errors.New("syncer: sync already in progress")

const (
	lockKey         = "sync"
	maxErrorDetails = 10
)

// Config contains sync manager configuration
type Config struct {
	BatchSize         int
	Interval          time.Duration
	PushWindow        time.Duration // how far back incremental pushes look at least
	DefaultLookback   time.Duration // watermark used before the first successful sync
	ClockSkew         time.Duration // subtracted from the watermark before comparing remote timestamps
	HealthWindow      time.Duration
	DefaultMaxRetries int
	LockTTL           time.Duration
}

// DefaultConfig returns the configuration used when fields are left zero
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		Interval:          30 * time.Second,
		PushWindow:        time.Hour,
		DefaultLookback:   time.Hour,
		HealthWindow:      10 * time.Minute,
		DefaultMaxRetries: 3,
		LockTTL:           5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.PushWindow <= 0 {
		c.PushWindow = d.PushWindow
	}
	if c.DefaultLookback <= 0 {
		c.DefaultLookback = d.DefaultLookback
	}
	if c.ClockSkew < 0 {
		c.ClockSkew = 0
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = d.HealthWindow
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// BatchResult counts the rows one direction handled
type BatchResult struct {
	Processed int      `json:"processed"`
	Errors    int      `json:"errors"`
	RowErrors []string `json:"row_errors,omitempty"`
}

func (b *BatchResult) rowError(id string, err error) {
	b.Errors++
	if len(b.RowErrors) < maxErrorDetails {
		b.RowErrors = append(b.RowErrors, fmt.Sprintf("%s: %v", id, err))
	}
}

// RunResult is the outcome of one recorded sync run
type RunResult struct {
	SyncType  store.SyncType      `json:"sync_type"`
	Status    store.SyncRunStatus `json:"status"`
	Pulled    BatchResult         `json:"pulled"`
	Pushed    BatchResult         `json:"pushed"`
	Error     string              `json:"error,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration"`
}

// Success reports whether the run completed
func (r RunResult) Success() bool {
	return r.Status == store.SyncCompleted
}

// Processed is the number of rows handled in both directions
func (r RunResult) Processed() int {
	return r.Pulled.Processed + r.Pushed.Processed
}

// Errors is the number of row failures in both directions
func (r RunResult) Errors() int {
	return r.Pulled.Errors + r.Pushed.Errors
}

// HealthReport is the result of HealthCheck
type HealthReport struct {
	LocalStoreOK  bool              `json:"local_store_ok"`
	RemoteStoreOK bool              `json:"remote_store_ok"`
	RecentSyncOK  bool              `json:"recent_sync_ok"`
	LastSync      *store.SyncStatus `json:"last_sync,omitempty"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// Healthy reports whether every check passed
func (h HealthReport) Healthy() bool {
	return h.LocalStoreOK && h.RemoteStoreOK && h.RecentSyncOK
}

// Manager moves tasks between the remote and the local store
type Manager struct {
	config  Config
	local   store.Store
	remote  remote.Store
	locker  lock.Locker
	metrics *metrics.Collector
	tracer  *telemetry.Tracer
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a new sync manager
func NewManager(
	config Config,
	local store.Store,
	remoteStore remote.Store,
	locker lock.Locker,
	metricsCollector *metrics.Collector,
	tracer *telemetry.Tracer,
	logger *zap.Logger,
) *Manager {
	if locker == nil {
		locker = lock.NewLocalLocker()
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

	return &Manager{
		config:  config.withDefaults(),
		local:   local,
		remote:  remoteStore,
		locker:  locker,
		metrics: metricsCollector,
		tracer:  tracer,
		logger:  logger.With(zap.String("component", "syncer")),
		now:     time.Now,
	}
}

// PullPendingTasks upserts pending remote tasks updated at or after since
// (all of them when since is nil) into the local store, one page at a time.
// A failure to query the remote store is returned; row failures are counted.
func (m *Manager) PullPendingTasks(ctx context.Context, since *time.Time) (BatchResult, error) {
	ctx, span := m.tracer.StartSyncDirection(ctx, "pull")
	var result BatchResult

	var after *remote.Cursor
	if since != nil {
		after = &remote.Cursor{UpdatedAt: *since}
	}
	for {
		rows, err := m.remote.FetchPending(ctx, after, m.config.BatchSize)
		if err != nil {
			telemetry.End(span, err)
			return result, err
		}

		for i := range rows {
			row := &rows[i]
			task := &store.Task{
				RemoteTaskID: row.ID,
				Kind:         row.Kind,
				Payload:      row.Payload,
				ScheduledAt:  row.ScheduledAt,
				MaxRetries:   m.config.DefaultMaxRetries,
				CreatedAt:    row.CreatedAt,
			}

			if _, err := m.local.UpsertFromRemote(ctx, task); err != nil {
				if pingErr := m.local.Ping(ctx); pingErr != nil {
					telemetry.End(span, pingErr)
					return result, fmt.Errorf("local store unreachable: %w", pingErr)
				}
				m.logger.Warn("Failed to upsert pulled task",
					zap.String("remote_task_id", row.ID),
					zap.Error(err))
				result.rowError(row.ID, err)
				continue
			}
			result.Processed++
		}

		if len(rows) < m.config.BatchSize {
			break
		}
		last := rows[len(rows)-1]
		after = &remote.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}

	m.metrics.AddSyncedRows("pull", result.Processed, result.Errors)
	telemetry.End(span, nil)
	return result, nil
}

// PushCompletedResults reports finished local tasks updated at or after since
// (all of them when since is nil) to the remote store, one page at a time.
func (m *Manager) PushCompletedResults(ctx context.Context, since *time.Time) (BatchResult, error) {
	ctx, span := m.tracer.StartSyncDirection(ctx, "push")
	var result BatchResult

	var after *store.Cursor
	if since != nil {
		after = &store.Cursor{UpdatedAt: *since}
	}
	for {
		tasks, err := m.local.ListFinished(ctx, after, m.config.BatchSize)
		if err != nil {
			telemetry.End(span, err)
			return result, err
		}

		for _, task := range tasks {
			if err := m.remote.ReportResult(ctx, resultOf(task)); err != nil {
				if !errors.Is(err, remote.ErrNotFound) {
					if pingErr := m.remote.Ping(ctx); pingErr != nil {
						telemetry.End(span, pingErr)
						return result, fmt.Errorf("remote store unreachable: %w", pingErr)
					}
				}
				m.logger.Warn("Failed to push task result",
					zap.String("task_id", task.ID),
					zap.String("remote_task_id", task.RemoteTaskID),
					zap.Error(err))
				result.rowError(task.RemoteTaskID, err)
				continue
			}
			result.Processed++
		}

		if len(tasks) < m.config.BatchSize {
			break
		}
		last := tasks[len(tasks)-1]
		after = &store.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}

	m.metrics.AddSyncedRows("push", result.Processed, result.Errors)
	telemetry.End(span, nil)
	return result, nil
}

func resultOf(task *store.Task) remote.Result {
	completedAt := task.CompletedAt
	if completedAt == nil {
		updatedAt := task.UpdatedAt
		completedAt = &updatedAt
	}
	return remote.Result{
		TaskID:       task.RemoteTaskID,
		Status:       string(task.Status),
		Result:       task.Result,
		ErrorMessage: task.ErrorMessage,
		CompletedAt:  completedAt,
		WorkerID:     task.WorkerID,
	}
}

// RunFullSync pulls and pushes without a watermark and records the run
func (m *Manager) RunFullSync(ctx context.Context) (RunResult, error) {
	return m.run(ctx, store.SyncInitial, func(context.Context) (*time.Time, *time.Time, error) {
		return nil, nil, nil
	})
}

// RunIncrementalSync pulls rows changed since the last successful sync, less
// the clock skew margin, and pushes results from at least the last push
// window. The watermark is a local time compared against remote timestamps.
func (m *Manager) RunIncrementalSync(ctx context.Context) (RunResult, error) {
	return m.run(ctx, store.SyncIncremental, func(ctx context.Context) (*time.Time, *time.Time, error) {
		watermark, err := m.local.LastSuccessfulSync(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("read sync watermark: %w", err)
		}
		now := m.now()
		if watermark == nil {
			lookback := now.Add(-m.config.DefaultLookback)
			watermark = &lookback
		} else {
			skewed := watermark.Add(-m.config.ClockSkew)
			watermark = &skewed
		}

		pushSince := now.Add(-m.config.PushWindow)
		if watermark.Before(pushSince) {
			pushSince = *watermark
		}
		return watermark, &pushSince, nil
	})
}

// ForceSyncAll runs an unscoped pull and push on demand
func (m *Manager) ForceSyncAll(ctx context.Context) (RunResult, error) {
	return m.run(ctx, store.SyncManual, func(context.Context) (*time.Time, *time.Time, error) {
		return nil, nil, nil
	})
}

type scopeFunc func(ctx context.Context) (pullSince, pushSince *time.Time, err error)

// run executes one pull+push pass under the sync lock and records exactly
// one SyncStatus row for it. The returned error is non-nil only when the run
// could not start or could not be recorded; an aborted run is reported
// through RunResult.Status.
func (m *Manager) run(ctx context.Context, syncType store.SyncType, scope scopeFunc) (RunResult, error) {
	result := RunResult{SyncType: syncType, StartedAt: m.now()}

	unlock, ok, err := m.locker.TryLock(ctx, lockKey, m.config.LockTTL)
	if err != nil {
		return result, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return result, ErrSyncInProgress
	}
	defer unlock()

	ctx, span := m.tracer.StartSyncRun(ctx, string(syncType))

	runErr := m.execute(ctx, &result, scope)
	result.Duration = m.now().Sub(result.StartedAt)

	status := &store.SyncStatus{
		SyncType:         syncType,
		LastSyncAt:       result.StartedAt,
		RecordsProcessed: result.Processed(),
		ErrorsCount:      result.Errors(),
		Status:           store.SyncCompleted,
	}

	details := append(append([]string{}, result.Pulled.RowErrors...), result.Pushed.RowErrors...)
	if runErr != nil {
		status.Status = store.SyncFailed
		status.ErrorsCount++
		result.Error = runErr.Error()
		details = append([]string{runErr.Error()}, details...)
		m.logger.Error("Sync run failed",
			zap.String("sync_type", string(syncType)),
			zap.Error(runErr))
	} else {
		m.logger.Info("Sync run completed",
			zap.String("sync_type", string(syncType)),
			zap.Int("pulled", result.Pulled.Processed),
			zap.Int("pushed", result.Pushed.Processed),
			zap.Int("errors", result.Errors()),
			zap.Duration("duration", result.Duration))
	}
	status.ErrorDetails = strings.Join(details, "; ")
	result.Status = status.Status

	m.metrics.IncSyncRun(string(syncType), string(status.Status))
	telemetry.End(span, runErr)

	// The run is recorded even when the caller's context was cancelled
	// mid-run, so the ledger never loses an attempt.
	if err := m.local.RecordSync(context.WithoutCancel(ctx), status); err != nil {
		m.logger.Error("Failed to record sync run", zap.Error(err))
		return result, fmt.Errorf("record sync run: %w", err)
	}
	return result, nil
}

func (m *Manager) execute(ctx context.Context, result *RunResult, scope scopeFunc) error {
	pullSince, pushSince, err := scope(ctx)
	if err != nil {
		return err
	}

	result.Pulled, err = m.PullPendingTasks(ctx, pullSince)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	result.Pushed, err = m.PushCompletedResults(ctx, pushSince)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// HealthCheck pings both stores and checks that a sync run was recorded
// within the health window.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Errors: map[string]string{}}

	if err := m.local.Ping(ctx); err != nil {
		report.Errors["local_store"] = err.Error()
	} else {
		report.LocalStoreOK = true
	}

	if err := m.remote.Ping(ctx); err != nil {
		report.Errors["remote_store"] = err.Error()
	} else {
		report.RemoteStoreOK = true
	}

	if report.LocalStoreOK {
		latest, err := m.local.LatestSync(ctx)
		switch {
		case err != nil:
			report.Errors["recent_sync"] = err.Error()
		case latest == nil:
			report.Errors["recent_sync"] = "no sync recorded"
		default:
			report.LastSync = latest
			if m.now().Sub(latest.LastSyncAt) <= m.config.HealthWindow {
				report.RecentSyncOK = true
			} else {
				report.Errors["recent_sync"] = fmt.Sprintf("last sync at %s", latest.LastSyncAt.Format(time.RFC3339))
			}
		}
	}

	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	return report
}

// Run performs a full sync, then incremental syncs on the configured
// interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Sync manager started", zap.Duration("interval", m.config.Interval))

	if _, err := m.RunFullSync(ctx); err != nil {
		m.logger.Warn("Initial sync did not run", zap.Error(err))
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sync manager stopped")
			return
		case <-ticker.C:
			if _, err := m.RunIncrementalSync(ctx); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					m.logger.Debug("Skipping sync tick, previous run still active")
					continue
				}
				m.logger.Warn("Incremental sync did not run", zap.Error(err))
			}
		}
	}
}
