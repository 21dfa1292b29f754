package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"tasksync/internal/cleanup"
	"tasksync/internal/config"
	"tasksync/internal/heartbeat"
	"tasksync/internal/lock"
	"tasksync/internal/metrics"
	"tasksync/internal/progress"
	"tasksync/internal/remote"
	"tasksync/internal/storage"
	"tasksync/internal/store"
	"tasksync/internal/sysinfo"
	"tasksync/internal/syncer"
	"tasksync/internal/telemetry"
	"tasksync/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// Components are the externally owned pieces a Service is built from
type Components struct {
	Local    store.Store
	Remote   remote.Store
	Locker   lock.Locker
	Archiver cleanup.Archiver
	Backend  worker.Backend
}

// Service wires the sync manager, worker loop, heartbeat and cleanup around
// one local store.
type Service struct {
	cfg     *config.Config
	logger  *zap.Logger
	local   store.Store
	remote  remote.Store
	locker  lock.Locker
	metrics *metrics.Collector

	syncer    *syncer.Manager
	worker    *worker.Loop
	heartbeat *heartbeat.Reporter
	cleaner   *cleanup.Cleaner

	closeOnce sync.Once
}

// Open connects every store named by cfg and builds a Service on them
func Open(ctx context.Context, cfg *config.Config, backend worker.Backend, logger *zap.Logger) (*Service, error) {
	local, err := store.Open(ctx, store.Config{
		Driver: cfg.Local.Driver,
		Path:   cfg.Local.Path,
		DSN:    cfg.Local.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	remoteStore, err := remote.Open(remote.Config{
		Driver:      cfg.Remote.Driver,
		DSN:         cfg.Remote.DSN,
		AutoMigrate: cfg.Remote.AutoMigrate,
	})
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}

	components := Components{Local: local, Remote: remoteStore, Backend: backend}

	if cfg.Sync.Redis.Addr != "" {
		locker, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
			Addr:     cfg.Sync.Redis.Addr,
			Password: cfg.Sync.Redis.Password,
			DB:       cfg.Sync.Redis.DB,
		}, logger)
		if err != nil {
			local.Close()
			remoteStore.Close()
			return nil, fmt.Errorf("failed to create sync lock: %w", err)
		}
		components.Locker = locker
	}

	if a := cfg.Cleanup.Archive; a.Enabled {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Secure:    a.Secure,
			Region:    a.Region,
		})
		if err == nil {
			archiver := cleanup.NewS3Archiver(client, a.Bucket, a.Prefix)
			err = archiver.Prepare(ctx)
			components.Archiver = archiver
		}
		if err != nil {
			closeLocker(components.Locker)
			local.Close()
			remoteStore.Close()
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
	}

	return New(cfg, components, logger), nil
}

// New builds a Service from already opened components
func New(cfg *config.Config, c Components, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Locker == nil {
		c.Locker = lock.NewLocalLocker()
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	metricsCollector := metrics.New()
	tracer := telemetry.NewTracer(nil)

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		local:   c.Local,
		remote:  c.Remote,
		locker:  c.Locker,
		metrics: metricsCollector,
	}

	s.syncer = syncer.NewManager(syncer.Config{
		BatchSize:         cfg.Sync.BatchSize,
		Interval:          cfg.Sync.Interval,
		PushWindow:        cfg.Sync.PushWindow,
		DefaultLookback:   cfg.Sync.DefaultLookback,
		ClockSkew:         cfg.Sync.ClockSkew,
		HealthWindow:      cfg.Sync.HealthWindow,
		DefaultMaxRetries: cfg.Sync.DefaultMaxRetries,
		LockTTL:           cfg.Sync.LockTTL,
	}, c.Local, c.Remote, c.Locker, metricsCollector, tracer, logger)

	s.worker = worker.NewLoop(worker.Config{
		WorkerID:           workerID,
		MaxConcurrentTasks: cfg.Worker.MaxConcurrentTasks,
		PollInterval:       cfg.Worker.PollInterval,
		ClaimErrorBackoff:  cfg.Worker.ClaimErrorBackoff,
		TaskTimeout:        cfg.Worker.TaskTimeout,
		RetryDelay:         cfg.Worker.RetryDelay,
		MemoryLimitMB:      cfg.Worker.MemoryLimitMB,
		StaleAfter:         cfg.Worker.StaleAfter,
	}, c.Local, c.Backend, metricsCollector, tracer, logger)

	s.heartbeat = heartbeat.NewReporter(workerID, cfg.Heartbeat.Interval, c.Local,
		s.worker.ActiveTasks, metricsCollector, logger)

	s.cleaner = cleanup.NewCleaner(cleanup.Config{
		Retention:    cfg.Cleanup.Retention,
		Interval:     cfg.Cleanup.Interval,
		ArchiveBatch: cfg.Cleanup.Archive.BatchSize,
	}, c.Local, c.Archiver, logger)

	return s
}

// WorkerID returns the identity of this process's worker
func (s *Service) WorkerID() string {
	return s.worker.WorkerID()
}

// Metrics returns the service's metrics collector
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Run starts every background loop and blocks until ctx is cancelled. On
// shutdown it stops claiming, aborts in-flight tasks and waits for their
// outcomes, writes a final heartbeat and pushes results one last time.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("Starting service",
		zap.String("worker_id", s.WorkerID()),
		zap.String("local_driver", s.cfg.Local.Driver),
		zap.String("remote_driver", s.cfg.Remote.Driver),
		zap.Int("max_concurrent_tasks", s.cfg.Worker.MaxConcurrentTasks))

	var progressDisplay *progress.Display
	if s.cfg.ShowProgress && progress.IsTerminalSupported() {
		progressDisplay = progress.NewDisplay(s.metrics.GetProgressTracker(), 2*time.Second, os.Stdout)
		progressDisplay.Start()
		s.logger.Info("Progress display enabled")
	}

	// The heartbeat outlives the worker so its last sample is taken after
	// every in-flight task has been settled.
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHeartbeat()

	var (
		loops         sync.WaitGroup
		workerDone    = make(chan struct{})
		heartbeatDone = make(chan struct{})
	)

	loops.Add(3)
	go func() {
		defer loops.Done()
		s.syncer.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		s.cleaner.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		s.refreshBacklog(ctx)
	}()

	go func() {
		defer close(workerDone)
		s.worker.Run(ctx)
	}()

	go func() {
		defer close(heartbeatDone)
		s.heartbeat.Run(heartbeatCtx)
	}()

	<-ctx.Done()
	s.logger.Info("Shutting down service")

	<-workerDone
	stopHeartbeat()
	<-heartbeatDone
	loops.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if _, err := s.syncer.RunIncrementalSync(flushCtx); err != nil {
		s.logger.Warn("Final sync did not run", zap.Error(err))
	}

	if progressDisplay != nil {
		progressDisplay.Stop()
	}

	s.logger.Info("Service stopped")
	return nil
}

func (s *Service) refreshBacklog(ctx context.Context) {
	interval := 5 * s.cfg.Worker.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.local.CountByStatus(ctx)
			if err == nil {
				s.metrics.SetBacklog(counts[store.StatusPending])
			}
		}
	}
}

// ForceSyncAll runs an unscoped pull and push immediately
func (s *Service) ForceSyncAll(ctx context.Context) (syncer.RunResult, error) {
	return s.syncer.ForceSyncAll(ctx)
}

// SyncOnce runs one incremental sync
func (s *Service) SyncOnce(ctx context.Context) (syncer.RunResult, error) {
	return s.syncer.RunIncrementalSync(ctx)
}

// HealthCheck reports store reachability and sync recency
func (s *Service) HealthCheck(ctx context.Context) syncer.HealthReport {
	return s.syncer.HealthCheck(ctx)
}

// SystemStats is the aggregate view returned by GetSystemStats
type SystemStats struct {
	WorkerID      string                   `json:"worker_id"`
	Tasks         map[store.TaskStatus]int `json:"tasks"`
	TotalTasks    int                      `json:"total_tasks"`
	SuccessRate   float64                  `json:"success_rate"`
	LastSync      *store.SyncStatus        `json:"last_sync,omitempty"`
	LastSyncAt    *time.Time               `json:"last_successful_sync_at,omitempty"`
	MemoryUsageMB float64                  `json:"memory_usage_mb"`
	ActiveTasks   int                      `json:"active_tasks"`
	System        sysinfo.Snapshot         `json:"system"`
	Session       progress.Status          `json:"session"`
	CollectedAt   time.Time                `json:"collected_at"`
}

// GetSystemStats aggregates task counts, sync state and resource usage
func (s *Service) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	counts, err := s.local.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	latest, err := s.local.LatestSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("read latest sync: %w", err)
	}
	lastSuccess, err := s.local.LastSuccessfulSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sync watermark: %w", err)
	}

	stats := &SystemStats{
		WorkerID:    s.WorkerID(),
		Tasks:       counts,
		LastSync:    latest,
		LastSyncAt:  lastSuccess,
		ActiveTasks: s.worker.ActiveTasks(),
		System:      sysinfo.Collect(),
		Session:     s.metrics.GetProgressTracker().GetStatus(),
		CollectedAt: time.Now(),
	}
	stats.MemoryUsageMB = stats.System.ProcessRSSMB

	for _, n := range counts {
		stats.TotalTasks += n
	}
	if finished := counts[store.StatusCompleted] + counts[store.StatusFailed]; finished > 0 {
		stats.SuccessRate = float64(counts[store.StatusCompleted]) / float64(finished) * 100
	}

	s.metrics.SetBacklog(counts[store.StatusPending])
	return stats, nil
}

// GetTask returns a local task with its step log
func (s *Service) GetTask(ctx context.Context, id string) (*store.Task, []store.ExecutionStep, error) {
	task, err := s.local.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := s.local.ListSteps(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return task, steps, nil
}

// CancelTask cancels a local task that has not been claimed yet
func (s *Service) CancelTask(ctx context.Context, id string) error {
	return s.local.CancelTask(ctx, id)
}

// ProcessNext runs at most one eligible task to completion
func (s *Service) ProcessNext(ctx context.Context) (bool, error) {
	return s.worker.ProcessNext(ctx)
}

// Cleanup runs one cleanup pass
func (s *Service) Cleanup(ctx context.Context) (cleanup.Report, error) {
	return s.cleaner.RunOnce(ctx)
}

// Enqueue inserts one pending task into the remote store
func (s *Service) Enqueue(ctx context.Context, spec TaskSpec) (*remote.Task, error) {
	return s.Producer().Enqueue(ctx, spec)
}

// Producer returns a producer inserting into the remote store
func (s *Service) Producer() *Producer {
	return NewProducer(s.remote, s.logger)
}

// Close cleans up resources
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		errs = append(errs, closeLocker(s.locker))
		if s.remote != nil {
			errs = append(errs, s.remote.Close())
		}
		if s.local != nil {
			errs = append(errs, s.local.Close())
		}
	})
	return errors.Join(errs...)
}

func closeLocker(l lock.Locker) error {
	if c, ok := l.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
