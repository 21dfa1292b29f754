// Package cleanup bounds the growth of the local store by deleting old step
// logs, heartbeat samples and sync runs, optionally archiving step logs to
// object storage first.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/store"

	"go.uber.org/zap"
)

// Config contains cleanup configuration
type Config struct {
	Retention    time.Duration
	Interval     time.Duration
	ArchiveBatch int
}

// DefaultConfig returns the defaults used for zero fields
func DefaultConfig() Config {
	return Config{
		Retention:    7 * 24 * time.Hour,
		Interval:     30 * time.Minute,
		ArchiveBatch: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ArchiveBatch <= 0 {
		c.ArchiveBatch = d.ArchiveBatch
	}
	return c
}

// Archiver stores a page of step rows before they are deleted
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, steps []store.ExecutionStep) error
}

// Report summarizes one cleanup pass
type Report struct {
	Cutoff          time.Time `json:"cutoff"`
	StepsArchived   int       `json:"steps_archived"`
	StepsDeleted    int64     `json:"steps_deleted"`
	MetricsDeleted  int64     `json:"metrics_deleted"`
	SyncRowsDeleted int64     `json:"sync_rows_deleted"`
	ArchiveFailed   bool      `json:"archive_failed,omitempty"`
}

// Cleaner deletes rows older than the retention window
type Cleaner struct {
	config   Config
	store    store.Store
	archiver Archiver
	logger   *zap.Logger
	now      func() time.Time
}

// NewCleaner creates a cleaner. archiver may be nil.
func NewCleaner(config Config, taskStore store.Store, archiver Archiver, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		config:   config.withDefaults(),
		store:    taskStore,
		archiver: archiver,
		logger:   logger.With(zap.String("component", "cleanup")),
		now:      time.Now,
	}
}

// RunOnce performs one cleanup pass. Step rows are kept when archiving
// fails; the other tables are pruned regardless.
func (c *Cleaner) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Cutoff: c.now().Add(-c.config.Retention)}

	var errs []error

	pruneSteps := true
	if c.archiver != nil {
		archived, err := c.archive(ctx, report.Cutoff)
		report.StepsArchived = archived
		if err != nil {
			report.ArchiveFailed = true
			pruneSteps = false
			c.logger.Warn("Failed to archive execution steps, keeping them for the next run",
				zap.Int("archived", archived), zap.Error(err))
			errs = append(errs, err)
		}
	}

	if pruneSteps {
		n, err := c.store.PruneSteps(ctx, report.Cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune steps: %w", err))
		}
		report.StepsDeleted = n
	}

	n, err := c.store.PruneMetrics(ctx, report.Cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune metrics: %w", err))
	}
	report.MetricsDeleted = n

	n, err = c.store.PruneSyncStatus(ctx, report.Cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("prune sync status: %w", err))
	}
	report.SyncRowsDeleted = n

	c.logger.Info("Cleanup completed",
		zap.Time("cutoff", report.Cutoff),
		zap.Int("steps_archived", report.StepsArchived),
		zap.Int64("steps_deleted", report.StepsDeleted),
		zap.Int64("metrics_deleted", report.MetricsDeleted),
		zap.Int64("sync_rows_deleted", report.SyncRowsDeleted))

	return report, errors.Join(errs...)
}

func (c *Cleaner) archive(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		afterID  int64
		archived int
	)
	for {
		page, err := c.store.ListPrunableSteps(ctx, cutoff, afterID, c.config.ArchiveBatch)
		if err != nil {
			return archived, fmt.Errorf("list prunable steps: %w", err)
		}
		if len(page) == 0 {
			return archived, nil
		}
		if err := c.archiver.Archive(ctx, cutoff, page); err != nil {
			return archived, fmt.Errorf("archive steps after id %d: %w", afterID, err)
		}
		archived += len(page)
		afterID = page[len(page)-1].ID
		if len(page) < c.config.ArchiveBatch {
			return archived, nil
		}
	}
}

// Run cleans up on every interval tick until ctx is cancelled
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Cleanup run failed", zap.Error(err))
			}
		}
	}
}
