package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config locates the remote database. Supabase is plain Postgres; the sqlite
// driver is meant for local development.
type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

// GormStore implements Store on top of gorm
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Open connects to the remote database
func Open(cfg Config) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}

	s := NewGormStore(db)
	if cfg.AutoMigrate {
		if err := s.AutoMigrate(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewGormStore wraps an existing gorm handle
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the scheduled_tasks table
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("migrate remote tasks: %w", err)
	}
	return nil
}

// FetchPending returns pullable tasks in (updated_at, id) order, starting
// after the given cursor. The last row of a page is the cursor for the next.
func (s *GormStore) FetchPending(ctx context.Context, after *Cursor, limit int) ([]Task, error) {
	query := s.db.WithContext(ctx).Where("status IN ?", PullableStatuses)
	if after != nil {
		ts := after.UpdatedAt.UTC()
		query = query.Where("(updated_at > ? OR (updated_at = ? AND id > ?))", ts, ts, after.ID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var tasks []Task
	if err := query.Order("updated_at ASC").Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("fetch pending tasks: %w", err)
	}
	return tasks, nil
}

// ReportResult writes a final outcome onto the matching remote row
func (s *GormStore) ReportResult(ctx context.Context, res Result) error {
	updates := map[string]any{
		"status":        res.Status,
		"result":        res.Result,
		"error_message": nil,
		"completed_at":  res.CompletedAt,
		"worker_id":     nil,
		"updated_at":    time.Now().UTC(),
	}
	if res.ErrorMessage != "" {
		updates["error_message"] = res.ErrorMessage
	}
	if res.WorkerID != "" {
		updates["worker_id"] = res.WorkerID
	}

	tx := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", res.TaskID).Updates(updates)
	if tx.Error != nil {
		return fmt.Errorf("report result for %s: %w", res.TaskID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, res.TaskID)
	}
	return nil
}

// Insert creates a pending task; it is the producer side of the contract.
func (s *GormStore) Insert(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("insert remote task: %w", err)
	}
	return nil
}

// Get returns one remote task by id
func (s *GormStore) Get(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &task, nil
}

// Ping runs a trivial round-trip against the remote database
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
