// Package store is the local task store: task rows, execution step logs,
// sync-run bookkeeping and heartbeat metrics. All mutation goes through the
// narrow operations on Store so that the claim contract lives in one place.
package store

import (
	"context"
	"time"

	"tasksync/internal/blob"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// StepStatus is the outcome of one execution step
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// SyncType identifies what triggered a sync run
type SyncType string

const (
	SyncInitial     SyncType = "initial"
	SyncIncremental SyncType = "incremental"
	SyncManual      SyncType = "manual"
)

// SyncRunStatus is the overall outcome of a sync run
type SyncRunStatus string

const (
	SyncCompleted SyncRunStatus = "completed"
	SyncFailed    SyncRunStatus = "failed"
)

// Task is a unit of work pulled from the remote store.
type Task struct {
	ID           string     `json:"id"`
	RemoteTaskID string     `json:"remote_task_id"`
	Kind         string     `json:"kind"`
	Payload      blob.JSON  `json:"payload"`
	Status       TaskStatus `json:"status"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       blob.JSON  `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	WorkerID     string     `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CanRetry reports whether another attempt may be scheduled after a failure.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// ExecutionStep is an append-only record of one phase of a task attempt.
type ExecutionStep struct {
	ID              int64      `json:"id"`
	TaskID          string     `json:"task_id"`
	Attempt         int        `json:"attempt"`
	Name            string     `json:"name"`
	Order           int        `json:"order"`
	Status          StepStatus `json:"status"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	InputData       blob.JSON  `json:"input_data,omitempty"`
	OutputData      blob.JSON  `json:"output_data,omitempty"`
	ErrorDetails    blob.JSON  `json:"error_details,omitempty"`
	LoggedAt        time.Time  `json:"logged_at"`
}

// SyncStatus records one synchronization run. Rows are never updated.
type SyncStatus struct {
	ID               int64         `json:"id"`
	SyncType         SyncType      `json:"sync_type"`
	LastSyncAt       time.Time     `json:"last_sync_at"`
	RecordsProcessed int           `json:"records_processed"`
	ErrorsCount      int           `json:"errors_count"`
	Status           SyncRunStatus `json:"status"`
	ErrorDetails     string        `json:"error_details,omitempty"`
}

// SystemMetric is one heartbeat sample.
type SystemMetric struct {
	ID            int64     `json:"id"`
	WorkerID      string    `json:"worker_id"`
	MemoryUsageMB float64   `json:"memory_usage_mb"`
	ActiveTasks   int       `json:"active_tasks"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Cursor is a position in (updated_at, id) order. An empty ID makes the
// position inclusive of every row updated at UpdatedAt.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// Store defines the local task store operations
type Store interface {
	// Sync side
	UpsertFromRemote(ctx context.Context, task *Task) (bool, error)
	ListFinished(ctx context.Context, after *Cursor, limit int) ([]*Task, error)
	RecordSync(ctx context.Context, status *SyncStatus) error
	LastSuccessfulSync(ctx context.Context) (*time.Time, error)
	LatestSync(ctx context.Context) (*SyncStatus, error)

	// Worker side
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*Task, error)
	MarkCompleted(ctx context.Context, id, workerID string, result blob.JSON, at time.Time) error
	MarkFailed(ctx context.Context, id, workerID, errMsg string, at time.Time) error
	ScheduleRetry(ctx context.Context, id, workerID string, retryAt time.Time) error
	RequeueStale(ctx context.Context, startedBefore time.Time) (int64, error)
	AppendSteps(ctx context.Context, steps []ExecutionStep) error

	// Operator side
	CancelTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByRemoteID(ctx context.Context, remoteTaskID string) (*Task, error)
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)
	ListSteps(ctx context.Context, taskID string) ([]ExecutionStep, error)

	// Heartbeat
	AppendMetric(ctx context.Context, metric *SystemMetric) error
	ListMetrics(ctx context.Context, workerID string, limit int) ([]SystemMetric, error)

	// Cleanup
	ListPrunableSteps(ctx context.Context, before time.Time, afterID int64, limit int) ([]ExecutionStep, error)
	PruneSteps(ctx context.Context, before time.Time) (int64, error)
	PruneMetrics(ctx context.Context, before time.Time) (int64, error)
	PruneSyncStatus(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
