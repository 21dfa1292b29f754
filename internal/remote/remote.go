// Package remote adapts the authoritative task table that producers write
// into. The sync manager is its only reader and writer.
package remote

import (
	"context"
	"errors"
	"time"

	"tasksync/internal/blob"
)

// Remote-side task statuses. "assigned" exists only in the remote
// vocabulary and is pulled like "pending".
const (
	StatusPending    = "pending"
	StatusAssigned   = "assigned"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// PullableStatuses are the remote statuses the sync manager pulls
var PullableStatuses = []string{StatusPending, StatusAssigned}

var ErrNotFound = errors.New("remote: task not found")

// Task is one row of the remote scheduled_tasks table
type Task struct {
	ID           string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Kind         string     `gorm:"type:varchar(64);not null;default:''" json:"kind"`
	Payload      blob.JSON  `gorm:"type:text" json:"payload"`
	Status       string     `gorm:"type:varchar(32);not null;default:'pending';index" json:"status"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Result       blob.JSON  `gorm:"type:text" json:"result,omitempty"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	WorkerID     *string    `gorm:"type:varchar(128)" json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `gorm:"index" json:"updated_at"`
}

func (Task) TableName() string {
	return "scheduled_tasks"
}

// Result is the final outcome of a task reported back to the remote store
type Result struct {
	TaskID       string
	Status       string
	Result       blob.JSON
	ErrorMessage string
	CompletedAt  *time.Time
	WorkerID     string
}

// Cursor is a position in (updated_at, id) order. An empty ID makes the
// position inclusive of every row updated at UpdatedAt.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// Store defines the remote operations the sync manager and producers need
type Store interface {
	FetchPending(ctx context.Context, after *Cursor, limit int) ([]Task, error)
	ReportResult(ctx context.Context, res Result) error
	Insert(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Ping(ctx context.Context) error
	Close() error
}
