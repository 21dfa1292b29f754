package worker

import (
	"context"
	"errors"
	"time"

	"tasksync/internal/blob"
	"tasksync/internal/store"
)

var (
	// ErrTaskTimeout is the cause of an attempt cancelled by the task timeout
	ErrTaskTimeout = errors.New("task timed out")
	// ErrTaskAborted is the cause of an attempt cancelled by shutdown
	ErrTaskAborted = errors.New("task aborted by shutdown")
	// ErrInvalidPayload is returned by precheck for undecodable payloads
	ErrInvalidPayload = errors.New("invalid task payload")
)

// Backend performs the external action of a task. It is the only part of a
// task attempt that is specific to the kind of work.
type Backend interface {
	Execute(ctx context.Context, task *store.Task) (blob.JSON, error)
}

// BackendFunc adapts a function to Backend
type BackendFunc func(ctx context.Context, task *store.Task) (blob.JSON, error)

func (f BackendFunc) Execute(ctx context.Context, task *store.Task) (blob.JSON, error) {
	return f(ctx, task)
}

// Validator is implemented by backends that reject tasks before any work
type Validator interface {
	Validate(task *store.Task) error
}

// Preparer is implemented by backends that resolve target state before the
// action; its output is recorded on the resolve_backend step.
type Preparer interface {
	Prepare(ctx context.Context, task *store.Task) (blob.JSON, error)
}

// Finalizer is implemented by backends that release resources after a
// successful action.
type Finalizer interface {
	Finalize(ctx context.Context, task *store.Task, result blob.JSON) error
}

// Config contains worker configuration
type Config struct {
	WorkerID           string
	MaxConcurrentTasks int
	PollInterval       time.Duration
	ClaimErrorBackoff  time.Duration
	TaskTimeout        time.Duration
	RetryDelay         time.Duration
	MemoryLimitMB      float64 // zero disables the memory gate
	StaleAfter         time.Duration
}

// DefaultConfig returns the defaults used for zero fields
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 1,
		PollInterval:       2 * time.Second,
		ClaimErrorBackoff:  10 * time.Second,
		TaskTimeout:        5 * time.Minute,
		RetryDelay:         30 * time.Second,
		StaleAfter:         15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ClaimErrorBackoff <= 0 {
		c.ClaimErrorBackoff = d.ClaimErrorBackoff
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}
