package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tasksync/internal/blob"
	"tasksync/internal/store"

	"go.uber.org/zap"
)

// ErrUnknownKind is returned for tasks whose kind has no registered handler
var ErrUnknownKind = errors.New("no handler registered for task kind")

// Registry dispatches tasks to the Backend registered for their kind
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Backend
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Backend)}
}

// Register sets the handler for kind, replacing any previous one
func (r *Registry) Register(kind string, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = backend
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) lookup(kind string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backend, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return backend, nil
}

// Validate rejects unknown kinds and defers to the handler's own validation
func (r *Registry) Validate(task *store.Task) error {
	backend, err := r.lookup(task.Kind)
	if err != nil {
		return err
	}
	if v, ok := backend.(Validator); ok {
		return v.Validate(task)
	}
	return nil
}

// Prepare resolves the handler and runs its preparation, if any
func (r *Registry) Prepare(ctx context.Context, task *store.Task) (blob.JSON, error) {
	backend, err := r.lookup(task.Kind)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"handler": task.Kind}
	if p, ok := backend.(Preparer); ok {
		prepared, err := p.Prepare(ctx, task)
		if err != nil {
			return nil, err
		}
		if !prepared.IsEmpty() {
			out["prepared"] = prepared
		}
	}
	return blob.Encode(out)
}

// Execute runs the handler for the task's kind
func (r *Registry) Execute(ctx context.Context, task *store.Task) (blob.JSON, error) {
	backend, err := r.lookup(task.Kind)
	if err != nil {
		return nil, err
	}
	return backend.Execute(ctx, task)
}

// Finalize lets the handler release resources after a successful attempt
func (r *Registry) Finalize(ctx context.Context, task *store.Task, result blob.JSON) error {
	backend, err := r.lookup(task.Kind)
	if err != nil {
		return err
	}
	if f, ok := backend.(Finalizer); ok {
		return f.Finalize(ctx, task, result)
	}
	return nil
}

// EchoBackend returns the task payload as its result
func EchoBackend() Backend {
	return BackendFunc(func(_ context.Context, task *store.Task) (blob.JSON, error) {
		return blob.Encode(map[string]any{"echo": task.Payload})
	})
}

// LogBackend writes the task payload to logger and acknowledges it
func LogBackend(logger *zap.Logger) Backend {
	return BackendFunc(func(_ context.Context, task *store.Task) (blob.JSON, error) {
		logger.Info("Task payload",
			zap.String("remote_task_id", task.RemoteTaskID),
			zap.String("kind", task.Kind),
			zap.Stringer("payload", task.Payload))
		return blob.Encode(map[string]bool{"logged": true})
	})
}
