package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"tasksync/internal/blob"
	"tasksync/internal/remote"

	"go.uber.org/zap"
)

// TaskSpec describes a task to insert into the remote store
type TaskSpec struct {
	Kind        string     `json:"kind"`
	Payload     blob.JSON  `json:"payload"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Producer inserts pending tasks into the remote store
type Producer struct {
	remote remote.Store
	logger *zap.Logger
}

// NewProducer creates a producer for remoteStore
func NewProducer(remoteStore remote.Store, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{remote: remoteStore, logger: logger}
}

// Enqueue inserts one pending task
func (p *Producer) Enqueue(ctx context.Context, spec TaskSpec) (*remote.Task, error) {
	if spec.Kind == "" {
		return nil, fmt.Errorf("task kind is required")
	}

	task := &remote.Task{
		Kind:        spec.Kind,
		Payload:     spec.Payload,
		Status:      remote.StatusPending,
		ScheduledAt: spec.ScheduledAt,
	}
	if err := p.remote.Insert(ctx, task); err != nil {
		return nil, err
	}

	p.logger.Debug("Enqueued task", zap.String("remote_task_id", task.ID), zap.String("kind", task.Kind))
	return task, nil
}

// EnqueueLines reads one TaskSpec per line from r and inserts each. Blank
// lines are ignored. With dryRun the specs are only validated and logged.
func (p *Producer) EnqueueLines(ctx context.Context, r io.Reader, dryRun bool) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		line     int
		enqueued int
	)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}

		var spec TaskSpec
		if err := json.Unmarshal([]byte(text), &spec); err != nil {
			return enqueued, fmt.Errorf("line %d: %w", line, err)
		}

		if dryRun {
			if spec.Kind == "" {
				return enqueued, fmt.Errorf("line %d: task kind is required", line)
			}
			p.logger.Info("Would enqueue task",
				zap.String("kind", spec.Kind),
				zap.Int("payload_bytes", len(spec.Payload)))
			continue
		}

		if _, err := p.Enqueue(ctx, spec); err != nil {
			return enqueued, fmt.Errorf("line %d: %w", line, err)
		}
		enqueued++
	}
	if err := scanner.Err(); err != nil {
		return enqueued, fmt.Errorf("read tasks: %w", err)
	}

	p.logger.Info("Finished enqueueing tasks", zap.Int("enqueued", enqueued), zap.Bool("dry_run", dryRun))
	return enqueued, nil
}
