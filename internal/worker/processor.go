package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/blob"
	"tasksync/internal/store"
	"tasksync/internal/telemetry"

	"go.uber.org/zap"
)

// Step names, in execution order
const (
	StepPrecheck       = "precheck"
	StepResolveBackend = "resolve_backend"
	StepExecute        = "execute"
	StepCleanup        = "cleanup"
)

// Execution is the outcome of one attempt
type Execution struct {
	Steps  []store.ExecutionStep
	Result blob.JSON
	Err    error
}

type stepFunc func(ctx context.Context, state *attemptState) (output blob.JSON, err error)

type step struct {
	name string
	run  stepFunc
}

// attemptState carries data between the steps of one attempt
type attemptState struct {
	task     *store.Task
	prepared blob.JSON
	result   blob.JSON
}

type stepOutcome struct {
	output blob.JSON
	err    error
}

// Executor runs the fixed step sequence of a task attempt around a Backend
type Executor struct {
	backend Backend
	steps   []step
	tracer  *telemetry.Tracer
	logger  *zap.Logger
}

// NewExecutor creates an executor for backend
func NewExecutor(backend Backend, tracer *telemetry.Tracer, logger *zap.Logger) *Executor {
	if tracer == nil {
		tracer = telemetry.NewTracer(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{backend: backend, tracer: tracer, logger: logger}
	e.steps = []step{
		{name: StepPrecheck, run: e.precheck},
		{name: StepResolveBackend, run: e.resolveBackend},
		{name: StepExecute, run: e.execute},
		{name: StepCleanup, run: e.cleanup},
	}
	return e
}

// Execute runs every step in order. The first failing step ends the attempt
// and the remaining steps are recorded as skipped. Cancellation of ctx is
// checked before each step; a step still running when ctx is done is
// abandoned and fails with the context's cause.
func (e *Executor) Execute(ctx context.Context, task *store.Task, attempt int) Execution {
	state := &attemptState{task: task}
	exec := Execution{Steps: make([]store.ExecutionStep, 0, len(e.steps))}

	for i, s := range e.steps {
		record := store.ExecutionStep{
			TaskID:  task.ID,
			Attempt: attempt,
			Name:    s.name,
			Order:   i + 1,
		}

		if exec.Err != nil {
			record.Status = store.StepSkipped
			record.LoggedAt = time.Now()
			exec.Steps = append(exec.Steps, record)
			continue
		}

		if s.name == StepPrecheck {
			record.InputData = task.Payload
		}
		if s.name == StepExecute {
			record.InputData = state.prepared
		}

		started := time.Now()
		var outcome stepOutcome
		if ctx.Err() != nil {
			outcome.err = context.Cause(ctx)
		} else {
			outcome = e.runStep(ctx, s, i+1, state)
		}
		record.ExecutionTimeMs = time.Since(started).Milliseconds()
		record.LoggedAt = time.Now()
		record.OutputData = outcome.output

		if outcome.err != nil {
			record.Status = store.StepFailed
			record.ErrorDetails = errorDetails(outcome.err)
			exec.Err = outcome.err
			e.logger.Debug("Step failed",
				zap.String("task_id", task.ID),
				zap.String("step", s.name),
				zap.Error(outcome.err))
		} else {
			record.Status = store.StepCompleted
		}
		exec.Steps = append(exec.Steps, record)
	}

	if exec.Err == nil {
		// A completed task always carries a result, even when the backend
		// had nothing to say.
		exec.Result = state.result.OrEmptyObject()
	}
	return exec
}

func (e *Executor) runStep(ctx context.Context, s step, order int, state *attemptState) stepOutcome {
	ctx, span := e.tracer.StartStep(ctx, s.name, order)

	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{err: fmt.Errorf("panic in step %s: %v", s.name, r)}
			}
		}()
		output, err := s.run(ctx, state)
		done <- stepOutcome{output: output, err: err}
	}()

	var outcome stepOutcome
	select {
	case outcome = <-done:
		// A step that returns ctx.Err() after cancellation reports the cause.
		if outcome.err != nil && ctx.Err() != nil && errors.Is(outcome.err, ctx.Err()) {
			outcome.err = context.Cause(ctx)
		}
	case <-ctx.Done():
		outcome = stepOutcome{err: context.Cause(ctx)}
	}

	telemetry.End(span, outcome.err)
	return outcome
}

func (e *Executor) precheck(_ context.Context, state *attemptState) (blob.JSON, error) {
	task := state.task
	if !task.Payload.IsEmpty() {
		var payload any
		if err := task.Payload.Decode(&payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if v, ok := e.backend.(Validator); ok {
		if err := v.Validate(task); err != nil {
			return nil, err
		}
	}
	return blob.Encode(map[string]any{
		"kind":          task.Kind,
		"retry_count":   task.RetryCount,
		"payload_bytes": len(task.Payload),
	})
}

func (e *Executor) resolveBackend(ctx context.Context, state *attemptState) (blob.JSON, error) {
	p, ok := e.backend.(Preparer)
	if !ok {
		return nil, nil
	}
	prepared, err := p.Prepare(ctx, state.task)
	if err != nil {
		return nil, err
	}
	state.prepared = prepared
	return prepared, nil
}

func (e *Executor) execute(ctx context.Context, state *attemptState) (blob.JSON, error) {
	result, err := e.backend.Execute(ctx, state.task)
	if err != nil {
		return nil, err
	}
	state.result = result
	return result, nil
}

func (e *Executor) cleanup(ctx context.Context, state *attemptState) (blob.JSON, error) {
	if f, ok := e.backend.(Finalizer); ok {
		if err := f.Finalize(ctx, state.task, state.result); err != nil {
			return nil, err
		}
	}
	return blob.Encode(map[string]any{"result_bytes": len(state.result)})
}

func errorDetails(err error) blob.JSON {
	kind := "error"
	switch {
	case errors.Is(err, ErrTaskTimeout):
		kind = "timeout"
	case errors.Is(err, ErrTaskAborted):
		kind = "aborted"
	case errors.Is(err, ErrInvalidPayload):
		kind = "invalid_payload"
	}
	details, encErr := blob.Encode(map[string]string{"type": kind, "error": err.Error()})
	if encErr != nil {
		return nil
	}
	return details
}
