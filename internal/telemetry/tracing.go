package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for every span
const TracerName = "tasksync"

// Attribute keys
const (
	AttrTaskID       = "tasksync.task.id"
	AttrRemoteTaskID = "tasksync.task.remote_id"
	AttrAttempt      = "tasksync.task.attempt"
	AttrStepName     = "tasksync.step.name"
	AttrStepOrder    = "tasksync.step.order"
	AttrSyncType     = "tasksync.sync.type"
	AttrDirection    = "tasksync.sync.direction"
	AttrWorkerID     = "tasksync.worker.id"
)

// Tracer wraps an OpenTelemetry tracer with task and sync span helpers
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer from the given provider. A nil provider uses the
// global one, which is a no-op unless an SDK has been installed.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// StartSyncRun starts a span covering one sync run
func (t *Tracer) StartSyncRun(ctx context.Context, syncType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tasksync.sync", trace.WithAttributes(
		attribute.String(AttrSyncType, syncType),
	))
}

// StartSyncDirection starts a span for a pull or a push inside a run
func (t *Tracer) StartSyncDirection(ctx context.Context, direction string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tasksync.sync."+direction, trace.WithAttributes(
		attribute.String(AttrDirection, direction),
	))
}

// StartTask starts a span for one task attempt
func (t *Tracer) StartTask(ctx context.Context, workerID, taskID, remoteTaskID string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tasksync.task", trace.WithAttributes(
		attribute.String(AttrWorkerID, workerID),
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrRemoteTaskID, remoteTaskID),
		attribute.Int(AttrAttempt, attempt),
	))
}

// StartStep starts a span for one executor step
func (t *Tracer) StartStep(ctx context.Context, name string, order int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tasksync.step."+name, trace.WithAttributes(
		attribute.String(AttrStepName, name),
		attribute.Int(AttrStepOrder, order),
	))
}

// End finishes span, marking it as failed when err is non-nil
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
