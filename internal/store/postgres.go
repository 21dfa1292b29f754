package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tasksync/internal/blob"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store backed by Postgres. Claims rely on
// FOR UPDATE SKIP LOCKED, so several workers may share one database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and ensures the schema exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    remote_task_id TEXT NOT NULL UNIQUE,
    kind           TEXT NOT NULL DEFAULT '',
    payload        JSONB,
    status         TEXT NOT NULL DEFAULT 'pending',
    scheduled_at   TIMESTAMPTZ,
    started_at     TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    result         JSONB,
    error_message  TEXT,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    max_retries    INTEGER NOT NULL DEFAULT 3,
    worker_id      TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (retry_count <= max_retries)
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, scheduled_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks (updated_at)`,
		`CREATE TABLE IF NOT EXISTS execution_steps (
    id                BIGSERIAL PRIMARY KEY,
    task_id           TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    attempt           INTEGER NOT NULL DEFAULT 1,
    name              TEXT NOT NULL,
    step_order        INTEGER NOT NULL,
    status            TEXT NOT NULL,
    execution_time_ms BIGINT NOT NULL DEFAULT 0,
    input_data        JSONB,
    output_data       JSONB,
    error_details     JSONB,
    logged_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_steps_task ON execution_steps (task_id, attempt, step_order)`,
		`CREATE TABLE IF NOT EXISTS sync_status (
    id                BIGSERIAL PRIMARY KEY,
    sync_type         TEXT NOT NULL,
    last_sync_at      TIMESTAMPTZ NOT NULL,
    records_processed INTEGER NOT NULL DEFAULT 0,
    errors_count      INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    error_details     TEXT
)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_status_last ON sync_status (status, last_sync_at)`,
		`CREATE TABLE IF NOT EXISTS system_metrics (
    id              BIGSERIAL PRIMARY KEY,
    worker_id       TEXT NOT NULL,
    memory_usage_mb DOUBLE PRECISION NOT NULL,
    active_tasks    INTEGER NOT NULL,
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_system_metrics_worker ON system_metrics (worker_id, recorded_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) checkOpen() error {
	if s == nil || s.pool == nil || s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

func (s *PostgresStore) UpsertFromRemote(ctx context.Context, task *Task) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if task.RemoteTaskID == "" {
		return false, fmt.Errorf("remote task id is required")
	}

	now := time.Now()
	id := task.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO tasks (id, remote_task_id, kind, payload, status, scheduled_at, retry_count, max_retries, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', $5, 0, $6, $7, $8)
ON CONFLICT (remote_task_id) DO UPDATE SET
    kind = EXCLUDED.kind,
    payload = EXCLUDED.payload,
    scheduled_at = EXCLUDED.scheduled_at,
    updated_at = EXCLUDED.updated_at
WHERE tasks.status = 'pending' AND tasks.retry_count = 0`,
		id, task.RemoteTaskID, task.Kind, task.Payload, task.ScheduledAt, task.MaxRetries, createdAt, now)
	if err != nil {
		return false, fmt.Errorf("upsert task %s: %w", task.RemoteTaskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
UPDATE tasks AS t
SET status = 'processing', worker_id = $1, started_at = $2, updated_at = $2
FROM (
    SELECT id FROM tasks
    WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= $2)
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
) AS c
WHERE t.id = c.id
RETURNING `+prefixed("t.", taskColumns), workerID, now)

	task, err := scanPostgresTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id, workerID string, result blob.JSON, at time.Time) error {
	return s.transition(ctx, id, `
UPDATE tasks
SET status = 'completed', result = $2, completed_at = $3, error_message = NULL, worker_id = $4, updated_at = $3
WHERE id = $1 AND status = 'processing'`, id, result.OrEmptyObject(), at, workerID)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, workerID, errMsg string, at time.Time) error {
	return s.transition(ctx, id, `
UPDATE tasks
SET status = 'failed', error_message = $2, result = NULL, completed_at = NULL, worker_id = $3, updated_at = $4
WHERE id = $1 AND status = 'processing'`, id, errMsg, workerID, at)
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id, workerID string, retryAt time.Time) error {
	return s.transition(ctx, id, `
UPDATE tasks
SET status = 'pending', retry_count = retry_count + 1, scheduled_at = $2, error_message = NULL,
    worker_id = $3, updated_at = now()
WHERE id = $1 AND status = 'processing' AND retry_count < max_retries`, id, retryAt, workerID)
}

func (s *PostgresStore) CancelTask(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
UPDATE tasks SET status = 'cancelled', updated_at = now()
WHERE id = $1 AND status = 'pending'`, id)
}

func (s *PostgresStore) RequeueStale(ctx context.Context, startedBefore time.Time) (int64, error) {
	return s.exec(ctx, `
UPDATE tasks SET status = 'pending', worker_id = NULL, updated_at = now()
WHERE status = 'processing' AND started_at < $1`, startedBefore)
}

func (s *PostgresStore) transition(ctx context.Context, id, query string, args ...any) error {
	affected, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("task %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTaskBy(ctx, "id", id)
}

func (s *PostgresStore) GetTaskByRemoteID(ctx context.Context, remoteTaskID string) (*Task, error) {
	return s.getTaskBy(ctx, "remote_task_id", remoteTaskID)
}

func (s *PostgresStore) getTaskBy(ctx context.Context, column, value string) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+column+` = $1`, value)
	task, err := scanPostgresTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", value, ErrNotFound)
	}
	return task, err
}

func (s *PostgresStore) ListFinished(ctx context.Context, after *Cursor, limit int) ([]*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		since   *time.Time
		afterID string
	)
	if after != nil {
		ts := after.UpdatedAt
		since, afterID = &ts, after.ID
	}

	query := `SELECT ` + taskColumns + ` FROM tasks
WHERE status IN ('completed', 'failed') AND ($1::timestamptz IS NULL OR (updated_at, id) > ($1, $2::text))
ORDER BY updated_at ASC, id ASC`
	args := []any{since, afterID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int, len(AllStatuses))
	for _, status := range AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[TaskStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) AppendSteps(ctx context.Context, steps []ExecutionStep) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, step := range steps {
		loggedAt := step.LoggedAt
		if loggedAt.IsZero() {
			loggedAt = time.Now()
		}
		batch.Queue(`
INSERT INTO execution_steps
(task_id, attempt, name, step_order, status, execution_time_ms, input_data, output_data, error_details, logged_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			step.TaskID, step.Attempt, step.Name, step.Order, string(step.Status), step.ExecutionTimeMs,
			step.InputData, step.OutputData, step.ErrorDetails, loggedAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin step batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert steps: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListSteps(ctx context.Context, taskID string) ([]ExecutionStep, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM execution_steps
WHERE task_id = $1 ORDER BY attempt ASC, step_order ASC, id ASC`, taskID)
}

func (s *PostgresStore) ListPrunableSteps(ctx context.Context, before time.Time, afterID int64, limit int) ([]ExecutionStep, error) {
	return s.querySteps(ctx, `SELECT `+prefixed("s.", stepColumns)+` FROM execution_steps s
JOIN tasks t ON t.id = s.task_id
WHERE t.status IN ('completed', 'failed', 'cancelled') AND t.updated_at < $1 AND s.id > $2
ORDER BY s.id ASC
LIMIT $3`, before, afterID, limit)
}

func (s *PostgresStore) querySteps(ctx context.Context, query string, args ...any) ([]ExecutionStep, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []ExecutionStep
	for rows.Next() {
		var step ExecutionStep
		var status string
		if err := rows.Scan(
			&step.ID,
			&step.TaskID,
			&step.Attempt,
			&step.Name,
			&step.Order,
			&status,
			&step.ExecutionTimeMs,
			&step.InputData,
			&step.OutputData,
			&step.ErrorDetails,
			&step.LoggedAt,
		); err != nil {
			return nil, err
		}
		step.Status = StepStatus(status)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) PruneSteps(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, `
DELETE FROM execution_steps WHERE task_id IN (
    SELECT id FROM tasks WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1
)`, before)
}

func (s *PostgresStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM system_metrics WHERE recorded_at < $1`, before)
}

func (s *PostgresStore) PruneSyncStatus(ctx context.Context, before time.Time) (int64, error) {
	return s.exec(ctx, `DELETE FROM sync_status WHERE last_sync_at < $1`, before)
}

func (s *PostgresStore) RecordSync(ctx context.Context, status *SyncStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if status.LastSyncAt.IsZero() {
		status.LastSyncAt = time.Now()
	}
	return s.pool.QueryRow(ctx, `
INSERT INTO sync_status (sync_type, last_sync_at, records_processed, errors_count, status, error_details)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		string(status.SyncType), status.LastSyncAt, status.RecordsProcessed, status.ErrorsCount,
		string(status.Status), nullString(status.ErrorDetails)).Scan(&status.ID)
}

func (s *PostgresStore) LastSuccessfulSync(ctx context.Context) (*time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(last_sync_at) FROM sync_status WHERE status = 'completed'`).Scan(&last)
	return last, err
}

func (s *PostgresStore) LatestSync(ctx context.Context) (*SyncStatus, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		status       SyncStatus
		syncType     string
		runStatus    string
		errorDetails *string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, sync_type, last_sync_at, records_processed, errors_count, status, error_details
FROM sync_status ORDER BY last_sync_at DESC, id DESC LIMIT 1`).Scan(
		&status.ID, &syncType, &status.LastSyncAt, &status.RecordsProcessed,
		&status.ErrorsCount, &runStatus, &errorDetails)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	status.SyncType = SyncType(syncType)
	status.Status = SyncRunStatus(runStatus)
	if errorDetails != nil {
		status.ErrorDetails = *errorDetails
	}
	return &status, nil
}

func (s *PostgresStore) AppendMetric(ctx context.Context, metric *SystemMetric) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now()
	}
	return s.pool.QueryRow(ctx, `
INSERT INTO system_metrics (worker_id, memory_usage_mb, active_tasks, recorded_at)
VALUES ($1, $2, $3, $4)
RETURNING id`, metric.WorkerID, metric.MemoryUsageMB, metric.ActiveTasks, metric.RecordedAt).Scan(&metric.ID)
}

func (s *PostgresStore) ListMetrics(ctx context.Context, workerID string, limit int) ([]SystemMetric, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, worker_id, memory_usage_mb, active_tasks, recorded_at
FROM system_metrics WHERE worker_id = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2`, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []SystemMetric
	for rows.Next() {
		var m SystemMetric
		if err := rows.Scan(&m.ID, &m.WorkerID, &m.MemoryUsageMB, &m.ActiveTasks, &m.RecordedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanPostgresTask(row pgx.Row) (*Task, error) {
	var (
		task         Task
		status       string
		errorMessage *string
		workerID     *string
	)

	err := row.Scan(
		&task.ID,
		&task.RemoteTaskID,
		&task.Kind,
		&task.Payload,
		&status,
		&task.ScheduledAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.Result,
		&errorMessage,
		&task.RetryCount,
		&task.MaxRetries,
		&workerID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	if errorMessage != nil {
		task.ErrorMessage = *errorMessage
	}
	if workerID != nil {
		task.WorkerID = *workerID
	}
	return &task, nil
}
