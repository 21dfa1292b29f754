package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tasksync/internal/blob"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Timestamps are kept as fixed-width UTC text so that string comparison in
// SQL matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// claimAttempts bounds how often ClaimNext re-selects after losing a race.
const claimAttempts = 5

const taskColumns = `id, remote_task_id, kind, payload, status, scheduled_at, started_at, completed_at,
	result, error_message, retry_count, max_retries, worker_id, created_at, updated_at`

const stepColumns = `id, task_id, attempt, name, step_order, status, execution_time_ms,
	input_data, output_data, error_details, logged_at`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex

	// beforeClaim runs between candidate selection and the claiming update
	beforeClaim func(id string)
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a SQLite task store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		remote_task_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL DEFAULT '',
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		scheduled_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		result TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		worker_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (retry_count <= max_retries)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, scheduled_at, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);

	CREATE TABLE IF NOT EXISTS execution_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		attempt INTEGER NOT NULL DEFAULT 1,
		name TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		status TEXT NOT NULL,
		execution_time_ms INTEGER NOT NULL DEFAULT 0,
		input_data TEXT,
		output_data TEXT,
		error_details TEXT,
		logged_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_steps_task ON execution_steps(task_id, attempt, step_order);

	CREATE TABLE IF NOT EXISTS sync_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_type TEXT NOT NULL,
		last_sync_at TEXT NOT NULL,
		records_processed INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_status_last ON sync_status(status, last_sync_at);

	CREATE TABLE IF NOT EXISTS system_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		memory_usage_mb REAL NOT NULL,
		active_tasks INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_system_metrics_worker ON system_metrics(worker_id, recorded_at);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// UpsertFromRemote inserts a pulled task or refreshes its scheduling fields.
// Existing rows are only touched while still pending and never retried, so
// local progress, results and retry backoff survive a re-pull.
func (s *SQLiteStore) UpsertFromRemote(ctx context.Context, task *Task) (bool, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
		(id, remote_task_id, kind, payload, status, scheduled_at, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(remote_task_id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			scheduled_at = excluded.scheduled_at,
			updated_at = excluded.updated_at
		WHERE tasks.status = 'pending' AND tasks.retry_count = 0
		`,
			id,
			task.RemoteTaskID,
			task.Kind,
			task.Payload,
			StatusPending,
			formatTimePtr(task.ScheduledAt),
			task.MaxRetries,
			formatTime(createdAt),
			formatTime(now),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("upsert task %s: %w", task.RemoteTaskID, err)
	}

	return affected > 0, nil
}

// ClaimNext moves the oldest eligible pending task to processing. The select
// and the conditional update are separate statements, so an update that
// matches nothing means another process won the row and selection starts
// over. The update returns the claimed row and runs detached from ctx: once
// it may have committed, the caller must get the row back.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID string, now time.Time) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 0; attempt < claimAttempts; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		`, formatTime(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claim candidate: %w", err)
		}

		if s.beforeClaim != nil {
			s.beforeClaim(id)
		}

		var claimed *Task
		err = s.retryOnBusy(ctx, func() error {
			row := s.db.QueryRowContext(context.WithoutCancel(ctx), `
			UPDATE tasks
			SET status = 'processing', worker_id = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
			RETURNING `+taskColumns,
				workerID, formatTime(now), formatTime(now), id)
			task, err := scanSQLiteTask(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			claimed = task
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", id, err)
		}

		if claimed != nil {
			return claimed, nil
		}
	}

	return nil, ErrClaimConflict
}

// MarkCompleted finishes a processing task with its result
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id, workerID string, result blob.JSON, at time.Time) error {
	return s.transition(ctx, id, `
	UPDATE tasks
	SET status = 'completed', result = ?, completed_at = ?, error_message = NULL, worker_id = ?, updated_at = ?
	WHERE id = ? AND status = 'processing'
	`, result.OrEmptyObject(), formatTime(at), workerID, formatTime(at), id)
}

// MarkFailed terminally fails a processing task
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, workerID, errMsg string, at time.Time) error {
	return s.transition(ctx, id, `
	UPDATE tasks
	SET status = 'failed', error_message = ?, result = NULL, completed_at = NULL, worker_id = ?, updated_at = ?
	WHERE id = ? AND status = 'processing'
	`, errMsg, workerID, formatTime(at), id)
}

// ScheduleRetry puts a failed attempt back to pending with a future scheduled_at
func (s *SQLiteStore) ScheduleRetry(ctx context.Context, id, workerID string, retryAt time.Time) error {
	return s.transition(ctx, id, `
	UPDATE tasks
	SET status = 'pending', retry_count = retry_count + 1, scheduled_at = ?, error_message = NULL,
		worker_id = ?, updated_at = ?
	WHERE id = ? AND status = 'processing' AND retry_count < max_retries
	`, formatTime(retryAt), workerID, formatTime(time.Now()), id)
}

// CancelTask cancels a task that has not been claimed yet
func (s *SQLiteStore) CancelTask(ctx context.Context, id string) error {
	return s.transition(ctx, id, `
	UPDATE tasks SET status = 'cancelled', updated_at = ?
	WHERE id = ? AND status = 'pending'
	`, formatTime(time.Now()), id)
}

// RequeueStale returns tasks abandoned in processing to pending without
// counting a retry.
func (s *SQLiteStore) RequeueStale(ctx context.Context, startedBefore time.Time) (int64, error) {
	return s.execCount(ctx, `
	UPDATE tasks SET status = 'pending', worker_id = NULL, updated_at = ?
	WHERE status = 'processing' AND started_at < ?
	`, formatTime(time.Now()), formatTime(startedBefore))
}

func (s *SQLiteStore) transition(ctx context.Context, id, query string, args ...any) error {
	affected, err := s.execCount(ctx, query, args...)
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

func (s *SQLiteStore) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// GetTask retrieves a task by local id
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTaskBy(ctx, "id", id)
}

// GetTaskByRemoteID retrieves a task by its remote identity
func (s *SQLiteStore) GetTaskByRemoteID(ctx context.Context, remoteTaskID string) (*Task, error) {
	return s.getTaskBy(ctx, "remote_task_id", remoteTaskID)
}

func (s *SQLiteStore) getTaskBy(ctx context.Context, column, value string) (*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+column+` = ?`, value)
	task, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListFinished returns completed and failed tasks in (updated_at, id) order,
// starting after the given cursor
func (s *SQLiteStore) ListFinished(ctx context.Context, after *Cursor, limit int) ([]*Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN ('completed', 'failed')`
	args := []any{}
	if after != nil {
		ts := formatTime(after.UpdatedAt)
		query += ` AND (updated_at > ? OR (updated_at = ? AND id > ?))`
		args = append(args, ts, ts, after.ID)
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// CountByStatus returns the number of tasks in every status
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int, len(AllStatuses))
	for _, status := range AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// AppendSteps inserts one attempt's step records in a single transaction
func (s *SQLiteStore) AppendSteps(ctx context.Context, steps []ExecutionStep) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO execution_steps
		(task_id, attempt, name, step_order, status, execution_time_ms, input_data, output_data, error_details, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, step := range steps {
			loggedAt := step.LoggedAt
			if loggedAt.IsZero() {
				loggedAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				step.TaskID,
				step.Attempt,
				step.Name,
				step.Order,
				step.Status,
				step.ExecutionTimeMs,
				step.InputData,
				step.OutputData,
				step.ErrorDetails,
				formatTime(loggedAt),
			); err != nil {
				return fmt.Errorf("insert step %s: %w", step.Name, err)
			}
		}

		return tx.Commit()
	})
}

// ListSteps returns every recorded step of a task across attempts
func (s *SQLiteStore) ListSteps(ctx context.Context, taskID string) ([]ExecutionStep, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM execution_steps
	WHERE task_id = ? ORDER BY attempt ASC, step_order ASC, id ASC`, taskID)
}

// ListPrunableSteps pages through steps of terminal tasks last updated before the cutoff
func (s *SQLiteStore) ListPrunableSteps(ctx context.Context, before time.Time, afterID int64, limit int) ([]ExecutionStep, error) {
	return s.querySteps(ctx, `SELECT `+prefixed("s.", stepColumns)+` FROM execution_steps s
	JOIN tasks t ON t.id = s.task_id
	WHERE t.status IN ('completed', 'failed', 'cancelled') AND t.updated_at < ? AND s.id > ?
	ORDER BY s.id ASC
	LIMIT ?`, formatTime(before), afterID, limit)
}

func (s *SQLiteStore) querySteps(ctx context.Context, query string, args ...any) ([]ExecutionStep, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []ExecutionStep
	for rows.Next() {
		var step ExecutionStep
		var loggedAt string
		if err := rows.Scan(
			&step.ID,
			&step.TaskID,
			&step.Attempt,
			&step.Name,
			&step.Order,
			&step.Status,
			&step.ExecutionTimeMs,
			&step.InputData,
			&step.OutputData,
			&step.ErrorDetails,
			&loggedAt,
		); err != nil {
			return nil, err
		}
		if step.LoggedAt, err = parseTime(loggedAt); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

// PruneSteps deletes steps of terminal tasks last updated before the cutoff
func (s *SQLiteStore) PruneSteps(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, `
	DELETE FROM execution_steps WHERE task_id IN (
		SELECT id FROM tasks WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?
	)`, formatTime(before))
}

// PruneMetrics deletes heartbeat samples recorded before the cutoff
func (s *SQLiteStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, `DELETE FROM system_metrics WHERE recorded_at < ?`, formatTime(before))
}

// PruneSyncStatus deletes sync runs recorded before the cutoff
func (s *SQLiteStore) PruneSyncStatus(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, `DELETE FROM sync_status WHERE last_sync_at < ?`, formatTime(before))
}

// RecordSync appends a sync run
func (s *SQLiteStore) RecordSync(ctx context.Context, status *SyncStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if status.LastSyncAt.IsZero() {
		status.LastSyncAt = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (sync_type, last_sync_at, records_processed, errors_count, status, error_details)
		VALUES (?, ?, ?, ?, ?, ?)
		`,
			status.SyncType,
			formatTime(status.LastSyncAt),
			status.RecordsProcessed,
			status.ErrorsCount,
			status.Status,
			nullString(status.ErrorDetails),
		)
		if err != nil {
			return err
		}
		status.ID, err = res.LastInsertId()
		return err
	})
}

// LastSuccessfulSync returns the newest completed sync time, or nil if none
func (s *SQLiteStore) LastSuccessfulSync(ctx context.Context) (*time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_sync_at) FROM sync_status WHERE status = 'completed'`).Scan(&last)
	if err != nil {
		return nil, err
	}
	return parseNullTime(last)
}

// LatestSync returns the most recent sync run of any outcome, or nil if none
func (s *SQLiteStore) LatestSync(ctx context.Context) (*SyncStatus, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		status       SyncStatus
		lastSyncAt   string
		errorDetails sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT id, sync_type, last_sync_at, records_processed, errors_count, status, error_details
	FROM sync_status ORDER BY last_sync_at DESC, id DESC LIMIT 1
	`).Scan(
		&status.ID,
		&status.SyncType,
		&lastSyncAt,
		&status.RecordsProcessed,
		&status.ErrorsCount,
		&status.Status,
		&errorDetails,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if status.LastSyncAt, err = parseTime(lastSyncAt); err != nil {
		return nil, err
	}
	status.ErrorDetails = errorDetails.String
	return &status, nil
}

// AppendMetric appends a heartbeat sample
func (s *SQLiteStore) AppendMetric(ctx context.Context, metric *SystemMetric) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
		INSERT INTO system_metrics (worker_id, memory_usage_mb, active_tasks, recorded_at)
		VALUES (?, ?, ?, ?)
		`, metric.WorkerID, metric.MemoryUsageMB, metric.ActiveTasks, formatTime(metric.RecordedAt))
		if err != nil {
			return err
		}
		metric.ID, err = res.LastInsertId()
		return err
	})
}

// ListMetrics returns the newest samples of a worker first
func (s *SQLiteStore) ListMetrics(ctx context.Context, workerID string, limit int) ([]SystemMetric, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, worker_id, memory_usage_mb, active_tasks, recorded_at
	FROM system_metrics WHERE worker_id = ?
	ORDER BY recorded_at DESC, id DESC
	LIMIT ?
	`, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []SystemMetric
	for rows.Next() {
		var m SystemMetric
		var recordedAt string
		if err := rows.Scan(&m.ID, &m.WorkerID, &m.MemoryUsageMB, &m.ActiveTasks, &recordedAt); err != nil {
			return nil, err
		}
		if m.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}

	return metrics, rows.Err()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// retryOnBusy retries the operation while SQLite reports lock contention
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	const maxRetries = 10
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*Task, error) {
	var (
		task                                Task
		scheduledAt, startedAt, completedAt sql.NullString
		errorMessage, workerID              sql.NullString
		createdAt, updatedAt                string
	)

	err := row.Scan(
		&task.ID,
		&task.RemoteTaskID,
		&task.Kind,
		&task.Payload,
		&task.Status,
		&scheduledAt,
		&startedAt,
		&completedAt,
		&task.Result,
		&errorMessage,
		&task.RetryCount,
		&task.MaxRetries,
		&workerID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.ErrorMessage = errorMessage.String
	task.WorkerID = workerID.String
	if task.ScheduledAt, err = parseNullTime(scheduledAt); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// prefixed qualifies every column of a comma separated list.
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
