package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"tasksync/internal/blob"
	"tasksync/internal/lock"
	"tasksync/internal/remote"
	"tasksync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLocalStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRemoteStore(t *testing.T) *remote.GormStore {
	t.Helper()
	s, err := remote.Open(remote.Config{
		Driver:      remote.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "remote.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newManager(local store.Store, rs remote.Store, cfg Config) *Manager {
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 3
	}
	return NewManager(cfg, local, rs, nil, nil, nil, zap.NewNop())
}

// fakeRemote is an in-memory remote.Store with injectable failures
type fakeRemote struct {
	mu         sync.Mutex
	tasks      map[string]*remote.Task
	fetchErr   error
	pingErr    error
	reportErrs map[string]error
	cursors    []*remote.Cursor
	reported   []remote.Result
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{tasks: map[string]*remote.Task{}, reportErrs: map[string]error{}}
}

func (f *fakeRemote) FetchPending(_ context.Context, after *remote.Cursor, limit int) ([]remote.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cursors = append(f.cursors, after)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	var out []remote.Task
	for _, task := range f.tasks {
		if task.Status != remote.StatusPending && task.Status != remote.StatusAssigned {
			continue
		}
		if after != nil {
			if task.UpdatedAt.Before(after.UpdatedAt) {
				continue
			}
			if task.UpdatedAt.Equal(after.UpdatedAt) && task.ID <= after.ID {
				continue
			}
		}
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRemote) ReportResult(_ context.Context, res remote.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reportErrs[res.TaskID]; err != nil {
		return err
	}
	task, ok := f.tasks[res.TaskID]
	if !ok {
		return remote.ErrNotFound
	}
	task.Status = res.Status
	task.Result = res.Result
	task.UpdatedAt = time.Now()
	f.reported = append(f.reported, res)
	return nil
}

func (f *fakeRemote) Insert(_ context.Context, task *remote.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if task.Status == "" {
		task.Status = remote.StatusPending
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}
	copied := *task
	f.tasks[task.ID] = &copied
	return nil
}

func (f *fakeRemote) Get(_ context.Context, id string) (*remote.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (f *fakeRemote) Ping(context.Context) error { return f.pingErr }
func (f *fakeRemote) Close() error               { return nil }

func completeLocally(t *testing.T, local store.Store, remoteID string) *store.Task {
	t.Helper()
	ctx := context.Background()
	task, err := local.ClaimNext(ctx, "worker-1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, remoteID, task.RemoteTaskID)
	require.NoError(t, local.MarkCompleted(ctx, task.ID, "worker-1",
		blob.MustEncode(map[string]string{"message_id": "m-1"}), time.Now()))
	return task
}

func TestPullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newRemoteStore(t)
	m := newManager(local, rs, Config{})

	require.NoError(t, rs.Insert(ctx, &remote.Task{
		ID:      "r1",
		Kind:    "message",
		Payload: blob.MustEncode(map[string]string{"to": "x", "text": "hi"}),
	}))

	res, err := m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Errors)

	res, err = m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	counts, err := local.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.StatusPending])

	task, err := local.GetTaskByRemoteID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, task.Status)
	assert.Equal(t, 3, task.MaxRetries)
	assert.JSONEq(t, `{"to":"x","text":"hi"}`, task.Payload.String())
}

func TestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newRemoteStore(t)
	m := newManager(local, rs, Config{})

	require.NoError(t, rs.Insert(ctx, &remote.Task{ID: "r1", Kind: "message"}))
	_, err := m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)

	localTask := completeLocally(t, local, "r1")

	pushed, err := m.PushCompletedResults(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed.Processed)

	got, err := rs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, remote.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"message_id":"m-1"}`, got.Result.String())
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "worker-1", *got.WorkerID)

	pulled, err := m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, pulled.Processed)

	counts, err := local.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[store.StatusPending])
	assert.Equal(t, 1, counts[store.StatusCompleted])

	after, err := local.GetTask(ctx, localTask.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, after.Status)
}

func TestRepullKeepsLocalCompletion(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{})

	require.NoError(t, rs.Insert(ctx, &remote.Task{ID: "r1"}))
	_, err := m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)
	done := completeLocally(t, local, "r1")

	// The remote row is still pending because nothing was pushed yet.
	_, err = m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)

	got, err := local.GetTask(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"message_id":"m-1"}`, got.Result.String())
}

func TestPushCountsRowErrorsAndContinues(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{})

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, rs.Insert(ctx, &remote.Task{ID: id}))
	}
	_, err := m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		task, err := local.ClaimNext(ctx, "worker-1", time.Now())
		require.NoError(t, err)
		require.NoError(t, local.MarkFailed(ctx, task.ID, "worker-1", "boom", time.Now()))
	}

	rs.reportErrs["r2"] = remote.ErrNotFound

	res, err := m.PushCompletedResults(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.RowErrors, 1)
	assert.Contains(t, res.RowErrors[0], "r2")

	for _, reported := range rs.reported {
		assert.Equal(t, remote.StatusFailed, reported.Status)
		assert.Equal(t, "boom", reported.ErrorMessage)
		assert.NotNil(t, reported.CompletedAt)
	}
}

func TestPushAbortsWhenRemoteUnreachable(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{})

	require.NoError(t, rs.Insert(ctx, &remote.Task{ID: "r1"}))
	_, err := m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)
	completeLocally(t, local, "r1")

	rs.reportErrs["r1"] = errors.New("connection reset")
	rs.pingErr = errors.New("connection refused")

	_, err = m.PushCompletedResults(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote store unreachable")
}

func TestPushPagesThroughAllResults(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{BatchSize: 2})

	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		require.NoError(t, rs.Insert(ctx, &remote.Task{ID: id}))
		_, err := local.UpsertFromRemote(ctx, &store.Task{RemoteTaskID: id, MaxRetries: 3})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		task, err := local.ClaimNext(ctx, "worker-1", time.Now())
		require.NoError(t, err)
		require.NotNil(t, task)
		require.NoError(t, local.MarkCompleted(ctx, task.ID, "worker-1", nil, time.Now()))
	}

	res, err := m.PushCompletedResults(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
}

func TestFailedRunIsRecorded(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	rs.fetchErr = errors.New("connection refused")
	m := newManager(local, rs, Config{})

	res, err := m.RunFullSync(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, store.SyncFailed, res.Status)
	assert.Contains(t, res.Error, "connection refused")

	latest, err := local.LatestSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.SyncFailed, latest.Status)
	assert.Equal(t, store.SyncInitial, latest.SyncType)
	assert.Contains(t, latest.ErrorDetails, "connection refused")

	last, err := local.LastSuccessfulSync(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	// The next run proceeds normally once the remote recovers.
	rs.fetchErr = nil
	res, err = m.RunIncrementalSync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success())
}

func TestIncrementalSyncUsesWatermark(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{})

	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.RunIncrementalSync(ctx)
	require.NoError(t, err)
	require.Len(t, rs.cursors, 1)
	require.NotNil(t, rs.cursors[0])
	assert.WithinDuration(t, now.Add(-time.Hour), rs.cursors[0].UpdatedAt, time.Millisecond)

	// A remote row changed before the last successful sync is not re-pulled.
	require.NoError(t, rs.Insert(ctx, &remote.Task{ID: "old", UpdatedAt: now.Add(-time.Minute)}))
	require.NoError(t, rs.Insert(ctx, &remote.Task{ID: "new", UpdatedAt: now.Add(time.Minute)}))

	later := now.Add(2 * time.Minute)
	m.now = func() time.Time { return later }
	res, err := m.RunIncrementalSync(ctx)
	require.NoError(t, err)
	require.Len(t, rs.cursors, 2)
	assert.WithinDuration(t, now, rs.cursors[1].UpdatedAt, time.Millisecond)
	assert.Equal(t, 1, res.Pulled.Processed)

	_, err = local.GetTaskByRemoteID(ctx, "new")
	require.NoError(t, err)
	_, err = local.GetTaskByRemoteID(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFullSyncPullsWholeBacklog(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newRemoteStore(t)
	m := newManager(local, rs, Config{BatchSize: 5})

	base := time.Now().UTC().Add(-3 * time.Hour)
	for i := 0; i < 8; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, rs.Insert(ctx, &remote.Task{
			ID:        fmt.Sprintf("r%d", i),
			Kind:      "message",
			CreatedAt: at,
			UpdatedAt: at,
		}))
	}

	res, err := m.RunFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Pulled.Processed)

	for i := 0; i < 3; i++ {
		_, err := m.RunIncrementalSync(ctx)
		require.NoError(t, err)
	}

	counts, err := local.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, counts[store.StatusPending])
}

func TestPullKeepsRowsSharingATimestamp(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{BatchSize: 2})

	tied := time.Now().Add(-10 * time.Minute)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, rs.Insert(ctx, &remote.Task{ID: id, UpdatedAt: tied}))
	}

	res, err := m.RunIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pulled.Processed)
	require.Len(t, rs.cursors, 2)
	assert.Equal(t, "b", rs.cursors[1].ID)

	counts, err := local.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[store.StatusPending])
}

func TestIncrementalSyncAllowsForClockSkew(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{ClockSkew: 2 * time.Minute})

	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.ForceSyncAll(ctx)
	require.NoError(t, err)

	// The remote clock runs a minute behind, so this row looks older than
	// the last sync even though it was written after it.
	require.NoError(t, rs.Insert(ctx, &remote.Task{ID: "late", UpdatedAt: now.Add(-time.Minute)}))

	m.now = func() time.Time { return now.Add(time.Minute) }
	res, err := m.RunIncrementalSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled.Processed)
	require.Len(t, rs.cursors, 2)
	assert.WithinDuration(t, now.Add(-2*time.Minute), rs.cursors[1].UpdatedAt, time.Millisecond)
}

func TestPushKeepsRowsSharingATimestamp(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{BatchSize: 2})

	at := time.Now().Add(-time.Minute)
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		require.NoError(t, rs.Insert(ctx, &remote.Task{ID: id}))
	}
	_, err := m.PullPendingTasks(ctx, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		task, err := local.ClaimNext(ctx, "worker-1", time.Now())
		require.NoError(t, err)
		require.NoError(t, local.MarkCompleted(ctx, task.ID, "worker-1", nil, at))
	}

	since := at
	res, err := m.PushCompletedResults(ctx, &since)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
	assert.Len(t, rs.reported, 5)
}

func TestSyncLockPreventsOverlap(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	locker := lock.NewLocalLocker()
	m := NewManager(Config{}, local, newFakeRemote(), locker, nil, nil, zap.NewNop())

	unlock, ok, err := locker.TryLock(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.ForceSyncAll(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	unlock()
	res, err := m.ForceSyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.SyncManual, res.SyncType)
	assert.True(t, res.Success())
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	rs := newFakeRemote()
	m := newManager(local, rs, Config{HealthWindow: 5 * time.Minute})

	report := m.HealthCheck(ctx)
	assert.True(t, report.LocalStoreOK)
	assert.True(t, report.RemoteStoreOK)
	assert.False(t, report.RecentSyncOK)
	assert.False(t, report.Healthy())

	_, err := m.ForceSyncAll(ctx)
	require.NoError(t, err)
	report = m.HealthCheck(ctx)
	assert.True(t, report.Healthy())
	assert.Nil(t, report.Errors)
	require.NotNil(t, report.LastSync)

	rs.pingErr = errors.New("connection refused")
	report = m.HealthCheck(ctx)
	assert.False(t, report.RemoteStoreOK)
	assert.Contains(t, report.Errors["remote_store"], "connection refused")

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	rs.pingErr = nil
	report = m.HealthCheck(ctx)
	assert.False(t, report.RecentSyncOK)
}
