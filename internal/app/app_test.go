package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tasksync/internal/blob"
	"tasksync/internal/config"
	"tasksync/internal/remote"
	"tasksync/internal/store"
	"tasksync/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testService struct {
	*Service
	local  *store.SQLiteStore
	remote *remote.GormStore
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	dir := t.TempDir()

	local, err := store.NewSQLiteStore(filepath.Join(dir, "local.db"))
	require.NoError(t, err)
	remoteStore, err := remote.Open(remote.Config{
		Driver:      remote.DriverSQLite,
		DSN:         filepath.Join(dir, "remote.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Remote.Driver = remote.DriverSQLite
	cfg.Remote.DSN = filepath.Join(dir, "remote.db")
	cfg.Worker.ID = "worker-app"
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.MemoryLimitMB = 0
	cfg.Sync.Interval = 50 * time.Millisecond
	cfg.Heartbeat.Interval = 20 * time.Millisecond

	registry := worker.NewRegistry()
	registry.Register("echo", worker.EchoBackend())

	svc := New(cfg, Components{Local: local, Remote: remoteStore, Backend: registry}, zap.NewNop())
	t.Cleanup(func() { svc.Close() })

	return &testService{Service: svc, local: local, remote: remoteStore}
}

func TestRoundTripThroughService(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := svc.Enqueue(ctx, TaskSpec{Kind: "echo", Payload: blob.MustEncode(map[string]int{"n": i})})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	run, err := svc.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, run.Success())
	assert.Equal(t, 3, run.Pulled.Processed)

	for i := 0; i < 3; i++ {
		ran, err := svc.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}

	run, err = svc.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Pushed.Processed)

	for i, id := range ids {
		got, err := svc.remote.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, remote.StatusCompleted, got.Status)
		assert.JSONEq(t, fmt.Sprintf(`{"echo":{"n":%d}}`, i), got.Result.String())
		require.NotNil(t, got.WorkerID)
		assert.Equal(t, "worker-app", *got.WorkerID)
	}

	stats, err := svc.GetSystemStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Tasks[store.StatusCompleted])
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 100.0, stats.SuccessRate)
	require.NotNil(t, stats.LastSync)
	assert.Equal(t, store.SyncIncremental, stats.LastSync.SyncType)
	assert.GreaterOrEqual(t, stats.MemoryUsageMB, 0.0)
	assert.EqualValues(t, 3, stats.Session.Succeeded)

	report := svc.HealthCheck(ctx)
	assert.True(t, report.Healthy(), "%+v", report.Errors)
}

func TestHealthCheckWithoutSync(t *testing.T) {
	svc := newTestService(t)
	report := svc.HealthCheck(context.Background())
	assert.True(t, report.LocalStoreOK)
	assert.True(t, report.RemoteStoreOK)
	assert.False(t, report.RecentSyncOK)
	assert.False(t, report.Healthy())
}

func TestCancelPendingTask(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	first, err := svc.Enqueue(ctx, TaskSpec{Kind: "echo"})
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, TaskSpec{Kind: "echo"})
	require.NoError(t, err)
	_, err = svc.ForceSyncAll(ctx)
	require.NoError(t, err)

	claimed, err := svc.local.ClaimNext(ctx, "other-worker", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.ErrorIs(t, svc.CancelTask(ctx, claimed.ID), store.ErrInvalidTransition)

	pendingRemoteID := first.ID
	if claimed.RemoteTaskID == first.ID {
		pendingRemoteID = second.ID
	}
	pending, err := svc.local.GetTaskByRemoteID(ctx, pendingRemoteID)
	require.NoError(t, err)
	require.NoError(t, svc.CancelTask(ctx, pending.ID))

	got, steps, err := svc.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Empty(t, steps)

	assert.ErrorIs(t, svc.CancelTask(ctx, "missing"), store.ErrNotFound)
}

func TestRunProcessesAndShutsDownCleanly(t *testing.T) {
	svc := newTestService(t)

	task, err := svc.Enqueue(context.Background(), TaskSpec{Kind: "echo", Payload: blob.MustEncode(map[string]string{"k": "v"})})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := svc.remote.Get(context.Background(), task.ID)
		return err == nil && got.Status == remote.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}

	metrics, err := svc.local.ListMetrics(context.Background(), "worker-app", 100)
	require.NoError(t, err)
	require.NotEmpty(t, metrics)
	assert.Equal(t, 0, metrics[0].ActiveTasks)

	health := svc.HealthCheck(context.Background())
	assert.True(t, health.RecentSyncOK)
}

func TestEnqueueLines(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	producer := svc.Producer()

	input := `{"kind":"echo","payload":{"n":1}}

{"kind":"echo","payload":{"n":2},"scheduled_at":"2030-01-01T00:00:00Z"}
`
	n, err := producer.EnqueueLines(ctx, strings.NewReader(input), true)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = producer.EnqueueLines(ctx, strings.NewReader(input), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := svc.remote.FetchPending(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = producer.EnqueueLines(ctx, strings.NewReader(`{"payload":{}}`), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
