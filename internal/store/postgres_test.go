package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TASKSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKSYNC_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.pool.Exec(ctx, `TRUNCATE tasks, execution_steps, sync_status, system_metrics`)
		s.Close()
	})
	_, err = s.pool.Exec(ctx, `TRUNCATE tasks, execution_steps, sync_status, system_metrics`)
	require.NoError(t, err)
	return s
}

func TestPostgresClaimSkipLocked(t *testing.T) {
	ctx := context.Background()
	s := newPostgresTestStore(t)

	_, err := s.UpsertFromRemote(ctx, pendingTask("pg-"+uuid.NewString()))
	require.NoError(t, err)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := s.ClaimNext(ctx, "worker-pg", time.Now())
			assert.NoError(t, err)
			if task != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestPostgresLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newPostgresTestStore(t)

	remoteID := "pg-" + uuid.NewString()
	task := claimOne(t, s, remoteID)
	require.NoError(t, s.ScheduleRetry(ctx, task.ID, "worker-1", time.Now()))

	written, err := s.UpsertFromRemote(ctx, pendingTask(remoteID))
	require.NoError(t, err)
	assert.False(t, written)

	claimed, err := s.ClaimNext(ctx, "worker-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.AppendSteps(ctx, []ExecutionStep{
		{TaskID: claimed.ID, Attempt: 2, Name: "precheck", Order: 1, Status: StepCompleted},
		{TaskID: claimed.ID, Attempt: 2, Name: "execute", Order: 2, Status: StepCompleted},
	}))
	require.NoError(t, s.MarkCompleted(ctx, claimed.ID, "worker-1", nil, time.Now()))

	steps, err := s.ListSteps(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	finished, err := s.ListFinished(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, StatusCompleted, finished[0].Status)
	assert.Equal(t, 1, finished[0].RetryCount)

	require.NoError(t, s.RecordSync(ctx, &SyncStatus{SyncType: SyncManual, Status: SyncCompleted}))
	last, err := s.LastSuccessfulSync(ctx)
	require.NoError(t, err)
	assert.NotNil(t, last)
}
