package remote

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tasksync/internal/blob"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(Config{
		Driver:      DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "remote.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &Task{Kind: "message", Payload: blob.MustEncode(map[string]string{"to": "x"})}
	require.NoError(t, s.Insert(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusPending, task.Status)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "message", got.Kind)
	assert.JSONEq(t, `{"to":"x"}`, got.Payload.String())

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchPendingFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	rows := []*Task{
		{ID: "a", Status: StatusPending, CreatedAt: base, UpdatedAt: base},
		{ID: "b", Status: StatusAssigned, CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)},
		{ID: "c", Status: StatusCompleted, CreatedAt: base.Add(2 * time.Minute), UpdatedAt: base.Add(2 * time.Minute)},
		{ID: "d", Status: StatusPending, CreatedAt: base.Add(3 * time.Minute), UpdatedAt: base.Add(3 * time.Minute)},
	}
	for _, row := range rows {
		require.NoError(t, s.Insert(ctx, row))
	}

	all, err := s.FetchPending(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "d"}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := s.FetchPending(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.FetchPending(ctx, &Cursor{UpdatedAt: time.Now().Add(time.Hour)}, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	fromB, err := s.FetchPending(ctx, &Cursor{UpdatedAt: base.Add(time.Minute)}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d"}, ids(fromB))
}

func TestFetchPendingPagesThroughTiedTimestamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ts := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	for _, id := range []string{"t3", "t1", "t2", "t4"} {
		require.NoError(t, s.Insert(ctx, &Task{ID: id, CreatedAt: ts, UpdatedAt: ts}))
	}

	var (
		seen  []string
		after *Cursor
	)
	for page := 0; page < 5; page++ {
		rows, err := s.FetchPending(ctx, after, 3)
		require.NoError(t, err)
		seen = append(seen, ids(rows)...)
		if len(rows) < 3 {
			break
		}
		last := rows[len(rows)-1]
		after = &Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, seen)
}

func ids(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}

func TestReportResult(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	task := &Task{ID: "r1"}
	require.NoError(t, s.Insert(ctx, task))

	completedAt := time.Now().UTC()
	require.NoError(t, s.ReportResult(ctx, Result{
		TaskID:      "r1",
		Status:      StatusCompleted,
		Result:      blob.MustEncode(map[string]string{"message_id": "m-1"}),
		CompletedAt: &completedAt,
		WorkerID:    "worker-1",
	}))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.JSONEq(t, `{"message_id":"m-1"}`, got.Result.String())
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "worker-1", *got.WorkerID)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	pending, err := s.FetchPending(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = s.ReportResult(ctx, Result{TaskID: "missing", Status: StatusFailed, ErrorMessage: "boom"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
