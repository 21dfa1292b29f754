package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveTaskFeedsTracker(t *testing.T) {
	c := New()
	c.ObserveTask(OutcomeCompleted, time.Second)
	c.ObserveTask(OutcomeRetried, time.Second)
	c.ObserveTask(OutcomeFailed, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksTotal.WithLabelValues(OutcomeFailed)))

	status := c.GetProgressTracker().GetStatus()
	assert.EqualValues(t, 3, status.Processed)
	assert.EqualValues(t, 1, status.Retried)
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncSyncRun("manual", "completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.syncRunsTotal.WithLabelValues("manual", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.syncRunsTotal.WithLabelValues("manual", "completed")))
}

func TestHeartbeatAndSyncedRows(t *testing.T) {
	c := New()
	c.ObserveHeartbeat(42, nil)
	c.ObserveHeartbeat(0, errors.New("disk full"))
	c.AddSyncedRows("pull", 3, 1)

	assert.Equal(t, 42.0, testutil.ToFloat64(c.memoryMB))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeatsTotal.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.syncedRowsTotal.WithLabelValues("pull", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncedRowsTotal.WithLabelValues("pull", "error")))
}

func TestHandler(t *testing.T) {
	c := New()
	c.SetInflightTasks(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tasksync_inflight_tasks 2")
}
