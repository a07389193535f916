package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.TaskSubmitted("sge")
	m.TaskSubmitted("sge")
	m.TaskDeferred()
	m.SubmitFailed("lsf")
	m.RPCHandled("task_started", true)
	m.ClusterCommandFinished("scalecluster", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted.WithLabelValues("sge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deferred))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submitErrors.WithLabelValues("lsf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcRequests.WithLabelValues("task_started", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clusterCommands.WithLabelValues("scalecluster", "1")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()

	m.SetTaskCounts(map[string]int64{"CREATED": 3, "SUCCESS": 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tasks.WithLabelValues("CREATED")))

	all := []string{"stopped", "starting", "sleeping"}
	m.SetClusterState("starting", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clusterState.WithLabelValues("starting")))
	m.SetClusterState("sleeping", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.clusterState.WithLabelValues("starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clusterState.WithLabelValues("sleeping")))
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskSubmitted("local")
		m.TaskDeferred()
		m.SetTaskCounts(map[string]int64{"CREATED": 1})
		m.SetClusterState("dead", []string{"dead"})
		m.NodeDisappeared()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.TaskSubmitted("local")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wingman_scheduler_submitted_total{backend="local"} 1`)
}
