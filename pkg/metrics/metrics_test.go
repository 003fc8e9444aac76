package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Records(t *testing.T) {
	c := NewCollector()

	c.RecordNode("log", "completed", time.Second)
	c.RecordNode("log", "completed", time.Second)
	c.RecordNode("log", "failed", time.Second)
	c.RecordRunStatus("running")
	c.SetQueue(3, true)
	c.RecordHTTPRequest("GET", "/queue", 200, time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(c.NodeExecutions.WithLabelValues("log", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.NodeExecutions.WithLabelValues("log", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.RunTransitions.WithLabelValues("running")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.QueueDepth), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.SlotHeld), 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipestudio_node_executions_total")
	assert.Contains(t, rec.Body.String(), `pipestudio_http_requests_total{method="GET",path="/queue",status_code="200"} 1`)
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordNode("log", "completed", time.Second)
		c.RecordRunStatus("failed")
		c.SetQueue(1, false)
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	})
}
