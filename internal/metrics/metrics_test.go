package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSync(true, time.Second)
	m.AddSynced("programs", 3)
	m.AddDropped(1)
	m.ObservePush("note", false)
	m.SetOutboxPending(2)
	m.ObserveAudit("queued")
	m.SetAuditQueueDepth(4)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveSync(true, 2*time.Second)
	m.ObserveSync(false, time.Second)
	m.AddSynced("enrollments", 5)
	m.AddDropped(2)
	m.ObservePush("note", true)
	m.ObserveAudit("queued")
	m.SetAuditQueueDepth(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncCycles.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncCycles.WithLabelValues("failure")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.syncRecords.WithLabelValues("enrollments")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxPushes.WithLabelValues("note", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.auditQueueDepth))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.AddDropped(1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "fieldsync_sync_dropped_total 1")
}
