package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/ciqueue/internal/common/logging"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("worker-1")
	m.RecordClaim()
	m.RecordClaim()
	m.RecordAck("passed", time.Second)
	m.RecordAck("failed", time.Second)
	m.RecordAck("passed", time.Second)
	m.RecordRequeue(time.Second)
	m.RecordRelease()
	m.RecordLeaseConflict()
	m.RecordStoreRetry("claim")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.claimed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.acked.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acked.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requeued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.released))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaseConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeRetries.WithLabelValues("claim")))
}

func TestWorkerStatusCollector(t *testing.T) {
	collector := NewWorkerStatusCollector("worker-1")
	collector.SetLeader(true)
	collector.SetState("running")

	expected := `
# HELP ciqueue_worker_leader Gauge of if this worker populated the queue, 0 indicates follower, 1 indicates leader.
# TYPE ciqueue_worker_leader gauge
ciqueue_worker_leader{worker="worker-1"} 1
# HELP ciqueue_worker_state Gauge set to 1 for the current state of the worker loop.
# TYPE ciqueue_worker_state gauge
ciqueue_worker_state{state="running",worker="worker-1"} 1
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected))
	assert.NoError(t, err)
}

func TestMetrics_Push(t *testing.T) {
	var path string
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New("worker-1")
	m.RecordClaim()
	err := m.Push(server.URL, "ciqueue", map[string]string{"build": "b1", "worker": ""})
	require.NoError(t, err)
	assert.Equal(t, "/metrics/job/ciqueue/build/b1", path)
	assert.NotEmpty(t, body)
}

func TestMetrics_PushIncludesLogCounts(t *testing.T) {
	if err := logging.RegisterPrometheusHook(); err != nil {
		t.Logf("log hook already registered: %s", err)
	}
	log.Warn("counted")

	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New("worker-1")
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "log_messages")
	assert.Contains(t, names, MetricPrefix+"tests_claimed_total")

	require.NoError(t, m.Push(server.URL, "ciqueue", map[string]string{"worker": "worker-1"}))
	assert.Contains(t, body, "log_messages")
}
