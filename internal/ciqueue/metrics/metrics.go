package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const MetricPrefix = "ciqueue_"

// Metrics holds the counters of one ciqueue process. Each instance has its own registry so that tests and the
// pushgateway see only the metrics of this process.
type Metrics struct {
	registry *prometheus.Registry
	status   *WorkerStatusCollector

	claimed        prometheus.Counter
	acked          *prometheus.CounterVec
	requeued       prometheus.Counter
	released       prometheus.Counter
	leaseConflicts prometheus.Counter
	storeRetries   *prometheus.CounterVec
	testDuration   prometheus.Histogram
}

func New(workerId string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		status:   NewWorkerStatusCollector(workerId),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "tests_claimed_total",
			Help: "Number of tests claimed from the queue by this worker.",
		}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "tests_acked_total",
			Help: "Number of tests acknowledged by this worker, by final status.",
		}, []string{"status"}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "tests_requeued_total",
			Help: "Number of failed tests this worker pushed back to the queue.",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "tests_released_total",
			Help: "Number of tests returned unresolved when the circuit breaker tripped.",
		}),
		leaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "tests_lease_conflicts_total",
			Help: "Number of results discarded because another worker reclaimed the lease.",
		}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "store_retries_total",
			Help: "Number of retried queue store operations.",
		}, []string{"op"}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPrefix + "test_duration_seconds",
			Help:    "Duration of test executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	m.registry.MustRegister(
		m.status,
		m.claimed,
		m.acked,
		m.requeued,
		m.released,
		m.leaseConflicts,
		m.storeRetries,
		m.testDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Gatherer gathers the metrics of this worker together with the process-wide ones of the default registry,
// which is where log line counts are kept.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}
}

func (m *Metrics) Status() *WorkerStatusCollector {
	return m.status
}

func (m *Metrics) RecordClaim() {
	m.claimed.Inc()
}

func (m *Metrics) RecordAck(status string, duration time.Duration) {
	m.acked.WithLabelValues(status).Inc()
	m.testDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRequeue(duration time.Duration) {
	m.requeued.Inc()
	m.testDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRelease() {
	m.released.Inc()
}

func (m *Metrics) RecordLeaseConflict() {
	m.leaseConflicts.Inc()
}

func (m *Metrics) RecordStoreRetry(op string) {
	m.storeRetries.WithLabelValues(op).Inc()
}

// Push sends every metric of this process to a prometheus pushgateway, grouped by build and worker.
func (m *Metrics) Push(gatewayUrl string, job string, grouping map[string]string) error {
	pusher := push.New(gatewayUrl, job).Gatherer(m.Gatherer())
	for name, value := range grouping {
		if value != "" {
			pusher = pusher.Grouping(name, value)
		}
	}
	return errors.Wrapf(pusher.Push(), "error pushing metrics to %s", gatewayUrl)
}
