package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	leaderStatusDesc = prometheus.NewDesc(
		MetricPrefix+"worker_leader",
		"Gauge of if this worker populated the queue, 0 indicates follower, 1 indicates leader.",
		[]string{"worker"}, nil,
	)
	workerStateDesc = prometheus.NewDesc(
		MetricPrefix+"worker_state",
		"Gauge set to 1 for the current state of the worker loop.",
		[]string{"worker", "state"}, nil,
	)
)

type WorkerStatusCollector struct {
	workerId string
	leader   bool
	state    string
	lock     sync.Mutex
}

func NewWorkerStatusCollector(workerId string) *WorkerStatusCollector {
	return &WorkerStatusCollector{
		workerId: workerId,
		state:    "idle",
	}
}

func (c *WorkerStatusCollector) SetLeader(leader bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.leader = leader
}

func (c *WorkerStatusCollector) SetState(state string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.state = state
}

func (c *WorkerStatusCollector) snapshot() (bool, string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.leader, c.state
}

func (c *WorkerStatusCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- leaderStatusDesc
	desc <- workerStateDesc
}

func (c *WorkerStatusCollector) Collect(metrics chan<- prometheus.Metric) {
	leader, state := c.snapshot()
	value := float64(0)
	if leader {
		value = 1
	}
	metrics <- prometheus.MustNewConstMetric(leaderStatusDesc, prometheus.GaugeValue, value, c.workerId)
	metrics <- prometheus.MustNewConstMetric(workerStateDesc, prometheus.GaugeValue, 1, c.workerId, state)
}
