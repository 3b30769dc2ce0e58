package ethereum

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pool's node gauges.
type Metrics struct {
	nodes   *prometheus.GaugeVec
	healthy *prometheus.GaugeVec
	head    *prometheus.GaugeVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetricsInstance returns the process wide pool metrics. The namespace of
// the first call wins.
func GetMetricsInstance(namespace string) *Metrics {
	metricsOnce.Do(func() {
		gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
			return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
		}

		metricsInstance = &Metrics{
			nodes:   gauge("nodes_total", "Execution nodes in the pool by health", "status"),
			healthy: gauge("node_healthy", "Whether an execution node is serving traces (1) or not (0)", "node"),
			head:    gauge("node_head_block", "Latest block number reported by an execution node", "node"),
		}

		prometheus.MustRegister(metricsInstance.nodes, metricsInstance.healthy, metricsInstance.head)
	})

	return metricsInstance
}

func (m *Metrics) SetNodeCounts(healthy, unhealthy int) {
	if m == nil {
		return
	}

	m.nodes.WithLabelValues("healthy").Set(float64(healthy))
	m.nodes.WithLabelValues("unhealthy").Set(float64(unhealthy))
}

func (m *Metrics) SetNodeHealthy(node string, healthy bool) {
	if m == nil {
		return
	}

	v := 0.0
	if healthy {
		v = 1
	}

	m.healthy.WithLabelValues(node).Set(v)
}

func (m *Metrics) SetNodeHead(node string, head uint64) {
	if m == nil {
		return
	}

	m.head.WithLabelValues(node).Set(float64(head))
}
