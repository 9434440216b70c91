package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess   = "success"
	resultFailure   = "failure"
	resultCancelled = "cancelled"
)

type metrics struct {
	pending      prometheus.Gauge
	running      prometheus.Gauge
	deduplicated prometheus.Counter
	settled      *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "campadmin",
			Subsystem: "coordinator",
			Name:      "pending",
			Help:      "Requests waiting for a concurrency slot.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "campadmin",
			Subsystem: "coordinator",
			Name:      "running",
			Help:      "Requests currently executing.",
		}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "campadmin",
			Subsystem: "coordinator",
			Name:      "deduplicated_total",
			Help:      "Requests that attached to an outstanding request with the same key.",
		}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campadmin",
			Subsystem: "coordinator",
			Name:      "settled_total",
			Help:      "Requests that reached a final state, by result.",
		}, []string{"result"}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{m.pending, m.running, m.deduplicated, m.settled}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			// Leave the registry as it was so registration can be retried.
			for _, registered := range collectors[:i] {
				reg.Unregister(registered)
			}
			return err
		}
	}
	return nil
}
