package ingest

import "github.com/prometheus/client_golang/prometheus"

type pipelineMetrics struct {
	enqueued prometheus.Counter
	applied  prometheus.Counter
}

func newPipelineMetrics() *pipelineMetrics {
	return &pipelineMetrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_ingest_enqueued_total",
			Help: "Sensor deltas accepted onto the work queue.",
		}),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_ingest_applied_total",
			Help: "Sensor deltas processed by the worker pool.",
		}),
	}
}

func (m *pipelineMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.enqueued, m.applied} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
