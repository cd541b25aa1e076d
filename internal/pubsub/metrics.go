package pubsub

import "github.com/prometheus/client_golang/prometheus"

type engineMetrics struct {
	eventsPublished   prometheus.Counter
	eventsDropped     prometheus.Counter
	activeSubscribers prometheus.Gauge
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_pubsub_events_published_total",
			Help: "Events enqueued onto subscriber queues.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_pubsub_events_dropped_total",
			Help: "Events discarded by the drop-oldest back-pressure policy.",
		}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parkd_pubsub_subscribers",
			Help: "Currently registered subscriptions.",
		}),
	}
}

func (m *engineMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.eventsPublished, m.eventsDropped, m.activeSubscribers} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
