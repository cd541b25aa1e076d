package core

import "github.com/prometheus/client_golang/prometheus"

type storeMetrics struct {
	reservationsCreated   prometheus.Counter
	reservationsCancelled prometheus.Counter
	reservationsExpired   prometheus.Counter
	reserveRejected       *prometheus.CounterVec
	sensorDeltas          prometheus.Counter
	sensorUnknownLot      prometheus.Counter
	lotFree               *prometheus.GaugeVec
}

func newStoreMetrics() *storeMetrics {
	return &storeMetrics{
		reservationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_reservations_created_total",
			Help: "Reservations successfully created.",
		}),
		reservationsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_reservations_cancelled_total",
			Help: "Reservations removed by explicit cancel.",
		}),
		reservationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_reservations_expired_total",
			Help: "Reservations purged by the lazy expiry sweep.",
		}),
		reserveRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkd_reserve_rejected_total",
			Help: "Reservation attempts rejected by outcome.",
		}, []string{"reason"}),
		sensorDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_sensor_deltas_total",
			Help: "Sensor occupancy deltas applied.",
		}),
		sensorUnknownLot: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_sensor_unknown_lot_total",
			Help: "Sensor updates acknowledged as no-ops for unconfigured lots.",
		}),
		lotFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parkd_lot_free",
			Help: "Current free-spot count per lot.",
		}, []string{"lot"}),
	}
}

func (m *storeMetrics) register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.reservationsCreated,
		m.reservationsCancelled,
		m.reservationsExpired,
		m.reserveRejected,
		m.sensorDeltas,
		m.sensorUnknownLot,
		m.lotFree,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
