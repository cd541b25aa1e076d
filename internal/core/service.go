// Package core implements the lot store: the shared occupancy and
// reservation state every protocol channel operates on. All mutation is
// serialized per lot; expired reservations are swept lazily from inside
// already-locked operations.
package core

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/parkd/internal/clock"
	"pkt.systems/parkd/internal/loggingutil"
)

// DefaultReservationTTL is the lifetime of a reservation when the
// configuration does not specify one.
const DefaultReservationTTL = 300 * time.Second

// Config carries the dependencies and tunables for the lot store.
type Config struct {
	Lots           []LotConfig
	ReservationTTL time.Duration
	Logger         pslog.Logger
	Clock          clock.Clock
	Publisher      Publisher
	Registerer     prometheus.Registerer
}

// Service owns the lot table. One exclusive lock guards each lot, so
// operations on different lots never contend. Every public operation sweeps
// the lot's expired reservations before acting, while already holding the
// lot's lock.
type Service struct {
	lots      map[string]*lot
	order     []string
	ttl       time.Duration
	logger    pslog.Logger
	clock     clock.Clock
	publisher Publisher
	metrics   *storeMetrics
}

// New constructs the lot store from configuration. Lot ids must be unique
// and capacities positive; initial occupancy is clamped to [0, capacity].
func New(cfg Config) (*Service, error) {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	s := &Service{
		lots:      make(map[string]*lot, len(cfg.Lots)),
		order:     make([]string, 0, len(cfg.Lots)),
		ttl:       ttl,
		logger:    logger,
		clock:     clk,
		publisher: cfg.Publisher,
		metrics:   newStoreMetrics(),
	}
	for _, lc := range cfg.Lots {
		if lc.ID == "" {
			return nil, fmt.Errorf("core: lot with empty id")
		}
		if lc.Capacity <= 0 {
			return nil, fmt.Errorf("core: lot %q capacity must be positive, got %d", lc.ID, lc.Capacity)
		}
		if _, exists := s.lots[lc.ID]; exists {
			return nil, fmt.Errorf("core: duplicate lot id %q", lc.ID)
		}
		occupied := lc.Occupied
		if occupied < 0 {
			occupied = 0
		}
		if occupied > lc.Capacity {
			occupied = lc.Capacity
		}
		s.lots[lc.ID] = &lot{
			id:           lc.ID,
			capacity:     lc.Capacity,
			occupied:     occupied,
			reservations: make(map[string]Reservation),
		}
		s.order = append(s.order, lc.ID)
		s.metrics.lotFree.WithLabelValues(lc.ID).Set(float64(lc.Capacity - occupied))
	}
	if cfg.Registerer != nil {
		if err := s.metrics.register(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("core: register metrics: %w", err)
		}
	}
	logger.Info("store.initialized", "lots", len(s.lots), "reservation_ttl", ttl.String())
	return s, nil
}

// ReservationTTL returns the configured reservation lifetime.
func (s *Service) ReservationTTL() time.Duration {
	return s.ttl
}

// Has reports whether lotID is configured.
func (s *Service) Has(lotID string) bool {
	_, ok := s.lots[lotID]
	return ok
}

// LotIDs returns the configured lot ids in configuration order.
func (s *Service) LotIDs() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

func (s *Service) publish(lotID string, free int, at time.Time) {
	s.metrics.lotFree.WithLabelValues(lotID).Set(float64(free))
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(lotID, free, at)
}
