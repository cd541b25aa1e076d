package core

import (
	"sync"
	"time"

	"pkt.systems/pslog"
)

type lot struct {
	mu           sync.Mutex
	id           string
	capacity     int
	occupied     int
	reservations map[string]Reservation
}

// freeLocked computes the derived free count. Caller holds l.mu. The value
// is clamped at zero: sensor-reported occupancy can momentarily collide
// with reservations taken before the cars arrived.
func (l *lot) freeLocked() int {
	free := l.capacity - l.occupied - len(l.reservations)
	if free < 0 {
		return 0
	}
	return free
}

// sweepExpiredLocked purges reservations whose expiry has passed. It is a
// private step of every public operation and never takes the lock itself;
// the caller already holds l.mu.
func (l *lot) sweepExpiredLocked(now time.Time, logger pslog.Logger, metrics *storeMetrics) int {
	removed := 0
	for plate, res := range l.reservations {
		if res.ExpiresAt.After(now) {
			continue
		}
		delete(l.reservations, plate)
		removed++
		metrics.reservationsExpired.Inc()
		logger.Info("reservation.expired", "lot", l.id, "plate", plate)
	}
	return removed
}

// Snapshot sweeps expired reservations for the lot and returns a consistent
// view taken under the lot's lock. An expiry-driven free-count change
// observed here is published like any other mutation.
func (s *Service) Snapshot(lotID string) (Snapshot, error) {
	l, ok := s.lots[lotID]
	if !ok {
		return Snapshot{}, UnknownLot(lotID)
	}
	snap, changed := s.snapshotLot(l)
	if changed.publish {
		s.publish(l.id, changed.free, changed.at)
	}
	return snap, nil
}

// Snapshots returns one snapshot per configured lot, in configuration
// order. Each lot sweeps its own expired reservations first.
func (s *Service) Snapshots() []Snapshot {
	snaps := make([]Snapshot, 0, len(s.order))
	for _, id := range s.order {
		l := s.lots[id]
		snap, changed := s.snapshotLot(l)
		if changed.publish {
			s.publish(l.id, changed.free, changed.at)
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

type freeChange struct {
	publish bool
	free    int
	at      time.Time
}

func (s *Service) snapshotLot(l *lot) (Snapshot, freeChange) {
	now := s.clock.Now()
	l.mu.Lock()
	before := l.freeLocked()
	l.sweepExpiredLocked(now, s.logger, s.metrics)
	after := l.freeLocked()
	snap := Snapshot{
		ID:       l.id,
		Capacity: l.capacity,
		Occupied: l.occupied,
		Free:     after,
	}
	l.mu.Unlock()
	return snap, freeChange{publish: before != after, free: after, at: now}
}

// Reserve attempts to hold a spot for plate. The check-then-insert runs
// entirely under the lot's lock, so two concurrent attempts can never both
// observe the same pre-mutation free count and both succeed.
func (s *Service) Reserve(lotID, plate string) (ReserveStatus, error) {
	l, ok := s.lots[lotID]
	if !ok {
		return ReserveFull, UnknownLot(lotID)
	}
	now := s.clock.Now()
	l.mu.Lock()
	before := l.freeLocked()
	l.sweepExpiredLocked(now, s.logger, s.metrics)

	_, held := l.reservations[plate]
	var status ReserveStatus
	switch {
	case held:
		status = ReserveExists
	case l.freeLocked() <= 0:
		status = ReserveFull
	default:
		l.reservations[plate] = Reservation{
			LotID:     lotID,
			Plate:     plate,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		status = ReserveOK
	}
	after := l.freeLocked()
	l.mu.Unlock()

	switch status {
	case ReserveOK:
		s.metrics.reservationsCreated.Inc()
		s.logger.Info("reservation.created", "lot", lotID, "plate", plate, "free", after)
	case ReserveFull:
		s.metrics.reserveRejected.WithLabelValues("full").Inc()
		s.logger.Debug("reservation.rejected", "lot", lotID, "plate", plate, "reason", "full")
	case ReserveExists:
		s.metrics.reserveRejected.WithLabelValues("exists").Inc()
		s.logger.Debug("reservation.rejected", "lot", lotID, "plate", plate, "reason", "exists")
	}
	if before != after {
		s.publish(lotID, after, now)
	}
	return status, nil
}

// Cancel removes the plate's reservation if present. Cancelling twice in a
// row yields true then false.
func (s *Service) Cancel(lotID, plate string) (bool, error) {
	l, ok := s.lots[lotID]
	if !ok {
		return false, UnknownLot(lotID)
	}
	now := s.clock.Now()
	l.mu.Lock()
	before := l.freeLocked()
	l.sweepExpiredLocked(now, s.logger, s.metrics)
	_, held := l.reservations[plate]
	if held {
		delete(l.reservations, plate)
	}
	after := l.freeLocked()
	l.mu.Unlock()

	if held {
		s.metrics.reservationsCancelled.Inc()
		s.logger.Info("reservation.cancelled", "lot", lotID, "plate", plate, "free", after)
	}
	if before != after {
		s.publish(lotID, after, now)
	}
	return held, nil
}

// ApplyDelta adds a sensor-reported occupancy delta to the lot, clamping
// occupancy into [0, capacity], and returns the free count before and after.
// An unknown lot is logged and acknowledged as a no-op; sensors never need
// to distinguish "unknown lot" from "applied".
func (s *Service) ApplyDelta(lotID string, delta int) (oldFree, newFree int, applied bool) {
	l, ok := s.lots[lotID]
	if !ok {
		s.metrics.sensorUnknownLot.Inc()
		s.logger.Warn("sensor.unknown_lot", "lot", lotID, "delta", delta)
		return 0, 0, false
	}
	now := s.clock.Now()
	l.mu.Lock()
	before := l.freeLocked()
	l.sweepExpiredLocked(now, s.logger, s.metrics)
	l.occupied += delta
	if l.occupied < 0 {
		l.occupied = 0
	}
	if l.occupied > l.capacity {
		l.occupied = l.capacity
	}
	occupied := l.occupied
	after := l.freeLocked()
	l.mu.Unlock()

	s.metrics.sensorDeltas.Inc()
	s.logger.Info("occupancy.updated", "lot", lotID, "delta", delta, "occupied", occupied, "free", after)
	if before != after {
		s.publish(lotID, after, now)
	}
	return before, after, true
}
