// Package pubsub implements the subscription engine: a lot-keyed registry
// of subscribers, each with its own bounded event queue and delivery
// channel. Publishing never blocks; when a subscriber's queue is full the
// oldest queued event is discarded in favor of the new one, so a slow
// consumer only ever loses history, never freshness.
package pubsub

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/parkd/api"
	"pkt.systems/parkd/internal/core"
	"pkt.systems/parkd/internal/loggingutil"
)

// DefaultQueueSize bounds each subscriber's event queue when the
// configuration does not specify one.
const DefaultQueueSize = 100

// LotChecker reports whether a lot id is configured. *core.Service
// satisfies it.
type LotChecker interface {
	Has(lotID string) bool
}

// Config carries the engine's dependencies and tunables.
type Config struct {
	Lots       LotChecker
	QueueSize  int
	Logger     pslog.Logger
	Registerer prometheus.Registerer
}

// Engine maintains the lot to subscriber-set mapping. The registry lock is
// held only to mutate or snapshot the mapping, never across per-subscriber
// enqueue work.
type Engine struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Subscription
	byLot  map[string]map[int64]*Subscription

	lots     LotChecker
	queueCap int
	logger   pslog.Logger
	metrics  *engineMetrics
}

// Subscription is one subscriber's registration. Events are delivered in
// FIFO order on Events; Done is closed when the subscription is removed.
type Subscription struct {
	ID    int64
	LotID string

	events chan api.Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan api.Event {
	return s.events
}

// Done is closed when the subscription has been unsubscribed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// New constructs the engine.
func New(cfg Config) *Engine {
	queueCap := cfg.QueueSize
	if queueCap <= 0 {
		queueCap = DefaultQueueSize
	}
	e := &Engine{
		byID:     make(map[int64]*Subscription),
		byLot:    make(map[string]map[int64]*Subscription),
		lots:     cfg.Lots,
		queueCap: queueCap,
		logger:   loggingutil.EnsureLogger(cfg.Logger),
		metrics:  newEngineMetrics(),
	}
	if cfg.Registerer != nil {
		if err := e.metrics.register(cfg.Registerer); err != nil {
			e.logger.Warn("pubsub.metrics_register_failed", "error", err)
		}
	}
	return e
}

// BindLots installs the lot validator after construction. The engine and
// the lot store reference each other, so whichever is built second is bound
// here before the server starts accepting subscribers.
func (e *Engine) BindLots(lots LotChecker) {
	e.mu.Lock()
	e.lots = lots
	e.mu.Unlock()
}

// Subscribe validates the lot and registers a new subscriber with a fresh
// bounded queue and a unique id.
func (e *Engine) Subscribe(lotID string) (*Subscription, error) {
	e.mu.Lock()
	lots := e.lots
	e.mu.Unlock()
	if lots != nil && !lots.Has(lotID) {
		return nil, core.UnknownLot(lotID)
	}
	sub := &Subscription{
		LotID:  lotID,
		events: make(chan api.Event, e.queueCap),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.nextID++
	sub.ID = e.nextID
	e.byID[sub.ID] = sub
	lotSubs := e.byLot[lotID]
	if lotSubs == nil {
		lotSubs = make(map[int64]*Subscription)
		e.byLot[lotID] = lotSubs
	}
	lotSubs[sub.ID] = sub
	active := len(e.byID)
	e.mu.Unlock()

	e.metrics.activeSubscribers.Set(float64(active))
	e.logger.Info("pubsub.subscribed", "subscription", sub.ID, "lot", lotID)
	return sub, nil
}

// Unsubscribe removes the registration if present. It is also invoked
// implicitly when a subscriber's connection closes or a delivery write
// fails.
func (e *Engine) Unsubscribe(id int64) bool {
	e.mu.Lock()
	sub, ok := e.byID[id]
	if ok {
		delete(e.byID, id)
		if lotSubs := e.byLot[sub.LotID]; lotSubs != nil {
			delete(lotSubs, id)
			if len(lotSubs) == 0 {
				delete(e.byLot, sub.LotID)
			}
		}
	}
	active := len(e.byID)
	e.mu.Unlock()

	if !ok {
		return false
	}
	sub.close()
	e.metrics.activeSubscribers.Set(float64(active))
	e.logger.Info("pubsub.unsubscribed", "subscription", id, "lot", sub.LotID)
	return true
}

// Publish fans an event out to every subscriber registered for the lot.
// The registry lock is released before any enqueue; enqueue itself never
// blocks. On a full queue the oldest event is dropped and a warning logged.
func (e *Engine) Publish(lotID string, free int, at time.Time) {
	e.mu.Lock()
	lotSubs := e.byLot[lotID]
	if len(lotSubs) == 0 {
		e.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(lotSubs))
	for _, sub := range lotSubs {
		targets = append(targets, sub)
	}
	e.mu.Unlock()

	event := api.Event{LotID: lotID, Free: free, Timestamp: at}
	for _, sub := range targets {
		e.enqueue(sub, event)
	}
}

func (e *Engine) enqueue(sub *Subscription, event api.Event) {
	select {
	case sub.events <- event:
		e.metrics.eventsPublished.Inc()
		return
	default:
	}
	// Queue full: discard the oldest queued event and retry once. The
	// retry can only fail if the delivery path drained the queue in
	// between, in which case the send succeeds on the next attempt.
	select {
	case <-sub.events:
		e.metrics.eventsDropped.Inc()
		e.logger.Warn("pubsub.drop_oldest", "subscription", sub.ID, "lot", sub.LotID)
	default:
	}
	select {
	case sub.events <- event:
		e.metrics.eventsPublished.Inc()
	default:
		e.metrics.eventsDropped.Inc()
		e.logger.Warn("pubsub.drop_event", "subscription", sub.ID, "lot", sub.LotID)
	}
}

// Active returns the number of registered subscriptions.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}
