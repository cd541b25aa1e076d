// Package ingest implements the sensor update pipeline: a bounded work
// queue fed by ingress connections and drained by a fixed worker pool.
// Acknowledgment happens at enqueue time, before mutation, so a burst of
// sensor traffic cannot stall the accepting goroutine; when the queue is
// full the enqueue blocks, which is the one place back-pressure is allowed
// to reach a network peer.
package ingest

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/parkd/internal/loggingutil"
)

const (
	// DefaultWorkers is the worker pool size when unconfigured.
	DefaultWorkers = 3
	// DefaultQueueSize bounds the shared work queue when unconfigured.
	DefaultQueueSize = 1024
)

// ErrStopped is returned by Enqueue once the pipeline has shut down.
var ErrStopped = errors.New("ingest: pipeline stopped")

// Store is the mutation target. *core.Service satisfies it.
type Store interface {
	ApplyDelta(lotID string, delta int) (oldFree, newFree int, applied bool)
}

// Config carries the pipeline's dependencies and tunables.
type Config struct {
	Store      Store
	Workers    int
	QueueSize  int
	Logger     pslog.Logger
	Registerer prometheus.Registerer
}

// Delta is one queued sensor update.
type Delta struct {
	LotID string
	Delta int
}

// Pipeline decouples socket reception from state mutation. Items are
// processed in FIFO order by the worker pool.
type Pipeline struct {
	store   Store
	queue   chan Delta
	workers int
	logger  pslog.Logger
	metrics *pipelineMetrics

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs the pipeline. Call Start to launch the worker pool.
func New(cfg Config) *Pipeline {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pipeline{
		store:   cfg.Store,
		queue:   make(chan Delta, queueSize),
		workers: workers,
		logger:  loggingutil.EnsureLogger(cfg.Logger),
		metrics: newPipelineMetrics(),
	}
	if cfg.Registerer != nil {
		if err := p.metrics.register(cfg.Registerer); err != nil {
			p.logger.Warn("ingest.metrics_register_failed", "error", err)
		}
	}
	p.done = make(chan struct{})
	return p
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("ingest.started", "workers", p.workers, "queue_size", cap(p.queue))
}

// Enqueue pushes one sensor delta onto the work queue, blocking while the
// queue is at capacity. It returns ErrStopped after Stop.
func (p *Pipeline) Enqueue(lotID string, delta int) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.queue <- Delta{LotID: lotID, Delta: delta}:
		p.metrics.enqueued.Inc()
		return nil
	case <-p.done:
		return ErrStopped
	}
}

// Stop terminates the worker pool and waits for in-flight items to finish.
// Queued but unprocessed items are discarded.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// Depth reports the number of queued, unprocessed items.
func (p *Pipeline) Depth() int {
	return len(p.queue)
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	for {
		select {
		case item := <-p.queue:
			oldFree, newFree, applied := p.store.ApplyDelta(item.LotID, item.Delta)
			p.metrics.applied.Inc()
			if applied && oldFree != newFree {
				logger.Debug("ingest.free_changed", "lot", item.LotID, "old_free", oldFree, "new_free", newFree)
			}
		case <-p.done:
			return
		}
	}
}
