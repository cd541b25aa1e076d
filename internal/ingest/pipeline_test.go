package ingest

import (
	"sync"
	"testing"
	"time"
)

type recordingStore struct {
	mu     sync.Mutex
	deltas []Delta
	block  chan struct{}
}

func (s *recordingStore) ApplyDelta(lotID string, delta int) (int, int, bool) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.deltas = append(s.deltas, Delta{LotID: lotID, Delta: delta})
	s.mu.Unlock()
	return 1, 0, true
}

func (s *recordingStore) Applied() []Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delta, len(s.deltas))
	copy(out, s.deltas)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPipelineAppliesQueuedDeltas(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	pipeline := New(Config{Store: store, Workers: 3, QueueSize: 16})
	pipeline.Start()
	defer pipeline.Stop()

	for i := range 10 {
		if err := pipeline.Enqueue("LOT-A", i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return len(store.Applied()) == 10 })
}

func TestEnqueueBlocksWhenQueueFull(t *testing.T) {
	t.Parallel()

	store := &recordingStore{block: make(chan struct{})}
	pipeline := New(Config{Store: store, Workers: 1, QueueSize: 2})
	pipeline.Start()
	defer pipeline.Stop()

	// One item held by the blocked worker, two filling the queue.
	for range 3 {
		if err := pipeline.Enqueue("LOT-A", 1); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	unblocked := make(chan struct{})
	go func() {
		pipeline.Enqueue("LOT-A", 1)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("enqueue should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.block)
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue did not unblock after the worker drained")
	}
}

func TestEnqueueAfterStopReturnsErrStopped(t *testing.T) {
	t.Parallel()

	pipeline := New(Config{Store: &recordingStore{}, Workers: 1, QueueSize: 2})
	pipeline.Start()
	pipeline.Stop()
	if err := pipeline.Enqueue("LOT-A", 1); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopWaitsForInFlightWork(t *testing.T) {
	t.Parallel()

	store := &recordingStore{block: make(chan struct{})}
	pipeline := New(Config{Store: store, Workers: 1, QueueSize: 4})
	pipeline.Start()

	if err := pipeline.Enqueue("LOT-A", 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool { return pipeline.Depth() == 0 })

	stopped := make(chan struct{})
	go func() {
		pipeline.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a worker held an item")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after workers finished")
	}
	if got := len(store.Applied()); got != 1 {
		t.Fatalf("expected 1 applied delta, got %d", got)
	}
}
