package pubsub

import (
	"testing"
	"time"
)

type lotSet map[string]bool

func (s lotSet) Has(lotID string) bool { return s[lotID] }

func newTestEngine(queueSize int) *Engine {
	return New(Config{
		Lots:      lotSet{"LOT-A": true, "LOT-B": true},
		QueueSize: queueSize,
	})
}

func TestSubscribeUnknownLotRegistersNothing(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(4)
	if _, err := engine.Subscribe("LOT-X"); err == nil {
		t.Fatal("expected error for unknown lot")
	}
	if engine.Active() != 0 {
		t.Fatalf("expected no registrations, got %d", engine.Active())
	}
	if engine.Unsubscribe(1) {
		t.Fatal("unsubscribe of a guessed id must return false")
	}
}

func TestSubscriptionIDsAreUnique(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(4)
	seen := make(map[int64]bool)
	for range 16 {
		sub, err := engine.Subscribe("LOT-A")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		if seen[sub.ID] {
			t.Fatalf("duplicate subscription id %d", sub.ID)
		}
		seen[sub.ID] = true
	}
}

func TestPublishFansOutToLotSubscribersOnly(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(4)
	subA1, _ := engine.Subscribe("LOT-A")
	subA2, _ := engine.Subscribe("LOT-A")
	subB, _ := engine.Subscribe("LOT-B")

	engine.Publish("LOT-A", 3, time.Now())

	for _, sub := range []*Subscription{subA1, subA2} {
		select {
		case event := <-sub.Events():
			if event.LotID != "LOT-A" || event.Free != 3 {
				t.Fatalf("unexpected event %+v", event)
			}
		default:
			t.Fatalf("subscription %d received no event", sub.ID)
		}
	}
	select {
	case event := <-subB.Events():
		t.Fatalf("LOT-B subscriber received %+v", event)
	default:
	}
}

func TestDropOldestKeepsNewestInOrder(t *testing.T) {
	t.Parallel()

	const queueSize = 4
	engine := newTestEngine(queueSize)
	sub, err := engine.Subscribe("LOT-A")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Publish queueSize+1 events with no delivery draining the queue. The
	// oldest must be discarded; the queueSize newest survive in order.
	base := time.Unix(1_700_000_000, 0)
	for i := range queueSize + 1 {
		engine.Publish("LOT-A", i, base.Add(time.Duration(i)*time.Second))
	}

	for want := 1; want <= queueSize; want++ {
		select {
		case event := <-sub.Events():
			if event.Free != want {
				t.Fatalf("expected free=%d, got %d", want, event.Free)
			}
		default:
			t.Fatalf("queue exhausted early at free=%d", want)
		}
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected extra event %+v", event)
	default:
	}
}

func TestUnsubscribeClosesDoneAndStopsDelivery(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(4)
	sub, _ := engine.Subscribe("LOT-A")
	if !engine.Unsubscribe(sub.ID) {
		t.Fatal("expected unsubscribe to succeed")
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after unsubscribe")
	}
	if engine.Unsubscribe(sub.ID) {
		t.Fatal("second unsubscribe must return false")
	}

	engine.Publish("LOT-A", 1, time.Now())
	select {
	case event := <-sub.Events():
		t.Fatalf("unsubscribed subscriber received %+v", event)
	default:
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(2)
	slow, _ := engine.Subscribe("LOT-A")
	fast, _ := engine.Subscribe("LOT-A")

	// Fill the slow subscriber's queue well past capacity while the fast
	// one drains every event.
	for i := range 10 {
		engine.Publish("LOT-A", i, time.Now())
		select {
		case event := <-fast.Events():
			if event.Free != i {
				t.Fatalf("fast subscriber: expected free=%d, got %d", i, event.Free)
			}
		default:
			t.Fatalf("fast subscriber missed event %d", i)
		}
	}

	// The slow subscriber holds the two newest events.
	for _, want := range []int{8, 9} {
		select {
		case event := <-slow.Events():
			if event.Free != want {
				t.Fatalf("slow subscriber: expected free=%d, got %d", want, event.Free)
			}
		default:
			t.Fatal("slow subscriber queue exhausted early")
		}
	}
}
