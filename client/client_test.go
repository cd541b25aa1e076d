package client_test

import (
	"context"
	"testing"
	"time"

	"pkt.systems/pslog"

	parkd "pkt.systems/parkd"
	"pkt.systems/parkd/client"
	"pkt.systems/parkd/internal/core"
)

func startServer(t *testing.T) *parkd.TestServer {
	t.Helper()
	return parkd.StartTestServer(t, parkd.Config{
		Lots: []core.LotConfig{
			{ID: "LOT-A", Capacity: 5},
			{ID: "LOT-B", Capacity: 3, Occupied: 1},
		},
	}, parkd.WithLogger(parkd.NewTestingLogger(t, pslog.WarnLevel)))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ctx := testContext(t)

	c, err := client.New(ts.Addrs.RPC)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	snaps, err := c.Lots(ctx)
	if err != nil {
		t.Fatalf("lots: %v", err)
	}
	if len(snaps) != 2 || snaps[1].ID != "LOT-B" || snaps[1].Free != 2 {
		t.Fatalf("lots = %+v", snaps)
	}

	ok, err := c.Reserve(ctx, "LOT-A", "AAA-111")
	if err != nil || !ok {
		t.Fatalf("reserve = %v, %v", ok, err)
	}
	ok, err = c.Reserve(ctx, "LOT-A", "AAA-111")
	if err != nil || ok {
		t.Fatalf("duplicate reserve = %v, %v, want false", ok, err)
	}
	free, err := c.Availability(ctx, "LOT-A")
	if err != nil || free != 4 {
		t.Fatalf("availability = %d (%v), want 4", free, err)
	}
	ok, err = c.Cancel(ctx, "LOT-A", "AAA-111")
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	ok, err = c.Cancel(ctx, "LOT-A", "AAA-111")
	if err != nil || ok {
		t.Fatalf("repeat cancel = %v, %v, want false", ok, err)
	}
}

func TestClientServerError(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ctx := testContext(t)

	c, err := client.New(ts.Addrs.RPC)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Availability(ctx, "NOWHERE")
	if err == nil {
		t.Fatal("availability of unknown lot succeeded")
	}
	detail, ok := client.IsServerError(err)
	if !ok || detail != "Unknown lot: NOWHERE" {
		t.Fatalf("error = %v, want server error with detail", err)
	}
}

func TestClientClosedCallsFail(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ctx := testContext(t)

	c, err := client.New(ts.Addrs.RPC)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Lots(ctx); err == nil {
		t.Fatal("call on closed client succeeded")
	}
}

func TestLineClient(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ctx := testContext(t)

	lc, err := client.NewLine(ts.Addrs.Line)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer lc.Close()

	if err := lc.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	free, err := lc.Availability(ctx, "LOT-B")
	if err != nil || free != 2 {
		t.Fatalf("availability = %d (%v), want 2", free, err)
	}
	if _, err := lc.Availability(ctx, "NOWHERE"); err == nil {
		t.Fatal("availability of unknown lot succeeded")
	}
}

func TestSubscriberReceivesEvents(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ctx := testContext(t)

	sub, err := client.Subscribe(ctx, ts.Addrs.PubSub, "LOT-A")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if sub.ID() <= 0 {
		t.Fatalf("subscription id = %d", sub.ID())
	}
	if sub.LotID() != "LOT-A" {
		t.Fatalf("lot = %q", sub.LotID())
	}

	c, err := client.New(ts.Addrs.RPC)
	if err != nil {
		t.Fatalf("dial rpc: %v", err)
	}
	defer c.Close()
	if ok, err := c.Reserve(ctx, "LOT-A", "EVT-001"); err != nil || !ok {
		t.Fatalf("reserve = %v, %v", ok, err)
	}

	select {
	case event := <-sub.Events():
		if event.LotID != "LOT-A" || event.Free != 4 {
			t.Fatalf("event = %+v, want LOT-A free=4", event)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("event timestamp is zero")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeUnknownLot(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ctx := testContext(t)

	_, err := client.Subscribe(ctx, ts.Addrs.PubSub, "NOWHERE")
	if err == nil {
		t.Fatal("subscribe to unknown lot succeeded")
	}
	if detail, ok := client.IsServerError(err); !ok || detail != "Unknown lot: NOWHERE" {
		t.Fatalf("error = %v", err)
	}
}

func TestSubscriberCloseEndsStream(t *testing.T) {
	t.Parallel()
	ts := startServer(t)
	ctx := testContext(t)

	sub, err := client.Subscribe(ctx, ts.Addrs.PubSub, "LOT-A")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, open := <-sub.Events():
		if open {
			t.Fatal("events channel delivered after close")
		}
	case <-ctx.Done():
		t.Fatal("events channel not closed")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("err after close = %v", err)
	}
}
