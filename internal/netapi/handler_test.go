package netapi

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/parkd/api"
	"pkt.systems/parkd/internal/core"
	"pkt.systems/parkd/internal/ingest"
	"pkt.systems/parkd/internal/pubsub"
	"pkt.systems/parkd/internal/wire"
)

func newTestHandler(t *testing.T, lots []core.LotConfig) (*Handler, *core.Service, *ingest.Pipeline, *pubsub.Engine) {
	t.Helper()
	engine := pubsub.New(pubsub.Config{})
	store, err := core.New(core.Config{Lots: lots, Publisher: engine})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	engine.BindLots(store)
	pipeline := ingest.New(ingest.Config{Store: store, Workers: 1, QueueSize: 16})
	pipeline.Start()
	t.Cleanup(pipeline.Stop)
	h := New(Config{Store: store, Pipeline: pipeline, Engine: engine})
	return h, store, pipeline, engine
}

func defaultLots() []core.LotConfig {
	return []core.LotConfig{
		{ID: "LOT-A", Capacity: 10, Occupied: 4},
		{ID: "LOT-B", Capacity: 2},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func startLine(t *testing.T, h *Handler) (*bufio.Reader, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	go h.HandleLine(server)
	t.Cleanup(func() { client.Close() })
	return bufio.NewReader(client), client
}

func sendLine(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		t.Fatalf("write %q: %v", cmd, err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply for %q: %v", cmd, err)
	}
	return strings.TrimSuffix(reply, "\n")
}

func TestLineProtocol(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	reader, conn := startLine(t, h)

	if got := sendLine(t, conn, reader, "PING"); got != "PONG" {
		t.Fatalf("PING reply = %q, want PONG", got)
	}
	if got := sendLine(t, conn, reader, "AVAIL LOT-A"); got != "6" {
		t.Fatalf("AVAIL LOT-A = %q, want 6", got)
	}
	if got := sendLine(t, conn, reader, "RESERVE LOT-A AAA-111"); got != "OK" {
		t.Fatalf("RESERVE = %q, want OK", got)
	}
	if got := sendLine(t, conn, reader, "AVAIL LOT-A"); got != "5" {
		t.Fatalf("AVAIL after reserve = %q, want 5", got)
	}
	if got := sendLine(t, conn, reader, "RESERVE LOT-A AAA-111"); got != "EXISTS" {
		t.Fatalf("duplicate RESERVE = %q, want EXISTS", got)
	}
	if got := sendLine(t, conn, reader, "CANCEL LOT-A AAA-111"); got != "OK" {
		t.Fatalf("CANCEL = %q, want OK", got)
	}
	if got := sendLine(t, conn, reader, "CANCEL LOT-A AAA-111"); got != "NOT_FOUND" {
		t.Fatalf("repeat CANCEL = %q, want NOT_FOUND", got)
	}
}

func TestLineProtocolFull(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, []core.LotConfig{{ID: "TINY", Capacity: 1}})
	reader, conn := startLine(t, h)

	if got := sendLine(t, conn, reader, "RESERVE TINY X-1"); got != "OK" {
		t.Fatalf("first reserve = %q", got)
	}
	if got := sendLine(t, conn, reader, "RESERVE TINY X-2"); got != "FULL" {
		t.Fatalf("second reserve = %q, want FULL", got)
	}
}

func TestLineProtocolErrors(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	reader, conn := startLine(t, h)

	cases := []struct {
		cmd  string
		want string
	}{
		{"AVAIL", "ERROR: AVAIL requires lot_id"},
		{"AVAIL NOWHERE", "ERROR: Unknown lot"},
		{"RESERVE LOT-A", "ERROR: RESERVE requires lot_id and plate"},
		{"RESERVE NOWHERE AAA-111", "ERROR: Unknown lot"},
		{"CANCEL LOT-A", "ERROR: CANCEL requires lot_id and plate"},
		{"bogus stuff", "ERROR: Unknown command: BOGUS"},
	}
	for _, tc := range cases {
		if got := sendLine(t, conn, reader, tc.cmd); got != tc.want {
			t.Errorf("%q reply = %q, want %q", tc.cmd, got, tc.want)
		}
	}
}

func TestLineProtocolLots(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	reader, conn := startLine(t, h)

	reply := sendLine(t, conn, reader, "LOTS")
	var snaps []api.LotSnapshot
	if err := json.Unmarshal([]byte(reply), &snaps); err != nil {
		t.Fatalf("LOTS reply not JSON: %v (%q)", err, reply)
	}
	if len(snaps) != 2 {
		t.Fatalf("LOTS returned %d lots, want 2", len(snaps))
	}
	if snaps[0].ID != "LOT-A" || snaps[0].Free != 6 {
		t.Fatalf("unexpected first snapshot: %+v", snaps[0])
	}
}

func TestLineProtocolSkipsBlankLines(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	reader, conn := startLine(t, h)

	if _, err := conn.Write([]byte("\n  \nPING\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSuffix(reply, "\n") != "PONG" {
		t.Fatalf("reply = %q, want PONG", reply)
	}
}

func startRPC(t *testing.T, h *Handler) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	go h.HandleRPC(server)
	t.Cleanup(func() { client.Close() })
	return client
}

func callRPC(t *testing.T, conn net.Conn, req api.Request) api.Response {
	t.Helper()
	if err := wire.WriteJSON(conn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.RPCID != req.RPCID {
		t.Fatalf("response rpcId = %d, want %d", resp.RPCID, req.RPCID)
	}
	return resp
}

func TestRPCGetLots(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	conn := startRPC(t, h)

	resp := callRPC(t, conn, api.Request{RPCID: 1, Method: api.MethodGetLots})
	if resp.Error != nil {
		t.Fatalf("getLots error: %s", *resp.Error)
	}
	lots, ok := resp.Result.([]any)
	if !ok || len(lots) != 2 {
		t.Fatalf("getLots result = %#v, want 2 lots", resp.Result)
	}
}

func TestRPCReserveCancel(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	conn := startRPC(t, h)

	resp := callRPC(t, conn, api.Request{RPCID: 1, Method: api.MethodReserve, Args: []any{"LOT-B", "BBB-222"}})
	if resp.Error != nil || resp.Result != true {
		t.Fatalf("reserve = %+v, want result true", resp)
	}
	resp = callRPC(t, conn, api.Request{RPCID: 2, Method: api.MethodGetAvailability, Args: []any{"LOT-B"}})
	if resp.Error != nil || resp.Result != float64(1) {
		t.Fatalf("getAvailability = %+v, want 1", resp)
	}
	resp = callRPC(t, conn, api.Request{RPCID: 3, Method: api.MethodReserve, Args: []any{"LOT-B", "BBB-222"}})
	if resp.Error != nil || resp.Result != false {
		t.Fatalf("duplicate reserve = %+v, want result false", resp)
	}
	resp = callRPC(t, conn, api.Request{RPCID: 4, Method: api.MethodCancel, Args: []any{"LOT-B", "BBB-222"}})
	if resp.Error != nil || resp.Result != true {
		t.Fatalf("cancel = %+v, want result true", resp)
	}
	resp = callRPC(t, conn, api.Request{RPCID: 5, Method: api.MethodCancel, Args: []any{"LOT-B", "BBB-222"}})
	if resp.Error != nil || resp.Result != false {
		t.Fatalf("repeat cancel = %+v, want result false", resp)
	}
}

func TestRPCErrors(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	conn := startRPC(t, h)

	resp := callRPC(t, conn, api.Request{RPCID: 1, Method: api.MethodGetAvailability, Args: []any{"NOWHERE"}})
	if resp.Error == nil || *resp.Error != "Unknown lot: NOWHERE" {
		t.Fatalf("unknown lot error = %+v", resp)
	}
	resp = callRPC(t, conn, api.Request{RPCID: 2, Method: api.MethodGetAvailability})
	if resp.Error == nil || *resp.Error != "Missing lot_id argument" {
		t.Fatalf("missing arg error = %+v", resp)
	}
	resp = callRPC(t, conn, api.Request{RPCID: 3, Method: "selfDestruct"})
	if resp.Error == nil || *resp.Error != "Unknown method: selfDestruct" {
		t.Fatalf("unknown method error = %+v", resp)
	}
	resp = callRPC(t, conn, api.Request{RPCID: 4, Method: api.MethodSubscribe, Args: []any{"LOT-A"}})
	if resp.Error == nil || !strings.Contains(*resp.Error, "pub/sub") {
		t.Fatalf("subscribe on rpc = %+v", resp)
	}
}

func TestRPCMalformedPayloadKeepsConnection(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t, defaultLots())
	conn := startRPC(t, h)

	if err := wire.WriteFrame(conn, []byte("{not json")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Error == nil || *resp.Error != "Malformed request" {
		t.Fatalf("malformed payload response = %+v", resp)
	}

	// The connection must survive a bad payload.
	good := callRPC(t, conn, api.Request{RPCID: 9, Method: api.MethodGetAvailability, Args: []any{"LOT-A"}})
	if good.Error != nil || good.Result != float64(6) {
		t.Fatalf("follow-up request = %+v, want 6", good)
	}
}

func TestSensorIngress(t *testing.T) {
	t.Parallel()
	h, store, _, _ := newTestHandler(t, defaultLots())
	server, client := net.Pipe()
	go h.HandleSensor(server)
	defer client.Close()
	reader := bufio.NewReader(client)

	for _, line := range []string{"UPDATE LOT-A 3", "UPDATE LOT-A -1", "garbage line here", "UPDATE NOWHERE 5"} {
		if _, err := client.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
		ack, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read ack for %q: %v", line, err)
		}
		if ack != "ACK\n" {
			t.Fatalf("ack for %q = %q", line, ack)
		}
	}

	waitFor(t, time.Second, func() bool {
		snap, err := store.Snapshot("LOT-A")
		return err == nil && snap.Occupied == 6
	})
}

func startPubSub(t *testing.T, h *Handler) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	go h.HandlePubSub(server)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPubSubSubscribeAndPush(t *testing.T) {
	t.Parallel()
	h, store, _, _ := newTestHandler(t, defaultLots())
	conn := startPubSub(t, h)

	if err := wire.WriteJSON(conn, api.Request{RPCID: 1, Method: api.MethodSubscribe, Args: []any{"LOT-B"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("subscribe error: %s", *resp.Error)
	}
	if _, ok := resp.Result.(float64); !ok {
		t.Fatalf("subscribe result = %#v, want numeric id", resp.Result)
	}

	if status, err := store.Reserve("LOT-B", "CCC-333"); err != nil || status != core.ReserveOK {
		t.Fatalf("reserve: status=%v err=%v", status, err)
	}

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	event, err := api.ParseEvent(string(payload))
	if err != nil {
		t.Fatalf("parse event %q: %v", payload, err)
	}
	if event.LotID != "LOT-B" || event.Free != 1 {
		t.Fatalf("event = %+v, want LOT-B free=1", event)
	}
}

func TestPubSubScopedToLot(t *testing.T) {
	t.Parallel()
	h, store, _, _ := newTestHandler(t, defaultLots())
	conn := startPubSub(t, h)

	if err := wire.WriteJSON(conn, api.Request{RPCID: 1, Method: api.MethodSubscribe, Args: []any{"LOT-B"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}

	// A change on another lot must not reach this subscriber.
	if _, err := store.Reserve("LOT-A", "DDD-444"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.Reserve("LOT-B", "EEE-555"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	event, err := api.ParseEvent(string(payload))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.LotID != "LOT-B" {
		t.Fatalf("event lot = %s, want LOT-B", event.LotID)
	}
}

func TestPubSubUnknownLot(t *testing.T) {
	t.Parallel()
	h, _, _, engine := newTestHandler(t, defaultLots())
	conn := startPubSub(t, h)

	if err := wire.WriteJSON(conn, api.Request{RPCID: 1, Method: api.MethodSubscribe, Args: []any{"NOWHERE"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Error == nil || *resp.Error != "Unknown lot: NOWHERE" {
		t.Fatalf("subscribe unknown lot = %+v", resp)
	}
	if engine.Active() != 0 {
		t.Fatalf("engine registered %d subscriptions, want 0", engine.Active())
	}

	// The connection stays in request mode after a rejected subscribe.
	if err := wire.WriteJSON(conn, api.Request{RPCID: 2, Method: api.MethodUnsubscribe, Args: []any{float64(42)}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatalf("read unsubscribe response: %v", err)
	}
	if resp.Error != nil || resp.Result != false {
		t.Fatalf("unsubscribe unknown id = %+v, want result false", resp)
	}
}

func TestPubSubDisconnectCleansUp(t *testing.T) {
	t.Parallel()
	h, _, _, engine := newTestHandler(t, defaultLots())
	conn := startPubSub(t, h)

	if err := wire.WriteJSON(conn, api.Request{RPCID: 1, Method: api.MethodSubscribe, Args: []any{"LOT-A"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if engine.Active() != 1 {
		t.Fatalf("active = %d, want 1", engine.Active())
	}

	conn.Close()
	waitFor(t, time.Second, func() bool { return engine.Active() == 0 })
}
