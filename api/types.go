// Package api defines the wire-level types shared by the parkd server and
// its clients: the framed RPC envelope, lot snapshots, and push events.
package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RPC method names accepted on the framed channels. Dispatch is a closed
// set; anything else is rejected per-request without closing the connection.
const (
	MethodGetLots         = "getLots"
	MethodGetAvailability = "getAvailability"
	MethodReserve         = "reserve"
	MethodCancel          = "cancel"
	MethodSubscribe       = "subscribe"
	MethodUnsubscribe     = "unsubscribe"
)

// Request is the framed RPC request envelope.
type Request struct {
	RPCID  int64  `json:"rpcId"`
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// Response is the framed RPC response envelope. Exactly one of Result and
// Error is meaningful; Error is null on success. RPCID always echoes the
// request's id.
type Response struct {
	RPCID  int64   `json:"rpcId"`
	Result any     `json:"result"`
	Error  *string `json:"error"`
}

// LotSnapshot is the per-lot state reported by LOTS and getLots.
type LotSnapshot struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
	Occupied int    `json:"occupied"`
	Free     int    `json:"free"`
}

// Event is one free-count change notification delivered to subscribers.
type Event struct {
	LotID     string
	Free      int
	Timestamp time.Time
}

// EventPrefix starts every push frame payload.
const EventPrefix = "EVENT"

// Encode renders the event as the text payload carried inside a push frame:
// "EVENT <lotId> <free> <timestamp>".
func (e Event) Encode() string {
	return fmt.Sprintf("%s %s %d %s", EventPrefix, e.LotID, e.Free, e.Timestamp.Format(time.RFC3339Nano))
}

// ParseEvent decodes a push frame payload produced by Encode.
func ParseEvent(payload string) (Event, error) {
	parts := strings.Fields(payload)
	if len(parts) != 4 || parts[0] != EventPrefix {
		return Event{}, fmt.Errorf("api: malformed event payload %q", payload)
	}
	free, err := strconv.Atoi(parts[2])
	if err != nil {
		return Event{}, fmt.Errorf("api: malformed event free count %q: %w", parts[2], err)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[3])
	if err != nil {
		return Event{}, fmt.Errorf("api: malformed event timestamp %q: %w", parts[3], err)
	}
	return Event{LotID: parts[1], Free: free, Timestamp: ts}, nil
}
