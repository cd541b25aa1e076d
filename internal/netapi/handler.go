// Package netapi implements the per-connection protocol handlers: the
// line-oriented query protocol, the framed RPC protocol, the sensor update
// ingress, and the pub/sub channel. Each accepted connection gets one
// handler goroutine that loops read, dispatch, write until the peer
// disconnects or framing breaks. No lock is ever held across a network
// I/O boundary.
package netapi

import (
	"math"

	"pkt.systems/pslog"

	"pkt.systems/parkd/api"
	"pkt.systems/parkd/internal/core"
	"pkt.systems/parkd/internal/ingest"
	"pkt.systems/parkd/internal/loggingutil"
	"pkt.systems/parkd/internal/pubsub"
	"pkt.systems/parkd/internal/svcfields"
)

// Config wires the handler to the lot store, update pipeline, and
// subscription engine.
type Config struct {
	Store    *core.Service
	Pipeline *ingest.Pipeline
	Engine   *pubsub.Engine
	Logger   pslog.Logger
}

// Handler dispatches wire requests onto the lot store. One Handler serves
// all connections; per-connection state lives on the handler goroutine's
// stack.
type Handler struct {
	store    *core.Service
	pipeline *ingest.Pipeline
	engine   *pubsub.Engine
	logger   pslog.Logger
}

// New constructs the handler.
func New(cfg Config) *Handler {
	return &Handler{
		store:    cfg.Store,
		pipeline: cfg.Pipeline,
		engine:   cfg.Engine,
		logger:   svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "netapi"),
	}
}

func (h *Handler) snapshots() []api.LotSnapshot {
	snaps := h.store.Snapshots()
	out := make([]api.LotSnapshot, len(snaps))
	for i, snap := range snaps {
		out[i] = api.LotSnapshot{
			ID:       snap.ID,
			Capacity: snap.Capacity,
			Occupied: snap.Occupied,
			Free:     snap.Free,
		}
	}
	return out
}

// argString extracts args[i] as a string.
func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

// argInt extracts args[i] as an integer. JSON numbers decode as float64;
// only integral values are accepted.
func argInt(args []any, i int) (int64, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}
