package netapi

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/parkd/api"
	"pkt.systems/parkd/internal/pubsub"
	"pkt.systems/parkd/internal/wire"
)

var (
	errMissingLotID          = errors.New("Missing lot_id argument")
	errMissingSubscriptionID = errors.New("Missing subscription_id argument")
)

// HandlePubSub serves the framed subscription protocol on conn. A
// connection idles in request/response mode until a successful subscribe,
// after which the handler switches to push mode and streams event frames
// until the subscription ends or the write side fails. Each connection
// carries at most one live subscription.
func (h *Handler) HandlePubSub(conn net.Conn) {
	logger := h.logger.With("conn", xid.New().String(), "proto", "pubsub", "remote", conn.RemoteAddr().String())
	logger.Debug("conn.open")
	defer func() {
		conn.Close()
		logger.Debug("conn.closed")
	}()

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("conn.read_failed", "error", err)
			}
			return
		}
		req, err := decodeRequest(payload)
		if err != nil {
			if werr := wire.WriteJSON(conn, errorResponse(req.RPCID, err)); werr != nil {
				logger.Debug("conn.write_failed", "error", werr)
				return
			}
			continue
		}

		switch req.Method {
		case api.MethodSubscribe:
			lotID, ok := argString(req.Args, 0)
			if !ok {
				if werr := wire.WriteJSON(conn, errorResponse(req.RPCID, errMissingLotID)); werr != nil {
					return
				}
				continue
			}
			sub, err := h.engine.Subscribe(lotID)
			if err != nil {
				if werr := wire.WriteJSON(conn, errorResponse(req.RPCID, err)); werr != nil {
					return
				}
				continue
			}
			if err := wire.WriteJSON(conn, resultResponse(req.RPCID, sub.ID)); err != nil {
				h.engine.Unsubscribe(sub.ID)
				logger.Debug("conn.write_failed", "error", err)
				return
			}
			h.deliver(conn, sub, logger.With("subscription", sub.ID, "lot", lotID))
			return

		case api.MethodUnsubscribe:
			id, ok := argInt(req.Args, 0)
			if !ok {
				if werr := wire.WriteJSON(conn, errorResponse(req.RPCID, errMissingSubscriptionID)); werr != nil {
					return
				}
				continue
			}
			removed := h.engine.Unsubscribe(id)
			if werr := wire.WriteJSON(conn, resultResponse(req.RPCID, removed)); werr != nil {
				logger.Debug("conn.write_failed", "error", werr)
				return
			}

		default:
			if werr := wire.WriteJSON(conn, errorResponse(req.RPCID, fmt.Errorf("Unknown method: %s", req.Method))); werr != nil {
				logger.Debug("conn.write_failed", "error", werr)
				return
			}
		}
	}
}

// deliver runs the push loop for one live subscription: every queued event
// is written as its own frame. A write failure or an external unsubscribe
// terminates the loop; on write failure the registration is torn down so
// the engine stops queueing for a dead peer.
func (h *Handler) deliver(conn net.Conn, sub *pubsub.Subscription, logger pslog.Logger) {
	// Watch the read side so a disconnect tears the subscription down even
	// when no event is in flight. Inbound bytes in push mode are ignored.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				h.engine.Unsubscribe(sub.ID)
				return
			}
		}
	}()

	for {
		select {
		case event := <-sub.Events():
			if err := wire.WriteFrame(conn, []byte(event.Encode())); err != nil {
				logger.Debug("pubsub.delivery_failed", "error", err)
				h.engine.Unsubscribe(sub.ID)
				return
			}
		case <-sub.Done():
			logger.Debug("pubsub.delivery_ended")
			return
		}
	}
}
