package netapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/xid"

	"pkt.systems/parkd/api"
	"pkt.systems/parkd/internal/core"
	"pkt.systems/parkd/internal/wire"
)

// HandleRPC serves the framed request/response protocol on conn. Unknown
// methods and bad arguments populate the response's error field; only
// framing corruption or disconnect ends the loop.
func (h *Handler) HandleRPC(conn net.Conn) {
	logger := h.logger.With("conn", xid.New().String(), "proto", "rpc", "remote", conn.RemoteAddr().String())
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
		resp := h.dispatchRPC(payload)
		if err := wire.WriteJSON(conn, resp); err != nil {
			logger.Debug("conn.write_failed", "error", err)
			return
		}
	}
}

func (h *Handler) dispatchRPC(payload []byte) api.Response {
	req, err := decodeRequest(payload)
	if err != nil {
		return errorResponse(req.RPCID, err)
	}

	switch req.Method {
	case api.MethodGetLots:
		return resultResponse(req.RPCID, h.snapshots())

	case api.MethodGetAvailability:
		lotID, ok := argString(req.Args, 0)
		if !ok {
			return errorResponse(req.RPCID, errors.New("Missing lot_id argument"))
		}
		snap, err := h.store.Snapshot(lotID)
		if err != nil {
			return errorResponse(req.RPCID, err)
		}
		return resultResponse(req.RPCID, snap.Free)

	case api.MethodReserve:
		lotID, okLot := argString(req.Args, 0)
		plate, okPlate := argString(req.Args, 1)
		if !okLot || !okPlate {
			return errorResponse(req.RPCID, errors.New("Missing arguments"))
		}
		status, err := h.store.Reserve(lotID, plate)
		if err != nil {
			return errorResponse(req.RPCID, err)
		}
		return resultResponse(req.RPCID, status == core.ReserveOK)

	case api.MethodCancel:
		lotID, okLot := argString(req.Args, 0)
		plate, okPlate := argString(req.Args, 1)
		if !okLot || !okPlate {
			return errorResponse(req.RPCID, errors.New("Missing arguments"))
		}
		removed, err := h.store.Cancel(lotID, plate)
		if err != nil {
			return errorResponse(req.RPCID, err)
		}
		return resultResponse(req.RPCID, removed)

	case api.MethodSubscribe:
		return errorResponse(req.RPCID, errors.New("Use pub/sub connection for subscribe"))

	case api.MethodUnsubscribe:
		return errorResponse(req.RPCID, errors.New("Use pub/sub connection for unsubscribe"))

	default:
		return errorResponse(req.RPCID, fmt.Errorf("Unknown method: %s", req.Method))
	}
}

func decodeRequest(payload []byte) (api.Request, error) {
	var req api.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, errors.New("Malformed request")
	}
	return req, nil
}

func resultResponse(rpcID int64, result any) api.Response {
	return api.Response{RPCID: rpcID, Result: result}
}

func errorResponse(rpcID int64, err error) api.Response {
	detail := err.Error()
	var failure core.Failure
	if errors.As(err, &failure) {
		detail = failure.Detail
	}
	return api.Response{RPCID: rpcID, Error: &detail}
}
