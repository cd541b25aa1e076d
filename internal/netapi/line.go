package netapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/xid"
)

// HandleLine serves the newline-terminated query protocol on conn until the
// peer disconnects. Malformed commands produce an ERROR reply and keep the
// connection open.
func (h *Handler) HandleLine(conn net.Conn) {
	logger := h.logger.With("conn", xid.New().String(), "proto", "line", "remote", conn.RemoteAddr().String())
	logger.Debug("conn.open")
	defer func() {
		conn.Close()
		logger.Debug("conn.closed")
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := h.dispatchLine(line)
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			logger.Debug("conn.write_failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("conn.read_failed", "error", err)
	}
}

func (h *Handler) dispatchLine(line string) string {
	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "PING":
		return "PONG"

	case "LOTS":
		payload, err := json.Marshal(h.snapshots())
		if err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		return string(payload)

	case "AVAIL":
		if len(parts) != 2 {
			return "ERROR: AVAIL requires lot_id"
		}
		snap, err := h.store.Snapshot(parts[1])
		if err != nil {
			return "ERROR: Unknown lot"
		}
		return strconv.Itoa(snap.Free)

	case "RESERVE":
		if len(parts) != 3 {
			return "ERROR: RESERVE requires lot_id and plate"
		}
		status, err := h.store.Reserve(parts[1], parts[2])
		if err != nil {
			return "ERROR: Unknown lot"
		}
		return status.String()

	case "CANCEL":
		if len(parts) != 3 {
			return "ERROR: CANCEL requires lot_id and plate"
		}
		removed, err := h.store.Cancel(parts[1], parts[2])
		if err != nil {
			return "ERROR: Unknown lot"
		}
		if removed {
			return "OK"
		}
		return "NOT_FOUND"

	default:
		return fmt.Sprintf("ERROR: Unknown command: %s", cmd)
	}
}
