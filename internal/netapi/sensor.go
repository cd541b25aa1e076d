package netapi

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/xid"

	"pkt.systems/parkd/internal/ingest"
)

// HandleSensor serves the line-oriented sensor ingress on conn. Every
// received line is acknowledged with ACK before the delta is applied;
// parseable updates are pushed onto the pipeline's bounded queue, which
// blocks when full and so propagates back-pressure to the sensor.
func (h *Handler) HandleSensor(conn net.Conn) {
	logger := h.logger.With("conn", xid.New().String(), "proto", "sensor", "remote", conn.RemoteAddr().String())
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
		lotID, delta, ok := parseUpdate(line)
		if ok {
			if err := h.pipeline.Enqueue(lotID, delta); err != nil {
				if err == ingest.ErrStopped {
					return
				}
				logger.Warn("sensor.enqueue_failed", "error", err)
			}
		} else {
			logger.Warn("sensor.malformed_update", "line", line)
		}
		if _, err := fmt.Fprint(conn, "ACK\n"); err != nil {
			logger.Debug("conn.write_failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("conn.read_failed", "error", err)
	}
}

func parseUpdate(line string) (lotID string, delta int, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "UPDATE") {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, false
	}
	return parts[1], n, true
}
