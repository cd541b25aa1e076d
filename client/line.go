package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LineClient speaks the newline-terminated query protocol. It is safe for
// concurrent use; commands are serialized on the connection.
type LineClient struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

// NewLine dials the line protocol endpoint.
func NewLine(addr string, opts ...Option) (*LineClient, error) {
	o := buildOptions(opts)
	ctx, cancel := context.WithTimeout(context.Background(), o.DialTimeout)
	defer cancel()
	conn, err := o.Dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &LineClient{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close terminates the connection.
func (c *LineClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Do sends one command line and returns the single reply line.
func (c *LineClient) Do(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("client: closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return "", err
		}
		defer c.conn.SetDeadline(time.Time{})
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("client: write command: %w", err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("client: read reply: %w", err)
	}
	return strings.TrimSuffix(reply, "\n"), nil
}

// Ping checks liveness.
func (c *LineClient) Ping(ctx context.Context) error {
	reply, err := c.Do(ctx, "PING")
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("client: unexpected ping reply %q", reply)
	}
	return nil
}

// Availability returns the number of free spaces in a lot.
func (c *LineClient) Availability(ctx context.Context, lotID string) (int, error) {
	reply, err := c.Do(ctx, "AVAIL "+lotID)
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(reply, "ERROR:") {
		return 0, &ServerError{Detail: strings.TrimSpace(strings.TrimPrefix(reply, "ERROR:"))}
	}
	free, err := strconv.Atoi(reply)
	if err != nil {
		return 0, fmt.Errorf("client: unexpected avail reply %q", reply)
	}
	return free, nil
}
