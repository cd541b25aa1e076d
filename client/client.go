// Package client provides Go clients for the parkd wire protocols: a
// framed RPC client, a line protocol client, and a pub/sub subscriber.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/parkd/api"
	"pkt.systems/parkd/internal/wire"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

// ServerError is an error reported by the server in a response frame.
type ServerError struct {
	Detail string
}

func (e *ServerError) Error() string {
	return e.Detail
}

// IsServerError reports whether err originated from a server error response
// and returns its detail.
func IsServerError(err error) (string, bool) {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Detail, true
	}
	return "", false
}

// Option configures client instances.
type Option func(*options)

type options struct {
	DialTimeout time.Duration
	Dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// WithDialTimeout overrides the connection establishment timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.DialTimeout = d
	}
}

// WithDialer injects a custom dial function (useful for tests).
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(o *options) {
		o.Dialer = dial
	}
}

func buildOptions(opts []Option) options {
	o := options{DialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Dialer == nil {
		o.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	}
	return o
}

// Client is a framed RPC client. Calls are serialized on a single
// connection; the client is safe for concurrent use.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	nextID int64
	closed bool
}

// New dials the RPC endpoint.
func New(addr string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	ctx, cancel := context.WithTimeout(context.Background(), o.DialTimeout)
	defer cancel()
	conn, err := o.Dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close terminates the connection. Subsequent calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Call performs one raw RPC round trip. Most callers want the typed
// wrappers instead.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client: closed")
	}

	c.nextID++
	req := api.Request{RPCID: c.nextID, Method: method, Args: args}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := wire.WriteJSON(c.conn, req); err != nil {
		return nil, fmt.Errorf("client: write request: %w", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(c.conn, &resp); err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	if resp.RPCID != req.RPCID {
		return nil, fmt.Errorf("client: response id %d does not match request id %d", resp.RPCID, req.RPCID)
	}
	if resp.Error != nil {
		return nil, &ServerError{Detail: *resp.Error}
	}
	return resp.Result, nil
}

// Lots returns a snapshot of every configured lot.
func (c *Client) Lots(ctx context.Context) ([]api.LotSnapshot, error) {
	result, err := c.Call(ctx, api.MethodGetLots)
	if err != nil {
		return nil, err
	}
	// Result arrives as decoded JSON; round-trip through the codec to get
	// typed snapshots.
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("client: decode lots: %w", err)
	}
	var snaps []api.LotSnapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		return nil, fmt.Errorf("client: decode lots: %w", err)
	}
	return snaps, nil
}

// Availability returns the number of free spaces in a lot.
func (c *Client) Availability(ctx context.Context, lotID string) (int, error) {
	result, err := c.Call(ctx, api.MethodGetAvailability, lotID)
	if err != nil {
		return 0, err
	}
	free, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("client: unexpected availability result %T", result)
	}
	return int(free), nil
}

// Reserve attempts to hold a space. It returns true when the reservation
// was created, false when the lot is full or the plate already holds one.
func (c *Client) Reserve(ctx context.Context, lotID, plate string) (bool, error) {
	return c.boolCall(ctx, api.MethodReserve, lotID, plate)
}

// Cancel releases a reservation. It returns false when no matching
// reservation exists.
func (c *Client) Cancel(ctx context.Context, lotID, plate string) (bool, error) {
	return c.boolCall(ctx, api.MethodCancel, lotID, plate)
}

func (c *Client) boolCall(ctx context.Context, method string, args ...any) (bool, error) {
	result, err := c.Call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("client: unexpected %s result %T", method, result)
	}
	return ok, nil
}
