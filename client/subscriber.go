package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"pkt.systems/parkd/api"
	"pkt.systems/parkd/internal/wire"
)

// Subscriber receives free-count change events for one lot over a pub/sub
// connection. Events arrive on Events until Close is called or the server
// drops the connection, at which point the channel is closed.
type Subscriber struct {
	id     int64
	lotID  string
	conn   net.Conn
	events chan api.Event

	closeOnce sync.Once
	closed    atomic.Bool
	readErr   error
	readDone  chan struct{}
}

// Subscribe dials the pub/sub endpoint and registers for a lot's events.
func Subscribe(ctx context.Context, addr, lotID string, opts ...Option) (*Subscriber, error) {
	o := buildOptions(opts)
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, o.DialTimeout)
		defer cancel()
	}
	conn, err := o.Dialer(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	req := api.Request{RPCID: 1, Method: api.MethodSubscribe, Args: []any{lotID}}
	if err := wire.WriteJSON(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: write subscribe: %w", err)
	}
	var resp api.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: read subscribe response: %w", err)
	}
	if resp.Error != nil {
		conn.Close()
		return nil, &ServerError{Detail: *resp.Error}
	}
	id, ok := resp.Result.(float64)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("client: unexpected subscribe result %T", resp.Result)
	}

	sub := &Subscriber{
		id:       int64(id),
		lotID:    lotID,
		conn:     conn,
		events:   make(chan api.Event, 16),
		readDone: make(chan struct{}),
	}
	go sub.readLoop(ctx)
	return sub, nil
}

// ID returns the server-assigned subscription id.
func (s *Subscriber) ID() int64 {
	return s.id
}

// LotID returns the subscribed lot.
func (s *Subscriber) LotID() string {
	return s.lotID
}

// Events returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscriber) Events() <-chan api.Event {
	return s.events
}

// Err reports why the event stream ended, nil for a clean Close.
func (s *Subscriber) Err() error {
	<-s.readDone
	return s.readErr
}

// Close tears the subscription down.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		<-s.readDone
	})
	return err
}

func (s *Subscriber) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.events)
	for {
		payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			if !s.closed.Load() && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.readErr = err
			}
			return
		}
		event, err := api.ParseEvent(string(payload))
		if err != nil {
			s.readErr = fmt.Errorf("client: parse event: %w", err)
			return
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			s.readErr = ctx.Err()
			return
		}
	}
}
