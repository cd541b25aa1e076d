package parkd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"pkt.systems/parkd/internal/clock"
	"pkt.systems/parkd/internal/core"
	"pkt.systems/parkd/internal/ingest"
	"pkt.systems/parkd/internal/loggingutil"
	"pkt.systems/parkd/internal/netapi"
	"pkt.systems/parkd/internal/pubsub"
	"pkt.systems/parkd/internal/svcfields"
)

// Server owns the lot store and the four protocol listeners: line queries,
// framed RPC, sensor ingress, and pub/sub. An optional fifth listener
// exposes Prometheus metrics.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	store    *core.Service
	pipeline *ingest.Pipeline
	engine   *pubsub.Engine
	handler  *netapi.Handler
	registry *prometheus.Registry

	mu         sync.Mutex
	shutdown   bool
	listeners  []net.Listener
	addrs      Addrs
	conns      map[net.Conn]struct{}
	metricsSrv *http.Server

	acceptWG  sync.WaitGroup
	connWG    sync.WaitGroup
	stopCh    chan struct{}
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Addrs holds the bound listener addresses once the server has started.
type Addrs struct {
	Line    string
	RPC     string
	Sensor  string
	PubSub  string
	Metrics string
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a parkd server according to cfg.
// Example:
//
//	cfg := parkd.Config{Lots: []core.LotConfig{{ID: "LOT-A", Capacity: 50}}}
//	srv, err := parkd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	registry := prometheus.NewRegistry()
	if cfg.MetricsListen != "" {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	engine := pubsub.New(pubsub.Config{
		QueueSize:  cfg.SubscriberQueueSize,
		Logger:     svcfields.WithSubsystem(logger, "pubsub"),
		Registerer: registry,
	})
	store, err := core.New(core.Config{
		Lots:           cfg.Lots,
		ReservationTTL: cfg.ReservationTTL,
		Logger:         svcfields.WithSubsystem(logger, "store"),
		Clock:          serverClock,
		Publisher:      engine,
		Registerer:     registry,
	})
	if err != nil {
		return nil, err
	}
	engine.BindLots(store)
	pipeline := ingest.New(ingest.Config{
		Store:      store,
		Workers:    cfg.IngestWorkers,
		QueueSize:  cfg.IngestQueueSize,
		Logger:     svcfields.WithSubsystem(logger, "ingest"),
		Registerer: registry,
	})
	handler := netapi.New(netapi.Config{
		Store:    store,
		Pipeline: pipeline,
		Engine:   engine,
		Logger:   logger,
	})

	return &Server{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(logger, "server"),
		clock:    serverClock,
		store:    store,
		pipeline: pipeline,
		engine:   engine,
		handler:  handler,
		registry: registry,
		conns:    make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
		readyCh:  make(chan struct{}),
	}, nil
}

// Store exposes the lot store for embedding callers.
func (s *Server) Store() *core.Service {
	return s.store
}

// Start binds all listeners, launches the worker pool and accept loops, and
// blocks until Shutdown is called or a listener fails.
func (s *Server) Start() error {
	type bind struct {
		name    string
		addr    string
		handler func(net.Conn)
	}
	binds := []bind{
		{"line", s.cfg.LineListen, s.handler.HandleLine},
		{"rpc", s.cfg.RPCListen, s.handler.HandleRPC},
		{"sensor", s.cfg.SensorListen, s.handler.HandleSensor},
		{"pubsub", s.cfg.PubSubListen, s.handler.HandlePubSub},
	}

	listeners := make([]net.Listener, 0, len(binds))
	for _, b := range binds {
		ln, err := net.Listen(s.cfg.ListenProto, b.addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return fmt.Errorf("listen %s (%s %s): %w", b.name, s.cfg.ListenProto, b.addr, err)
		}
		listeners = append(listeners, ln)
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return errors.New("server: already shut down")
	}
	s.listeners = listeners
	s.addrs = Addrs{
		Line:   listeners[0].Addr().String(),
		RPC:    listeners[1].Addr().String(),
		Sensor: listeners[2].Addr().String(),
		PubSub: listeners[3].Addr().String(),
	}
	s.mu.Unlock()

	s.pipeline.Start()
	for i, b := range binds {
		s.acceptWG.Add(1)
		go s.acceptLoop(listeners[i], b.name, b.handler)
		s.logger.Info("listening", "proto", b.name, "address", listeners[i].Addr().String())
	}
	if s.cfg.MetricsListen != "" {
		if err := s.startMetrics(); err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			_ = s.Shutdown(shutdownCtx)
			return err
		}
	}
	s.signalReady()

	<-s.stopCh
	s.acceptWG.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, name string, handle func(net.Conn)) {
	defer s.acceptWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Warn("accept.failed", "proto", name, "error", err)
			}
			return
		}
		if !s.trackConn(conn) {
			_ = conn.Close()
			return
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer s.untrackConn(conn)
			handle(conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) startMetrics() error {
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("listen metrics (%s %s): %w", s.cfg.ListenProto, s.cfg.MetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.metricsSrv = srv
	s.addrs.Metrics = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("listening", "proto", "metrics", "address", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics.serve_failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server: listeners close first, then active
// connections, then the worker pool drains in-flight updates. It is safe to
// call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	metricsSrv := s.metricsSrv
	s.metricsSrv = nil
	s.mu.Unlock()

	close(s.stopCh)
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.pipeline.Stop()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
	}
	s.logger.Info("server.stopped")
	return nil
}

// Close gracefully shuts the server down using the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until all listeners are bound or the context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addrs returns the bound listener addresses. Values are empty until the
// server is ready; Metrics stays empty when metrics are disabled.
func (s *Server) Addrs() Addrs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs
}

// StartServer starts a parkd server in a background goroutine and waits
// until all listeners accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	srv, stop, err := parkd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCtx, cancel := context.WithTimeout(waitCtx, 10*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		select {
		case startErr := <-errCh:
			if startErr != nil {
				err = startErr
			}
		default:
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
