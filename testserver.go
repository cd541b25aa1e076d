package parkd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// TestServer wraps a running parkd.Server with convenient handles for tests.
// All listeners bind ephemeral loopback ports.
type TestServer struct {
	Server *Server
	Addrs  Addrs
	Config Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(writer).LogLevel(level).With("app", "testserver")
}

// StartTestServer boots a server on ephemeral loopback ports, registers
// shutdown with t.Cleanup, and returns handles for the test. Zero-value
// listen addresses in cfg are replaced; explicitly-set ones are honored.
func StartTestServer(t testing.TB, cfg Config, opts ...Option) *TestServer {
	t.Helper()
	if cfg.LineListen == "" {
		cfg.LineListen = "127.0.0.1:0"
	}
	if cfg.RPCListen == "" {
		cfg.RPCListen = "127.0.0.1:0"
	}
	if cfg.SensorListen == "" {
		cfg.SensorListen = "127.0.0.1:0"
	}
	if cfg.PubSubListen == "" {
		cfg.PubSubListen = "127.0.0.1:0"
	}
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	ts := &TestServer{
		Server: srv,
		Addrs:  srv.Addrs(),
		Config: cfg,
		stop:   stop,
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := ts.Stop(stopCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}
