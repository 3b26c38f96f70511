package manager

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/loykin/hostagent/internal/history"
	"github.com/loykin/hostagent/internal/store"
	"github.com/loykin/hostagent/internal/store/sqlite"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freePort asks the kernel for an unused TCP port on loopback.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestManager(t *testing.T, cfg Config) (*Manager, store.Store) {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	m := New(cfg)
	st := newTestStore(t)
	m.SetStore(st)
	m.SetHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong " + r.URL.Path))
	}))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, st
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *memSink) snapshot() []history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Event(nil), s.events...)
}
