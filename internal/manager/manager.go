package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/hostagent/internal/history"
	"github.com/loykin/hostagent/internal/metrics"
	"github.com/loykin/hostagent/internal/store"
)

// Listener engines.
const (
	EngineGin  = "gin"
	EngineEcho = "echo"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	registryTimeout        = 5 * time.Second
)

// ErrInvalidPort is returned for ports outside 1..65535.
var ErrInvalidPort = errors.New("invalid port")

// Config controls how listeners are bound and drained.
type Config struct {
	// Host is the bind address of every listener; empty binds all interfaces.
	Host            string
	Engine          string
	ShutdownTimeout time.Duration
	// ReadHeaderTimeout applies to every listener's http.Server.
	ReadHeaderTimeout time.Duration
	Logger            *slog.Logger
}

// Manager owns the port -> listener table. It is the only component that
// starts or stops listener goroutines; the registry is written after the table changes.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	logger    *slog.Logger
	st        store.Store
	sink      history.Sink
	handler   http.Handler
	listeners map[int]*listener
	// ports removed from the table whose registry rows are not yet marked stopped
	stopping map[int]struct{}
	// set by Shutdown; no listener starts afterwards
	closed bool

	// listener goroutines derive from base, not from any request context
	base       context.Context
	baseCancel context.CancelFunc
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineGin
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		logger:     cfg.Logger,
		listeners:  make(map[int]*listener),
		stopping:   make(map[int]struct{}),
		base:       base,
		baseCancel: cancel,
	}
}

// SetStore configures the registry that records listener lifecycle rows.
func (m *Manager) SetStore(s store.Store) {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
}

// SetHistorySink configures an external history sink. nil disables history export.
func (m *Manager) SetHistorySink(s history.Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// SetHandler sets the handler served by listeners started afterwards.
func (m *Manager) SetHandler(h http.Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Start binds port and serves the configured handler on it.
// It returns an empty id without error when the port is already managed
// or the manager has been shut down.
func (m *Manager) Start(ctx context.Context, port int) (string, error) {
	if port <= 0 || port > 65535 {
		metrics.IncListenerStart(metrics.ResultError)
		return "", fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("manager shut down, not starting HTTP server", "port", port)
		return "", nil
	}
	if _, ok := m.listeners[port]; ok {
		m.mu.Unlock()
		m.logger.Warn("HTTP server already running", "port", port)
		return "", nil
	}
	if _, ok := m.stopping[port]; ok {
		m.mu.Unlock()
		m.logger.Warn("HTTP server is stopping", "port", port)
		return "", nil
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.mu.Unlock()
		metrics.IncListenerStart(metrics.ResultError)
		m.logger.Error("failed to start HTTP server", "port", port, "error", err)
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}

	id, err := uuid.NewUUID()
	if err != nil {
		m.mu.Unlock()
		_ = ln.Close()
		metrics.IncListenerStart(metrics.ResultError)
		return "", fmt.Errorf("generate listener id: %w", err)
	}

	l := newListener(port, id.String(), ln, m.buildHandler(), m.cfg.ReadHeaderTimeout)
	m.listeners[port] = l
	lctx, cancel := context.WithCancel(m.base)
	l.cancel = cancel
	go l.run(lctx, m.cfg.ShutdownTimeout, m.logger)

	metrics.IncListenerStart(metrics.ResultOK)
	metrics.SetListenersRunning(len(m.listeners))
	m.logger.Info("HTTP server started", "port", port, "id", l.id, "addr", ln.Addr().String())

	rec := store.Record{ID: l.id, Port: port, Status: store.StatusRunning, StartedAt: l.startedAt}
	// written under the lock so a concurrent Stop always finds the row
	if m.st != nil {
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
		err := m.st.Insert(wctx, rec)
		wcancel()
		if err != nil {
			metrics.IncRegistryError("insert")
			m.logger.Error("failed to record listener start", "port", port, "id", l.id, "error", err)
		}
	}
	// stamped under the lock so it never postdates a concurrent stop event
	ev, sink := history.NewEvent(history.EventStart, rec), m.sink
	m.mu.Unlock()

	// sinks may be remote; the table lock is not held while sending
	m.emit(ctx, sink, ev)
	return l.id, nil
}

// Stop drains the listener on port and marks its registry rows stopped.
// Unknown ports are a logged no-op.
func (m *Manager) Stop(ctx context.Context, port int) error {
	m.mu.Lock()
	l, ok := m.listeners[port]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("no HTTP server running", "port", port)
		return nil
	}
	delete(m.listeners, port)
	m.stopping[port] = struct{}{}
	running := len(m.listeners)
	st, sink := m.st, m.sink
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.stopping, port)
		m.mu.Unlock()
	}()

	l.cancel()
	<-l.done
	metrics.IncListenerStop()
	metrics.SetListenersRunning(running)
	m.logger.Info("HTTP server stopped", "port", port, "id", l.id)

	var err error
	if st != nil {
		wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
		_, err = st.MarkStopped(wctx, port)
		wcancel()
		if err != nil {
			metrics.IncRegistryError("mark_stopped")
			m.logger.Error("failed to record listener stop", "port", port, "error", err)
			err = fmt.Errorf("mark port %d stopped: %w", port, err)
		}
	}
	m.emit(ctx, sink, history.NewEvent(history.EventStop, store.Record{
		ID: l.id, Port: port, Status: store.StatusStopped, StartedAt: l.startedAt, UpdatedAt: time.Now().UTC(),
	}))
	return err
}

// StopAll stops every listener present in a snapshot of the table.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, p := range m.Ports() {
		if err := m.Stop(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the status of the most recent registry row for port.
// The in-memory table is not consulted. ok is false when no row exists.
func (m *Manager) Status(ctx context.Context, port int) (string, bool, error) {
	m.mu.Lock()
	st := m.st
	m.mu.Unlock()
	if st == nil {
		return "", false, errors.New("registry not configured")
	}
	rec, err := st.Latest(ctx, port)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		metrics.IncRegistryError("latest")
		return "", false, err
	}
	return rec.Status, true, nil
}

// Ports returns the sorted ports of the live table.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	out := make([]int, 0, len(m.listeners))
	for p := range m.listeners {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Ints(out)
	return out
}

// Has reports whether port is in the live table.
func (m *Manager) Has(port int) bool {
	m.mu.Lock()
	_, ok := m.listeners[port]
	m.mu.Unlock()
	return ok
}

// Addr returns the bound address of the listener on port, or "".
func (m *Manager) Addr(port int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listeners[port]; ok {
		return l.addr
	}
	return ""
}

// Shutdown refuses further starts, stops all listeners and releases the base context.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	err := m.StopAll(ctx)
	m.baseCancel()
	return err
}

func (m *Manager) emit(ctx context.Context, sink history.Sink, e history.Event) {
	if sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	if err := sink.Send(sctx, e); err != nil {
		m.logger.Warn("history sink failed", "event", string(e.Type), "port", e.Record.Port, "error", err)
	}
}
