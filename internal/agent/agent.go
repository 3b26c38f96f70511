package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/hostagent/internal/config"
	"github.com/loykin/hostagent/internal/history"
	hfactory "github.com/loykin/hostagent/internal/history/factory"
	"github.com/loykin/hostagent/internal/manager"
	"github.com/loykin/hostagent/internal/network"
	"github.com/loykin/hostagent/internal/server"
	"github.com/loykin/hostagent/internal/store"
	"github.com/loykin/hostagent/internal/store/factory"
)

// Options configures a new Agent. Only Config is required.
type Options struct {
	Config config.Config
	Logger *slog.Logger
	// OpenStore opens the registry; defaults to factory.NewFromDSN.
	OpenStore func(dsn string) (store.Store, error)
	// HistorySink overrides the sinks built from Config.History. The agent does not close it.
	HistorySink history.Sink
}

// Agent composes the listener manager, the registry and the network providers,
// and owns the run context that Terminate cancels.
type Agent struct {
	cfg       config.Config
	logger    *slog.Logger
	mgr       *manager.Manager
	resolver  *network.Resolver
	relay     *network.Relay
	openStore func(string) (store.Store, error)

	mu        sync.Mutex
	st        store.Store
	sink      history.Sink
	ownSink   bool
	closed    bool
	cleanOnce sync.Once

	state      atomic.Int32
	terminated atomic.Bool
	runCtx     context.Context
	runCancel  context.CancelFunc
}

func New(opts Options) *Agent {
	cfg := opts.Config
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	open := opts.OpenStore
	if open == nil {
		open = factory.NewFromDSN
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:    cfg,
		logger: lg,
		mgr: manager.New(manager.Config{
			Host:              cfg.Server.Host,
			Engine:            cfg.Server.Engine,
			ShutdownTimeout:   cfg.Server.ShutdownTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			Logger:            lg.With("component", "manager"),
		}),
		resolver: network.NewResolver(network.ResolverConfig{
			Upstream: cfg.Network.DNSUpstream,
			Timeout:  cfg.Network.DNSTimeout,
			Logger:   lg.With("component", "resolver"),
		}),
		relay: network.NewRelay(network.RelayConfig{
			Timeout: cfg.Network.HTTPTimeout,
			Logger:  lg.With("component", "relay"),
		}),
		openStore: open,
		sink:      opts.HistorySink,
		runCtx:    runCtx,
		runCancel: cancel,
	}
	router := server.NewRouter(a, server.RouterOptions{
		Metrics: cfg.Metrics.Enabled && cfg.Metrics.Listen == "",
		Logger:  lg.With("component", "api"),
	})
	a.mgr.SetHandler(router.Handler())
	if a.sink != nil {
		a.mgr.SetHistorySink(a.sink)
	}
	return a
}

// Manager exposes the listener table, mostly for embedding and tests.
func (a *Agent) Manager() *manager.Manager { return a.mgr }

// SetHandler replaces the handler served by listeners started afterwards.
func (a *Agent) SetHandler(h http.Handler) { a.mgr.SetHandler(h) }

func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
	a.logger.Debug("agent state", "state", s.String())
}

// InitializeRegistry opens the registry, creates its table and opens history sinks.
// Any failure runs Cleanup and is returned; callers treat it as fatal.
func (a *Agent) InitializeRegistry(ctx context.Context) error {
	if a.State() == StateCleanedUp {
		return errors.New("agent already cleaned up")
	}
	a.setState(StateInitializing)
	if err := a.initialize(ctx); err != nil {
		a.logger.Error("failed to initialize registry", "error", err)
		a.Cleanup()
		return err
	}
	a.logger.Info("registry initialized", "dsn", redactDSN(a.cfg.Store.DSN))
	// a Terminate during initialization wins
	if a.state.CompareAndSwap(int32(StateInitializing), int32(StateServing)) {
		a.logger.Debug("agent state", "state", StateServing.String())
	}
	return nil
}

func (a *Agent) initialize(ctx context.Context) error {
	st, err := a.openStore(a.cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	a.mu.Lock()
	a.st = st
	a.mu.Unlock()

	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("create registry schema: %w", err)
	}
	a.mgr.SetStore(st)

	if a.sink == nil && a.cfg.History.Enabled {
		sinks, err := hfactory.NewFromDSNs(a.cfg.History.Sinks)
		if err != nil {
			return fmt.Errorf("open history sinks: %w", err)
		}
		a.mu.Lock()
		a.sink, a.ownSink = sinks, true
		a.mu.Unlock()
		a.mgr.SetHistorySink(sinks)
	}

	if a.cfg.Store.ReconcileOnStart {
		if _, err := a.ReconcileOrphans(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileOrphans marks every running row stopped. It only runs while no listener is live,
// so the rows it touches belong to a previous process.
func (a *Agent) ReconcileOrphans(ctx context.Context) (int64, error) {
	if n := len(a.mgr.Ports()); n > 0 {
		return 0, fmt.Errorf("reconcile refused: %d listeners running", n)
	}
	st := a.store()
	if st == nil {
		return 0, errors.New("registry not initialized")
	}
	n, err := st.MarkAllStopped(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: %w", err)
	}
	if n > 0 {
		a.logger.Info("marked orphaned listener rows stopped", "rows", n)
	}
	return n, nil
}

func (a *Agent) store() store.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	return a.st
}

// Resolve returns the IPv4 address of domain or a descriptive error string.
func (a *Agent) Resolve(ctx context.Context, domain string) string {
	ip, err := a.resolver.Resolve(ctx, domain)
	if err != nil {
		return "Error resolving domain: " + err.Error()
	}
	return ip
}

// Relay performs GET http://ip:port/uri and returns the body or a descriptive error string.
func (a *Agent) Relay(ctx context.Context, ip string, port int, uri string) string {
	body, err := a.relay.Get(ctx, ip, port, uri)
	if err != nil {
		return "Error performing HTTP GET request: " + err.Error()
	}
	return body
}

// accepting reports whether control operations are allowed, logging the refusal.
func (a *Agent) accepting(op string, port int) bool {
	if s := a.State(); s != StateServing {
		a.logger.Warn("control operation refused", "op", op, "port", port, "state", s.String())
		return false
	}
	return true
}

// StartListener starts a listener on port and returns its id, or nil on any failure.
// Only accepted while serving.
func (a *Agent) StartListener(ctx context.Context, port int) *string {
	if !a.accepting("start", port) {
		return nil
	}
	return a.startListener(ctx, port)
}

func (a *Agent) startListener(ctx context.Context, port int) *string {
	id, err := a.mgr.Start(ctx, port)
	if err != nil {
		a.logger.Error("start listener failed", "port", port, "error", err)
		return nil
	}
	if id == "" {
		return nil
	}
	return &id
}

func (a *Agent) StopListener(ctx context.Context, port int) {
	if !a.accepting("stop", port) {
		return
	}
	if err := a.mgr.Stop(ctx, port); err != nil {
		a.logger.Error("stop listener failed", "port", port, "error", err)
	}
}

// ListenerStatus returns the most recent recorded status of port, or nil.
func (a *Agent) ListenerStatus(ctx context.Context, port int) *string {
	if !a.accepting("status", port) {
		return nil
	}
	status, ok, err := a.mgr.Status(ctx, port)
	if err != nil {
		a.logger.Error("listener status failed", "port", port, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &status
}

// Terminate cancels the run context and returns exit code 0. Repeated calls are no-ops.
func (a *Agent) Terminate() int {
	if a.terminated.CompareAndSwap(false, true) {
		a.logger.Info("terminating agent")
		if a.State() != StateCleanedUp {
			a.setState(StateTerminating)
		}
		a.runCancel()
	}
	return 0
}

// Running reports whether Terminate has not been called yet.
func (a *Agent) Running() bool { return !a.terminated.Load() }

// Done is closed once Terminate has been called.
func (a *Agent) Done() <-chan struct{} { return a.runCtx.Done() }

// Cleanup stops every listener and closes the registry. Safe to call more than once.
func (a *Agent) Cleanup() {
	a.cleanOnce.Do(func() {
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ports := a.mgr.Ports()
		// each stop drains one listener and writes one row
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(ports)+1)*(timeout+5*time.Second))
		defer cancel()
		if err := a.mgr.Shutdown(ctx); err != nil {
			a.logger.Warn("listener shutdown reported errors", "error", err)
		}

		a.mu.Lock()
		st, sink, own := a.st, a.sink, a.ownSink
		a.closed = true
		a.mu.Unlock()

		if st != nil {
			if err := st.Close(); err != nil {
				a.logger.Warn("closing registry", "error", err)
			}
		}
		if own {
			if c, ok := sink.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
		a.setState(StateCleanedUp)
		a.logger.Info("agent cleaned up", "listeners_stopped", len(ports))
	})
}

// Run initializes the registry, starts the initial listener and serves until
// Terminate is called or ctx is cancelled. Cleanup always runs before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.InitializeRegistry(ctx); err != nil {
		return err
	}
	port := a.cfg.Server.Port
	// not gated: a Terminate racing this start is handled by the wait below
	if a.startListener(ctx, port) == nil {
		a.Cleanup()
		return fmt.Errorf("start initial listener on port %d", port)
	}
	a.logger.Info("agent serving", "port", port)

	select {
	case <-ctx.Done():
		a.Terminate()
	case <-a.runCtx.Done():
	}
	a.Cleanup()
	return nil
}

// redactDSN hides credentials before the DSN is logged.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
