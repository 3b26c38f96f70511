package hostagent

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hostagent/internal/agent"
	cfg "github.com/loykin/hostagent/internal/config"
	"github.com/loykin/hostagent/internal/history"
	"github.com/loykin/hostagent/internal/logger"
	"github.com/loykin/hostagent/internal/metrics"
	"github.com/loykin/hostagent/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type LogConfig = logger.Config

type State = agent.State

const (
	StateUninitialized = agent.StateUninitialized
	StateInitializing  = agent.StateInitializing
	StateServing       = agent.StateServing
	StateTerminating   = agent.StateTerminating
	StateCleanedUp     = agent.StateCleanedUp
)

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Agent is a thin facade over internal/agent.Agent.
// It provides a stable public API for embedding.
type Agent struct{ inner *agent.Agent }

// New builds an agent from c. A nil logger means slog.Default().
func New(c Config, lg *slog.Logger) *Agent {
	return &Agent{inner: agent.New(agent.Options{Config: c, Logger: lg})}
}

// NewWithHistory is New with an additional history sink owned by the caller.
func NewWithHistory(c Config, lg *slog.Logger, sink HistorySink) *Agent {
	return &Agent{inner: agent.New(agent.Options{Config: c, Logger: lg, HistorySink: sink})}
}

func (a *Agent) Run(ctx context.Context) error                   { return a.inner.Run(ctx) }
func (a *Agent) InitializeRegistry(ctx context.Context) error    { return a.inner.InitializeRegistry(ctx) }
func (a *Agent) Resolve(ctx context.Context, domain string) string { return a.inner.Resolve(ctx, domain) }
func (a *Agent) Relay(ctx context.Context, ip string, port int, uri string) string {
	return a.inner.Relay(ctx, ip, port, uri)
}
func (a *Agent) StartListener(ctx context.Context, port int) *string {
	return a.inner.StartListener(ctx, port)
}
func (a *Agent) StopListener(ctx context.Context, port int) { a.inner.StopListener(ctx, port) }
func (a *Agent) ListenerStatus(ctx context.Context, port int) *string {
	return a.inner.ListenerStatus(ctx, port)
}
func (a *Agent) Ports() []int          { return a.inner.Manager().Ports() }
func (a *Agent) Terminate() int        { return a.inner.Terminate() }
func (a *Agent) Running() bool         { return a.inner.Running() }
func (a *Agent) Done() <-chan struct{} { return a.inner.Done() }
func (a *Agent) Cleanup()              { a.inner.Cleanup() }
func (a *Agent) State() State          { return a.inner.State() }

// Handler returns the control API bound to this agent, for mounting in another server.
func (a *Agent) Handler(basePath string) http.Handler {
	return server.NewRouter(a.inner, server.RouterOptions{BasePath: basePath}).Handler()
}

func DefaultConfig() Config { return cfg.Default() }

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// NewLogger builds the agent logger; close the returned closer on exit.
func NewLogger(c LogConfig, console io.Writer) (*slog.Logger, io.Closer, error) {
	return logger.New(c, console)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an http.Server exposing /metrics of the default registry on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := server.NewServer(addr, mux)
	srv.WriteTimeout = 10 * time.Second
	return srv
}
