package network

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/hostagent/internal/metrics"
)

// DefaultHTTPTimeout bounds a relay request when none is configured.
const DefaultHTTPTimeout = 10 * time.Second

// DefaultMaxRelayBody caps how much of a relayed body is read into memory.
const DefaultMaxRelayBody = 10 << 20

type RelayConfig struct {
	Timeout time.Duration
	// MaxBody caps the relayed body; longer bodies are truncated with a warning.
	MaxBody int64
	Logger  *slog.Logger
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Relay performs outbound HTTP GET requests on behalf of control clients.
type Relay struct {
	client  *http.Client
	maxBody int64
	logger  *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxRelayBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		client:  &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		maxBody: cfg.MaxBody,
		logger:  cfg.Logger,
	}
}

// URL builds the relay target the same way for requests and responses.
func URL(ip string, port int, uri string) string {
	if uri == "" {
		uri = "/"
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(port)) + uri
}

// Get fetches http://ip:port/uri and returns the body regardless of status code.
func (r *Relay) Get(ctx context.Context, ip string, port int, uri string) (string, error) {
	u := URL(ip, port, uri)
	r.logger.Info("performing HTTP GET", "url", u)
	start := time.Now()
	body, err := r.get(ctx, u)
	if err != nil {
		metrics.ObserveRelay(metrics.ResultError, time.Since(start).Seconds())
		r.logger.Error("HTTP GET failed", "url", u, "error", err)
		return "", err
	}
	metrics.ObserveRelay(metrics.ResultOK, time.Since(start).Seconds())
	return body, nil
}

func (r *Relay) get(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	// one extra byte tells a body of exactly maxBody from a longer one
	b, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(b)) > r.maxBody {
		r.logger.Warn("relayed body truncated", "url", u, "limit_bytes", r.maxBody)
		b = b[:r.maxBody]
	}
	return string(b), nil
}
