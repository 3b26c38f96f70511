package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/loykin/hostagent/internal/metrics"
)

// DefaultDNSTimeout bounds a single resolution when none is configured.
const DefaultDNSTimeout = 5 * time.Second

// ErrNoAddress is returned when a name resolves but has no IPv4 address.
var ErrNoAddress = errors.New("no IPv4 address found")

// ResolverConfig selects between the system resolver and a plain DNS upstream.
// Upstream is host:port (port defaults to 53); empty means the system resolver.
type ResolverConfig struct {
	Upstream string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Resolver turns a hostname into a single IPv4 address.
type Resolver struct {
	upstream string
	timeout  time.Duration
	sys      *net.Resolver
	client   *dns.Client
	logger   *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDNSTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Resolver{
		timeout: cfg.Timeout,
		sys:     net.DefaultResolver,
		logger:  cfg.Logger,
	}
	if up := strings.TrimSpace(cfg.Upstream); up != "" {
		if _, _, err := net.SplitHostPort(up); err != nil {
			up = net.JoinHostPort(up, "53")
		}
		r.upstream = up
		r.client = &dns.Client{Net: "udp", Timeout: cfg.Timeout}
	}
	return r
}

// Upstream returns the configured upstream address, empty for the system resolver.
func (r *Resolver) Upstream() string { return r.upstream }

// Resolve returns the first IPv4 address of domain.
func (r *Resolver) Resolve(ctx context.Context, domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", errors.New("empty domain")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Info("resolving DNS", "domain", domain, "upstream", r.upstream)
	var (
		ip  string
		err error
	)
	if r.client != nil {
		ip, err = r.exchange(ctx, domain)
	} else {
		ip, err = r.lookupSystem(ctx, domain)
	}
	if err != nil {
		metrics.IncDNSQuery(metrics.ResultError)
		r.logger.Warn("DNS resolution failed", "domain", domain, "error", err)
		return "", err
	}
	metrics.IncDNSQuery(metrics.ResultOK)
	return ip, nil
}

func (r *Resolver) lookupSystem(ctx context.Context, domain string) (string, error) {
	if ip := net.ParseIP(domain); ip != nil && ip.To4() != nil {
		return ip.String(), nil
	}
	ips, err := r.sys.LookupIP(ctx, "ip4", domain)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", ErrNoAddress
}

func (r *Resolver) exchange(ctx context.Context, domain string) (string, error) {
	if ip := net.ParseIP(domain); ip != nil && ip.To4() != nil {
		return ip.String(), nil
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	m.RecursionDesired = true
	resp, _, err := r.client.ExchangeContext(ctx, m, r.upstream)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", r.upstream, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("query %s: %s", r.upstream, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", ErrNoAddress
}
