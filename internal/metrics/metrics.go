package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	listenerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostagent",
			Subsystem: "listener",
			Name:      "starts_total",
			Help:      "Number of listener start attempts by outcome.",
		}, []string{"result"},
	)
	listenerStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostagent",
			Subsystem: "listener",
			Name:      "stops_total",
			Help:      "Number of listeners stopped.",
		},
	)
	listenersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostagent",
			Subsystem: "listener",
			Name:      "running",
			Help:      "Listeners currently tracked as live.",
		},
	)
	registryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostagent",
			Subsystem: "registry",
			Name:      "errors_total",
			Help:      "Registry operations that failed.",
		}, []string{"op"},
	)
	dnsQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostagent",
			Subsystem: "network",
			Name:      "dns_queries_total",
			Help:      "DNS resolutions by outcome.",
		}, []string{"result"},
	)
	relayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostagent",
			Subsystem: "network",
			Name:      "relay_requests_total",
			Help:      "Outbound HTTP relay requests by outcome.",
		}, []string{"result"},
	)
	relayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hostagent",
			Subsystem: "network",
			Name:      "relay_duration_seconds",
			Help:      "Duration of outbound HTTP relay requests.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{listenerStarts, listenerStops, listenersRunning, registryErrors, dnsQueries, relayRequests, relayDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor returns an http.Handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

// Ports are not labels: they come from clients and are unbounded.

func IncListenerStart(result string) {
	if regOK.Load() {
		listenerStarts.WithLabelValues(result).Inc()
	}
}

func IncListenerStop() {
	if regOK.Load() {
		listenerStops.Inc()
	}
}

func SetListenersRunning(n int) {
	if regOK.Load() {
		listenersRunning.Set(float64(n))
	}
}

func IncRegistryError(op string) {
	if regOK.Load() {
		registryErrors.WithLabelValues(op).Inc()
	}
}

func IncDNSQuery(result string) {
	if regOK.Load() {
		dnsQueries.WithLabelValues(result).Inc()
	}
}

func ObserveRelay(result string, seconds float64) {
	if regOK.Load() {
		relayRequests.WithLabelValues(result).Inc()
		relayDuration.Observe(seconds)
	}
}
