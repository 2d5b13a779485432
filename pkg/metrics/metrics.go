// Package metrics exposes gateway counters and histograms in Prometheus
// format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/revocation"
)

const namespace = "mcp_gateway"

// Registry owns its own prometheus registry so tests and multiple gateways
// in one process do not collide on the default one.
type Registry struct {
	reg           *prometheus.Registry
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	domainCalls   *prometheus.CounterVec
	domainLatency *prometheus.HistogramVec
	confirmations *prometheus.CounterVec
	authFailures  *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		domainCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_calls_total",
			Help:      "Outbound domain calls by domain and status.",
		}, []string{"domain", "status"}),
		domainLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "domain_call_duration_seconds",
			Help:      "Outbound domain call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"domain"}),
		confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_resolved_total",
			Help:      "Confirmation resolutions by outcome.",
		}, []string{"outcome"}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected requests by error code.",
		}, []string{"code"}),
	}
}

func (r *Registry) ObserveHTTP(route string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) ObserveDomainCall(domain, status string, d time.Duration) {
	r.domainCalls.WithLabelValues(domain, status).Inc()
	r.domainLatency.WithLabelValues(domain).Observe(d.Seconds())
}

func (r *Registry) IncConfirmation(outcome string) {
	r.confirmations.WithLabelValues(outcome).Inc()
}

func (r *Registry) IncAuthFailure(code string) {
	r.authFailures.WithLabelValues(code).Inc()
}

// RegisterRevocationHealth exports the cache's health as gauges sampled at
// scrape time.
func (r *Registry) RegisterRevocationHealth(health func() revocation.Health) {
	f := promauto.With(r.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "revocation_cache_size",
		Help:      "Revoked token ids in the local snapshot.",
	}, func() float64 { return float64(health().CacheSize) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "revocation_seconds_since_sync",
		Help:      "Age of the revocation snapshot.",
	}, func() float64 { return health().SecondsSinceLastSync })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "revocation_consecutive_failures",
		Help:      "Consecutive failed revocation refreshes.",
	}, func() float64 { return float64(health().ConsecutiveFailures) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "revocation_healthy",
		Help:      "1 while the revocation snapshot is within its staleness bound.",
	}, func() float64 {
		if health().IsHealthy {
			return 1
		}
		return 0
	})
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer is exposed for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Middleware records every request under a fixed route label.
func (r *Registry) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.ObserveHTTP(route, rec.status, time.Since(start))
	})
}
