package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metric names.
const (
	PromRequestsTotal     = "requests_total"
	PromRequestDuration   = "request_duration_seconds"
	PromRetriesTotal      = "request_retries_total"
	PromFailuresTotal     = "request_failures_total"
	PromThrottledTotal    = "requests_throttled_total"
	PromRecordsTotal      = "records_upserted_total"
	PromPagesTotal        = "pages_fetched_total"
	PromRunsTotal         = "runs_total"
	PromRunDuration       = "run_duration_seconds"
	PromLowStockSnapshots = "low_stock_snapshots"
)

// PrometheusSinkConfig holds configuration for the Prometheus sink.
type PrometheusSinkConfig struct {
	// Namespace prefixes every metric. Default: "marketsync"
	Namespace string
	// WithRuntimeMetrics adds the Go runtime and process collectors
	WithRuntimeMetrics bool
}

// PrometheusSink exposes engine measurements for scraping. It implements
// marketsync.MetricsSink and is safe for concurrent use.
type PrometheusSink struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	throttledTotal  *prometheus.CounterVec
	recordsTotal    *prometheus.CounterVec
	pagesTotal      *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	lowStock        *prometheus.GaugeVec
}

// NewPrometheusSink creates a sink backed by its own registry.
func NewPrometheusSink(cfg PrometheusSinkConfig) *PrometheusSink {
	ns := cfg.Namespace
	if ns == "" {
		ns = "marketsync"
	}

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogramVec := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	s := &PrometheusSink{
		registry:        prometheus.NewRegistry(),
		requestsTotal:   counterVec(PromRequestsTotal, "Outbound marketplace request attempts.", "route", "code"),
		requestDuration: histogramVec(PromRequestDuration, "Marketplace request attempt latency.", RequestDurationBuckets, "route"),
		retriesTotal:    counterVec(PromRetriesTotal, "Marketplace request retries.", "route"),
		failuresTotal:   counterVec(PromFailuresTotal, "Marketplace requests that failed after retries.", "route", "kind"),
		throttledTotal:  counterVec(PromThrottledTotal, "Requests that waited for a rate limiter token.", "route"),
		recordsTotal:    counterVec(PromRecordsTotal, "Remote records merged by outcome.", "resource", "account", "outcome"),
		pagesTotal:      counterVec(PromPagesTotal, "Marketplace pages fetched.", "resource", "account"),
		runsTotal:       counterVec(PromRunsTotal, "Finished sync runs by status.", "resource", "status"),
		runDuration:     histogramVec(PromRunDuration, "Wall time of finished sync runs.", RunDurationBuckets, "resource"),
		lowStock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      PromLowStockSnapshots,
			Help:      "Snapshots at or below their low stock threshold after the last reconcile.",
		}, []string{"account"}),
	}

	s.registry.MustRegister(
		s.requestsTotal, s.requestDuration, s.retriesTotal, s.failuresTotal, s.throttledTotal,
		s.recordsTotal, s.pagesTotal, s.runsTotal, s.runDuration, s.lowStock,
	)
	if cfg.WithRuntimeMetrics {
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return s
}

// Registry returns the sink's registry.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// RequestAttempt implements marketsync.MetricsSink.
func (s *PrometheusSink) RequestAttempt(_ context.Context, route string, statusCode int, latency time.Duration) {
	code := "none"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	s.requestsTotal.WithLabelValues(route, code).Inc()
	s.requestDuration.WithLabelValues(route).Observe(latency.Seconds())
}

// RequestRetried implements marketsync.MetricsSink.
func (s *PrometheusSink) RequestRetried(_ context.Context, route string) {
	s.retriesTotal.WithLabelValues(route).Inc()
}

// RequestFailed implements marketsync.MetricsSink.
func (s *PrometheusSink) RequestFailed(_ context.Context, route string, kind string) {
	s.failuresTotal.WithLabelValues(route, kind).Inc()
}

// RequestThrottled implements marketsync.MetricsSink.
func (s *PrometheusSink) RequestThrottled(_ context.Context, route string, _ time.Duration) {
	s.throttledTotal.WithLabelValues(route).Inc()
}

// RecordUpserted implements marketsync.MetricsSink.
func (s *PrometheusSink) RecordUpserted(_ context.Context, resource marketsync.ResourceType, account marketsync.AccountScope, outcome marketsync.UpsertOutcome) {
	s.recordsTotal.WithLabelValues(resource.String(), account.String(), outcome.String()).Inc()
}

// PageFetched implements marketsync.MetricsSink.
func (s *PrometheusSink) PageFetched(_ context.Context, resource marketsync.ResourceType, account marketsync.AccountScope) {
	s.pagesTotal.WithLabelValues(resource.String(), account.String()).Inc()
}

// RunFinished implements marketsync.MetricsSink.
func (s *PrometheusSink) RunFinished(_ context.Context, run *marketsync.SyncRun) {
	s.runsTotal.WithLabelValues(run.Resource.String(), run.Status.String()).Inc()
	s.runDuration.WithLabelValues(run.Resource.String()).Observe(run.Duration().Seconds())
}

// LowStock implements marketsync.MetricsSink.
func (s *PrometheusSink) LowStock(_ context.Context, account marketsync.AccountScope, count int) {
	s.lowStock.WithLabelValues(account.String()).Set(float64(count))
}

// Ensure PrometheusSink implements MetricsSink
var _ marketsync.MetricsSink = (*PrometheusSink)(nil)
