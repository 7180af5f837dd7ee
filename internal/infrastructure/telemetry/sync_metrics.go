package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// SyncMetrics records engine measurements as OpenTelemetry instruments.
// It implements marketsync.MetricsSink.
type SyncMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	requestsTotal   *Counter
	requestDuration *Histogram
	retriesTotal    *Counter
	failuresTotal   *Counter
	throttledTotal  *Counter
	throttleWait    *Histogram

	recordsTotal *Counter
	pagesTotal   *Counter
	runsTotal    *Counter
	runDuration  *Histogram
	runErrors    *Counter

	lowStock        *Gauge
	snapshotsGauge  *Gauge
	recordErrorRows *Gauge

	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	statsProvider SyncStatsProvider
}

// SyncStatsProvider exposes stored sync state for periodic gauge collection.
type SyncStatsProvider interface {
	// SnapshotCounts returns inventory snapshot counts by account and stock status
	SnapshotCounts(ctx context.Context) ([]StatusCount, error)
	// RecordErrorCounts returns remote rows left in error state by resource and account
	RecordErrorCounts(ctx context.Context) ([]StatusCount, error)
}

// StatusCount is one aggregated row returned by a SyncStatsProvider.
type StatusCount struct {
	Resource string
	Account  string
	Status   string
	Count    int64
}

// SyncMetricsConfig holds configuration for SyncMetrics.
type SyncMetricsConfig struct {
	Meter         metric.Meter
	Logger        *zap.Logger
	StatsProvider SyncStatsProvider
}

// NewSyncMetrics creates the instruments of the sync engine.
func NewSyncMetrics(cfg SyncMetricsConfig) (*SyncMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &SyncMetrics{
		meter:         cfg.Meter,
		logger:        logger,
		stopChan:      make(chan struct{}),
		statsProvider: cfg.StatsProvider,
	}

	counters := []struct {
		target **Counter
		name   string
		desc   string
		unit   string
	}{
		{&sm.requestsTotal, "marketsync_requests_total", "Outbound marketplace request attempts", "{requests}"},
		{&sm.retriesTotal, "marketsync_request_retries_total", "Marketplace request retries", "{retries}"},
		{&sm.failuresTotal, "marketsync_request_failures_total", "Marketplace requests that failed after retries", "{requests}"},
		{&sm.throttledTotal, "marketsync_requests_throttled_total", "Requests that waited for a rate limiter token", "{requests}"},
		{&sm.recordsTotal, "marketsync_records_upserted_total", "Remote records merged by outcome", "{records}"},
		{&sm.pagesTotal, "marketsync_pages_fetched_total", "Marketplace pages fetched", "{pages}"},
		{&sm.runsTotal, "marketsync_runs_total", "Finished sync runs by status", "{runs}"},
		{&sm.runErrors, "marketsync_run_errors_total", "Errors recorded on sync runs", "{errors}"},
	}
	for _, c := range counters {
		counter, err := NewCounter(cfg.Meter, c.name, c.desc, c.unit)
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}

	histograms := []struct {
		target **Histogram
		opts   HistogramOpts
	}{
		{&sm.requestDuration, HistogramOpts{
			Name: "marketsync_request_duration_seconds", Description: "Marketplace request attempt latency",
			Unit: "s", Boundaries: RequestDurationBuckets,
		}},
		{&sm.throttleWait, HistogramOpts{
			Name: "marketsync_throttle_wait_seconds", Description: "Time spent waiting for a rate limiter token",
			Unit: "s", Boundaries: ThrottleWaitBuckets,
		}},
		{&sm.runDuration, HistogramOpts{
			Name: "marketsync_run_duration_seconds", Description: "Wall time of finished sync runs",
			Unit: "s", Boundaries: RunDurationBuckets,
		}},
	}
	for _, h := range histograms {
		histogram, err := NewHistogram(cfg.Meter, h.opts)
		if err != nil {
			return nil, err
		}
		*h.target = histogram
	}

	gauges := []struct {
		target **Gauge
		name   string
		desc   string
		unit   string
	}{
		{&sm.lowStock, "marketsync_low_stock_products", "Snapshots at or below their low stock threshold after the last reconcile", "{snapshots}"},
		{&sm.snapshotsGauge, "marketsync_inventory_snapshots", "Stored inventory snapshots by stock status", "{snapshots}"},
		{&sm.recordErrorRows, "marketsync_records_in_error", "Remote rows whose last payload was rejected", "{records}"},
	}
	for _, g := range gauges {
		gauge, err := NewGauge(cfg.Meter, g.name, g.desc, g.unit)
		if err != nil {
			return nil, err
		}
		*g.target = gauge
	}

	return sm, nil
}

// =============================================================================
// marketsync.MetricsSink
// =============================================================================

// RequestAttempt records one outbound attempt. statusCode 0 means no response.
func (sm *SyncMetrics) RequestAttempt(ctx context.Context, route string, statusCode int, latency time.Duration) {
	attrs := []attribute.KeyValue{AttrRoute.String(route), AttrStatusCode.String(statusClass(statusCode))}
	sm.requestsTotal.Inc(ctx, attrs...)
	sm.requestDuration.RecordDuration(ctx, latency, attrs...)
}

// RequestRetried records a retry.
func (sm *SyncMetrics) RequestRetried(ctx context.Context, route string) {
	sm.retriesTotal.Inc(ctx, AttrRoute.String(route))
}

// RequestFailed records a final failure of the given kind.
func (sm *SyncMetrics) RequestFailed(ctx context.Context, route string, kind string) {
	sm.failuresTotal.Inc(ctx, AttrRoute.String(route), AttrErrorKind.String(kind))
}

// RequestThrottled records a call that had to wait for a token.
func (sm *SyncMetrics) RequestThrottled(ctx context.Context, route string, wait time.Duration) {
	sm.throttledTotal.Inc(ctx, AttrRoute.String(route))
	sm.throttleWait.RecordDuration(ctx, wait, AttrRoute.String(route))
}

// RecordUpserted records one upsert outcome.
func (sm *SyncMetrics) RecordUpserted(ctx context.Context, resource marketsync.ResourceType, account marketsync.AccountScope, outcome marketsync.UpsertOutcome) {
	sm.recordsTotal.Inc(ctx,
		AttrResource.String(resource.String()),
		AttrAccount.String(account.String()),
		AttrOutcome.String(outcome.String()),
	)
}

// PageFetched records one fetched page.
func (sm *SyncMetrics) PageFetched(ctx context.Context, resource marketsync.ResourceType, account marketsync.AccountScope) {
	sm.pagesTotal.Inc(ctx, AttrResource.String(resource.String()), AttrAccount.String(account.String()))
}

// RunFinished records a terminal run.
func (sm *SyncMetrics) RunFinished(ctx context.Context, run *marketsync.SyncRun) {
	attrs := []attribute.KeyValue{
		AttrResource.String(run.Resource.String()),
		AttrMode.String(run.Mode.String()),
		AttrStatus.String(run.Status.String()),
	}
	sm.runsTotal.Inc(ctx, attrs...)
	sm.runDuration.RecordDuration(ctx, run.Duration(), attrs...)
	if run.ErrorCount > 0 {
		sm.runErrors.Add(ctx, int64(run.ErrorCount), AttrResource.String(run.Resource.String()))
	}
}

// LowStock records the low stock count of an account's last reconcile.
func (sm *SyncMetrics) LowStock(ctx context.Context, account marketsync.AccountScope, count int) {
	sm.lowStock.Record(ctx, int64(count), AttrAccount.String(account.String()))
}

// Ensure SyncMetrics implements MetricsSink
var _ marketsync.MetricsSink = (*SyncMetrics)(nil)

// =============================================================================
// Periodic Collection
// =============================================================================

// StartPeriodicCollection records stored-state gauges every interval (default 5m)
// until Stop is called or ctx ends. It is non-blocking and only starts once.
func (sm *SyncMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	sm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go sm.runPeriodicCollection(ctx, interval)
	})
}

func (sm *SyncMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sm.CollectStoredState(ctx)
	for {
		select {
		case <-sm.stopChan:
			sm.logger.Info("Stopping periodic sync metrics collection")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CollectStoredState(ctx)
		}
	}
}

// CollectStoredState records the snapshot and error-row gauges once.
func (sm *SyncMetrics) CollectStoredState(ctx context.Context) {
	if sm.statsProvider == nil {
		return
	}

	snapshots, err := sm.statsProvider.SnapshotCounts(ctx)
	if err != nil {
		sm.logger.Warn("Failed to collect inventory snapshot counts", zap.Error(err))
	}
	for _, row := range snapshots {
		sm.snapshotsGauge.Record(ctx, row.Count,
			AttrAccount.String(row.Account),
			AttrStatus.String(row.Status),
		)
	}

	errorRows, err := sm.statsProvider.RecordErrorCounts(ctx)
	if err != nil {
		sm.logger.Warn("Failed to collect remote record error counts", zap.Error(err))
	}
	for _, row := range errorRows {
		sm.recordErrorRows.Record(ctx, row.Count,
			AttrResource.String(row.Resource),
			AttrAccount.String(row.Account),
		)
	}
}

// Stop stops the periodic collection.
func (sm *SyncMetrics) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
	})
}

// statusClass buckets HTTP status codes to keep label cardinality low.
func statusClass(code int) string {
	if code <= 0 {
		return "none"
	}
	return strconv.Itoa(code/100) + "xx"
}

// =============================================================================
// Error Types
// =============================================================================

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewSyncMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
