package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSink_Requests(t *testing.T) {
	sink := NewPrometheusSink(PrometheusSinkConfig{})
	ctx := context.Background()

	sink.RequestAttempt(ctx, "orders", 200, 10*time.Millisecond)
	sink.RequestAttempt(ctx, "orders", 200, 12*time.Millisecond)
	sink.RequestAttempt(ctx, "orders", 0, time.Second)
	sink.RequestRetried(ctx, "orders")
	sink.RequestFailed(ctx, "orders", "RateLimited")
	sink.RequestThrottled(ctx, "other", 50*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(sink.requestsTotal.WithLabelValues("orders", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.requestsTotal.WithLabelValues("orders", "none")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.retriesTotal.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.failuresTotal.WithLabelValues("orders", "RateLimited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.throttledTotal.WithLabelValues("other")))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.requestDuration))
}

func TestPrometheusSink_RunsAndRecords(t *testing.T) {
	sink := NewPrometheusSink(PrometheusSinkConfig{Namespace: "test"})
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	run, err := marketsync.NewSyncRun(marketsync.ResourceOrders, marketsync.ScopeA, marketsync.SyncModeIncremental, 0, 0, start)
	require.NoError(t, err)
	run.Fail(marketsync.FailureDeadlineExceeded, start.Add(time.Minute))

	sink.RecordUpserted(ctx, marketsync.ResourceOrders, marketsync.AccountA, marketsync.OutcomeUpdated)
	sink.PageFetched(ctx, marketsync.ResourceOrders, marketsync.AccountA)
	sink.PageFetched(ctx, marketsync.ResourceOrders, marketsync.AccountA)
	sink.RunFinished(ctx, run)
	sink.LowStock(ctx, marketsync.AccountB, 4)

	assert.Equal(t, float64(1), testutil.ToFloat64(sink.recordsTotal.WithLabelValues("orders", "A", "updated")))
	assert.Equal(t, float64(2), testutil.ToFloat64(sink.pagesTotal.WithLabelValues("orders", "A")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.runsTotal.WithLabelValues("orders", "failed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(sink.lowStock.WithLabelValues("B")))
}

func TestPrometheusSink_Handler(t *testing.T) {
	sink := NewPrometheusSink(PrometheusSinkConfig{WithRuntimeMetrics: true})
	sink.RequestAttempt(context.Background(), "orders", 429, time.Millisecond)

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `marketsync_requests_total{code="429",route="orders"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestPrometheusSink_SeparateRegistries(t *testing.T) {
	a := NewPrometheusSink(PrometheusSinkConfig{})
	b := NewPrometheusSink(PrometheusSinkConfig{})
	a.RequestRetried(context.Background(), "orders")

	assert.NotSame(t, a.Registry(), b.Registry())
	assert.Equal(t, float64(0), testutil.ToFloat64(b.retriesTotal.WithLabelValues("orders")))
}
