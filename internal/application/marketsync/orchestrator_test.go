package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/erp/marketsync/internal/infrastructure/marketplace/marketplacetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productRun(mode marketsync.SyncMode, maxPages int) RunRequest {
	return RunRequest{
		Resource: marketsync.ResourceProducts,
		Scope:    marketsync.ScopeBoth,
		Mode:     mode,
		MaxPages: maxPages,
	}
}

func TestOrchestrator_ProductsRunThenRerunIsUnchanged(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 75})
	ctx := context.Background()
	faker := gofakeit.New(42)
	f.serverA.AddProducts(marketplacetest.Products(faker, "a", 150)...)

	run, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeIncremental, 2))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)
	assert.Equal(t, 150, run.Created)
	assert.Equal(t, 150, run.TotalItems)
	assert.Zero(t, run.Failed)

	accA := run.Account(marketsync.AccountA)
	require.NotNil(t, accA)
	assert.Equal(t, 2, accA.PagesFetched)
	assert.Equal(t, 150, accA.InventoryRows)
	accB := run.Account(marketsync.AccountB)
	require.NotNil(t, accB)
	assert.Equal(t, marketsync.SyncRunCompleted, accB.Status)
	assert.Zero(t, accB.TotalItems)

	f.clock.Advance(time.Hour)
	rerun, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeIncremental, 2))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, rerun.Status)
	assert.Equal(t, 150, rerun.Unchanged)
	assert.Zero(t, rerun.Created)
	assert.Zero(t, rerun.Updated)

	// the second run asks only for changes since the first one started
	reqs := f.serverA.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, baseTime.Format(time.RFC3339), last.Query.Get("updated_since"))
}

func TestOrchestrator_FullModeSendsNoWatermark(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(1), "a", 3)...)

	_, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	_, err = f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)

	for _, r := range f.serverA.Requests() {
		assert.Empty(t, r.Query.Get("updated_since"))
	}
}

func TestOrchestrator_PageLimitResumesNextIncrementalRun(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 10, onlyAccountA: true})
	ctx := context.Background()
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(11), "a", 30)...)

	req := RunRequest{
		Resource: marketsync.ResourceProducts,
		Scope:    marketsync.ScopeA,
		Mode:     marketsync.SyncModeIncremental,
		MaxPages: 1,
	}

	tests := []struct {
		wantPage      int
		wantTruncated bool
	}{
		{wantPage: 1, wantTruncated: true},
		{wantPage: 2, wantTruncated: true},
		{wantPage: 3, wantTruncated: false},
	}
	for _, tt := range tests {
		run, err := f.orchestrator.Run(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, marketsync.SyncRunCompleted, run.Status)
		assert.Equal(t, 10, run.Created)

		acc := run.Account(marketsync.AccountA)
		assert.Equal(t, tt.wantPage, acc.LastPage)
		assert.Equal(t, tt.wantTruncated, acc.Truncated)
		assert.Nil(t, acc.UpdatedSince, "a resumed pass keeps the filter it started with")
		require.NotNil(t, acc.WindowStart)
		assert.True(t, acc.WindowStart.Equal(baseTime))
		if tt.wantTruncated {
			require.Len(t, acc.Warnings, 1)
			assert.Contains(t, acc.Warnings[0], "page limit reached")
		}
		f.clock.Advance(time.Hour)
	}

	stored, err := f.products.ListByAccount(ctx, marketsync.AccountA)
	require.NoError(t, err)
	assert.Len(t, stored, 30)
	assert.Equal(t, []int{1, 2, 3}, f.serverA.PageRequests("products"))
	for _, r := range f.serverA.Requests() {
		assert.Empty(t, r.Query.Get("updated_since"))
	}

	// the watermark moves to the start of the pass that reached the end
	run, err := f.orchestrator.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 10, run.Unchanged)
	reqs := f.serverA.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, baseTime.Format(time.RFC3339), last.Query.Get("updated_since"))
	assert.Equal(t, "1", last.Query.Get("page"))
}

func TestOrchestrator_PageFailureIsolatesAccount(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 20})
	ctx := context.Background()
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(7), "a", 100)...)
	f.serverB.AddProducts(marketplacetest.Products(gofakeit.New(8), "b", 30)...)
	f.serverA.FailPage("products", 3, http.StatusServiceUnavailable)

	run, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)

	accA := run.Account(marketsync.AccountA)
	assert.Equal(t, marketsync.SyncRunFailed, accA.Status)
	assert.Equal(t, 2, accA.PagesFetched)
	assert.Equal(t, 2, accA.LastPage)
	assert.Equal(t, 40, accA.Created)
	assert.Contains(t, accA.Error, "page 3")

	accB := run.Account(marketsync.AccountB)
	assert.Equal(t, marketsync.SyncRunCompleted, accB.Status)
	assert.Equal(t, 30, accB.Created)

	assert.Equal(t, 70, run.Created)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, strings.Join(run.Errors, "\n"), "page 3")
	assert.Equal(t, []int{1, 2, 3}, f.serverA.PageRequests("products"))
}

func TestOrchestrator_MalformedRecordDoesNotAbortPage(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 100, onlyAccountA: true})
	ctx := context.Background()
	valid := marketplacetest.Products(gofakeit.New(3), "a", 99)
	items := make([]json.RawMessage, 0, 100)
	items = append(items, valid[:50]...)
	items = append(items, json.RawMessage(`{"id":"broken","sku":""}`))
	items = append(items, valid[50:]...)
	f.serverA.AddProducts(items...)

	run, err := f.orchestrator.Run(ctx, RunRequest{
		Resource: marketsync.ResourceProducts,
		Scope:    marketsync.ScopeA,
		Mode:     marketsync.SyncModeFull,
	})
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)
	assert.Equal(t, 99, run.Created)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 100, run.TotalItems)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "page 1")

	broken, err := f.products.FindByKey(ctx, marketsync.AccountA, "broken")
	require.NoError(t, err)
	assert.Equal(t, marketsync.RecordSyncError, broken.SyncStatus)
}

func TestOrchestrator_ErrorListIsCapped(t *testing.T) {
	f := newFixture(t, fixtureOptions{onlyAccountA: true})
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		f.serverA.AddProducts([]byte(`{"id":"bad-` + string(rune('a'+i)) + `"}`))
	}

	run, err := f.orchestrator.Run(ctx, RunRequest{
		Resource: marketsync.ResourceProducts,
		Scope:    marketsync.ScopeA,
		Mode:     marketsync.SyncModeFull,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, run.Failed)
	assert.Equal(t, 8, run.ErrorCount)
	assert.Len(t, run.Errors, 5)
}

func TestOrchestrator_AuthFailureOnOneAccount(t *testing.T) {
	f := newFixture(t, fixtureOptions{tokenForA: "wrong-token"})
	ctx := context.Background()
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(1), "a", 5)...)
	f.serverB.AddProducts(marketplacetest.Products(gofakeit.New(2), "b", 5)...)

	run, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)

	accA := run.Account(marketsync.AccountA)
	assert.Equal(t, marketsync.SyncRunFailed, accA.Status)
	assert.Zero(t, accA.PagesFetched)
	assert.Zero(t, accA.InventoryRows)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Account(marketsync.AccountB).Status)
	assert.Equal(t, 5, run.Created)
}

func TestOrchestrator_UnconfiguredAccount(t *testing.T) {
	f := newFixture(t, fixtureOptions{onlyAccountA: true})
	ctx := context.Background()
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(1), "a", 2)...)

	run, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)

	accB := run.Account(marketsync.AccountB)
	assert.Equal(t, marketsync.SyncRunFailed, accB.Status)
	assert.Contains(t, accB.Error, marketsync.ErrAccountNotConfigured.Error())
	assert.Empty(t, f.serverB.Requests())
}

func TestOrchestrator_AllAccountsFailed(t *testing.T) {
	f := newFixture(t, fixtureOptions{onlyAccountA: true, tokenForA: "wrong-token"})

	run, err := f.orchestrator.Run(context.Background(), productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunFailed, run.Status)
	assert.Equal(t, marketsync.FailureAllAccountsFailed, run.FailureReason)
	require.NotNil(t, run.FinishedAt)

	stored, err := f.orchestrator.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunFailed, stored.Status)
	assert.Equal(t, []marketsync.SyncRunStatus{marketsync.SyncRunFailed}, f.sink.finishedRuns())
}

// blockingSource never answers until the request context ends
type blockingSource struct{}

func (blockingSource) IsConfigured(marketsync.AccountScope) bool { return true }

func (blockingSource) FetchPage(ctx context.Context, _ marketsync.ResourceType, _ marketsync.AccountScope, _ int, _ *time.Time) (*marketplace.PageEnvelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// panickingSource blows up on the first fetch
type panickingSource struct{}

func (panickingSource) IsConfigured(marketsync.AccountScope) bool { return true }

func (panickingSource) FetchPage(context.Context, marketsync.ResourceType, marketsync.AccountScope, int, *time.Time) (*marketplace.PageEnvelope, error) {
	panic("decoder state corrupted")
}

func TestOrchestrator_DeadlineExceeded(t *testing.T) {
	f := newFixture(t, fixtureOptions{source: blockingSource{}, runTimeout: 50 * time.Millisecond})

	run, err := f.orchestrator.Run(context.Background(), productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunFailed, run.Status)
	assert.Equal(t, marketsync.FailureDeadlineExceeded, run.FailureReason)
	assert.Contains(t, run.Errors, marketsync.ErrDeadlineExceeded.Error())
	for _, acc := range run.Accounts {
		assert.Equal(t, marketsync.SyncRunFailed, acc.Status)
	}

	stored, err := f.orchestrator.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, marketsync.FailureDeadlineExceeded, stored.FailureReason)
}

func TestOrchestrator_CallerCancellation(t *testing.T) {
	f := newFixture(t, fixtureOptions{source: blockingSource{}})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	run, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunFailed, run.Status)
	assert.Equal(t, marketsync.FailureCancelled, run.FailureReason)
}

func TestOrchestrator_PanicFailsRun(t *testing.T) {
	f := newFixture(t, fixtureOptions{source: panickingSource{}})

	run, err := f.orchestrator.Run(context.Background(), productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunFailed, run.Status)
	assert.Equal(t, marketsync.FailurePanic, run.FailureReason)
	assert.Contains(t, strings.Join(run.Errors, "\n"), "decoder state corrupted")

	stored, err := f.orchestrator.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsTerminal())
}

func TestOrchestrator_ParallelAccounts(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 10, parallelAccounts: true})
	ctx := context.Background()
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(1), "a", 45)...)
	f.serverB.AddProducts(marketplacetest.Products(gofakeit.New(2), "b", 25)...)

	run, err := f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)
	assert.Equal(t, 70, run.Created)
	assert.Equal(t, 5, run.Account(marketsync.AccountA).PagesFetched)
	assert.Equal(t, 3, run.Account(marketsync.AccountB).PagesFetched)
	assert.Equal(t, 5, f.sink.pages[marketsync.AccountA])
	assert.Equal(t, 3, f.sink.pages[marketsync.AccountB])
}

func TestOrchestrator_OrdersRun(t *testing.T) {
	f := newFixture(t, fixtureOptions{onlyAccountA: true})
	ctx := context.Background()
	f.serverA.AddOrders(
		marketplacetest.Order("o-1", "new", "SKU-1", 1, "10.00"),
		marketplacetest.Order("o-2", "shipped", "SKU-2", 2, "30.00"),
		marketplacetest.Order("o-3", "cancelled", "SKU-3", 1, "5.00"),
	)

	run, err := f.orchestrator.Run(ctx, RunRequest{
		Resource: marketsync.ResourceOrders,
		Scope:    marketsync.ScopeA,
		Mode:     marketsync.SyncModeFull,
	})
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)
	assert.Equal(t, 3, run.Created)
	assert.Zero(t, run.Account(marketsync.AccountA).InventoryRows)

	shipped, err := f.orders.FindByKey(ctx, marketsync.AccountA, "o-2")
	require.NoError(t, err)
	assert.Equal(t, marketsync.OrderStatusFinalized, shipped.Status)
}

func TestOrchestrator_StartRunsInBackground(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 10})
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(1), "a", 30)...)

	started, err := f.orchestrator.Start(context.Background(), productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunRunning, started.Status)

	require.Eventually(t, func() bool {
		run, err := f.orchestrator.GetRun(context.Background(), started.ID)
		return err == nil && run.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	run, err := f.orchestrator.GetRun(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)
	assert.Equal(t, 30, run.Created)
}

func TestOrchestrator_StartSurvivesRequestCancellation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.serverA.AddProducts(marketplacetest.Products(gofakeit.New(1), "a", 5)...)
	ctx, cancel := context.WithCancel(context.Background())

	started, err := f.orchestrator.Start(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		run, err := f.orchestrator.GetRun(context.Background(), started.ID)
		return err == nil && run.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	run, err := f.orchestrator.GetRun(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunCompleted, run.Status)
}

// rejectingExecutor refuses every task
type rejectingExecutor struct{}

func (rejectingExecutor) Submit(string, func(context.Context)) error {
	return errors.New("queue full")
}

func TestOrchestrator_StartUnschedulable(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.orchestrator.SetExecutor(rejectingExecutor{})

	run, err := f.orchestrator.Start(context.Background(), productRun(marketsync.SyncModeFull, 0))
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, marketsync.SyncRunFailed, run.Status)
	assert.Equal(t, marketsync.FailureCancelled, run.FailureReason)

	stored, err := f.orchestrator.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, marketsync.SyncRunFailed, stored.Status)
}

func TestOrchestrator_InvalidRequest(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, err := f.orchestrator.Run(context.Background(), RunRequest{
		Resource: "invoices",
		Scope:    marketsync.ScopeBoth,
		Mode:     marketsync.SyncModeFull,
	})
	assert.True(t, errors.Is(err, marketsync.ErrInvalidRunRequest))

	runs, err := f.orchestrator.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOrchestrator_RecoverAndPrune(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	stale, err := marketsync.NewSyncRun(marketsync.ResourceProducts, marketsync.ScopeBoth, marketsync.SyncModeFull, 0, 5, baseTime)
	require.NoError(t, err)
	require.NoError(t, f.runs.Create(ctx, stale))

	n, err := f.orchestrator.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	recovered, err := f.orchestrator.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, marketsync.FailureInterrupted, recovered.FailureReason)

	f.clock.Advance(48 * time.Hour)
	_, err = f.orchestrator.Run(ctx, productRun(marketsync.SyncModeFull, 0))
	require.NoError(t, err)

	pruned, err := f.orchestrator.PruneRuns(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
	runs, err := f.orchestrator.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
