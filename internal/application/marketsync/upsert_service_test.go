package marketsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/marketplace/marketplacetest"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertService_CreatedThenUnchanged(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	raw := marketplacetest.Product("p-1", "SKU-1", "Blue Mug", "12.50", 7, "main")

	outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA, raw)
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeCreated, outcome)
	before := rowOf(t, f.db, marketsync.AccountA, "p-1")

	f.clock.Advance(time.Hour)
	outcome, err = f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA, raw)
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeUnchanged, outcome)
	assert.Equal(t, before, rowOf(t, f.db, marketsync.AccountA, "p-1"))

	assert.Equal(t, 1, f.sink.outcome(marketsync.OutcomeCreated))
	assert.Equal(t, 1, f.sink.outcome(marketsync.OutcomeUnchanged))
}

func TestUpsertService_UpdatedWhenPayloadChanges(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
		marketplacetest.Product("p-1", "SKU-1", "Blue Mug", "12.50", 7, "main"))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
		marketplacetest.Product("p-1", "SKU-1", "Blue Mug", "13.00", 3, "main"))
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeUpdated, outcome)

	product, err := f.products.FindByKey(ctx, marketsync.AccountA, "p-1")
	require.NoError(t, err)
	assert.True(t, product.Price.Equal(decimal.RequireFromString("13.00")))
	assert.Equal(t, 3, product.Stock)
	assert.Equal(t, marketsync.RecordSyncSynced, product.SyncStatus)
	assert.Empty(t, product.LastError)
	require.NotNil(t, product.LastSyncedAt)
	assert.True(t, product.LastSyncedAt.Equal(baseTime.Add(time.Minute)))
}

func TestUpsertService_SameRemoteIDPerAccountIsIndependent(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	raw := marketplacetest.Product("p-1", "SKU-1", "Blue Mug", "12.50", 7, "main")

	outcomeA, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA, raw)
	require.NoError(t, err)
	outcomeB, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountB, raw)
	require.NoError(t, err)

	assert.Equal(t, marketsync.OutcomeCreated, outcomeA)
	assert.Equal(t, marketsync.OutcomeCreated, outcomeB)
}

func TestUpsertService_LinksCanonicalProductBySKU(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	canonical := &models.CanonicalProductModel{Code: "SKU-42", Name: "Teapot"}
	canonical.ID = uuid.New()
	require.NoError(t, f.db.Create(canonical).Error)

	_, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
		marketplacetest.Product("p-42", "SKU-42", "Teapot", "30.00", 2, "main"))
	require.NoError(t, err)
	_, err = f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
		marketplacetest.Product("p-43", "SKU-UNKNOWN", "Cup", "3.00", 2, "main"))
	require.NoError(t, err)

	linked, err := f.products.FindByKey(ctx, marketsync.AccountA, "p-42")
	require.NoError(t, err)
	require.NotNil(t, linked.LocalProductID)
	assert.Equal(t, canonical.ID, *linked.LocalProductID)

	unlinked, err := f.products.FindByKey(ctx, marketsync.AccountA, "p-43")
	require.NoError(t, err)
	assert.Nil(t, unlinked.LocalProductID)
}

func TestUpsertService_ConflictStrategies(t *testing.T) {
	tests := []struct {
		name        string
		strategy    marketsync.ConflictStrategy
		localFields []string
		wantTitle   string
		wantPrice   string
	}{
		{
			name:      "remote wins without allow-list",
			strategy:  marketsync.ConflictRemoteWins,
			wantTitle: "Remote Title",
			wantPrice: "20",
		},
		{
			name:        "remote wins keeps allow-listed title",
			strategy:    marketsync.ConflictRemoteWins,
			localFields: []string{marketsync.FieldTitle},
			wantTitle:   "Curated Title",
			wantPrice:   "20",
		},
		{
			name:      "local wins keeps every override",
			strategy:  marketsync.ConflictLocalWins,
			wantTitle: "Curated Title",
			wantPrice: "15",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := marketsync.NewConflictPolicy(tt.strategy, tt.localFields)
			require.NoError(t, err)
			f := newFixture(t, fixtureOptions{policy: policy})
			ctx := context.Background()

			_, err = f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
				marketplacetest.Product("p-1", "SKU-1", "Remote Title", "10", 5, "main"))
			require.NoError(t, err)

			product, err := f.products.FindByKey(ctx, marketsync.AccountA, "p-1")
			require.NoError(t, err)
			product.SetOverride(marketsync.FieldTitle, "Curated Title")
			product.SetOverride(marketsync.FieldPrice, "15")
			require.NoError(t, f.products.Save(ctx, product))

			outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
				marketplacetest.Product("p-1", "SKU-1", "Remote Title", "20", 5, "main"))
			require.NoError(t, err)
			assert.Equal(t, marketsync.OutcomeUpdated, outcome)

			merged, err := f.products.FindByKey(ctx, marketsync.AccountA, "p-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, merged.Title)
			assert.True(t, merged.Price.Equal(decimal.RequireFromString(tt.wantPrice)), "price %s", merged.Price)
		})
	}
}

func TestUpsertService_MalformedRecordIsIsolated(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
		[]byte(`{"id":"bad-1","title":"No SKU","price":"1.00","stock":1}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, marketsync.ErrValidation))
	assert.Equal(t, marketsync.OutcomeFailed, outcome)

	product, err := f.products.FindByKey(ctx, marketsync.AccountA, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, marketsync.RecordSyncError, product.SyncStatus)
	assert.NotEmpty(t, product.LastError)

	// A later valid payload repairs the placeholder
	outcome, err = f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA,
		marketplacetest.Product("bad-1", "SKU-1", "Fixed", "1.00", 1, "main"))
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeUpdated, outcome)
	product, err = f.products.FindByKey(ctx, marketsync.AccountA, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, marketsync.RecordSyncSynced, product.SyncStatus)
	assert.Empty(t, product.LastError)
}

func TestUpsertService_MalformedRecordWithoutIDPersistsNothing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA, []byte(`[1,2,3]`))
	require.Error(t, err)
	assert.Equal(t, marketsync.OutcomeFailed, outcome)

	products, err := f.products.ListByAccount(ctx, marketsync.AccountA)
	require.NoError(t, err)
	assert.Empty(t, products)
	assert.Equal(t, 1, f.sink.outcome(marketsync.OutcomeFailed))
}

func TestUpsertService_ConcurrentUpsertsOfOneKey(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	raw := marketplacetest.Product("p-1", "SKU-1", "Blue Mug", "12.50", 7, "main")

	const workers = 8
	outcomes := make([]marketsync.UpsertOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceProducts, marketsync.AccountA, raw)
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	created := 0
	for _, o := range outcomes {
		if o == marketsync.OutcomeCreated {
			created++
		} else {
			assert.Equal(t, marketsync.OutcomeUnchanged, o)
		}
	}
	assert.Equal(t, 1, created)

	var count int64
	require.NoError(t, f.db.Model(&models.RemoteProductModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpsertService_OrderCreatedWithRemoteStatus(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceOrders, marketsync.AccountA,
		marketplacetest.Order("o-1", "confirmed", "SKU-1", 2, "20.00"))
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeCreated, outcome)

	order, err := f.orders.FindByKey(ctx, marketsync.AccountA, "o-1")
	require.NoError(t, err)
	assert.Equal(t, marketsync.OrderStatusAcknowledged, order.Status)
	assert.Equal(t, 1, order.LineCount)
	assert.Equal(t, 1, order.Version)
}

func TestUpsertService_OrderResyncAdvancesStatusStepByStep(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceOrders, marketsync.AccountA,
		marketplacetest.Order("o-1", "confirmed", "SKU-1", 2, "20.00"))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceOrders, marketsync.AccountA,
		marketplacetest.Order("o-1", "delivered", "SKU-1", 2, "20.00"))
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeUpdated, outcome)

	order, err := f.orders.FindByKey(ctx, marketsync.AccountA, "o-1")
	require.NoError(t, err)
	assert.Equal(t, marketsync.OrderStatusFinalized, order.Status)
	require.NotNil(t, order.FinalizedAt)
	assert.Equal(t, "delivered", order.RemoteStatus)

	entries, err := f.history.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, marketsync.OrderStatusPrepared, entries[0].ToStatus)
	assert.Equal(t, marketsync.OrderStatusFinalized, entries[1].ToStatus)
	for _, e := range entries {
		assert.Equal(t, marketsync.ActorSync, e.Actor)
		assert.Equal(t, marketsync.ReasonRemoteStatus, e.Reason)
	}
}

func TestUpsertService_OrderResyncNeverRegresses(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceOrders, marketsync.AccountA,
		marketplacetest.Order("o-1", "packed", "SKU-1", 1, "5.00"))
	require.NoError(t, err)

	outcome, err := f.upserter.UpsertRaw(ctx, marketsync.ResourceOrders, marketsync.AccountA,
		marketplacetest.Order("o-1", "pending", "SKU-1", 1, "5.00"))
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeUpdated, outcome)

	order, err := f.orders.FindByKey(ctx, marketsync.AccountA, "o-1")
	require.NoError(t, err)
	assert.Equal(t, marketsync.OrderStatusPrepared, order.Status)
	assert.Equal(t, "pending", order.RemoteStatus)

	entries, err := f.history.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpsertService_TypedRecord(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	rec := decodeProduct(t, marketplacetest.Product("p-9", "SKU-9", "Lamp", "40.00", 1, ""))

	outcome, err := f.upserter.Upsert(ctx, marketsync.AccountB, rec)
	require.NoError(t, err)
	assert.Equal(t, marketsync.OutcomeCreated, outcome)

	product, err := f.products.FindByKey(ctx, marketsync.AccountB, "p-9")
	require.NoError(t, err)
	assert.Equal(t, marketsync.DefaultWarehouse, product.Warehouse)
}
