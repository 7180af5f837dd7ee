//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before any tests and handles cleanup
func TestMain(m *testing.M) {
	code := m.Run()
	CleanupSharedContainer()
	os.Exit(code)
}

func TestRemoteEntities_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewSharedTestDB(t)
	testDB.CleanTables()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	products := persistence.NewGormRemoteProductRepository(testDB.DB)
	orders := persistence.NewGormRemoteOrderRepository(testDB.DB)
	history := persistence.NewGormOrderHistoryRepository(testDB.DB)

	t.Run("product key is unique per account", func(t *testing.T) {
		p := marketsync.NewRemoteProduct(marketsync.AccountA, "p-100", now)
		p.Title = "Desk lamp"
		p.Price = decimal.RequireFromString("24.90")
		p.MarkSynced("h1", []byte(`{"id":"p-100"}`), now)
		require.NoError(t, products.Save(ctx, p))

		dup := marketsync.NewRemoteProduct(marketsync.AccountA, "p-100", now)
		err := products.Save(ctx, dup)
		assert.ErrorIs(t, err, marketsync.ErrVersionConflict)

		found, err := products.FindByKey(ctx, marketsync.AccountA, "p-100")
		require.NoError(t, err)
		assert.True(t, p.Price.Equal(found.Price))
		assert.JSONEq(t, `{"id":"p-100"}`, string(found.RawPayload))
	})

	t.Run("order versions and history", func(t *testing.T) {
		order := marketsync.NewRemoteOrder(marketsync.AccountB, &marketsync.OrderRecord{
			RemoteID: "o-100",
			Status:   "new",
			Total:    decimal.RequireFromString("99.00"),
			Currency: "USD",
		}, now)
		require.NoError(t, orders.Create(ctx, order))

		entry, err := order.Acknowledge("operator", now.Add(time.Second))
		require.NoError(t, err)
		require.NoError(t, orders.Update(ctx, order))
		require.NoError(t, history.Append(ctx, entry))

		stale, err := orders.FindByID(ctx, order.ID)
		require.NoError(t, err)
		stale.Version = 1
		assert.ErrorIs(t, orders.Update(ctx, stale), marketsync.ErrVersionConflict)

		entries, err := history.ListByOrder(ctx, order.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, marketsync.OrderStatusAcknowledged, entries[0].ToStatus)
	})
}

func TestSyncRunsAndSnapshots_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewSharedTestDB(t)
	testDB.CleanTables()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	runs := persistence.NewGormSyncRunRepository(testDB.DB, 20)
	snapshots := persistence.NewGormInventorySnapshotRepository(testDB.DB)

	t.Run("incremental watermark", func(t *testing.T) {
		run, err := marketsync.NewSyncRun(marketsync.ResourceProducts, marketsync.ScopeBoth, marketsync.SyncModeFull, 0, 20, now)
		require.NoError(t, err)
		require.NoError(t, runs.Create(ctx, run))
		run.Account(marketsync.AccountA).Fail("auth failure")
		run.Finish(now.Add(time.Minute))
		require.NoError(t, runs.Save(ctx, run))

		prevA, err := runs.LastCompletedPortion(ctx, marketsync.ResourceProducts, marketsync.AccountA)
		require.NoError(t, err)
		assert.Nil(t, prevA)

		prevB, err := runs.LastCompletedPortion(ctx, marketsync.ResourceProducts, marketsync.AccountB)
		require.NoError(t, err)
		require.NotNil(t, prevB)
		require.NotNil(t, prevB.WindowStart)
		assert.True(t, prevB.WindowStart.Equal(now))
		assert.False(t, prevB.Truncated)
	})

	t.Run("snapshot upsert keeps one row per key", func(t *testing.T) {
		snap := &marketsync.InventorySnapshot{
			ProductKey:   "remote:p-1",
			Account:      marketsync.AccountA,
			Warehouse:    "default",
			Quantity:     10,
			PriceMin:     decimal.NewFromInt(5),
			PriceMax:     decimal.NewFromInt(5),
			Status:       marketsync.StockInStock,
			SourceHash:   "h1",
			ReconciledAt: now,
		}
		require.NoError(t, snapshots.Upsert(ctx, snap))

		again := *snap
		again.ID = uuid.Nil
		again.Quantity = 2
		again.Status = marketsync.StockLow
		again.SourceHash = "h2"
		require.NoError(t, snapshots.Upsert(ctx, &again))

		list, err := snapshots.ListByAccount(ctx, marketsync.AccountA)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, snap.ID, list[0].ID)
		assert.Equal(t, marketsync.StockLow, list[0].Status)
	})
}
