package marketsync

import (
	"context"
	"fmt"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InventoryReconciler derives stock snapshots from synced remote products
type InventoryReconciler struct {
	products   marketsync.RemoteProductRepository
	txScope    marketsync.TransactionScope
	thresholds marketsync.StockThresholds
	metrics    marketsync.MetricsSink
	logger     *zap.Logger
	now        Clock
}

// InventoryReconcilerConfig holds the dependencies of InventoryReconciler
type InventoryReconcilerConfig struct {
	Products   marketsync.RemoteProductRepository
	TxScope    marketsync.TransactionScope
	Thresholds marketsync.StockThresholds
	Metrics    marketsync.MetricsSink
	Logger     *zap.Logger
	Clock      Clock
}

// NewInventoryReconciler creates a new InventoryReconciler
func NewInventoryReconciler(cfg InventoryReconcilerConfig) *InventoryReconciler {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = marketsync.NopMetrics{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &InventoryReconciler{
		products:   cfg.Products,
		txScope:    cfg.TxScope,
		thresholds: cfg.Thresholds,
		metrics:    metrics,
		logger:     log,
		now:        clockOrNow(cfg.Clock),
	}
}

// Reconcile regenerates the account's snapshots. Rows whose source hash is
// unchanged are left alone and snapshots without products are removed, so a
// rerun over identical data writes nothing.
func (r *InventoryReconciler) Reconcile(ctx context.Context, account marketsync.AccountScope) (*marketsync.ReconcileResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "inventory_reconciler", "Reconcile",
		telemetry.WithAttribute(telemetry.SpanAttrAccount, account.String()),
	)
	defer span.End()

	products, err := r.products.ListByAccount(ctx, account)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("list products for account %s: %w", account, err)
	}
	derived := marketsync.DeriveSnapshots(account, products, r.thresholds, r.now())

	result := &marketsync.ReconcileResult{ItemsSynced: len(derived)}
	for _, snap := range derived {
		if snap.Status == marketsync.StockLow {
			result.LowStockCount++
		}
	}

	err = r.txScope.Execute(ctx, func(repos marketsync.TransactionalRepositories) error {
		existing, err := repos.Snapshots().ListByAccount(ctx, account)
		if err != nil {
			return err
		}
		stored := make(map[marketsync.SnapshotKey]*marketsync.InventorySnapshot, len(existing))
		for _, snap := range existing {
			stored[snap.Key()] = snap
		}

		for _, snap := range derived {
			prev, ok := stored[snap.Key()]
			if ok {
				delete(stored, snap.Key())
				if prev.SourceHash == snap.SourceHash {
					continue
				}
				snap.ID = prev.ID
			}
			if err := repos.Snapshots().Upsert(ctx, snap); err != nil {
				return err
			}
			result.Written++
		}

		if len(stored) == 0 {
			return nil
		}
		stale := make([]uuid.UUID, 0, len(stored))
		for _, snap := range stored {
			stale = append(stale, snap.ID)
		}
		if err := repos.Snapshots().Delete(ctx, stale); err != nil {
			return err
		}
		result.Written += len(stale)
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("write snapshots for account %s: %w", account, err)
	}

	r.metrics.LowStock(ctx, account, result.LowStockCount)
	telemetry.SetAttributes(span,
		"inventory.items", result.ItemsSynced,
		"inventory.low_stock", result.LowStockCount,
		"inventory.written", result.Written,
	)
	logger.WithLogger(ctx, r.logger).Info("Inventory reconciled",
		zap.String("account", account.String()),
		zap.Int("items", result.ItemsSynced),
		zap.Int("low_stock", result.LowStockCount),
		zap.Int("written", result.Written),
	)
	return result, nil
}
