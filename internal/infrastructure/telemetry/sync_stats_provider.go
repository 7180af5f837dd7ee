package telemetry

import (
	"context"

	"gorm.io/gorm"
)

// GormSyncStatsProvider implements SyncStatsProvider with aggregate queries over
// the sync tables.
type GormSyncStatsProvider struct {
	db *gorm.DB
}

// NewGormSyncStatsProvider creates a new GormSyncStatsProvider.
func NewGormSyncStatsProvider(db *gorm.DB) *GormSyncStatsProvider {
	return &GormSyncStatsProvider{db: db}
}

// SnapshotCounts returns inventory snapshot counts by account and stock status.
func (p *GormSyncStatsProvider) SnapshotCounts(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := p.db.WithContext(ctx).
		Table("inventory_snapshots").
		Select("'inventory' AS resource, account, status, COUNT(*) AS count").
		Group("account, status").
		Order("account, status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RecordErrorCounts returns remote products and orders in error state by account.
func (p *GormSyncStatsProvider) RecordErrorCounts(ctx context.Context) ([]StatusCount, error) {
	tables := []struct {
		resource string
		table    string
	}{
		{"products", "remote_products"},
		{"orders", "remote_orders"},
	}

	var out []StatusCount
	for _, t := range tables {
		var rows []StatusCount
		err := p.db.WithContext(ctx).
			Table(t.table).
			Select("'" + t.resource + "' AS resource, account, sync_status AS status, COUNT(*) AS count").
			Where("sync_status = ?", "error").
			Group("account, sync_status").
			Order("account").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// Ensure GormSyncStatsProvider implements SyncStatsProvider
var _ SyncStatsProvider = (*GormSyncStatsProvider)(nil)
