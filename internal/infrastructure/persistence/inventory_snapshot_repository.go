package persistence

import (
	"context"
	"errors"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormInventorySnapshotRepository implements InventorySnapshotRepository using GORM
type GormInventorySnapshotRepository struct {
	db *gorm.DB
}

// NewGormInventorySnapshotRepository creates a new GormInventorySnapshotRepository
func NewGormInventorySnapshotRepository(db *gorm.DB) *GormInventorySnapshotRepository {
	return &GormInventorySnapshotRepository{db: db}
}

// ListByAccount returns an account's snapshots ordered by key
func (r *GormInventorySnapshotRepository) ListByAccount(ctx context.Context, account marketsync.AccountScope) ([]*marketsync.InventorySnapshot, error) {
	var snapshotModels []models.InventorySnapshotModel
	if err := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("product_key ASC, warehouse ASC").
		Find(&snapshotModels).Error; err != nil {
		return nil, err
	}

	snapshots := make([]*marketsync.InventorySnapshot, len(snapshotModels))
	for i := range snapshotModels {
		snapshots[i] = snapshotModels[i].ToDomain()
	}
	return snapshots, nil
}

// Upsert inserts the snapshot or overwrites the row with the same key
func (r *GormInventorySnapshotRepository) Upsert(ctx context.Context, snapshot *marketsync.InventorySnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	model := models.InventorySnapshotModelFromDomain(snapshot)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account"}, {Name: "product_key"}, {Name: "warehouse"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"local_product_id", "quantity", "price_min", "price_max",
			"status", "source_hash", "reconciled_at",
		}),
	}).Create(model).Error
}

// Delete removes snapshots by ID
func (r *GormInventorySnapshotRepository) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.InventorySnapshotModel{}).Error
}

// Ensure GormInventorySnapshotRepository implements InventorySnapshotRepository
var _ marketsync.InventorySnapshotRepository = (*GormInventorySnapshotRepository)(nil)

// ---------------------------------------------------------------------------
// Canonical catalog
// ---------------------------------------------------------------------------

// GormCanonicalProductRepository reads the local catalog using GORM
type GormCanonicalProductRepository struct {
	db *gorm.DB
}

// NewGormCanonicalProductRepository creates a new GormCanonicalProductRepository
func NewGormCanonicalProductRepository(db *gorm.DB) *GormCanonicalProductRepository {
	return &GormCanonicalProductRepository{db: db}
}

// FindByCode finds a catalog product by its code
func (r *GormCanonicalProductRepository) FindByCode(ctx context.Context, code string) (*marketsync.CanonicalProduct, error) {
	var model models.CanonicalProductModel
	if err := r.db.WithContext(ctx).First(&model, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, marketsync.ErrCanonicalNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Ensure GormCanonicalProductRepository implements CanonicalProductRepository
var _ marketsync.CanonicalProductRepository = (*GormCanonicalProductRepository)(nil)
