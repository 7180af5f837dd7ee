package persistence

import (
	"context"
	"errors"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormRemoteOrderRepository implements RemoteOrderRepository using GORM with
// optimistic locking on the version column
type GormRemoteOrderRepository struct {
	db *gorm.DB
}

// NewGormRemoteOrderRepository creates a new GormRemoteOrderRepository
func NewGormRemoteOrderRepository(db *gorm.DB) *GormRemoteOrderRepository {
	return &GormRemoteOrderRepository{db: db}
}

// FindByKey finds an order by its marketplace key
func (r *GormRemoteOrderRepository) FindByKey(ctx context.Context, account marketsync.AccountScope, remoteID string) (*marketsync.RemoteOrder, error) {
	var model models.RemoteOrderModel
	if err := r.db.WithContext(ctx).
		Where("account = ? AND remote_id = ?", account, remoteID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, marketsync.ErrOrderNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByID finds an order by its ID
func (r *GormRemoteOrderRepository) FindByID(ctx context.Context, id uuid.UUID) (*marketsync.RemoteOrder, error) {
	var model models.RemoteOrderModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, marketsync.ErrOrderNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Create inserts a new order at version 1
func (r *GormRemoteOrderRepository) Create(ctx context.Context, order *marketsync.RemoteOrder) error {
	if order.Version == 0 {
		order.Version = 1
	}
	model := models.RemoteOrderModelFromDomain(order)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translateWriteError(err)
	}
	return nil
}

// Update writes the order only if the stored version still matches
func (r *GormRemoteOrderRepository) Update(ctx context.Context, order *marketsync.RemoteOrder) error {
	expected := order.Version
	model := models.RemoteOrderModelFromDomain(order)
	model.Version = expected + 1

	result := r.db.WithContext(ctx).
		Model(&models.RemoteOrderModel{}).
		Where("id = ? AND version = ?", order.ID, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(model)
	if result.Error != nil {
		return translateWriteError(result.Error)
	}
	if result.RowsAffected == 0 {
		return marketsync.ErrVersionConflict
	}
	order.Version = expected + 1
	return nil
}

// Ensure GormRemoteOrderRepository implements RemoteOrderRepository
var _ marketsync.RemoteOrderRepository = (*GormRemoteOrderRepository)(nil)

// ---------------------------------------------------------------------------
// Order history
// ---------------------------------------------------------------------------

// GormOrderHistoryRepository implements OrderHistoryRepository using GORM.
// Entries are only ever inserted.
type GormOrderHistoryRepository struct {
	db *gorm.DB
}

// NewGormOrderHistoryRepository creates a new GormOrderHistoryRepository
func NewGormOrderHistoryRepository(db *gorm.DB) *GormOrderHistoryRepository {
	return &GormOrderHistoryRepository{db: db}
}

// Append inserts entry after the order's last entry
func (r *GormOrderHistoryRepository) Append(ctx context.Context, entry *marketsync.OrderHistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	model := models.OrderHistoryModelFromDomain(entry)

	var last int
	if err := r.db.WithContext(ctx).
		Model(&models.OrderHistoryModel{}).
		Where("order_id = ?", entry.OrderID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error; err != nil {
		return err
	}
	model.Sequence = last + 1

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translateWriteError(err)
	}
	return nil
}

// ListByOrder returns the order's entries oldest first
func (r *GormOrderHistoryRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*marketsync.OrderHistoryEntry, error) {
	var entryModels []models.OrderHistoryModel
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("sequence ASC").
		Find(&entryModels).Error; err != nil {
		return nil, err
	}

	entries := make([]*marketsync.OrderHistoryEntry, len(entryModels))
	for i := range entryModels {
		entries[i] = entryModels[i].ToDomain()
	}
	return entries, nil
}

// Ensure GormOrderHistoryRepository implements OrderHistoryRepository
var _ marketsync.OrderHistoryRepository = (*GormOrderHistoryRepository)(nil)
