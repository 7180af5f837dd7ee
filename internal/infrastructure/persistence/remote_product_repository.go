package persistence

import (
	"context"
	"errors"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormRemoteProductRepository implements RemoteProductRepository using GORM
type GormRemoteProductRepository struct {
	db *gorm.DB
}

// NewGormRemoteProductRepository creates a new GormRemoteProductRepository
func NewGormRemoteProductRepository(db *gorm.DB) *GormRemoteProductRepository {
	return &GormRemoteProductRepository{db: db}
}

// FindByKey finds a product by its marketplace key
func (r *GormRemoteProductRepository) FindByKey(ctx context.Context, account marketsync.AccountScope, remoteID string) (*marketsync.RemoteProduct, error) {
	var model models.RemoteProductModel
	if err := r.db.WithContext(ctx).
		Where("account = ? AND remote_id = ?", account, remoteID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, marketsync.ErrRemoteEntityNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByID finds a product by its ID
func (r *GormRemoteProductRepository) FindByID(ctx context.Context, id uuid.UUID) (*marketsync.RemoteProduct, error) {
	var model models.RemoteProductModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, marketsync.ErrRemoteEntityNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save creates or updates a product. A concurrent insert of the same key
// surfaces as ErrVersionConflict.
func (r *GormRemoteProductRepository) Save(ctx context.Context, product *marketsync.RemoteProduct) error {
	model := models.RemoteProductModelFromDomain(product)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return translateWriteError(err)
	}
	product.UpdatedAt = model.UpdatedAt
	return nil
}

// ListByAccount returns every product of an account ordered by remote id
func (r *GormRemoteProductRepository) ListByAccount(ctx context.Context, account marketsync.AccountScope) ([]*marketsync.RemoteProduct, error) {
	var productModels []models.RemoteProductModel
	if err := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("remote_id ASC").
		Find(&productModels).Error; err != nil {
		return nil, err
	}

	products := make([]*marketsync.RemoteProduct, len(productModels))
	for i := range productModels {
		products[i] = productModels[i].ToDomain()
	}
	return products, nil
}

// translateWriteError maps a unique violation to ErrVersionConflict. It relies
// on gorm.Config.TranslateError.
func translateWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Join(marketsync.ErrVersionConflict, err)
	}
	return err
}

// Ensure GormRemoteProductRepository implements RemoteProductRepository
var _ marketsync.RemoteProductRepository = (*GormRemoteProductRepository)(nil)
