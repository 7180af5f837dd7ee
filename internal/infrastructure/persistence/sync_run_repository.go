package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSyncRunRepository implements SyncRunRepository using GORM
type GormSyncRunRepository struct {
	db        *gorm.DB
	maxErrors int
}

// NewGormSyncRunRepository creates a new GormSyncRunRepository. maxErrors is
// restored on runs read back from storage.
func NewGormSyncRunRepository(db *gorm.DB, maxErrors int) *GormSyncRunRepository {
	return &GormSyncRunRepository{db: db, maxErrors: maxErrors}
}

// Create inserts a new run together with its account rows
func (r *GormSyncRunRepository) Create(ctx context.Context, run *marketsync.SyncRun) error {
	return r.write(ctx, run, func(tx *gorm.DB, m *models.SyncRunModel) error {
		return tx.Omit(clause.Associations).Create(m).Error
	})
}

// Save writes the run's current state and its account rows
func (r *GormSyncRunRepository) Save(ctx context.Context, run *marketsync.SyncRun) error {
	return r.write(ctx, run, func(tx *gorm.DB, m *models.SyncRunModel) error {
		return tx.Omit(clause.Associations).Save(m).Error
	})
}

func (r *GormSyncRunRepository) write(ctx context.Context, run *marketsync.SyncRun, writeRun func(tx *gorm.DB, m *models.SyncRunModel) error) error {
	model := models.SyncRunModelFromDomain(run)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := writeRun(tx, model); err != nil {
			return err
		}
		if len(model.Accounts) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "account"}},
			UpdateAll: true,
		}).Create(&model.Accounts).Error
	})
}

// FindByID finds a run by its ID
func (r *GormSyncRunRepository) FindByID(ctx context.Context, id uuid.UUID) (*marketsync.SyncRun, error) {
	var model models.SyncRunModel
	if err := r.withAccounts(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, marketsync.ErrSyncRunNotFound
		}
		return nil, err
	}
	return r.toDomain(&model), nil
}

// ListRecent returns the newest runs first. An empty resource lists every resource.
func (r *GormSyncRunRepository) ListRecent(ctx context.Context, resource marketsync.ResourceType, limit int) ([]*marketsync.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := r.withAccounts(ctx)
	if resource != "" {
		query = query.Where("resource = ?", resource)
	}

	var runModels []models.SyncRunModel
	if err := query.Order("started_at DESC").Limit(limit).Find(&runModels).Error; err != nil {
		return nil, err
	}

	runs := make([]*marketsync.SyncRun, len(runModels))
	for i := range runModels {
		runs[i] = r.toDomain(&runModels[i])
	}
	return runs, nil
}

// LastCompletedPortion returns account's result in the newest run whose
// portion for that account completed
func (r *GormSyncRunRepository) LastCompletedPortion(ctx context.Context, resource marketsync.ResourceType, account marketsync.AccountScope) (*marketsync.AccountResult, error) {
	var model models.SyncRunModel
	err := r.db.WithContext(ctx).
		Preload("Accounts", "account = ?", account).
		Joins("JOIN sync_run_accounts ON sync_run_accounts.run_id = sync_runs.id").
		Where("sync_runs.resource = ? AND sync_run_accounts.account = ? AND sync_run_accounts.status = ?",
			resource, account, marketsync.SyncRunCompleted).
		Order("sync_runs.started_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.toDomain(&model).Account(account), nil
}

// MarkInterrupted fails every run still marked running
func (r *GormSyncRunRepository) MarkInterrupted(ctx context.Context, now time.Time) (int64, error) {
	var runModels []models.SyncRunModel
	if err := r.withAccounts(ctx).Where("status = ?", marketsync.SyncRunRunning).Find(&runModels).Error; err != nil {
		return 0, err
	}
	for i := range runModels {
		run := r.toDomain(&runModels[i])
		run.AddError("run interrupted before completion")
		run.Fail(marketsync.FailureInterrupted, now)
		if err := r.Save(ctx, run); err != nil {
			return int64(i), err
		}
	}
	return int64(len(runModels)), nil
}

// PruneBefore deletes finished runs started before cutoff
func (r *GormSyncRunRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&models.SyncRunModel{}).
			Select("id").
			Where("started_at < ? AND status <> ?", cutoff, marketsync.SyncRunRunning)
		if err := tx.Where("run_id IN (?)", stale).Delete(&models.SyncRunAccountModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("started_at < ? AND status <> ?", cutoff, marketsync.SyncRunRunning).
			Delete(&models.SyncRunModel{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}

func (r *GormSyncRunRepository) withAccounts(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Accounts", func(db *gorm.DB) *gorm.DB {
		return db.Order("account ASC")
	})
}

func (r *GormSyncRunRepository) toDomain(m *models.SyncRunModel) *marketsync.SyncRun {
	run := m.ToDomain()
	run.SetMaxErrors(r.maxErrors)
	return run
}

// Ensure GormSyncRunRepository implements SyncRunRepository
var _ marketsync.SyncRunRepository = (*GormSyncRunRepository)(nil)
