package persistence

import (
	"context"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"gorm.io/gorm"
)

// GormTransactionScope implements TransactionScope using GORM transactions.
// Each upsert and lifecycle step runs in one short transaction.
type GormTransactionScope struct {
	db *gorm.DB
}

// NewGormTransactionScope creates a new GormTransactionScope.
func NewGormTransactionScope(db *gorm.DB) *GormTransactionScope {
	return &GormTransactionScope{db: db}
}

// Execute runs fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
func (s *GormTransactionScope) Execute(ctx context.Context, fn func(repos marketsync.TransactionalRepositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTransactionalRepositories{tx: tx})
	})
}

// gormTransactionalRepositories provides access to all repositories within a transaction.
type gormTransactionalRepositories struct {
	tx *gorm.DB
}

// Products returns the remote product repository scoped to the current transaction.
func (r *gormTransactionalRepositories) Products() marketsync.RemoteProductRepository {
	return NewGormRemoteProductRepository(r.tx)
}

// Orders returns the remote order repository scoped to the current transaction.
func (r *gormTransactionalRepositories) Orders() marketsync.RemoteOrderRepository {
	return NewGormRemoteOrderRepository(r.tx)
}

// History returns the order history repository scoped to the current transaction.
func (r *gormTransactionalRepositories) History() marketsync.OrderHistoryRepository {
	return NewGormOrderHistoryRepository(r.tx)
}

// Snapshots returns the inventory snapshot repository scoped to the current transaction.
func (r *gormTransactionalRepositories) Snapshots() marketsync.InventorySnapshotRepository {
	return NewGormInventorySnapshotRepository(r.tx)
}

// Canonical returns the catalog repository scoped to the current transaction.
func (r *gormTransactionalRepositories) Canonical() marketsync.CanonicalProductRepository {
	return NewGormCanonicalProductRepository(r.tx)
}

// Ensure GormTransactionScope implements TransactionScope
var _ marketsync.TransactionScope = (*GormTransactionScope)(nil)

// Ensure gormTransactionalRepositories implements TransactionalRepositories
var _ marketsync.TransactionalRepositories = (*gormTransactionalRepositories)(nil)
