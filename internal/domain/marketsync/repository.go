package marketsync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SyncRunRepository persists sync runs. Runs are never deleted except by PruneBefore.
type SyncRunRepository interface {
	Create(ctx context.Context, run *SyncRun) error
	Save(ctx context.Context, run *SyncRun) error
	FindByID(ctx context.Context, id uuid.UUID) (*SyncRun, error)
	ListRecent(ctx context.Context, resource ResourceType, limit int) ([]*SyncRun, error)
	// LastCompletedPortion returns the account's portion of the latest run of
	// resource in which that account completed, or nil if there is none.
	// WindowStart is always set on the result.
	LastCompletedPortion(ctx context.Context, resource ResourceType, account AccountScope) (*AccountResult, error)
	// MarkInterrupted fails every run still running, returning how many were changed
	MarkInterrupted(ctx context.Context, now time.Time) (int64, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RemoteProductRepository persists remote products
type RemoteProductRepository interface {
	FindByKey(ctx context.Context, account AccountScope, remoteID string) (*RemoteProduct, error)
	FindByID(ctx context.Context, id uuid.UUID) (*RemoteProduct, error)
	Save(ctx context.Context, product *RemoteProduct) error
	ListByAccount(ctx context.Context, account AccountScope) ([]*RemoteProduct, error)
}

// RemoteOrderRepository persists remote orders
type RemoteOrderRepository interface {
	FindByKey(ctx context.Context, account AccountScope, remoteID string) (*RemoteOrder, error)
	FindByID(ctx context.Context, id uuid.UUID) (*RemoteOrder, error)
	Create(ctx context.Context, order *RemoteOrder) error
	// Update writes order if its stored version still equals order.Version, then
	// increments order.Version. A stale version returns ErrVersionConflict.
	Update(ctx context.Context, order *RemoteOrder) error
}

// OrderHistoryRepository is append-only
type OrderHistoryRepository interface {
	Append(ctx context.Context, entry *OrderHistoryEntry) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderHistoryEntry, error)
}

// InventorySnapshotRepository persists derived snapshots
type InventorySnapshotRepository interface {
	ListByAccount(ctx context.Context, account AccountScope) ([]*InventorySnapshot, error)
	Upsert(ctx context.Context, snapshot *InventorySnapshot) error
	Delete(ctx context.Context, ids []uuid.UUID) error
}

// CanonicalProductRepository reads the local catalog
type CanonicalProductRepository interface {
	FindByCode(ctx context.Context, code string) (*CanonicalProduct, error)
}

// TransactionalRepositories exposes repositories bound to one transaction
type TransactionalRepositories interface {
	Products() RemoteProductRepository
	Orders() RemoteOrderRepository
	History() OrderHistoryRepository
	Snapshots() InventorySnapshotRepository
	Canonical() CanonicalProductRepository
}

// TransactionScope runs fn in a single short-lived transaction
type TransactionScope interface {
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// KeyLocker serializes work on one key. Different keys never block each other.
type KeyLocker interface {
	// Lock blocks until key is held or ctx ends. unlock releases it and is safe to call once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
