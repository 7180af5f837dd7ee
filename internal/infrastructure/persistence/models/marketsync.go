package models

import (
	"encoding/json"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ---------------------------------------------------------------------------
// Sync runs
// ---------------------------------------------------------------------------

// SyncRunModel is the persistence model for a SyncRun. Account portions live in
// sync_run_accounts so the incremental watermark can be queried per account.
type SyncRunModel struct {
	ID             uuid.UUID                `gorm:"type:uuid;primary_key"`
	Resource       marketsync.ResourceType  `gorm:"type:varchar(20);not null;index:idx_sync_runs_resource_started,priority:1"`
	Scope          marketsync.ScopeSelector `gorm:"type:varchar(10);not null"`
	Mode           marketsync.SyncMode      `gorm:"type:varchar(20);not null"`
	MaxPages       int                      `gorm:"not null;default:0"`
	Status         marketsync.SyncRunStatus `gorm:"type:varchar(20);not null;index"`
	TotalItems     int                      `gorm:"not null;default:0"`
	CreatedCount   int                      `gorm:"not null;default:0"`
	UpdatedCount   int                      `gorm:"not null;default:0"`
	UnchangedCount int                      `gorm:"not null;default:0"`
	FailedCount    int                      `gorm:"not null;default:0"`
	Errors         datatypes.JSON           `gorm:"type:jsonb"`
	ErrorCount     int                      `gorm:"not null;default:0"`
	FailureReason  string                   `gorm:"type:varchar(50)"`
	StartedAt      time.Time                `gorm:"not null;index:idx_sync_runs_resource_started,priority:2"`
	FinishedAt     *time.Time
	UpdatedAt      time.Time             `gorm:"not null"`
	Accounts       []SyncRunAccountModel `gorm:"foreignKey:RunID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (SyncRunModel) TableName() string {
	return "sync_runs"
}

// SyncRunAccountModel is one account's portion of a sync run
type SyncRunAccountModel struct {
	RunID          uuid.UUID                `gorm:"type:uuid;primaryKey"`
	Account        marketsync.AccountScope  `gorm:"type:varchar(4);primaryKey;index:idx_sync_run_accounts_account_status,priority:1"`
	Status         marketsync.SyncRunStatus `gorm:"type:varchar(20);not null;index:idx_sync_run_accounts_account_status,priority:2"`
	TotalItems     int                      `gorm:"not null;default:0"`
	CreatedCount   int                      `gorm:"not null;default:0"`
	UpdatedCount   int                      `gorm:"not null;default:0"`
	UnchangedCount int                      `gorm:"not null;default:0"`
	FailedCount    int                      `gorm:"not null;default:0"`
	PagesFetched   int                      `gorm:"not null;default:0"`
	LastPage       int                      `gorm:"not null;default:0"`
	Error          string                   `gorm:"type:text"`
	Warnings       datatypes.JSON           `gorm:"type:jsonb"`
	InventoryRows  int                      `gorm:"not null;default:0"`
	LowStock       int                      `gorm:"not null;default:0"`
	Truncated      bool                     `gorm:"not null;default:false"`
	UpdatedSince   *time.Time
	WindowStart    *time.Time
}

// TableName returns the table name for GORM
func (SyncRunAccountModel) TableName() string {
	return "sync_run_accounts"
}

// SyncRunModelFromDomain creates a persistence model, including account rows
func SyncRunModelFromDomain(r *marketsync.SyncRun) *SyncRunModel {
	m := &SyncRunModel{
		ID:             r.ID,
		Resource:       r.Resource,
		Scope:          r.Scope,
		Mode:           r.Mode,
		MaxPages:       r.MaxPages,
		Status:         r.Status,
		TotalItems:     r.TotalItems,
		CreatedCount:   r.Created,
		UpdatedCount:   r.Updated,
		UnchangedCount: r.Unchanged,
		FailedCount:    r.Failed,
		Errors:         marshalJSON(r.Errors, "[]"),
		ErrorCount:     r.ErrorCount,
		FailureReason:  r.FailureReason,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	for _, a := range r.Accounts {
		m.Accounts = append(m.Accounts, SyncRunAccountModel{
			RunID:          r.ID,
			Account:        a.Account,
			Status:         a.Status,
			TotalItems:     a.TotalItems,
			CreatedCount:   a.Created,
			UpdatedCount:   a.Updated,
			UnchangedCount: a.Unchanged,
			FailedCount:    a.Failed,
			PagesFetched:   a.PagesFetched,
			LastPage:       a.LastPage,
			Error:          a.Error,
			Warnings:       marshalJSON(a.Warnings, "[]"),
			InventoryRows:  a.InventoryRows,
			LowStock:       a.LowStock,
			Truncated:      a.Truncated,
			UpdatedSince:   a.UpdatedSince,
			WindowStart:    a.WindowStart,
		})
	}
	return m
}

// ToDomain converts the persistence model to a domain SyncRun
func (m *SyncRunModel) ToDomain() *marketsync.SyncRun {
	r := &marketsync.SyncRun{
		ID:       m.ID,
		Resource: m.Resource,
		Scope:    m.Scope,
		Mode:     m.Mode,
		MaxPages: m.MaxPages,
		Status:   m.Status,
		SyncCounters: marketsync.SyncCounters{
			TotalItems: m.TotalItems,
			Created:    m.CreatedCount,
			Updated:    m.UpdatedCount,
			Unchanged:  m.UnchangedCount,
			Failed:     m.FailedCount,
		},
		ErrorCount:    m.ErrorCount,
		FailureReason: m.FailureReason,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	unmarshalJSON(m.Errors, &r.Errors)
	r.Accounts = make([]marketsync.AccountResult, 0, len(m.Accounts))
	for _, a := range m.Accounts {
		res := marketsync.AccountResult{
			Account: a.Account,
			Status:  a.Status,
			SyncCounters: marketsync.SyncCounters{
				TotalItems: a.TotalItems,
				Created:    a.CreatedCount,
				Updated:    a.UpdatedCount,
				Unchanged:  a.UnchangedCount,
				Failed:     a.FailedCount,
			},
			PagesFetched:  a.PagesFetched,
			LastPage:      a.LastPage,
			Error:         a.Error,
			InventoryRows: a.InventoryRows,
			LowStock:      a.LowStock,
			Truncated:     a.Truncated,
			UpdatedSince:  a.UpdatedSince,
			WindowStart:   a.WindowStart,
		}
		if res.WindowStart == nil {
			started := m.StartedAt
			res.WindowStart = &started
		}
		unmarshalJSON(a.Warnings, &res.Warnings)
		r.Accounts = append(r.Accounts, res)
	}
	return r
}

// ---------------------------------------------------------------------------
// Remote products
// ---------------------------------------------------------------------------

// RemoteProductModel is the persistence model for a RemoteProduct.
// (account, remote_id) is unique.
type RemoteProductModel struct {
	EntityColumns
	Account        marketsync.AccountScope     `gorm:"type:varchar(4);not null;uniqueIndex:uq_remote_products_key,priority:1"`
	RemoteID       string                      `gorm:"type:varchar(64);not null;uniqueIndex:uq_remote_products_key,priority:2"`
	LocalProductID *uuid.UUID                  `gorm:"type:uuid;index"`
	ExternalCode   string                      `gorm:"type:varchar(100);index"`
	Title          string                      `gorm:"type:varchar(500)"`
	Price          decimal.Decimal             `gorm:"type:decimal(18,4);not null;default:0"`
	Stock          int                         `gorm:"not null;default:0"`
	Warehouse      string                      `gorm:"type:varchar(100);not null"`
	RemoteStatus   string                      `gorm:"type:varchar(20)"`
	LocalOverrides datatypes.JSON              `gorm:"type:jsonb"`
	SyncStatus     marketsync.RecordSyncStatus `gorm:"type:varchar(20);not null;index"`
	LastSyncedAt   *time.Time
	LastError      string         `gorm:"type:text"`
	PayloadHash    string         `gorm:"type:varchar(64)"`
	RawPayload     datatypes.JSON `gorm:"type:jsonb"`
}

// TableName returns the table name for GORM
func (RemoteProductModel) TableName() string {
	return "remote_products"
}

// RemoteProductModelFromDomain creates a persistence model from a domain RemoteProduct
func RemoteProductModelFromDomain(p *marketsync.RemoteProduct) *RemoteProductModel {
	m := &RemoteProductModel{
		Account:        p.Account,
		RemoteID:       p.RemoteID,
		LocalProductID: p.LocalProductID,
		ExternalCode:   p.ExternalCode,
		Title:          p.Title,
		Price:          p.Price,
		Stock:          p.Stock,
		Warehouse:      p.Warehouse,
		RemoteStatus:   p.RemoteStatus,
		LocalOverrides: marshalJSON(p.LocalOverrides, "{}"),
		SyncStatus:     p.SyncStatus,
		LastSyncedAt:   p.LastSyncedAt,
		LastError:      p.LastError,
		PayloadHash:    p.PayloadHash,
		RawPayload:     rawJSON(p.RawPayload),
	}
	m.EntityColumns = entityColumns(p.BaseEntity)
	return m
}

// ToDomain converts the persistence model to a domain RemoteProduct
func (m *RemoteProductModel) ToDomain() *marketsync.RemoteProduct {
	p := &marketsync.RemoteProduct{
		BaseEntity:     m.EntityColumns.entity(),
		Account:        m.Account,
		RemoteID:       m.RemoteID,
		LocalProductID: m.LocalProductID,
		ExternalCode:   m.ExternalCode,
		Title:          m.Title,
		Price:          m.Price,
		Stock:          m.Stock,
		Warehouse:      m.Warehouse,
		RemoteStatus:   m.RemoteStatus,
		SyncState: marketsync.SyncState{
			SyncStatus:   m.SyncStatus,
			LastSyncedAt: m.LastSyncedAt,
			LastError:    m.LastError,
			PayloadHash:  m.PayloadHash,
			RawPayload:   json.RawMessage(m.RawPayload),
		},
	}
	unmarshalJSON(m.LocalOverrides, &p.LocalOverrides)
	return p
}

// ---------------------------------------------------------------------------
// Remote orders
// ---------------------------------------------------------------------------

// RemoteOrderModel is the persistence model for a RemoteOrder.
// (account, remote_id) is unique; Version guards concurrent writers.
type RemoteOrderModel struct {
	EntityColumns
	Account      marketsync.AccountScope     `gorm:"type:varchar(4);not null;uniqueIndex:uq_remote_orders_key,priority:1"`
	RemoteID     string                      `gorm:"type:varchar(64);not null;uniqueIndex:uq_remote_orders_key,priority:2"`
	Status       marketsync.OrderStatus      `gorm:"type:varchar(20);not null;index"`
	RemoteStatus string                      `gorm:"type:varchar(50)"`
	Total        decimal.Decimal             `gorm:"type:decimal(18,4);not null;default:0"`
	Currency     string                      `gorm:"type:varchar(3)"`
	LineCount    int                         `gorm:"not null;default:0"`
	PlacedAt     *time.Time                  `gorm:"index"`
	FinalizedAt  *time.Time                  `gorm:"index"`
	DocumentRef  string                      `gorm:"type:varchar(500)"`
	Version      int                         `gorm:"not null;default:1"`
	SyncStatus   marketsync.RecordSyncStatus `gorm:"type:varchar(20);not null;index"`
	LastSyncedAt *time.Time
	LastError    string         `gorm:"type:text"`
	PayloadHash  string         `gorm:"type:varchar(64)"`
	RawPayload   datatypes.JSON `gorm:"type:jsonb"`
}

// TableName returns the table name for GORM
func (RemoteOrderModel) TableName() string {
	return "remote_orders"
}

// RemoteOrderModelFromDomain creates a persistence model from a domain RemoteOrder
func RemoteOrderModelFromDomain(o *marketsync.RemoteOrder) *RemoteOrderModel {
	m := &RemoteOrderModel{
		Account:      o.Account,
		RemoteID:     o.RemoteID,
		Status:       o.Status,
		RemoteStatus: o.RemoteStatus,
		Total:        o.Total,
		Currency:     o.Currency,
		LineCount:    o.LineCount,
		PlacedAt:     o.PlacedAt,
		FinalizedAt:  o.FinalizedAt,
		DocumentRef:  o.DocumentRef,
		Version:      o.Version,
		SyncStatus:   o.SyncStatus,
		LastSyncedAt: o.LastSyncedAt,
		LastError:    o.LastError,
		PayloadHash:  o.PayloadHash,
		RawPayload:   rawJSON(o.RawPayload),
	}
	m.EntityColumns = entityColumns(o.BaseEntity)
	return m
}

// ToDomain converts the persistence model to a domain RemoteOrder
func (m *RemoteOrderModel) ToDomain() *marketsync.RemoteOrder {
	return &marketsync.RemoteOrder{
		BaseEntity:   m.EntityColumns.entity(),
		Account:      m.Account,
		RemoteID:     m.RemoteID,
		Status:       m.Status,
		RemoteStatus: m.RemoteStatus,
		Total:        m.Total,
		Currency:     m.Currency,
		LineCount:    m.LineCount,
		PlacedAt:     m.PlacedAt,
		FinalizedAt:  m.FinalizedAt,
		DocumentRef:  m.DocumentRef,
		Version:      m.Version,
		SyncState: marketsync.SyncState{
			SyncStatus:   m.SyncStatus,
			LastSyncedAt: m.LastSyncedAt,
			LastError:    m.LastError,
			PayloadHash:  m.PayloadHash,
			RawPayload:   json.RawMessage(m.RawPayload),
		},
	}
}

// OrderHistoryModel is an append-only lifecycle record. Sequence orders the
// entries of one order independently of clock resolution.
type OrderHistoryModel struct {
	ID         uuid.UUID              `gorm:"type:uuid;primary_key"`
	OrderID    uuid.UUID              `gorm:"type:uuid;not null;uniqueIndex:uq_order_history_seq,priority:1"`
	Sequence   int                    `gorm:"not null;uniqueIndex:uq_order_history_seq,priority:2"`
	FromStatus marketsync.OrderStatus `gorm:"type:varchar(20);not null"`
	ToStatus   marketsync.OrderStatus `gorm:"type:varchar(20);not null"`
	Actor      string                 `gorm:"type:varchar(200);not null"`
	Reason     string                 `gorm:"type:varchar(50);not null"`
	Detail     string                 `gorm:"type:text"`
	OccurredAt time.Time              `gorm:"not null"`
}

// TableName returns the table name for GORM
func (OrderHistoryModel) TableName() string {
	return "order_history"
}

// OrderHistoryModelFromDomain creates a persistence model from a history entry
func OrderHistoryModelFromDomain(e *marketsync.OrderHistoryEntry) *OrderHistoryModel {
	return &OrderHistoryModel{
		ID:         e.ID,
		OrderID:    e.OrderID,
		FromStatus: e.FromStatus,
		ToStatus:   e.ToStatus,
		Actor:      e.Actor,
		Reason:     e.Reason,
		Detail:     e.Detail,
		OccurredAt: e.OccurredAt,
	}
}

// ToDomain converts the persistence model to a history entry
func (m *OrderHistoryModel) ToDomain() *marketsync.OrderHistoryEntry {
	return &marketsync.OrderHistoryEntry{
		ID:         m.ID,
		OrderID:    m.OrderID,
		FromStatus: m.FromStatus,
		ToStatus:   m.ToStatus,
		Actor:      m.Actor,
		Reason:     m.Reason,
		Detail:     m.Detail,
		OccurredAt: m.OccurredAt,
	}
}

// ---------------------------------------------------------------------------
// Inventory
// ---------------------------------------------------------------------------

// InventorySnapshotModel is the persistence model for an InventorySnapshot.
// (account, product_key, warehouse) is unique.
type InventorySnapshotModel struct {
	ID             uuid.UUID               `gorm:"type:uuid;primary_key"`
	Account        marketsync.AccountScope `gorm:"type:varchar(4);not null;uniqueIndex:uq_inventory_snapshots_key,priority:1"`
	ProductKey     string                  `gorm:"type:varchar(100);not null;uniqueIndex:uq_inventory_snapshots_key,priority:2"`
	Warehouse      string                  `gorm:"type:varchar(100);not null;uniqueIndex:uq_inventory_snapshots_key,priority:3"`
	LocalProductID *uuid.UUID              `gorm:"type:uuid;index"`
	Quantity       int                     `gorm:"not null;default:0"`
	PriceMin       decimal.Decimal         `gorm:"type:decimal(18,4);not null;default:0"`
	PriceMax       decimal.Decimal         `gorm:"type:decimal(18,4);not null;default:0"`
	Status         marketsync.StockStatus  `gorm:"type:varchar(20);not null;index"`
	SourceHash     string                  `gorm:"type:varchar(64);not null"`
	ReconciledAt   time.Time               `gorm:"not null"`
}

// TableName returns the table name for GORM
func (InventorySnapshotModel) TableName() string {
	return "inventory_snapshots"
}

// InventorySnapshotModelFromDomain creates a persistence model from a snapshot
func InventorySnapshotModelFromDomain(s *marketsync.InventorySnapshot) *InventorySnapshotModel {
	return &InventorySnapshotModel{
		ID:             s.ID,
		Account:        s.Account,
		ProductKey:     s.ProductKey,
		Warehouse:      s.Warehouse,
		LocalProductID: s.LocalProductID,
		Quantity:       s.Quantity,
		PriceMin:       s.PriceMin,
		PriceMax:       s.PriceMax,
		Status:         s.Status,
		SourceHash:     s.SourceHash,
		ReconciledAt:   s.ReconciledAt,
	}
}

// ToDomain converts the persistence model to a snapshot
func (m *InventorySnapshotModel) ToDomain() *marketsync.InventorySnapshot {
	return &marketsync.InventorySnapshot{
		ID:             m.ID,
		ProductKey:     m.ProductKey,
		LocalProductID: m.LocalProductID,
		Account:        m.Account,
		Warehouse:      m.Warehouse,
		Quantity:       m.Quantity,
		PriceMin:       m.PriceMin,
		PriceMax:       m.PriceMax,
		Status:         m.Status,
		SourceHash:     m.SourceHash,
		ReconciledAt:   m.ReconciledAt,
	}
}

// CanonicalProductModel is a row of the local catalog. It is owned by the
// catalog service; sync only reads it.
type CanonicalProductModel struct {
	EntityColumns
	Code string `gorm:"type:varchar(100);not null;uniqueIndex"`
	Name string `gorm:"type:varchar(500);not null"`
}

// TableName returns the table name for GORM
func (CanonicalProductModel) TableName() string {
	return "canonical_products"
}

// ToDomain converts the persistence model to a CanonicalProduct
func (m *CanonicalProductModel) ToDomain() *marketsync.CanonicalProduct {
	return &marketsync.CanonicalProduct{ID: m.ID, Code: m.Code, Name: m.Name}
}

// AllModels lists every model for AutoMigrate in tests and dev setups
func AllModels() []any {
	return []any{
		&SyncRunModel{},
		&SyncRunAccountModel{},
		&RemoteProductModel{},
		&RemoteOrderModel{},
		&OrderHistoryModel{},
		&InventorySnapshotModel{},
		&CanonicalProductModel{},
	}
}

func marshalJSON(v any, empty string) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return datatypes.JSON(empty)
	}
	return datatypes.JSON(b)
}

func unmarshalJSON[T any](data datatypes.JSON, out *T) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, out)
}

func rawJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}
