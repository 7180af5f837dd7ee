package marketsync

import (
	"encoding/json"
	"time"

	"github.com/erp/marketsync/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordSyncStatus is the per-record sync state of a remote entity
type RecordSyncStatus string

const (
	RecordSyncPending RecordSyncStatus = "pending"
	RecordSyncSynced  RecordSyncStatus = "synced"
	RecordSyncError   RecordSyncStatus = "error"
)

// IsValid returns true if the status is valid
func (s RecordSyncStatus) IsValid() bool {
	switch s {
	case RecordSyncPending, RecordSyncSynced, RecordSyncError:
		return true
	default:
		return false
	}
}

// String returns the string representation of RecordSyncStatus
func (s RecordSyncStatus) String() string {
	return string(s)
}

// UpsertOutcome is the result of merging one remote record
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
	OutcomeFailed    UpsertOutcome = "failed"
)

// String returns the string representation of UpsertOutcome
func (o UpsertOutcome) String() string {
	return string(o)
}

// SyncState is the provenance block shared by every remote entity
type SyncState struct {
	SyncStatus   RecordSyncStatus
	LastSyncedAt *time.Time
	LastError    string
	PayloadHash  string
	RawPayload   json.RawMessage
}

// MarkSynced records a successful merge and clears any previous error
func (s *SyncState) MarkSynced(hash string, raw json.RawMessage, now time.Time) {
	s.SyncStatus = RecordSyncSynced
	s.LastSyncedAt = &now
	s.LastError = ""
	s.PayloadHash = hash
	if len(raw) > 0 {
		s.RawPayload = raw
	}
}

// MarkError records a rejected payload. The hash is cleared so the next valid
// payload is always re-applied.
func (s *SyncState) MarkError(reason string, raw json.RawMessage) {
	s.SyncStatus = RecordSyncError
	s.LastError = reason
	s.PayloadHash = ""
	if len(raw) > 0 {
		s.RawPayload = raw
	}
}

// HasSyncedValues reports whether the entity holds values from a successful
// sync. An error after an earlier success keeps those values.
func (s *SyncState) HasSyncedValues() bool {
	return s.SyncStatus == RecordSyncSynced || s.LastSyncedAt != nil
}

// IsCurrent reports whether hash matches the last successfully merged payload
func (s *SyncState) IsCurrent(hash string) bool {
	return s.SyncStatus == RecordSyncSynced && s.PayloadHash != "" && s.PayloadHash == hash
}

// ---------------------------------------------------------------------------
// Remote Product
// ---------------------------------------------------------------------------

// Product fields that may carry a local override
const (
	FieldTitle     = "title"
	FieldPrice     = "price"
	FieldStock     = "stock"
	FieldWarehouse = "warehouse"
)

// RemoteProduct is the local copy of one marketplace offer, keyed by (Account, RemoteID)
type RemoteProduct struct {
	shared.BaseEntity
	Account        AccountScope
	RemoteID       string
	LocalProductID *uuid.UUID
	ExternalCode   string
	Title          string
	Price          decimal.Decimal
	Stock          int
	Warehouse      string
	RemoteStatus   string
	// LocalOverrides holds manually curated values by field name
	LocalOverrides map[string]string
	SyncState
}

// NewRemoteProduct creates an empty product for the key; fields arrive via ApplyRecord
func NewRemoteProduct(account AccountScope, remoteID string, now time.Time) *RemoteProduct {
	return &RemoteProduct{
		BaseEntity: shared.NewBaseEntity(now),
		Account:    account,
		RemoteID:   remoteID,
		Warehouse:  DefaultWarehouse,
		SyncState:  SyncState{SyncStatus: RecordSyncPending},
	}
}

// SetOverride pins a locally curated value for a field
func (p *RemoteProduct) SetOverride(field, value string) {
	if p.LocalOverrides == nil {
		p.LocalOverrides = make(map[string]string)
	}
	p.LocalOverrides[field] = value
}

// ApplyRecord merges rec into p under policy. It returns true if any stored field changed.
func (p *RemoteProduct) ApplyRecord(rec *ProductRecord, policy ConflictPolicy) bool {
	changed := false
	title := policy.resolve(FieldTitle, rec.Title, p.LocalOverrides)
	if p.Title != title {
		p.Title = title
		changed = true
	}
	price := rec.Price
	if v, ok := policy.override(FieldPrice, p.LocalOverrides); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			price = d
		}
	}
	if !p.Price.Equal(price) {
		p.Price = price
		changed = true
	}
	stock := rec.Stock
	if v, ok := policy.override(FieldStock, p.LocalOverrides); ok {
		if n, err := decimal.NewFromString(v); err == nil {
			stock = int(n.IntPart())
		}
	}
	if p.Stock != stock {
		p.Stock = stock
		changed = true
	}
	warehouse := policy.resolve(FieldWarehouse, rec.Warehouse, p.LocalOverrides)
	if p.Warehouse != warehouse {
		p.Warehouse = warehouse
		changed = true
	}
	if p.ExternalCode != rec.SKU {
		p.ExternalCode = rec.SKU
		changed = true
	}
	if p.RemoteStatus != rec.Status {
		p.RemoteStatus = rec.Status
		changed = true
	}
	return changed
}

// LinkTo attaches the product to a canonical local product
func (p *RemoteProduct) LinkTo(localID uuid.UUID) {
	id := localID
	p.LocalProductID = &id
}

// ---------------------------------------------------------------------------
// Remote Order
// ---------------------------------------------------------------------------

// RemoteOrder is the local copy of one marketplace order, keyed by (Account, RemoteID).
// Status changes go through TransitionTo only.
type RemoteOrder struct {
	shared.BaseEntity
	Account      AccountScope
	RemoteID     string
	Status       OrderStatus
	RemoteStatus string
	Total        decimal.Decimal
	Currency     string
	LineCount    int
	PlacedAt     *time.Time
	FinalizedAt  *time.Time
	DocumentRef  string
	// Version increments on every write and guards concurrent updates
	Version int
	SyncState
}

// NewRemoteOrder creates an order from its first observed record
func NewRemoteOrder(account AccountScope, rec *OrderRecord, now time.Time) *RemoteOrder {
	o := &RemoteOrder{
		BaseEntity: shared.NewBaseEntity(now),
		Account:    account,
		RemoteID:   rec.RemoteID,
		Status:     rec.LocalStatus(),
		SyncState:  SyncState{SyncStatus: RecordSyncPending},
	}
	if o.Status == "" {
		o.Status = OrderStatusNew
	}
	if o.Status == OrderStatusFinalized || o.Status == OrderStatusReturned {
		o.FinalizedAt = &now
	}
	o.ApplyRecord(rec)
	return o
}

// ApplyRecord copies remote-authoritative, non-lifecycle fields. Status is left to
// the lifecycle manager. Returns true if any stored field changed.
func (o *RemoteOrder) ApplyRecord(rec *OrderRecord) bool {
	changed := false
	if o.RemoteStatus != rec.Status {
		o.RemoteStatus = rec.Status
		changed = true
	}
	if !o.Total.Equal(rec.Total) {
		o.Total = rec.Total
		changed = true
	}
	if o.Currency != rec.Currency {
		o.Currency = rec.Currency
		changed = true
	}
	if o.LineCount != len(rec.Lines) {
		o.LineCount = len(rec.Lines)
		changed = true
	}
	if rec.PlacedAt != nil && (o.PlacedAt == nil || !o.PlacedAt.Equal(*rec.PlacedAt)) {
		placed := *rec.PlacedAt
		o.PlacedAt = &placed
		changed = true
	}
	return changed
}
