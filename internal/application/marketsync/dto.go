package marketsync

import (
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Sync Run DTOs
// ---------------------------------------------------------------------------

// RunSyncRequest is the run_sync input
type RunSyncRequest struct {
	Resource string `json:"resource" binding:"required,oneof=products orders"`
	Scope    string `json:"scope" binding:"omitempty"`
	Mode     string `json:"mode" binding:"omitempty,oneof=full incremental"`
	// MaxPages falls back to the configured default when omitted
	MaxPages *int `json:"max_pages,omitempty" binding:"omitempty,gte=0,lte=10000"`
	Async    bool `json:"async,omitempty"`
}

// SyncRunResponse is a sync run in API responses
type SyncRunResponse struct {
	ID            uuid.UUID                  `json:"id"`
	Resource      marketsync.ResourceType    `json:"resource"`
	Scope         marketsync.ScopeSelector   `json:"scope"`
	Mode          marketsync.SyncMode        `json:"mode"`
	MaxPages      int                        `json:"max_pages"`
	Status        marketsync.SyncRunStatus   `json:"status"`
	TotalItems    int                        `json:"total_items"`
	Created       int                        `json:"created"`
	Updated       int                        `json:"updated"`
	Unchanged     int                        `json:"unchanged"`
	Failed        int                        `json:"failed"`
	Accounts      []marketsync.AccountResult `json:"accounts"`
	Errors        []string                   `json:"errors"`
	ErrorCount    int                        `json:"error_count"`
	FailureReason string                     `json:"failure_reason,omitempty"`
	StartedAt     time.Time                  `json:"started_at"`
	FinishedAt    *time.Time                 `json:"finished_at,omitempty"`
	DurationMs    int64                      `json:"duration_ms"`
}

// ToSyncRunResponse converts a SyncRun to its API form
func ToSyncRunResponse(run *marketsync.SyncRun) SyncRunResponse {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	return SyncRunResponse{
		ID:            run.ID,
		Resource:      run.Resource,
		Scope:         run.Scope,
		Mode:          run.Mode,
		MaxPages:      run.MaxPages,
		Status:        run.Status,
		TotalItems:    run.TotalItems,
		Created:       run.Created,
		Updated:       run.Updated,
		Unchanged:     run.Unchanged,
		Failed:        run.Failed,
		Accounts:      run.Accounts,
		Errors:        errs,
		ErrorCount:    run.ErrorCount,
		FailureReason: run.FailureReason,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		DurationMs:    run.Duration().Milliseconds(),
	}
}

// ToSyncRunResponses converts a list of runs
func ToSyncRunResponses(runs []*marketsync.SyncRun) []SyncRunResponse {
	out := make([]SyncRunResponse, len(runs))
	for i, run := range runs {
		out[i] = ToSyncRunResponse(run)
	}
	return out
}

// ---------------------------------------------------------------------------
// Order DTOs
// ---------------------------------------------------------------------------

// UpdateOrderStatusRequest is the update_order_status input
type UpdateOrderStatusRequest struct {
	Status string `json:"status" binding:"required,order_status"`
}

// AttachDocumentRequest is the attach_document input
type AttachDocumentRequest struct {
	DocRef string `json:"doc_ref" binding:"required,notblank,max=255"`
}

// OrderResponse is a remote order in API responses
type OrderResponse struct {
	ID           uuid.UUID                   `json:"id"`
	Account      marketsync.AccountScope     `json:"account"`
	RemoteID     string                      `json:"remote_id"`
	Status       marketsync.OrderStatus      `json:"status"`
	RemoteStatus string                      `json:"remote_status"`
	Total        decimal.Decimal             `json:"total"`
	Currency     string                      `json:"currency"`
	LineCount    int                         `json:"line_count"`
	PlacedAt     *time.Time                  `json:"placed_at,omitempty"`
	FinalizedAt  *time.Time                  `json:"finalized_at,omitempty"`
	DocumentRef  string                      `json:"document_ref,omitempty"`
	Version      int                         `json:"version"`
	SyncStatus   marketsync.RecordSyncStatus `json:"sync_status"`
	LastSyncedAt *time.Time                  `json:"last_synced_at,omitempty"`
	LastError    string                      `json:"last_error,omitempty"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

// ToOrderResponse converts a RemoteOrder to its API form
func ToOrderResponse(o *marketsync.RemoteOrder) OrderResponse {
	return OrderResponse{
		ID:           o.ID,
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
		UpdatedAt:    o.UpdatedAt,
	}
}

// OrderHistoryResponse is one lifecycle entry in API responses
type OrderHistoryResponse struct {
	ID         uuid.UUID              `json:"id"`
	FromStatus marketsync.OrderStatus `json:"from_status"`
	ToStatus   marketsync.OrderStatus `json:"to_status"`
	Actor      string                 `json:"actor"`
	Reason     string                 `json:"reason"`
	Detail     string                 `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// ToOrderHistoryResponses converts history entries
func ToOrderHistoryResponses(entries []*marketsync.OrderHistoryEntry) []OrderHistoryResponse {
	out := make([]OrderHistoryResponse, len(entries))
	for i, e := range entries {
		out[i] = OrderHistoryResponse{
			ID:         e.ID,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Actor:      e.Actor,
			Reason:     e.Reason,
			Detail:     e.Detail,
			OccurredAt: e.OccurredAt,
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Quick Update DTOs
// ---------------------------------------------------------------------------

// QuickUpdateRequest is the quick_update input
type QuickUpdateRequest struct {
	Account string           `json:"account" binding:"required"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Stock   *int             `json:"stock,omitempty" binding:"omitempty,gte=0"`
}

// ProductResponse is a remote product in API responses
type ProductResponse struct {
	ID             uuid.UUID                   `json:"id"`
	Account        marketsync.AccountScope     `json:"account"`
	RemoteID       string                      `json:"remote_id"`
	LocalProductID *uuid.UUID                  `json:"local_product_id,omitempty"`
	ExternalCode   string                      `json:"external_code"`
	Title          string                      `json:"title"`
	Price          decimal.Decimal             `json:"price"`
	Stock          int                         `json:"stock"`
	Warehouse      string                      `json:"warehouse"`
	SyncStatus     marketsync.RecordSyncStatus `json:"sync_status"`
	LastSyncedAt   *time.Time                  `json:"last_synced_at,omitempty"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// ToProductResponse converts a RemoteProduct to its API form
func ToProductResponse(p *marketsync.RemoteProduct) ProductResponse {
	return ProductResponse{
		ID:             p.ID,
		Account:        p.Account,
		RemoteID:       p.RemoteID,
		LocalProductID: p.LocalProductID,
		ExternalCode:   p.ExternalCode,
		Title:          p.Title,
		Price:          p.Price,
		Stock:          p.Stock,
		Warehouse:      p.Warehouse,
		SyncStatus:     p.SyncStatus,
		LastSyncedAt:   p.LastSyncedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}
