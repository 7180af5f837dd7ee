package marketsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultListLimit bounds run listings when no limit is given
const DefaultListLimit = 20

// SyncService is the operation surface used by the HTTP layer and the scheduler
type SyncService struct {
	orchestrator    *Orchestrator
	lifecycle       *OrderLifecycleService
	quickUpdate     *QuickUpdateService
	defaultMaxPages int
}

// SyncServiceConfig holds the dependencies of SyncService
type SyncServiceConfig struct {
	Orchestrator *Orchestrator
	Lifecycle    *OrderLifecycleService
	QuickUpdate  *QuickUpdateService
	// DefaultMaxPages applies when a request leaves max_pages out
	DefaultMaxPages int
}

// NewSyncService creates a new SyncService
func NewSyncService(cfg SyncServiceConfig) *SyncService {
	return &SyncService{
		orchestrator:    cfg.Orchestrator,
		lifecycle:       cfg.Lifecycle,
		quickUpdate:     cfg.QuickUpdate,
		defaultMaxPages: cfg.DefaultMaxPages,
	}
}

// ---------------------------------------------------------------------------
// Sync runs
// ---------------------------------------------------------------------------

// ParseRunRequest validates the run_sync input. Scope defaults to both and
// mode to incremental.
func (s *SyncService) ParseRunRequest(req RunSyncRequest) (RunRequest, error) {
	resource := marketsync.ResourceType(strings.ToLower(strings.TrimSpace(req.Resource)))
	if !resource.IsValid() {
		return RunRequest{}, fmt.Errorf("%w: unknown resource %q", marketsync.ErrInvalidRunRequest, req.Resource)
	}

	scope := marketsync.ScopeBoth
	if strings.TrimSpace(req.Scope) != "" {
		parsed, err := marketsync.ParseScopeSelector(req.Scope)
		if err != nil {
			return RunRequest{}, err
		}
		scope = parsed
	}

	mode := marketsync.SyncModeIncremental
	if req.Mode != "" {
		mode = marketsync.SyncMode(strings.ToLower(req.Mode))
		if !mode.IsValid() {
			return RunRequest{}, fmt.Errorf("%w: unknown mode %q", marketsync.ErrInvalidRunRequest, req.Mode)
		}
	}

	maxPages := s.defaultMaxPages
	if req.MaxPages != nil {
		maxPages = *req.MaxPages
	}
	return RunRequest{Resource: resource, Scope: scope, Mode: mode, MaxPages: maxPages}, nil
}

// RunSync executes a run synchronously, or schedules it when async is set
func (s *SyncService) RunSync(ctx context.Context, req RunSyncRequest) (*marketsync.SyncRun, error) {
	runReq, err := s.ParseRunRequest(req)
	if err != nil {
		return nil, err
	}
	if req.Async {
		return s.orchestrator.Start(ctx, runReq)
	}
	return s.orchestrator.Run(ctx, runReq)
}

// GetSyncStatus returns a run for progress polling
func (s *SyncService) GetSyncStatus(ctx context.Context, runID uuid.UUID) (*marketsync.SyncRun, error) {
	return s.orchestrator.GetRun(ctx, runID)
}

// ListRuns returns the most recent runs, newest first
func (s *SyncService) ListRuns(ctx context.Context, resource string, limit int) ([]*marketsync.SyncRun, error) {
	res := marketsync.ResourceType(strings.ToLower(strings.TrimSpace(resource)))
	if res != "" && !res.IsValid() {
		return nil, fmt.Errorf("%w: unknown resource %q", marketsync.ErrInvalidRunRequest, resource)
	}
	if limit <= 0 || limit > 100 {
		limit = DefaultListLimit
	}
	return s.orchestrator.ListRuns(ctx, res, limit)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// AcknowledgeOrder acknowledges an order; repeating it is a no-op
func (s *SyncService) AcknowledgeOrder(ctx context.Context, orderID uuid.UUID, actor string) (*marketsync.RemoteOrder, error) {
	return s.lifecycle.Acknowledge(ctx, orderID, actor)
}

// UpdateOrderStatus applies one lifecycle transition
func (s *SyncService) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status, actor string) (*marketsync.RemoteOrder, error) {
	target, err := marketsync.ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.UpdateStatus(ctx, orderID, target, actor)
}

// AttachDocument stores a document reference on an order
func (s *SyncService) AttachDocument(ctx context.Context, orderID uuid.UUID, docRef, actor string) (*marketsync.RemoteOrder, error) {
	return s.lifecycle.AttachDocument(ctx, orderID, docRef, actor)
}

// GetOrder returns an order by ID
func (s *SyncService) GetOrder(ctx context.Context, orderID uuid.UUID) (*marketsync.RemoteOrder, error) {
	return s.lifecycle.GetOrder(ctx, orderID)
}

// OrderHistory returns an order's lifecycle entries
func (s *SyncService) OrderHistory(ctx context.Context, orderID uuid.UUID) ([]*marketsync.OrderHistoryEntry, error) {
	return s.lifecycle.History(ctx, orderID)
}

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

// QuickUpdate pushes price and/or stock for one offer of an account
func (s *SyncService) QuickUpdate(ctx context.Context, remoteID, account string, price *decimal.Decimal, stock *int) (*marketsync.RemoteProduct, error) {
	acc, err := marketsync.ParseAccountScope(account)
	if err != nil {
		return nil, err
	}
	return s.quickUpdate.QuickUpdate(ctx, acc, remoteID, price, stock)
}
