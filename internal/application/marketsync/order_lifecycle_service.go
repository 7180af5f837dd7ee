package marketsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/domain/shared"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultReturnGraceWindow is used when no grace window is configured
const DefaultReturnGraceWindow = 14 * 24 * time.Hour

// OrderAcknowledger confirms an order on the marketplace. marketplace.Client implements it.
type OrderAcknowledger interface {
	AcknowledgeOrder(ctx context.Context, account marketsync.AccountScope, remoteID string) (*marketplace.AcknowledgeResult, error)
}

// OrderLifecycleService drives orders through the transition table. It never
// fetches remote data; the only outbound call is the acknowledge confirmation.
type OrderLifecycleService struct {
	txScope marketsync.TransactionScope
	orders  marketsync.RemoteOrderRepository
	history marketsync.OrderHistoryRepository
	locker  marketsync.KeyLocker
	remote  OrderAcknowledger
	grace   time.Duration
	logger  *zap.Logger
	now     Clock
}

// OrderLifecycleServiceConfig holds the dependencies of OrderLifecycleService
type OrderLifecycleServiceConfig struct {
	TxScope marketsync.TransactionScope
	Orders  marketsync.RemoteOrderRepository
	History marketsync.OrderHistoryRepository
	Locker  marketsync.KeyLocker
	// Remote is optional; without it acknowledgements stay local
	Remote      OrderAcknowledger
	GraceWindow time.Duration
	Logger      *zap.Logger
	Clock       Clock
}

// NewOrderLifecycleService creates a new OrderLifecycleService
func NewOrderLifecycleService(cfg OrderLifecycleServiceConfig) *OrderLifecycleService {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultReturnGraceWindow
	}
	return &OrderLifecycleService{
		txScope: cfg.TxScope,
		orders:  cfg.Orders,
		history: cfg.History,
		locker:  cfg.Locker,
		remote:  cfg.Remote,
		grace:   grace,
		logger:  log,
		now:     clockOrNow(cfg.Clock),
	}
}

// GraceWindow returns the return window after finalization
func (s *OrderLifecycleService) GraceWindow() time.Duration {
	return s.grace
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetOrder returns an order by ID
func (s *OrderLifecycleService) GetOrder(ctx context.Context, orderID uuid.UUID) (*marketsync.RemoteOrder, error) {
	return s.orders.FindByID(ctx, orderID)
}

// History returns the order's lifecycle entries oldest first
func (s *OrderLifecycleService) History(ctx context.Context, orderID uuid.UUID) ([]*marketsync.OrderHistoryEntry, error) {
	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.history.ListByOrder(ctx, orderID)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Acknowledge moves a new order to acknowledged and confirms it on the
// marketplace. Orders already acknowledged or further along are returned
// unchanged without any remote call. The order's lock is held across the
// check and the remote call, so concurrent acknowledgements confirm once.
func (s *OrderLifecycleService) Acknowledge(ctx context.Context, orderID uuid.UUID, actor string) (*marketsync.RemoteOrder, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "order_lifecycle", "Acknowledge",
		telemetry.WithAttribute(telemetry.SpanAttrOrderID, orderID.String()),
	)
	defer span.End()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.HasReached(marketsync.OrderStatusAcknowledged) {
		return order, nil
	}

	unlock, err := s.locker.Lock(ctx, lockKey(marketsync.ResourceOrders, order.Account, order.RemoteID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// another caller may have acknowledged while we waited for the lock
	order, err = s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.HasReached(marketsync.OrderStatusAcknowledged) {
		return order, nil
	}
	if !order.Status.CanTransitionTo(marketsync.OrderStatusAcknowledged) {
		_, err := order.Acknowledge(actor, s.now())
		telemetry.RecordError(span, err)
		return nil, err
	}

	if s.remote != nil {
		if _, err := s.remote.AcknowledgeOrder(ctx, order.Account, order.RemoteID); err != nil {
			telemetry.RecordError(span, err)
			logger.WithLogger(ctx, s.logger).Warn("Marketplace rejected order acknowledgement",
				zap.String("order_id", orderID.String()),
				zap.String("remote_id", order.RemoteID),
				zap.Error(err),
			)
			return nil, err
		}
	}

	return s.apply(ctx, order, func(o *marketsync.RemoteOrder, now time.Time) (*marketsync.OrderHistoryEntry, error) {
		return o.Acknowledge(actor, now)
	})
}

// UpdateStatus applies one transition of the table. Moving to the current
// status is a no-op; returns are bound by the grace window.
func (s *OrderLifecycleService) UpdateStatus(ctx context.Context, orderID uuid.UUID, target marketsync.OrderStatus, actor string) (*marketsync.RemoteOrder, error) {
	if target == marketsync.OrderStatusAcknowledged {
		return s.Acknowledge(ctx, orderID, actor)
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "order_lifecycle", "UpdateStatus",
		telemetry.WithAttribute(telemetry.SpanAttrOrderID, orderID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrOrderStatus, target.String()),
	)
	defer span.End()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	reason := marketsync.ReasonStatusUpdate
	if target == marketsync.OrderStatusReturned {
		reason = marketsync.ReasonReturn
	}
	updated, err := s.mutate(ctx, order, func(o *marketsync.RemoteOrder, now time.Time) (*marketsync.OrderHistoryEntry, error) {
		if o.Status == target {
			return nil, nil
		}
		return o.TransitionTo(target, actor, reason, now, s.grace)
	})
	telemetry.RecordError(span, err)
	return updated, err
}

// Return moves a finalized order to returned while the grace window is open
func (s *OrderLifecycleService) Return(ctx context.Context, orderID uuid.UUID, actor string) (*marketsync.RemoteOrder, error) {
	return s.UpdateStatus(ctx, orderID, marketsync.OrderStatusReturned, actor)
}

// AttachDocument stores a document reference on an order in progress
func (s *OrderLifecycleService) AttachDocument(ctx context.Context, orderID uuid.UUID, docRef, actor string) (*marketsync.RemoteOrder, error) {
	docRef = strings.TrimSpace(docRef)
	if docRef == "" {
		return nil, shared.NewDomainError("INVALID_DOCUMENT_REF", "Document reference is required")
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "order_lifecycle", "AttachDocument",
		telemetry.WithAttribute(telemetry.SpanAttrOrderID, orderID.String()),
	)
	defer span.End()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := s.mutate(ctx, order, func(o *marketsync.RemoteOrder, now time.Time) (*marketsync.OrderHistoryEntry, error) {
		return o.AttachDocument(docRef, actor, now)
	})
	telemetry.RecordError(span, err)
	return updated, err
}

// ApplyRemoteStatus advances order toward the marketplace status one table
// step at a time and returns the history entries to persist with it. Unknown
// statuses and regressions leave the order untouched.
func (s *OrderLifecycleService) ApplyRemoteStatus(ctx context.Context, order *marketsync.RemoteOrder, remoteStatus string) []*marketsync.OrderHistoryEntry {
	log := logger.WithLogger(ctx, s.logger).With(
		zap.String("remote_id", order.RemoteID),
		zap.String("local_status", order.Status.String()),
		zap.String("remote_status", remoteStatus),
	)
	target, ok := marketsync.MapRemoteOrderStatus(remoteStatus)
	if !ok {
		log.Debug("Unknown remote order status, keeping local status")
		return nil
	}
	if target == order.Status {
		return nil
	}
	path := order.Status.ForwardPath(target)
	if len(path) == 0 {
		log.Debug("Ignoring remote status that would regress the order")
		return nil
	}

	now := s.now()
	entries := make([]*marketsync.OrderHistoryEntry, 0, len(path))
	for _, step := range path {
		entry, err := order.TransitionTo(step, marketsync.ActorSync, marketsync.ReasonRemoteStatus, now, s.grace)
		if err != nil {
			log.Warn("Remote status transition rejected",
				zap.String("step", step.String()),
				zap.Error(err),
			)
			break
		}
		entries = append(entries, entry)
	}
	return entries
}

// mutate applies fn to a fresh copy of order under its key lock, writing the
// order and the history entry in one transaction. A nil entry means no change.
// A lost optimistic-lock race is retried once.
func (s *OrderLifecycleService) mutate(
	ctx context.Context,
	order *marketsync.RemoteOrder,
	fn func(o *marketsync.RemoteOrder, now time.Time) (*marketsync.OrderHistoryEntry, error),
) (*marketsync.RemoteOrder, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(marketsync.ResourceOrders, order.Account, order.RemoteID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.apply(ctx, order, fn)
}

// apply is mutate for callers already holding the order's lock
func (s *OrderLifecycleService) apply(
	ctx context.Context,
	order *marketsync.RemoteOrder,
	fn func(o *marketsync.RemoteOrder, now time.Time) (*marketsync.OrderHistoryEntry, error),
) (*marketsync.RemoteOrder, error) {
	var result *marketsync.RemoteOrder
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.txScope.Execute(ctx, func(repos marketsync.TransactionalRepositories) error {
			current, err := repos.Orders().FindByID(ctx, order.ID)
			if err != nil {
				return err
			}
			entry, err := fn(current, s.now())
			if err != nil {
				return err
			}
			result = current
			if entry == nil {
				return nil
			}
			if err := repos.Orders().Update(ctx, current); err != nil {
				return err
			}
			return repos.History().Append(ctx, entry)
		})
		if !errors.Is(err, marketsync.ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	logger.WithLogger(ctx, s.logger).Debug("Order lifecycle step applied",
		zap.String("order_id", result.ID.String()),
		zap.String("status", result.Status.String()),
	)
	return result, nil
}
