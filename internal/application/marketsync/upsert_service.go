package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Clock returns the current time. Services take one so tests can pin it.
type Clock func() time.Time

func clockOrNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// lockKey is the per-entity serialization key shared by upserts and lifecycle steps
func lockKey(resource marketsync.ResourceType, account marketsync.AccountScope, remoteID string) string {
	return fmt.Sprintf("%s:%s:%s", resource, account, remoteID)
}

// UpsertService merges typed remote records into local entities
type UpsertService struct {
	txScope   marketsync.TransactionScope
	locker    marketsync.KeyLocker
	lifecycle *OrderLifecycleService
	policy    marketsync.ConflictPolicy
	metrics   marketsync.MetricsSink
	logger    *zap.Logger
	now       Clock
}

// UpsertServiceConfig holds the dependencies of UpsertService
type UpsertServiceConfig struct {
	TxScope marketsync.TransactionScope
	Locker  marketsync.KeyLocker
	// Lifecycle advances order status on re-sync; required for orders
	Lifecycle *OrderLifecycleService
	Policy    marketsync.ConflictPolicy
	Metrics   marketsync.MetricsSink
	Logger    *zap.Logger
	Clock     Clock
}

// NewUpsertService creates a new UpsertService
func NewUpsertService(cfg UpsertServiceConfig) *UpsertService {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = marketsync.NopMetrics{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	policy := cfg.Policy
	if policy.Strategy == "" {
		policy = marketsync.DefaultConflictPolicy()
	}
	return &UpsertService{
		txScope:   cfg.TxScope,
		locker:    cfg.Locker,
		lifecycle: cfg.Lifecycle,
		policy:    policy,
		metrics:   metrics,
		logger:    log,
		now:       clockOrNow(cfg.Clock),
	}
}

// Policy returns the conflict policy in effect
func (s *UpsertService) Policy() marketsync.ConflictPolicy {
	return s.policy
}

// UpsertRaw decodes one page item and upserts it. A malformed item returns
// OutcomeFailed with an error matching ErrValidation; when its remote id is
// readable the entity is marked as errored so the failure is visible locally.
func (s *UpsertService) UpsertRaw(ctx context.Context, resource marketsync.ResourceType, account marketsync.AccountScope, raw json.RawMessage) (marketsync.UpsertOutcome, error) {
	rec, err := marketsync.DecodeRecord(resource, raw)
	if err != nil {
		var verr *marketsync.ValidationError
		if errors.As(err, &verr) && verr.RemoteID != "" {
			if markErr := s.markInvalid(ctx, resource, account, verr, raw); markErr != nil {
				logger.WithLogger(ctx, s.logger).Error("Failed to record invalid payload",
					zap.String("resource", resource.String()),
					zap.String("remote_id", verr.RemoteID),
					zap.Error(markErr),
				)
			}
		}
		s.metrics.RecordUpserted(ctx, resource, account, marketsync.OutcomeFailed)
		return marketsync.OutcomeFailed, err
	}
	return s.Upsert(ctx, account, rec)
}

// Upsert merges rec under the per-key lock in one short transaction. A
// concurrent insert of the same key is re-read and merged once.
func (s *UpsertService) Upsert(ctx context.Context, account marketsync.AccountScope, rec marketsync.RemoteRecord) (marketsync.UpsertOutcome, error) {
	resource := rec.Resource()
	unlock, err := s.locker.Lock(ctx, lockKey(resource, account, rec.RemoteKey()))
	if err != nil {
		s.metrics.RecordUpserted(ctx, resource, account, marketsync.OutcomeFailed)
		return marketsync.OutcomeFailed, fmt.Errorf("lock %s %s: %w", resource, rec.RemoteKey(), err)
	}
	defer unlock()

	outcome, err := s.upsertOnce(ctx, account, rec)
	if errors.Is(err, marketsync.ErrVersionConflict) {
		logger.WithLogger(ctx, s.logger).Debug("Upsert lost a write race, merging again",
			zap.String("resource", resource.String()),
			zap.String("remote_id", rec.RemoteKey()),
		)
		outcome, err = s.upsertOnce(ctx, account, rec)
	}
	if err != nil {
		s.metrics.RecordUpserted(ctx, resource, account, marketsync.OutcomeFailed)
		return marketsync.OutcomeFailed, err
	}
	s.metrics.RecordUpserted(ctx, resource, account, outcome)
	return outcome, nil
}

func (s *UpsertService) upsertOnce(ctx context.Context, account marketsync.AccountScope, rec marketsync.RemoteRecord) (marketsync.UpsertOutcome, error) {
	switch r := rec.(type) {
	case *marketsync.ProductRecord:
		return s.upsertProduct(ctx, account, r)
	case *marketsync.OrderRecord:
		return s.upsertOrder(ctx, account, r)
	default:
		return marketsync.OutcomeFailed, fmt.Errorf("%w: unsupported record type %T", marketsync.ErrValidation, rec)
	}
}

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

func (s *UpsertService) upsertProduct(ctx context.Context, account marketsync.AccountScope, rec *marketsync.ProductRecord) (marketsync.UpsertOutcome, error) {
	hash := rec.Fingerprint()
	now := s.now()
	var outcome marketsync.UpsertOutcome

	err := s.txScope.Execute(ctx, func(repos marketsync.TransactionalRepositories) error {
		product, err := repos.Products().FindByKey(ctx, account, rec.RemoteID)
		switch {
		case errors.Is(err, marketsync.ErrRemoteEntityNotFound):
			product = marketsync.NewRemoteProduct(account, rec.RemoteID, now)
			outcome = marketsync.OutcomeCreated
		case err != nil:
			return err
		case product.IsCurrent(hash):
			outcome = marketsync.OutcomeUnchanged
			return nil
		default:
			outcome = marketsync.OutcomeUpdated
		}

		product.ApplyRecord(rec, s.policy)
		if product.LocalProductID == nil {
			if err := linkCanonical(ctx, repos, product); err != nil {
				return err
			}
		}
		product.MarkSynced(hash, rec.Raw(), now)
		product.Touch(now)
		return repos.Products().Save(ctx, product)
	})
	if err != nil {
		return marketsync.OutcomeFailed, err
	}
	return outcome, nil
}

// linkCanonical attaches product to the catalog row whose code equals its SKU
func linkCanonical(ctx context.Context, repos marketsync.TransactionalRepositories, product *marketsync.RemoteProduct) error {
	if product.ExternalCode == "" {
		return nil
	}
	canonical, err := repos.Canonical().FindByCode(ctx, product.ExternalCode)
	if errors.Is(err, marketsync.ErrCanonicalNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("match canonical product %s: %w", product.ExternalCode, err)
	}
	product.LinkTo(canonical.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *UpsertService) upsertOrder(ctx context.Context, account marketsync.AccountScope, rec *marketsync.OrderRecord) (marketsync.UpsertOutcome, error) {
	hash := rec.Fingerprint()
	now := s.now()
	var outcome marketsync.UpsertOutcome

	err := s.txScope.Execute(ctx, func(repos marketsync.TransactionalRepositories) error {
		order, err := repos.Orders().FindByKey(ctx, account, rec.RemoteID)
		if errors.Is(err, marketsync.ErrOrderNotFound) {
			order = marketsync.NewRemoteOrder(account, rec, now)
			order.MarkSynced(hash, rec.Raw(), now)
			outcome = marketsync.OutcomeCreated
			return repos.Orders().Create(ctx, order)
		}
		if err != nil {
			return err
		}
		if order.IsCurrent(hash) {
			outcome = marketsync.OutcomeUnchanged
			return nil
		}

		order.ApplyRecord(rec)
		var entries []*marketsync.OrderHistoryEntry
		if s.lifecycle != nil {
			entries = s.lifecycle.ApplyRemoteStatus(ctx, order, rec.Status)
		}
		order.MarkSynced(hash, rec.Raw(), now)
		order.Touch(now)
		if err := repos.Orders().Update(ctx, order); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := repos.History().Append(ctx, entry); err != nil {
				return err
			}
		}
		outcome = marketsync.OutcomeUpdated
		return nil
	})
	if err != nil {
		return marketsync.OutcomeFailed, err
	}
	return outcome, nil
}

// ---------------------------------------------------------------------------
// Invalid payloads
// ---------------------------------------------------------------------------

// markInvalid flags the entity behind a rejected payload, creating a
// placeholder row when the key is new
func (s *UpsertService) markInvalid(ctx context.Context, resource marketsync.ResourceType, account marketsync.AccountScope, verr *marketsync.ValidationError, raw json.RawMessage) error {
	ctx, span := telemetry.StartSpan(ctx, "marketsync.upsert.invalid",
		telemetry.WithAttribute(telemetry.SpanAttrResource, resource.String()),
		telemetry.WithAttribute(telemetry.SpanAttrAccount, account.String()),
	)
	defer span.End()

	unlock, err := s.locker.Lock(ctx, lockKey(resource, account, verr.RemoteID))
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now()
	return s.txScope.Execute(ctx, func(repos marketsync.TransactionalRepositories) error {
		switch resource {
		case marketsync.ResourceProducts:
			product, err := repos.Products().FindByKey(ctx, account, verr.RemoteID)
			if errors.Is(err, marketsync.ErrRemoteEntityNotFound) {
				product = marketsync.NewRemoteProduct(account, verr.RemoteID, now)
			} else if err != nil {
				return err
			}
			product.MarkError(verr.Reason, raw)
			product.Touch(now)
			return repos.Products().Save(ctx, product)
		case marketsync.ResourceOrders:
			order, err := repos.Orders().FindByKey(ctx, account, verr.RemoteID)
			if errors.Is(err, marketsync.ErrOrderNotFound) {
				order = marketsync.NewRemoteOrder(account, &marketsync.OrderRecord{RemoteID: verr.RemoteID}, now)
				order.MarkError(verr.Reason, raw)
				return repos.Orders().Create(ctx, order)
			}
			if err != nil {
				return err
			}
			order.MarkError(verr.Reason, raw)
			order.Touch(now)
			return repos.Orders().Update(ctx, order)
		default:
			return nil
		}
	})
}
