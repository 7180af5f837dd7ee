package marketsync

import (
	"context"
	"strings"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/domain/shared"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OfferUpdater pushes price/stock changes through the marketplace fast-update
// endpoint. marketplace.Client implements it.
type OfferUpdater interface {
	FastUpdate(ctx context.Context, account marketsync.AccountScope, update marketplace.FastUpdateRequest) (*marketplace.FastUpdateResult, error)
}

// QuickUpdateService changes price or stock of one offer without a sync run
type QuickUpdateService struct {
	products marketsync.RemoteProductRepository
	txScope  marketsync.TransactionScope
	locker   marketsync.KeyLocker
	remote   OfferUpdater
	logger   *zap.Logger
	now      Clock
}

// QuickUpdateServiceConfig holds the dependencies of QuickUpdateService
type QuickUpdateServiceConfig struct {
	Products marketsync.RemoteProductRepository
	TxScope  marketsync.TransactionScope
	Locker   marketsync.KeyLocker
	Remote   OfferUpdater
	Logger   *zap.Logger
	Clock    Clock
}

// NewQuickUpdateService creates a new QuickUpdateService
func NewQuickUpdateService(cfg QuickUpdateServiceConfig) *QuickUpdateService {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &QuickUpdateService{
		products: cfg.Products,
		txScope:  cfg.TxScope,
		locker:   cfg.Locker,
		remote:   cfg.Remote,
		logger:   log,
		now:      clockOrNow(cfg.Clock),
	}
}

// QuickUpdate sends the new price and/or stock of the account's offer to the
// marketplace and, once accepted, stores them on the local product. The
// stored payload hash is cleared so the next sync re-applies remote truth.
func (s *QuickUpdateService) QuickUpdate(ctx context.Context, account marketsync.AccountScope, remoteID string, price *decimal.Decimal, stock *int) (*marketsync.RemoteProduct, error) {
	remoteID = strings.TrimSpace(remoteID)
	if price == nil && stock == nil {
		return nil, marketsync.ErrEmptyQuickUpdate
	}
	if price != nil && price.IsNegative() {
		return nil, shared.NewDomainError("INVALID_PRICE", "Price cannot be negative")
	}
	if stock != nil && *stock < 0 {
		return nil, shared.NewDomainError("INVALID_STOCK", "Stock cannot be negative")
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "quick_update", "QuickUpdate",
		telemetry.WithAttribute(telemetry.SpanAttrAccount, account.String()),
		telemetry.WithAttribute("product.remote_id", remoteID),
	)
	defer span.End()

	if _, err := s.products.FindByKey(ctx, account, remoteID); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lockKey(marketsync.ResourceProducts, account, remoteID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	update := marketplace.FastUpdateRequest{OfferID: remoteID, Price: price, Stock: stock}
	if _, err := s.remote.FastUpdate(ctx, account, update); err != nil {
		telemetry.RecordError(span, err)
		logger.WithLogger(ctx, s.logger).Warn("Quick update rejected",
			zap.String("account", account.String()),
			zap.String("remote_id", remoteID),
			zap.Error(err),
		)
		return nil, err
	}

	var updated *marketsync.RemoteProduct
	err = s.txScope.Execute(ctx, func(repos marketsync.TransactionalRepositories) error {
		product, err := repos.Products().FindByKey(ctx, account, remoteID)
		if err != nil {
			return err
		}
		if price != nil {
			product.Price = *price
		}
		if stock != nil {
			product.Stock = *stock
		}
		product.PayloadHash = ""
		product.Touch(s.now())
		updated = product
		return repos.Products().Save(ctx, product)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	logger.WithLogger(ctx, s.logger).Info("Quick update applied",
		zap.String("account", account.String()),
		zap.String("remote_id", remoteID),
		zap.Bool("price", price != nil),
		zap.Bool("stock", stock != nil),
	)
	return updated, nil
}
