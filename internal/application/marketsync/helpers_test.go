package marketsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/cache"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/erp/marketsync/internal/infrastructure/marketplace/marketplacetest"
	"github.com/erp/marketsync/internal/infrastructure/persistence"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	tokenA = "token-a"
	tokenB = "token-b"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

// fakeClock is a settable clock shared by every service of a fixture
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink counts the measurements the services report
type recordingSink struct {
	marketsync.NopMetrics

	mu       sync.Mutex
	outcomes map[marketsync.UpsertOutcome]int
	pages    map[marketsync.AccountScope]int
	runs     []marketsync.SyncRunStatus
	lowStock map[marketsync.AccountScope]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		outcomes: make(map[marketsync.UpsertOutcome]int),
		pages:    make(map[marketsync.AccountScope]int),
		lowStock: make(map[marketsync.AccountScope]int),
	}
}

func (s *recordingSink) RecordUpserted(_ context.Context, _ marketsync.ResourceType, _ marketsync.AccountScope, outcome marketsync.UpsertOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome]++
}

func (s *recordingSink) PageFetched(_ context.Context, _ marketsync.ResourceType, account marketsync.AccountScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[account]++
}

func (s *recordingSink) RunFinished(_ context.Context, run *marketsync.SyncRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run.Status)
}

func (s *recordingSink) LowStock(_ context.Context, account marketsync.AccountScope, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lowStock[account] = count
}

func (s *recordingSink) outcome(o marketsync.UpsertOutcome) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[o]
}

func (s *recordingSink) finishedRuns() []marketsync.SyncRunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]marketsync.SyncRunStatus(nil), s.runs...)
}

// fixture wires the real services over SQLite and two fake marketplace accounts
type fixture struct {
	db      *gorm.DB
	clock   *fakeClock
	sink    *recordingSink
	serverA *marketplacetest.Server
	serverB *marketplacetest.Server
	client  *marketplace.Client

	runs     *persistence.GormSyncRunRepository
	products *persistence.GormRemoteProductRepository
	orders   *persistence.GormRemoteOrderRepository
	history  *persistence.GormOrderHistoryRepository

	upserter     *UpsertService
	lifecycle    *OrderLifecycleService
	reconciler   *InventoryReconciler
	orchestrator *Orchestrator
	quickUpdate  *QuickUpdateService
	service      *SyncService
}

type fixtureOptions struct {
	pageSize         int
	policy           marketsync.ConflictPolicy
	runTimeout       time.Duration
	parallelAccounts bool
	onlyAccountA     bool
	tokenForA        string
	source           MarketplaceSource
	grace            time.Duration
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.pageSize == 0 {
		opts.pageSize = 50
	}
	if opts.tokenForA == "" {
		opts.tokenForA = tokenA
	}

	f := &fixture{
		db:      setupTestDB(t),
		clock:   newFakeClock(baseTime),
		sink:    newRecordingSink(),
		serverA: marketplacetest.NewServer(tokenA),
		serverB: marketplacetest.NewServer(tokenB),
	}
	t.Cleanup(f.serverA.Close)
	t.Cleanup(f.serverB.Close)

	requester := marketplace.NewRequester(marketplace.RequesterConfig{
		Routes: map[marketplace.RouteClass]marketplace.RouteLimit{
			marketplace.RouteOrders: {RPS: 1000, Burst: 1000},
			marketplace.RouteOther:  {RPS: 1000, Burst: 1000},
		},
		Retry: marketplace.RetryPolicy{MaxRetries: 0},
	}, marketplace.WithMetrics(f.sink))

	accounts := map[marketsync.AccountScope]marketplace.AccountEndpoint{
		marketsync.AccountA: {BaseURL: f.serverA.URL, Token: opts.tokenForA},
	}
	if !opts.onlyAccountA {
		accounts[marketsync.AccountB] = marketplace.AccountEndpoint{BaseURL: f.serverB.URL, Token: tokenB}
	}
	client, err := marketplace.NewClient(marketplace.ClientConfig{Accounts: accounts, PageSize: opts.pageSize}, requester)
	require.NoError(t, err)
	f.client = client

	f.runs = persistence.NewGormSyncRunRepository(f.db, 5)
	f.products = persistence.NewGormRemoteProductRepository(f.db)
	f.orders = persistence.NewGormRemoteOrderRepository(f.db)
	f.history = persistence.NewGormOrderHistoryRepository(f.db)
	txScope := persistence.NewGormTransactionScope(f.db)
	locker := cache.NewLocalKeyLocker()
	log := zap.NewNop()

	f.lifecycle = NewOrderLifecycleService(OrderLifecycleServiceConfig{
		TxScope:     txScope,
		Orders:      f.orders,
		History:     f.history,
		Locker:      locker,
		Remote:      client,
		GraceWindow: opts.grace,
		Logger:      log,
		Clock:       f.clock.Now,
	})
	f.upserter = NewUpsertService(UpsertServiceConfig{
		TxScope:   txScope,
		Locker:    locker,
		Lifecycle: f.lifecycle,
		Policy:    opts.policy,
		Metrics:   f.sink,
		Logger:    log,
		Clock:     f.clock.Now,
	})
	f.reconciler = NewInventoryReconciler(InventoryReconcilerConfig{
		Products:   f.products,
		TxScope:    txScope,
		Thresholds: marketsync.StockThresholds{Default: 5},
		Metrics:    f.sink,
		Logger:     log,
		Clock:      f.clock.Now,
	})

	var source MarketplaceSource = client
	if opts.source != nil {
		source = opts.source
	}
	f.orchestrator = NewOrchestrator(OrchestratorConfig{
		Runs:             f.runs,
		Source:           source,
		Upserter:         f.upserter,
		Reconciler:       f.reconciler,
		Metrics:          f.sink,
		Logger:           log,
		Clock:            f.clock.Now,
		RunTimeout:       opts.runTimeout,
		MaxErrors:        5,
		ParallelAccounts: opts.parallelAccounts,
	})
	f.quickUpdate = NewQuickUpdateService(QuickUpdateServiceConfig{
		Products: f.products,
		TxScope:  txScope,
		Locker:   locker,
		Remote:   client,
		Logger:   log,
		Clock:    f.clock.Now,
	})
	f.service = NewSyncService(SyncServiceConfig{
		Orchestrator: f.orchestrator,
		Lifecycle:    f.lifecycle,
		QuickUpdate:  f.quickUpdate,
	})
	return f
}

// seedOrder stores an order decoded from a marketplace payload
func (f *fixture) seedOrder(t *testing.T, account marketsync.AccountScope, remoteID, status string) *marketsync.RemoteOrder {
	t.Helper()
	rec := decodeOrder(t, marketplacetest.Order(remoteID, status, "SKU-1", 1, "10.00"))
	order := marketsync.NewRemoteOrder(account, rec, f.clock.Now())
	require.NoError(t, f.orders.Create(context.Background(), order))
	return order
}

func decodeOrder(t *testing.T, raw json.RawMessage) *marketsync.OrderRecord {
	t.Helper()
	rec, err := marketsync.DecodeRecord(marketsync.ResourceOrders, raw)
	require.NoError(t, err)
	return rec.(*marketsync.OrderRecord)
}

func decodeProduct(t *testing.T, raw json.RawMessage) *marketsync.ProductRecord {
	t.Helper()
	rec, err := marketsync.DecodeRecord(marketsync.ResourceProducts, raw)
	require.NoError(t, err)
	return rec.(*marketsync.ProductRecord)
}

// rowOf returns the stored columns of one remote product
func rowOf(t *testing.T, db *gorm.DB, account marketsync.AccountScope, remoteID string) map[string]any {
	t.Helper()
	row := map[string]any{}
	require.NoError(t, db.Table("remote_products").
		Where("account = ? AND remote_id = ?", account, remoteID).
		Take(&row).Error)
	return row
}
