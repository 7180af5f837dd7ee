package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	appmarketsync "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/cache"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/erp/marketsync/internal/infrastructure/marketplace/marketplacetest"
	"github.com/erp/marketsync/internal/infrastructure/persistence"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()
}

const (
	testTokenA = "token-a"
	testTokenB = "token-b"
)

// testAPI wires the real services over SQLite and two fake marketplace accounts
type testAPI struct {
	engine    *gin.Engine
	db        *gorm.DB
	serverA   *marketplacetest.Server
	serverB   *marketplacetest.Server
	requester *marketplace.Requester
	orders    *persistence.GormRemoteOrderRepository
	products  *persistence.GormRemoteProductRepository
	service   *appmarketsync.SyncService
	runner    *appmarketsync.Orchestrator
	grace     time.Duration
}

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

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithToken(t, testTokenA)
}

// newTestAPIWithToken configures account A with tokenA, which the fake
// marketplace rejects unless it equals testTokenA
func newTestAPIWithToken(t *testing.T, tokenA string) *testAPI {
	t.Helper()
	api := &testAPI{
		db:      setupTestDB(t),
		serverA: marketplacetest.NewServer(testTokenA),
		serverB: marketplacetest.NewServer(testTokenB),
		grace:   72 * time.Hour,
	}
	t.Cleanup(api.serverA.Close)
	t.Cleanup(api.serverB.Close)

	api.requester = marketplace.NewRequester(marketplace.RequesterConfig{
		Routes: map[marketplace.RouteClass]marketplace.RouteLimit{
			marketplace.RouteOrders: {RPS: 1000, Burst: 1000},
			marketplace.RouteOther:  {RPS: 1000, Burst: 1000},
		},
		Retry: marketplace.RetryPolicy{MaxRetries: 0},
	})
	client, err := marketplace.NewClient(marketplace.ClientConfig{
		Accounts: map[marketsync.AccountScope]marketplace.AccountEndpoint{
			marketsync.AccountA: {BaseURL: api.serverA.URL, Token: tokenA},
			marketsync.AccountB: {BaseURL: api.serverB.URL, Token: testTokenB},
		},
		PageSize: 50,
	}, api.requester)
	require.NoError(t, err)

	api.orders = persistence.NewGormRemoteOrderRepository(api.db)
	api.products = persistence.NewGormRemoteProductRepository(api.db)
	txScope := persistence.NewGormTransactionScope(api.db)
	locker := cache.NewLocalKeyLocker()

	lifecycle := appmarketsync.NewOrderLifecycleService(appmarketsync.OrderLifecycleServiceConfig{
		TxScope:     txScope,
		Orders:      api.orders,
		History:     persistence.NewGormOrderHistoryRepository(api.db),
		Locker:      locker,
		Remote:      client,
		GraceWindow: api.grace,
	})
	upserter := appmarketsync.NewUpsertService(appmarketsync.UpsertServiceConfig{
		TxScope:   txScope,
		Locker:    locker,
		Lifecycle: lifecycle,
	})
	reconciler := appmarketsync.NewInventoryReconciler(appmarketsync.InventoryReconcilerConfig{
		Products:   api.products,
		TxScope:    txScope,
		Thresholds: marketsync.StockThresholds{Default: 5},
	})
	api.runner = appmarketsync.NewOrchestrator(appmarketsync.OrchestratorConfig{
		Runs:       persistence.NewGormSyncRunRepository(api.db, 5),
		Source:     client,
		Upserter:   upserter,
		Reconciler: reconciler,
		MaxErrors:  5,
	})
	quickUpdate := appmarketsync.NewQuickUpdateService(appmarketsync.QuickUpdateServiceConfig{
		Products: api.products,
		TxScope:  txScope,
		Locker:   locker,
		Remote:   client,
	})
	api.service = appmarketsync.NewSyncService(appmarketsync.SyncServiceConfig{
		Orchestrator: api.runner,
		Lifecycle:    lifecycle,
		QuickUpdate:  quickUpdate,
	})

	syncHandler := NewSyncHandler(api.service, api.requester)
	orderHandler := NewOrderHandler(api.service)
	productHandler := NewProductHandler(api.service)

	api.engine = gin.New()
	api.engine.Use(middleware.RequestID())
	v1 := api.engine.Group("/api/v1")
	v1.POST("/sync/runs", syncHandler.RunSync)
	v1.GET("/sync/runs", syncHandler.ListRuns)
	v1.GET("/sync/runs/:id", syncHandler.GetSyncStatus)
	v1.GET("/sync/limits", syncHandler.GetLimits)
	v1.GET("/orders/:id", orderHandler.GetByID)
	v1.GET("/orders/:id/history", orderHandler.History)
	v1.POST("/orders/:id/acknowledge", orderHandler.Acknowledge)
	v1.PUT("/orders/:id/status", orderHandler.UpdateStatus)
	v1.POST("/orders/:id/documents", orderHandler.AttachDocument)
	v1.POST("/products/:id/quick-update", productHandler.QuickUpdate)
	return api
}

// seedOrder stores an order decoded from a marketplace payload
func (api *testAPI) seedOrder(t *testing.T, account marketsync.AccountScope, remoteID, status string) *marketsync.RemoteOrder {
	t.Helper()
	raw := marketplacetest.Order(remoteID, status, "SKU-1", 1, "10.00")
	rec, err := marketsync.DecodeRecord(marketsync.ResourceOrders, raw)
	require.NoError(t, err)
	order := marketsync.NewRemoteOrder(account, rec.(*marketsync.OrderRecord), time.Now())
	require.NoError(t, api.orders.Create(context.Background(), order))
	return order
}

func (api *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			payload, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewBuffer(payload)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	return rec
}

// decodeData unmarshals a success envelope's data into out
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	require.True(t, envelope.Success, rec.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

// decodeError returns a failure envelope's error
func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorInfo {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return *resp.Error
}
