package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	appmarketsync "github.com/erp/marketsync/internal/application/marketsync"
	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/auth"
	"github.com/erp/marketsync/internal/infrastructure/cache"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/marketplace"
	"github.com/erp/marketsync/internal/infrastructure/persistence"
	"github.com/erp/marketsync/internal/infrastructure/scheduler"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/erp/marketsync/internal/interfaces/http/handler"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
	"github.com/erp/marketsync/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var (
		issueOperator string
		issueScopes   string
	)
	flag.StringVar(&issueOperator, "issue-token", "", "Print a signed operator token for this name and exit")
	flag.StringVar(&issueScopes, "scopes", auth.ScopeSyncRead, "Comma-separated scopes of the issued token")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",

		SampleInitial:    cfg.Log.SampleInitial,
		SampleThereafter: cfg.Log.SampleThereafter,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	if issueOperator != "" {
		if err := issueToken(cfg.JWT, issueOperator, issueScopes); err != nil {
			log.Fatal("Failed to issue token", zap.Error(err))
		}
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("Server stopped with error", zap.Error(err))
	}
	log.Info("Server exited gracefully")
}

// issueToken prints a bearer token for an operator
func issueToken(cfg config.JWTConfig, operator, scopes string) error {
	var list []string
	for _, s := range strings.Split(scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	issued, err := auth.NewTokenService(cfg).IssueToken(operator, list)
	if err != nil {
		return err
	}
	fmt.Println(issued.Token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", issued.ExpiresAt.Format(time.RFC3339))
	return nil
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	// ---------------------------------------------------------------------
	// Telemetry
	// ---------------------------------------------------------------------

	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer shutdown(log, "tracer provider", tracerProvider.Shutdown)

	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("init meter provider: %w", err)
	}
	defer shutdown(log, "meter provider", meterProvider.Shutdown)

	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("init logger provider: %w", err)
	}
	defer shutdown(log, "logger provider", loggerProvider.Shutdown)
	if loggerProvider.IsEnabled() {
		log = telemetry.NewBridgedLogger(log, telemetry.NewZapOTELCore(telemetry.ZapBridgeConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			LoggerProvider: loggerProvider,
			Level:          logger.ParseLevel(cfg.Telemetry.LogsLevel),
			Fields:         []zap.Field{zap.String("version", version)},
		}))
	}

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.PyroscopeURL,
		ApplicationName: cfg.Telemetry.ServiceName,
		Tags:            map[string]string{"env": cfg.App.Env, "version": version},
	}, log)
	if err != nil {
		return fmt.Errorf("init profiler: %w", err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Error("Error stopping profiler", zap.Error(err))
		}
	}()
	if cfg.Telemetry.ProfilingEnabled {
		tracerProvider.EnableSpanProfiles()
	}

	log.Info("Starting marketplace sync engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	// ---------------------------------------------------------------------
	// Storage
	// ---------------------------------------------------------------------

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
	)
	db, err := persistence.Open(&cfg.Database, persistence.WithLogger(gormLog))
	if err != nil {
		return err
	}
	defer func() {
		stats := gormLog.Stats()
		log.Info("Database statement totals",
			zap.Int64("queries", stats.Queries),
			zap.Int64("slow_queries", stats.SlowQueries),
			zap.Int64("errors", stats.Errors),
		)
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	dbTracing := telemetry.DefaultDBTracingConfig()
	dbTracing.Enabled = cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled
	if cfg.Telemetry.DBSlowQueryThresh > 0 {
		dbTracing.SlowQueryThresh = cfg.Telemetry.DBSlowQueryThresh
	}
	if err := telemetry.NewDBTracingPlugin(dbTracing, log).Register(db.DB); err != nil {
		return fmt.Errorf("register database tracing: %w", err)
	}
	log.Info("Database connected successfully")

	locker, closeLocker, err := cache.NewKeyLockerFactory(cfg.Redis, cache.WithLogger(log)).Create(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closeLocker() }()

	revocations, closeRevocations := newRevocationList(ctx, cfg.Redis, log)
	defer func() { _ = closeRevocations() }()

	// ---------------------------------------------------------------------
	// Metrics
	// ---------------------------------------------------------------------

	var sinks marketsync.MultiSink
	var metricsHandler http.Handler
	if cfg.Telemetry.PrometheusEnabled {
		prom := telemetry.NewPrometheusSink(telemetry.PrometheusSinkConfig{WithRuntimeMetrics: true})
		sinks = append(sinks, prom)
		metricsHandler = prom.Handler()
	}
	if meterProvider.IsEnabled() {
		syncMetrics, err := telemetry.NewSyncMetrics(telemetry.SyncMetricsConfig{
			Meter:         meterProvider.Meter("marketsync"),
			Logger:        log,
			StatsProvider: telemetry.NewGormSyncStatsProvider(db.DB),
		})
		if err != nil {
			return fmt.Errorf("init sync metrics: %w", err)
		}
		syncMetrics.StartPeriodicCollection(ctx, time.Minute)
		defer syncMetrics.Stop()
		sinks = append(sinks, syncMetrics)
	}
	var metrics marketsync.MetricsSink = marketsync.NopMetrics{}
	if len(sinks) > 0 {
		metrics = sinks
	}

	// ---------------------------------------------------------------------
	// Marketplace
	// ---------------------------------------------------------------------

	requester := marketplace.NewRequester(requesterConfig(cfg),
		marketplace.WithMetrics(metrics),
		marketplace.WithLogger(log),
	)
	client, err := marketplace.NewClient(clientConfig(cfg.Marketplace), requester)
	if err != nil {
		return fmt.Errorf("init marketplace client: %w", err)
	}

	// ---------------------------------------------------------------------
	// Application services
	// ---------------------------------------------------------------------

	policy, err := marketsync.NewConflictPolicy(marketsync.ConflictStrategy(cfg.Sync.ConflictStrategy), cfg.Sync.LocalFields)
	if err != nil {
		return err
	}

	txScope := persistence.NewGormTransactionScope(db.DB)
	products := persistence.NewGormRemoteProductRepository(db.DB)
	lifecycle := appmarketsync.NewOrderLifecycleService(appmarketsync.OrderLifecycleServiceConfig{
		TxScope:     txScope,
		Orders:      persistence.NewGormRemoteOrderRepository(db.DB),
		History:     persistence.NewGormOrderHistoryRepository(db.DB),
		Locker:      locker,
		Remote:      client,
		GraceWindow: cfg.Sync.ReturnGraceWindow,
		Logger:      log,
	})
	upserter := appmarketsync.NewUpsertService(appmarketsync.UpsertServiceConfig{
		TxScope:   txScope,
		Locker:    locker,
		Lifecycle: lifecycle,
		Policy:    policy,
		Metrics:   metrics,
		Logger:    log,
	})
	reconciler := appmarketsync.NewInventoryReconciler(appmarketsync.InventoryReconcilerConfig{
		Products: products,
		TxScope:  txScope,
		Thresholds: marketsync.StockThresholds{
			Default:      cfg.Sync.LowStockThreshold,
			PerWarehouse: cfg.Sync.WarehouseThresholds,
		},
		Metrics: metrics,
		Logger:  log,
	})
	orchestrator := appmarketsync.NewOrchestrator(appmarketsync.OrchestratorConfig{
		Runs:             persistence.NewGormSyncRunRepository(db.DB, cfg.Sync.MaxErrors),
		Source:           client,
		Upserter:         upserter,
		Reconciler:       reconciler,
		Metrics:          metrics,
		Logger:           log,
		RunTimeout:       cfg.Sync.RunTimeout,
		MaxErrors:        cfg.Sync.MaxErrors,
		ParallelAccounts: cfg.Sync.ParallelAccounts,
	})
	quickUpdate := appmarketsync.NewQuickUpdateService(appmarketsync.QuickUpdateServiceConfig{
		Products: products,
		TxScope:  txScope,
		Locker:   locker,
		Remote:   client,
		Logger:   log,
	})
	syncService := appmarketsync.NewSyncService(appmarketsync.SyncServiceConfig{
		Orchestrator:    orchestrator,
		Lifecycle:       lifecycle,
		QuickUpdate:     quickUpdate,
		DefaultMaxPages: cfg.Sync.MaxPages,
	})

	// ---------------------------------------------------------------------
	// Background runs
	// ---------------------------------------------------------------------

	poolConfig := scheduler.DefaultWorkerPoolConfig()
	if cfg.Scheduler.MaxConcurrentJobs > 0 {
		poolConfig.MaxConcurrentJobs = cfg.Scheduler.MaxConcurrentJobs
	}
	if cfg.Scheduler.QueueSize > 0 {
		poolConfig.QueueSize = cfg.Scheduler.QueueSize
	}
	poolConfig.JobTimeout = cfg.Scheduler.JobTimeout
	pool, err := scheduler.NewWorkerPool(poolConfig, log)
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer stop(log, "worker pool", pool.Stop)
	orchestrator.SetExecutor(pool)

	var trigger *scheduler.SyncTrigger
	if cfg.Scheduler.Enabled {
		jobs, err := scheduler.JobsFromConfig(cfg.Scheduler.Jobs)
		if err != nil {
			return err
		}
		triggerConfig := scheduler.DefaultSyncTriggerConfig()
		triggerConfig.Jobs = jobs
		triggerConfig.Retention = cfg.Sync.Retention
		if cfg.Scheduler.HousekeepInterval > 0 {
			triggerConfig.HousekeepInterval = cfg.Scheduler.HousekeepInterval
		}
		trigger = scheduler.NewSyncTrigger(triggerConfig, orchestrator, log)
		if err := trigger.Start(ctx); err != nil {
			return fmt.Errorf("start sync trigger: %w", err)
		}
		defer stop(log, "sync trigger", trigger.Stop)
	}

	// ---------------------------------------------------------------------
	// HTTP
	// ---------------------------------------------------------------------

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers := router.Handlers{
		Sync:    handler.NewSyncHandler(syncService, requester),
		Order:   handler.NewOrderHandler(syncService),
		Product: handler.NewProductHandler(syncService),
		System:  handler.NewSystemHandler(cfg.App.Name, version, db, trigger),
	}
	engineConfig := router.EngineConfig{
		HTTP:          cfg.HTTP,
		Logger:        log,
		Handlers:      handlers,
		Tracing:       middleware.TracingConfig{ServiceName: cfg.Telemetry.ServiceName, Enabled: cfg.Telemetry.Enabled},
		MeterProvider: meterProvider,
		Profiling:     cfg.Telemetry.ProfilingEnabled,
		Metrics:       metricsHandler,
	}
	if !cfg.JWT.Disabled {
		tokens := auth.NewTokenService(cfg.JWT)
		engineConfig.Tokens = tokens
		engineConfig.Revocations = revocations
		engineConfig.Handlers.Auth = handler.NewAuthHandler(tokens, revocations)
	}
	if !meterProvider.IsEnabled() {
		engineConfig.MeterProvider = nil
	}
	engine := router.NewEngine(engineConfig)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// newRevocationList uses Redis when it is enabled and reachable so every
// replica sees revoked tokens, and an in-process list otherwise
func newRevocationList(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (auth.RevocationList, func() error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return auth.NewInMemoryRevocationList(), noop
	}
	client, err := cache.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Warn("Redis unavailable, token revocations are process-local", zap.Error(err))
		return auth.NewInMemoryRevocationList(), noop
	}
	return auth.NewRedisRevocationList(client, cfg.KeyPrefix), client.Close
}

func requesterConfig(cfg *config.Config) marketplace.RequesterConfig {
	routes := marketplace.DefaultRouteLimits()
	for name, limit := range cfg.Requester.Routes {
		routes[marketplace.RouteClass(name)] = marketplace.RouteLimit{RPS: limit.RPS, Burst: limit.Burst}
	}
	retry := marketplace.DefaultRetryPolicy()
	retry.MaxRetries = cfg.Requester.MaxRetries
	if cfg.Requester.BaseDelay > 0 {
		retry.BaseDelay = cfg.Requester.BaseDelay
	}
	if cfg.Requester.MaxDelay > 0 {
		retry.MaxDelay = cfg.Requester.MaxDelay
	}
	retry.JitterFraction = cfg.Requester.JitterFraction
	return marketplace.RequesterConfig{
		Routes:         routes,
		Retry:          retry,
		WaitTimeout:    cfg.Requester.WaitTimeout,
		AttemptTimeout: cfg.Marketplace.Timeout,
	}
}

func clientConfig(cfg config.MarketplaceConfig) marketplace.ClientConfig {
	accounts := make(map[marketsync.AccountScope]marketplace.AccountEndpoint)
	for _, account := range []marketsync.AccountScope{marketsync.AccountA, marketsync.AccountB} {
		if ac, ok := cfg.Account(account.String()); ok {
			accounts[account] = marketplace.AccountEndpoint{BaseURL: ac.BaseURL, Token: ac.Token}
		}
	}
	return marketplace.ClientConfig{Accounts: accounts, PageSize: cfg.PageSize}
}

func shutdown(log *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error("Error shutting down "+name, zap.Error(err))
	}
}

func stop(log *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error("Error stopping "+name, zap.Error(err))
	}
}
