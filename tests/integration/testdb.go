//go:build integration

// Package integration runs the persistence layer against a real PostgreSQL
// started with testcontainers. Run with: go test -tags integration ./tests/...
package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/migration"
	"github.com/erp/marketsync/internal/infrastructure/persistence"
	"github.com/erp/marketsync/migrations"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormlogger "gorm.io/gorm/logger"
)

// syncTables lists the schema's tables children first, so TRUNCATE never
// trips over a foreign key even without CASCADE.
var syncTables = []string{
	"order_history",
	"inventory_snapshots",
	"remote_orders",
	"remote_products",
	"canonical_products",
	"sync_run_accounts",
	"sync_runs",
}

// postgresServer is started once per test binary and migrated once
var postgresServer struct {
	once      sync.Once
	container *tcpostgres.PostgresContainer
	dsn       string
	err       error
}

// TestDB is one connection pool onto the shared, migrated server
type TestDB struct {
	*persistence.Database
	t *testing.T
}

// NewSharedTestDB connects to the package's PostgreSQL server, starting and
// migrating it on first use. The pool is closed when t finishes.
func NewSharedTestDB(t *testing.T) *TestDB {
	t.Helper()

	postgresServer.once.Do(startPostgres)
	require.NoError(t, postgresServer.err, "Failed to start PostgreSQL")

	db, err := persistence.Open(&config.DatabaseConfig{MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: 5},
		persistence.WithDialector(gormpostgres.Open(postgresServer.dsn)),
		persistence.WithLogger(testGormLogger()),
	)
	require.NoError(t, err, "Failed to connect to PostgreSQL")
	t.Cleanup(func() { _ = db.Close() })

	return &TestDB{Database: db, t: t}
}

func startPostgres() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("marketsync_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		postgresServer.err = fmt.Errorf("run container: %w", err)
		return
	}
	postgresServer.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		postgresServer.err = fmt.Errorf("connection string: %w", err)
		return
	}
	postgresServer.dsn = dsn

	db, err := persistence.Open(&config.DatabaseConfig{MaxOpenConns: 1}, persistence.WithDialector(gormpostgres.Open(dsn)))
	if err != nil {
		postgresServer.err = err
		return
	}
	defer db.Close()
	sqlDB, err := db.DB.DB()
	if err != nil {
		postgresServer.err = err
		return
	}
	m, err := migration.NewFromFS(sqlDB, migrations.FS, zap.NewNop())
	if err != nil {
		postgresServer.err = fmt.Errorf("create migrator: %w", err)
		return
	}
	if err := m.Up(); err != nil {
		postgresServer.err = fmt.Errorf("migrate: %w", err)
	}
}

// testGormLogger logs every statement when TEST_DB_DEBUG is set
func testGormLogger() gormlogger.Interface {
	if os.Getenv("TEST_DB_DEBUG") == "" {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		zl = zap.NewNop()
	}
	return logger.NewGormLogger(zl, gormlogger.Info, logger.WithMaxSQLLength(0))
}

// CleanTables empties every sync table
func (tdb *TestDB) CleanTables() {
	tdb.t.Helper()
	err := tdb.DB.Exec("TRUNCATE TABLE " + strings.Join(syncTables, ", ")).Error
	require.NoError(tdb.t, err, "Failed to truncate sync tables")
}

// CleanupSharedContainer terminates the server; call it from TestMain
func CleanupSharedContainer() {
	if postgresServer.container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = postgresServer.container.Terminate(ctx)
}
