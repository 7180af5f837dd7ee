package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/domain/shared"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newMockDatabase creates a Database instance with a mocked SQL connection
func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	cfg := newGormConfig(logger.Default.LogMode(logger.Silent))
	cfg.PrepareStmt = false
	gormDB, err := gorm.Open(dialector, cfg)
	require.NoError(t, err)

	return &Database{DB: gormDB}, mock, mockDB
}

func TestNewGormConfig(t *testing.T) {
	cfg := newGormConfig(logger.Default)

	assert.True(t, cfg.TranslateError, "unique violations must surface as gorm.ErrDuplicatedKey")
	assert.True(t, cfg.SkipDefaultTransaction)
	assert.True(t, cfg.PrepareStmt)
	assert.NotNil(t, cfg.Logger)
}

func TestOpen(t *testing.T) {
	t.Run("sizes the pool from config", func(t *testing.T) {
		mockDB, _, err := sqlmock.New()
		require.NoError(t, err)

		db, err := Open(&config.DatabaseConfig{MaxOpenConns: 7, MaxIdleConns: 2},
			WithDialector(postgres.New(postgres.Config{Conn: mockDB, DriverName: "postgres"})),
			WithLogger(logger.Default.LogMode(logger.Silent)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		stats, err := db.Stats()
		require.NoError(t, err)
		assert.Equal(t, 7, stats.MaxOpenConnections)
		assert.Equal(t, stats.OpenConnections, stats.InUse+stats.Idle)
	})

	t.Run("fails when the server is unreachable", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockDB.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		_, err = Open(&config.DatabaseConfig{},
			WithDialector(postgres.New(postgres.Config{Conn: mockDB, DriverName: "postgres"})),
		)
		assert.Error(t, err)
	})
}

func TestDatabase_Ping(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()

	assert.NoError(t, db.Ping())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, db.PingContext(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabase_Close(t *testing.T) {
	db, mock, _ := newMockDatabase(t)

	mock.ExpectClose()

	assert.NoError(t, db.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormTransactionScope_Execute(t *testing.T) {
	t.Run("commits", func(t *testing.T) {
		db, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "inventory_snapshots" WHERE id IN \(\$1\)`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := NewGormTransactionScope(db.DB).Execute(context.Background(), func(repos marketsync.TransactionalRepositories) error {
			return repos.Snapshots().Delete(context.Background(), []uuid.UUID{uuid.New()})
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := NewGormTransactionScope(db.DB).Execute(context.Background(), func(marketsync.TransactionalRepositories) error {
			return assert.AnError
		})

		assert.ErrorIs(t, err, assert.AnError)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormRemoteOrderRepository_Update_StaleVersion(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()

	repo := NewGormRemoteOrderRepository(db.DB)
	order := &marketsync.RemoteOrder{
		BaseEntity: shared.NewBaseEntity(time.Now()),
		Account:    marketsync.AccountA,
		RemoteID:   "ord-1",
		Status:     marketsync.OrderStatusNew,
		Version:    3,
		SyncState:  marketsync.SyncState{SyncStatus: marketsync.RecordSyncSynced},
	}

	mock.ExpectExec(`UPDATE "remote_orders" SET .* WHERE .*id = \$\d+ AND version = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), order)

	assert.ErrorIs(t, err, marketsync.ErrVersionConflict)
	assert.Equal(t, 3, order.Version, "version must not advance on conflict")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateWriteError(t *testing.T) {
	err := translateWriteError(gorm.ErrDuplicatedKey)
	assert.ErrorIs(t, err, marketsync.ErrVersionConflict)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	assert.Equal(t, assert.AnError, translateWriteError(assert.AnError))
}
