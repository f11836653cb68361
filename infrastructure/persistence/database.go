package persistence

import (
	"context"
	"fmt"
	"time"

	"peerwave-chat/domain/persistence"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type txKey struct{}

// txContextKey carries the active *gorm.DB transaction through a context
var txContextKey = txKey{}

// PoolConfig controls the underlying sql.DB connection pool
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

// DatabaseManager implements the persistence.DatabaseManager interface
type DatabaseManager struct {
	db             *gorm.DB
	pool           PoolConfig
	transcriptRepo persistence.TranscriptRepository
}

// NewDatabaseManager creates a new database manager instance
func NewDatabaseManager() *DatabaseManager {
	return &DatabaseManager{pool: DefaultPoolConfig()}
}

// WithPool overrides the connection pool settings applied on Open
func (dm *DatabaseManager) WithPool(pool PoolConfig) *DatabaseManager {
	dm.pool = pool
	return dm
}

// Connect establishes a PostgreSQL connection
func (dm *DatabaseManager) Connect(ctx context.Context, dsn string) error {
	logrus.Info("Connecting to PostgreSQL database...")
	if err := dm.Open(ctx, postgres.Open(dsn)); err != nil {
		return err
	}
	logrus.Info("Successfully connected to PostgreSQL database")
	return nil
}

// Open establishes a connection through any gorm dialector
func (dm *DatabaseManager) Open(ctx context.Context, dialector gorm.Dialector) error {
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	if dm.pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dm.pool.MaxIdleConns)
	}
	if dm.pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dm.pool.MaxOpenConns)
	}
	if dm.pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(dm.pool.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	dm.db = db
	dm.transcriptRepo = NewTranscriptRepository(db)

	logrus.WithField("dialect", dialector.Name()).Debug("Database connection established")
	return nil
}

// Close closes the database connection
func (dm *DatabaseManager) Close() error {
	if dm.db == nil {
		return nil
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB for close: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	logrus.Info("Database connection closed successfully")
	return nil
}

// Migrate creates the transcripts table and, on PostgreSQL, its extra indexes
func (dm *DatabaseManager) Migrate() error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	logrus.Info("Running database migrations...")

	if err := dm.db.AutoMigrate(&persistence.TranscriptRecord{}); err != nil {
		return fmt.Errorf("failed to migrate transcripts table: %w", err)
	}

	if dm.db.Dialector.Name() == "postgres" {
		dm.createIndexes()
	}

	logrus.Info("Database migrations completed successfully")
	return nil
}

func (dm *DatabaseManager) createIndexes() {
	indexes := []string{
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_transcripts_status_created ON transcripts (status, created_at DESC)",
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_transcripts_model_created ON transcripts (model, created_at DESC)",
		// Stats only aggregate finished transcripts
		"CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_transcripts_finished ON transcripts (status) INCLUDE (latency_ms, fragment_count) WHERE status <> 'pending'",
	}

	for _, index := range indexes {
		if err := dm.db.Exec(index).Error; err != nil {
			logrus.WithError(err).Warnf("Failed to create index: %s", index)
		}
	}
}

// Health checks database connectivity
func (dm *DatabaseManager) Health(ctx context.Context) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// GetTranscriptRepository returns the initialized repository, nil before Connect
func (dm *DatabaseManager) GetTranscriptRepository() persistence.TranscriptRepository {
	return dm.transcriptRepo
}

// GetDB returns the underlying GORM database instance
func (dm *DatabaseManager) GetDB() *gorm.DB {
	return dm.db
}

// WithTransaction executes a function within a database transaction
func (dm *DatabaseManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	tx := dm.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	txCtx := context.WithValue(ctx, txContextKey, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			logrus.WithError(rbErr).Error("Failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
