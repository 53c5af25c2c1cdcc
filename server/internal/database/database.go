package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/renderfleet/renderfleet/server/internal/config"
	"github.com/renderfleet/renderfleet/server/internal/model"
)

// DB is the server's GORM handle plus the driver it was opened with.
type DB struct {
	*gorm.DB
	Driver string
}

// New opens the database named by cfg.DatabaseDSN. GORM only reports slow
// queries and errors, through zl.
func New(cfg *config.Config, zl *zap.Logger) (*DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(zl.Named("gorm")), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		// Lease expiry is compared in SQL, so every stored timestamp is UTC.
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.CleanDSN()), gormConfig)
	case "sqlite":
		db, err = openSQLite(cfg.CleanDSN(), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.DatabaseDriver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if cfg.DatabaseDriver == "sqlite" {
		// SQLite has a single writer and no row locks. One connection makes
		// every lease and ledger transaction strictly serial.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return &DB{DB: db, Driver: cfg.DatabaseDriver}, nil
}

func openSQLite(dsn string, gormConfig *gorm.Config) (*gorm.DB, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if !strings.HasPrefix(path, ":memory:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		// wait for the writer instead of failing with SQLITE_BUSY
		"PRAGMA busy_timeout = 5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate creates or updates every table the server uses.
func (db *DB) Migrate() error {
	return db.AutoMigrate(model.AllModels()...)
}

// Ping checks that the database answers.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// IsPostgres reports whether the server runs against PostgreSQL.
func (db *DB) IsPostgres() bool {
	return db.Driver == "postgres"
}

// IsSQLite reports whether the server runs against SQLite.
func (db *DB) IsSQLite() bool {
	return db.Driver == "sqlite"
}

// Close closes the connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
