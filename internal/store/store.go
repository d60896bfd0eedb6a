// Package store opens the durable database shared by the queue, the cache
// and the metrics tables. Nothing outside those three packages should touch
// the rows defined here.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects the database.
type Config struct {
	// DSN is a sqlite file path or URI. Empty means a private in-memory db.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// Open connects to the database described by cfg and migrates the schema.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return OpenMemory("stepcache")
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := Migrate(context.Background(), db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a fresh in-memory database. Each call gets its own
// database even for the same name, which keeps tests isolated. A single
// connection is used so every statement is serialized.
func OpenMemory(name string) (*gorm.DB, error) {
	// ref: https://www.sqlite.org/inmemorydb.html
	dsn := fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", sanitize(name), uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(context.Background(), db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&JobRow{},
		&CacheRow{},
		&JobTotalMetricRow{},
		&CacheTotalMetricRow{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", " ", "_", "?", "_", "&", "_", "#", "_")
	return r.Replace(name)
}
