package database

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// DB holds database connections
type DB struct {
	SQL    *sqlx.DB
	Driver string
}

// NewDB creates new database connections using config
func NewDB(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := sqlx.Open(cfg.Database.Driver, cfg.Database.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Database.Driver, err)
	}

	// Configure connection pool
	if cfg.Database.Driver == "sqlite3" {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.Database.MaxConns)
		conn.SetMaxIdleConns(cfg.Database.MinConns)
		conn.SetConnMaxLifetime(time.Hour)
	}

	// Test connection
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Database.Driver, err)
	}

	db := &DB{SQL: conn, Driver: cfg.Database.Driver}
	if db.Driver == "sqlite3" {
		if err := db.applyPragmas(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	logger.Info("connected to database", zap.String("driver", cfg.Database.Driver))

	return db, nil
}

// OpenSQLite opens a sqlite database at path and applies the schema.
// Used by tests and local development.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "sqlite3", Path: path}}
	db, err := NewDB(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.SQL.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (db *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.SQL.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes all database connections
func (db *DB) Close() error {
	if err := db.SQL.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", db.Driver, err)
	}

	return nil
}
