// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package store opens the application database and applies its schema.
// SQLite serves development and tests, Postgres serves production.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // Postgres driver for database/sql
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DBConfig holds database configuration options.
type DBConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of connections in the idle connection pool.
	MaxIdleConns int
	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	ConnMaxIdleTime time.Duration
}

// DefaultDBConfig returns sensible pool defaults.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"journal_mode(WAL)",   // Write-Ahead Logging for better concurrency
	"busy_timeout(5000)",  // Wait 5s when database is locked
	"synchronous(NORMAL)", // Good balance of safety and speed
	"foreign_keys(1)",     // Enforce foreign key constraints
	"temp_store(MEMORY)",  // Store temp tables in memory
}

// SQLiteDSN builds a modernc DSN for path with the connection pragmas.
func SQLiteDSN(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range sqlitePragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// NewDB opens a database for driver. For SQLite, dsn is a file path.
func NewDB(driver, dsn string) (*sql.DB, error) {
	return NewDBWithConfig(driver, dsn, DefaultDBConfig())
}

// NewDBWithConfig opens a database with custom pool configuration.
func NewDBWithConfig(driver, dsn string, cfg DBConfig) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		if !strings.HasPrefix(dsn, "file:") {
			dsn = SQLiteDSN(dsn)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// goose keeps its dialect and filesystem in package state.
var migrateMu sync.Mutex

// Migrate runs all pending migrations for driver.
func Migrate(db *sql.DB, driver string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	dialect, dir := "sqlite3", "migrations/sqlite"
	if driver == DriverPostgres {
		dialect, dir = "postgres", "migrations/postgres"
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

// Dialect returns the query builder dialect name for driver.
func Dialect(driver string) string {
	if driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite3"
}
