// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package testutil provides shared test helpers for the QVT Box project.
package testutil

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/qvtbox/qvtbox-go/internal/gateway/sqlgw"
	"github.com/qvtbox/qvtbox-go/internal/realtime"
	"github.com/qvtbox/qvtbox-go/internal/store"
)

// TestLogger creates a silent test logger that only outputs warnings and errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// TestLoggerSilent creates a completely silent test logger (error level only).
func TestLoggerSilent() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// TestDB creates a temporary SQLite database with all migrations applied.
// It is closed when the test ends.
func TestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "qvtbox-test.db")
	db, err := store.NewDB(store.DriverSQLite, path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.Migrate(db, store.DriverSQLite); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

// Env bundles a migrated database, a SQL gateway and the in-process bus it
// publishes to.
type Env struct {
	DB      *sql.DB
	Gateway *sqlgw.Gateway
	Bus     *realtime.MemoryBus
	Logger  *slog.Logger
}

// NewEnv creates an Env for one test.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	logger := TestLoggerSilent()
	db := TestDB(t)
	bus := realtime.NewMemoryBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	return &Env{
		DB:      db,
		Gateway: sqlgw.New(db, store.DriverSQLite, sqlgw.WithPublisher(bus), sqlgw.WithLogger(logger)),
		Bus:     bus,
		Logger:  logger,
	}
}
