// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package demo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// stampFile records the last reset as a unix timestamp.
	stampFile = ".last_demo_reset"

	// DefaultResetInterval is how long demo data lives.
	DefaultResetInterval = 24 * time.Hour
)

// Reset wipes a public demo: the SQLite database and the stored objects.
// Migrations and seeding recreate everything on the next start.
type Reset struct {
	DBPath     string
	StorageDir string
	// StateDir holds the timestamp file.
	StateDir string
	Interval time.Duration
	Logger   *slog.Logger

	now func() time.Time
}

// IfDue resets when no reset happened within Interval and reports whether
// it did.
func (r *Reset) IfDue() (bool, error) {
	last, ok, err := r.lastReset()
	if err != nil {
		return false, err
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultResetInterval
	}
	if ok && r.clock().Sub(last) < interval {
		r.logger().Info("demo reset not due",
			"last_reset", last.UTC().Format(time.RFC3339),
			"next_reset", last.Add(interval).UTC().Format(time.RFC3339),
		)
		return false, nil
	}
	return true, r.Run()
}

// Run performs the reset and records its time.
func (r *Reset) Run() error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(r.DBPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", r.DBPath+suffix, err)
		}
	}
	if err := emptyDir(r.StorageDir); err != nil {
		return fmt.Errorf("emptying storage: %w", err)
	}
	stamp := strconv.FormatInt(r.clock().UTC().Unix(), 10)
	if err := os.WriteFile(filepath.Join(r.StateDir, stampFile), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("writing reset timestamp: %w", err)
	}
	r.logger().Info("demo data reset", "database", r.DBPath, "storage", r.StorageDir)
	return nil
}

func (r *Reset) lastReset() (time.Time, bool, error) {
	data, err := os.ReadFile(filepath.Join(r.StateDir, stampFile))
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading reset timestamp: %w", err)
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		// unreadable stamp: treat as never reset
		return time.Time{}, false, nil
	}
	return time.Unix(sec, 0), true, nil
}

// emptyDir removes the contents of dir and keeps dir itself.
func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

func (r *Reset) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Reset) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
