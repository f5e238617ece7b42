// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package geoip resolves visitor countries for analytics from a MaxMind
// GeoLite2-Country database.
package geoip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// Local is reported for loopback and private addresses.
const Local = "LOCAL"

var privateCIDRs = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",  // IPv6 unique local
	"fe80::/10", // IPv6 link-local
)

func mustCIDRs(blocks ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, cidr, err := net.ParseCIDR(b)
		if err != nil {
			panic(err)
		}
		out = append(out, cidr)
	}
	return out
}

// record matches the GeoLite2-Country layout.
type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Countries looks up ISO country codes. Without a database it still
// classifies local addresses and returns "" for the rest.
type Countries struct {
	path string

	mu      sync.RWMutex
	db      *maxminddb.Reader
	modTime time.Time
}

// Open loads the database at path. An empty path gives a lookup without
// a database.
func Open(path string) (*Countries, error) {
	c := &Countries{path: path}
	if path == "" {
		return c, nil
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload reopens the database when the file changed since the last load.
func (c *Countries) Reload() error {
	if c.path == "" {
		return nil
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("geoip database: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil && info.ModTime().Equal(c.modTime) {
		return nil
	}
	db, err := maxminddb.Open(c.path)
	if err != nil {
		return fmt.Errorf("opening geoip database: %w", err)
	}
	if c.db != nil {
		_ = c.db.Close()
	}
	c.db = db
	c.modTime = info.ModTime()
	return nil
}

// Country returns the two-letter code for ip, Local for private ranges and
// "" when unknown.
func (c *Countries) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if parsed.IsLoopback() || isPrivate(parsed) {
		return Local
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return ""
	}
	var rec record
	if err := c.db.Lookup(parsed, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Enabled reports whether a database is loaded.
func (c *Countries) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db != nil
}

// ReloadJob returns a scheduler run func that picks up a refreshed
// database file.
func (c *Countries) ReloadJob(logger *slog.Logger) func(context.Context) error {
	return func(context.Context) error {
		if err := c.Reload(); err != nil {
			return err
		}
		logger.Debug("geoip database checked", "path", c.path)
		return nil
	}
}

// Close releases the database.
func (c *Countries) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func isPrivate(ip net.IP) bool {
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
