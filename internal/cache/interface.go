// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cache is the key/value layer behind the state a visitor keeps
// between requests, such as cart contents and language choice. Values are
// opaque bytes; TypedCache adds JSON encoding on top.
package cache

import (
	"context"
	"time"
)

// Cacher is implemented by every backend. Implementations are safe for
// concurrent use.
type Cacher interface {
	// Get returns ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. A zero ttl selects the backend default, a negative
	// one keeps the value until it is deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// Clear removes every key owned by this cache.
	Clear(ctx context.Context) error
	Close() error
}

// Stats are hit/miss counters of one cache.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Items   int     `json:"items"`
	HitRate float64 `json:"hit_rate"`
}

// StatsProvider is implemented by caches that keep counters.
type StatsProvider interface {
	Stats() Stats
	ResetStats()
}

// Error is a cache error value.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrCacheMiss indicates the key was not found in cache or has expired.
	ErrCacheMiss Error = "cache miss"

	// ErrCacheClosed indicates the cache has been closed.
	ErrCacheClosed Error = "cache closed"
)

type counters struct {
	hits, misses, sets int64
}

func (c counters) stats(items int) Stats {
	s := Stats{Hits: c.hits, Misses: c.misses, Sets: c.sets, Items: items}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}
