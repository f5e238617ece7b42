// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"context"
	"log/slog"
	"time"
)

// Backend types.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// Config selects and tunes a backend.
type Config struct {
	Type            string
	RedisURL        string
	Prefix          string
	DefaultTTL      time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Type:            TypeMemory,
		Prefix:          "qvt:",
		DefaultTTL:      time.Hour,
		MaxSize:         10000,
		CleanupInterval: time.Minute,
	}
}

// New creates the configured cache. When Redis is requested but cannot be
// reached, it logs a warning and returns a memory cache.
func New(ctx context.Context, cfg Config, logger *slog.Logger) Cacher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Type == TypeRedis && cfg.RedisURL != "" {
		opts := DefaultRedisCacheOptions()
		opts.URL = cfg.RedisURL
		if cfg.Prefix != "" {
			opts.Prefix = cfg.Prefix
		}
		if cfg.DefaultTTL > 0 {
			opts.DefaultTTL = cfg.DefaultTTL
		}
		c, err := NewRedisCache(ctx, opts)
		if err == nil {
			logger.Info("cache backend ready", "type", TypeRedis, "prefix", opts.Prefix)
			return c
		}
		logger.Warn("redis cache unavailable, using memory", "error", err)
	}
	return NewMemoryCache(MemoryCacheOptions{
		DefaultTTL:      cfg.DefaultTTL,
		MaxSize:         cfg.MaxSize,
		CleanupInterval: cfg.CleanupInterval,
	})
}
