// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// skipIfNoRedis skips the test unless QVT_TEST_REDIS_URL is set.
func skipIfNoRedis(t *testing.T) string {
	url := os.Getenv("QVT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("Skipping Redis tests: QVT_TEST_REDIS_URL not set")
	}
	return url
}

func newTestRedis(t *testing.T) *RedisCache {
	url := skipIfNoRedis(t)
	opts := DefaultRedisCacheOptions()
	opts.URL = url
	opts.Prefix = "qvt-test:"
	opts.DefaultTTL = time.Minute
	c, err := NewRedisCache(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Clear(context.Background())
		_ = c.Close()
	})
	return c
}

func TestRedisCache_Basic(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if ok, _ := c.Has(ctx, "k"); !ok {
		t.Error("Has(k) = false")
	}
	_ = c.Delete(ctx, "k")
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after Delete = %v", err)
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestRedisCache_DeleteByPrefix(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()

	_ = c.Set(ctx, "cart:u1", []byte("1"), 0)
	_ = c.Set(ctx, "cart:u2", []byte("2"), 0)
	_ = c.Set(ctx, "lang:u1", []byte("fr"), 0)

	if err := c.DeleteByPrefix(ctx, "cart:"); err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}
	if ok, _ := c.Has(ctx, "cart:u1"); ok {
		t.Error("cart:u1 survived")
	}
	if ok, _ := c.Has(ctx, "lang:u1"); !ok {
		t.Error("lang:u1 removed")
	}
}

func TestNewRedisCache_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewRedisCache(ctx, RedisCacheOptions{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := NewRedisCache(ctx, RedisCacheOptions{URL: "://bad"}); err == nil {
		t.Error("expected error for malformed URL")
	}
}
