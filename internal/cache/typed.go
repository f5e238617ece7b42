package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorrupt is returned by Load when a stored value cannot be decoded.
var ErrCorrupt = errors.New("cache: undecodable value")

// TypedCache stores JSON-encoded values of one type.
type TypedCache[T any] struct {
	cache      Cacher
	prefix     string
	defaultTTL time.Duration
}

// NewTypedCache wraps cache. Every key is prefixed with prefix.
func NewTypedCache[T any](cache Cacher, prefix string, defaultTTL time.Duration) *TypedCache[T] {
	return &TypedCache[T]{cache: cache, prefix: prefix, defaultTTL: defaultTTL}
}

// Key returns the backend key of key.
func (c *TypedCache[T]) Key(key string) string { return c.prefix + key }

// Load returns the value at key. Missing keys yield ErrCacheMiss and
// undecodable values ErrCorrupt; backend failures are returned as is.
func (c *TypedCache[T]) Load(ctx context.Context, key string) (T, error) {
	var value T
	data, err := c.cache.Get(ctx, c.Key(key))
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(data, &value); err != nil {
		var zero T
		return zero, fmt.Errorf("%w at %s: %v", ErrCorrupt, c.Key(key), err)
	}
	return value, nil
}

// Get is Load without the reason of a miss.
func (c *TypedCache[T]) Get(ctx context.Context, key string) (T, bool) {
	v, err := c.Load(ctx, key)
	return v, err == nil
}

// Set stores value with the default TTL.
func (c *TypedCache[T]) Set(ctx context.Context, key string, value T) error {
	return c.SetWithTTL(ctx, key, value, c.defaultTTL)
}

// SetWithTTL stores value with ttl.
func (c *TypedCache[T]) SetWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, c.Key(key), data, ttl)
}

// Delete removes key.
func (c *TypedCache[T]) Delete(ctx context.Context, key string) error {
	return c.cache.Delete(ctx, c.Key(key))
}

// Has reports whether key holds a value.
func (c *TypedCache[T]) Has(ctx context.Context, key string) bool {
	has, _ := c.cache.Has(ctx, c.Key(key))
	return has
}

// GetOrSet returns the value at key, computing and storing it on a miss.
func (c *TypedCache[T]) GetOrSet(ctx context.Context, key string, fn func() (T, error)) (T, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	// The computed value is returned even if storing it fails.
	_ = c.Set(ctx, key, v)
	return v, nil
}
