// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package entity implements the entity hook: a lifetime-scoped cache of one
// entity type that is loaded once per scope, kept current by realtime change
// events and updated from the rows returned by its own writes.
//
// A hook moves through start, optional rescopes and a final teardown. Every
// asynchronous continuation (fetch result, change event, mutation result)
// carries the epoch it was started in and is dropped when the hook has since
// been rescoped or torn down.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Hook errors.
var (
	ErrClosed     = errors.New("entity: hook torn down")
	ErrNotStarted = errors.New("entity: hook not started")
)

// Mode selects how change events are applied.
type Mode int

const (
	// ModeMerge decodes each event and merges it into the cached list by key.
	ModeMerge Mode = iota
	// ModeRefetch treats any event as an invalidation and reloads the scope.
	// Used for aggregates assembled from several tables.
	ModeRefetch
)

func (m Mode) String() string {
	if m == ModeRefetch {
		return "refetch"
	}
	return "merge"
}

// Spec describes one entity type.
type Spec[T any] struct {
	Name string

	// Key returns the identity of an item.
	Key func(T) string
	// Less must be a total order; ties are broken by key.
	Less func(a, b T) bool

	Fetch  func(ctx context.Context, scope string) ([]T, error)
	Decode func(gateway.Row) (T, error)
	// RowKey extracts the identity from a raw row, used for deletes.
	// Defaults to the "id" column.
	RowKey func(gateway.Row) string

	// Channels returns the realtime channels watched for scope.
	Channels func(scope string) []gateway.Channel
	Mode     Mode
	// InScope reports whether an item belongs to scope. Items leaving the
	// scope through an update are removed. Nil accepts everything.
	InScope func(scope string, item T) bool

	Debounce DebounceConfig
}

func (s *Spec[T]) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("entity: spec without name")
	case s.Key == nil || s.Less == nil:
		return fmt.Errorf("entity %s: Key and Less are required", s.Name)
	case s.Fetch == nil:
		return fmt.Errorf("entity %s: Fetch is required", s.Name)
	case s.Mode == ModeMerge && s.Channels != nil && s.Decode == nil:
		return fmt.Errorf("entity %s: merge mode needs Decode", s.Name)
	}
	if s.RowKey == nil {
		s.RowKey = func(r gateway.Row) string { return r.String("id") }
	}
	return nil
}

// compare orders by Less with the key as a tie breaker, so that every list
// built from the same items comes out identical.
func (s *Spec[T]) compare(a, b T) int {
	switch {
	case s.Less(a, b):
		return -1
	case s.Less(b, a):
		return 1
	}
	ka, kb := s.Key(a), s.Key(b)
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}

// State is a snapshot of a hook.
type State[T any] struct {
	Scope     string    `json:"scope"`
	Data      []T       `json:"data"`
	Loading   bool      `json:"loading"`
	Err       error     `json:"-"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result is what a successful mutation reports back: the rows as stored by
// the server and the keys it deleted.
type Result[T any] struct {
	Upserted []T
	Removed  []string
}

// Upserted is a convenience for single-row writes.
func Upserted[T any](items ...T) Result[T] {
	return Result[T]{Upserted: items}
}

// Removed is a convenience for deletes.
func Removed[T any](keys ...string) Result[T] {
	return Result[T]{Removed: keys}
}
