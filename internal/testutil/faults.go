// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// FaultyRows wraps a gateway.Rows and injects failures and latency.
type FaultyRows struct {
	Next gateway.Rows

	mu       sync.Mutex
	readErr  error
	writeErr error
	delay    time.Duration
	calls    map[string]int
}

// NewFaultyRows wraps next.
func NewFaultyRows(next gateway.Rows) *FaultyRows {
	return &FaultyRows{Next: next, calls: make(map[string]int)}
}

// FailReads makes every Select return err. nil restores normal behavior.
func (f *FaultyRows) FailReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

// FailWrites makes every write return err. nil restores normal behavior.
func (f *FaultyRows) FailWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// Delay adds latency before every call.
func (f *FaultyRows) Delay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (f *FaultyRows) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyRows) enter(ctx context.Context, op string, write bool) error {
	f.mu.Lock()
	f.calls[op]++
	delay, err := f.delay, f.readErr
	if write {
		err = f.writeErr
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *FaultyRows) Select(ctx context.Context, q gateway.Query) ([]gateway.Row, error) {
	if err := f.enter(ctx, "select", false); err != nil {
		return nil, err
	}
	return f.Next.Select(ctx, q)
}

func (f *FaultyRows) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	if err := f.enter(ctx, "insert", true); err != nil {
		return nil, err
	}
	return f.Next.Insert(ctx, table, row)
}

func (f *FaultyRows) Update(ctx context.Context, table string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	if err := f.enter(ctx, "update", true); err != nil {
		return nil, err
	}
	return f.Next.Update(ctx, table, filters, patch)
}

func (f *FaultyRows) Delete(ctx context.Context, table string, filters []gateway.Filter) ([]gateway.Row, error) {
	if err := f.enter(ctx, "delete", true); err != nil {
		return nil, err
	}
	return f.Next.Delete(ctx, table, filters)
}

func (f *FaultyRows) Upsert(ctx context.Context, table string, row gateway.Row, conflict []string) (gateway.Row, error) {
	if err := f.enter(ctx, "upsert", true); err != nil {
		return nil, err
	}
	return f.Next.Upsert(ctx, table, row, conflict)
}

var _ gateway.Rows = (*FaultyRows)(nil)
