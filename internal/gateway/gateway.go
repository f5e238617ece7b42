// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package gateway defines the contract of the remote data gateway: row CRUD
// over named tables, realtime change feeds and the shared error values.
// Storage and authentication live in their own packages.
package gateway

import (
	"context"
	"errors"
	"time"
)

// Gateway errors.
var (
	ErrNotFound     = errors.New("gateway: row not found")
	ErrConflict     = errors.New("gateway: conflicting row")
	ErrUnavailable  = errors.New("gateway: service unavailable")
	ErrInvalidQuery = errors.New("gateway: invalid query")
)

// Order sorts a selection by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a row selection.
type Query struct {
	Table   string
	Columns []string // empty selects every column
	Filters []Filter
	Orders  []Order
	Limit   int // 0 = no limit
	Offset  int
}

// Where appends a filter and returns the query for chaining.
func (q Query) Where(column string, op Op, value any) Query {
	q.Filters = append(q.Filters, Filter{Column: column, Op: op, Value: value})
	return q
}

// OrderBy appends a sort column.
func (q Query) OrderBy(column string, desc bool) Query {
	q.Orders = append(q.Orders, Order{Column: column, Desc: desc})
	return q
}

// Rows is row-level CRUD against named tables.
// Every write returns the rows as stored by the server, so callers can
// cache server-computed fields instead of their own payload.
type Rows interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filters []Filter, patch Row) ([]Row, error)
	Delete(ctx context.Context, table string, filters []Filter) ([]Row, error)
	// Upsert inserts row or, when it collides on conflict columns, updates the
	// existing row in place. The write is a single atomic statement.
	Upsert(ctx context.Context, table string, row Row, conflict []string) (Row, error)
}

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

// Change event types.
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a committed row change pushed to subscribers.
type ChangeEvent struct {
	Table      string    `json:"table"`
	Type       EventType `json:"type"`
	New        Row       `json:"new,omitempty"`
	Old        Row       `json:"old,omitempty"`
	CommitTime time.Time `json:"commit_time"`
}

// Record returns the row the event is about: New for inserts and updates,
// Old for deletes.
func (e ChangeEvent) Record() Row {
	if e.Type == EventDelete {
		return e.Old
	}
	return e.New
}

// Channel scopes a realtime subscription to one table and an optional row filter.
type Channel struct {
	Name   string
	Table  string
	Filter *Filter
}

// Accepts reports whether ev belongs to the channel. An update matches when
// either its old or its new row does, so subscribers see rows leaving scope.
func (c Channel) Accepts(ev ChangeEvent) bool {
	if ev.Table != c.Table {
		return false
	}
	if c.Filter == nil {
		return true
	}
	if c.Filter.Match(ev.Record()) {
		return true
	}
	return ev.Type == EventUpdate && ev.Old != nil && c.Filter.Match(ev.Old)
}

// Subscription is an open realtime channel.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Realtime opens change feed subscriptions.
type Realtime interface {
	Subscribe(ctx context.Context, ch Channel) (Subscription, error)
}

// Publisher pushes committed changes to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}
