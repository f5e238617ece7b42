// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package realtime provides change feed transports: an in-process bus,
// a Redis Pub/Sub bus for multi-process deployments and a Postgres
// LISTEN/NOTIFY source.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// ErrBusClosed is returned when subscribing to or publishing on a closed bus.
var ErrBusClosed = errors.New("realtime: bus closed")

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// MemoryBus fans change events out to in-process subscribers.
// It implements both gateway.Publisher and gateway.Realtime.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	logger *slog.Logger
	buffer int
	closed bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[*memorySub]struct{}),
		logger: logger,
		buffer: DefaultBuffer,
	}
}

type memorySub struct {
	bus     *MemoryBus
	channel gateway.Channel
	events  chan gateway.ChangeEvent
	once    sync.Once
}

func (s *memorySub) Events() <-chan gateway.ChangeEvent { return s.events }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
	})
	return nil
}

// Subscribe opens a subscription. It is closed when ctx is done or Close is called.
func (b *MemoryBus) Subscribe(ctx context.Context, ch gateway.Channel) (gateway.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	sub := &memorySub{
		bus:     b,
		channel: ch,
		events:  make(chan gateway.ChangeEvent, b.buffer),
	}
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("realtime subscription opened", "channel", ch.Name, "table", ch.Table, "active", count)

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return sub, nil
}

// Publish delivers ev to every subscriber whose channel accepts it.
// Slow subscribers drop events rather than block the writer.
func (b *MemoryBus) Publish(_ context.Context, ev gateway.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs {
		if !sub.channel.Accepts(ev) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			b.logger.Warn("realtime subscriber buffer full, dropping event",
				"channel", sub.channel.Name, "table", ev.Table, "type", ev.Type)
		}
	}
	return nil
}

// Active returns the number of open subscriptions, optionally restricted to
// channels whose name matches one of names.
func (b *MemoryBus) Active(names ...string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(names) == 0 {
		return len(b.subs)
	}
	n := 0
	for sub := range b.subs {
		for _, name := range names {
			if sub.channel.Name == name {
				n++
				break
			}
		}
	}
	return n
}

// Close closes every subscription and rejects further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.events)
		delete(b.subs, sub)
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.events)
	b.logger.Debug("realtime subscription closed", "channel", sub.channel.Name, "active", len(b.subs))
}

var (
	_ gateway.Publisher = (*MemoryBus)(nil)
	_ gateway.Realtime  = (*MemoryBus)(nil)
)
