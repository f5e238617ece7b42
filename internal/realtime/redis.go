// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// RedisBus carries change events over Redis Pub/Sub so that every process
// behind a load balancer sees writes made by the others.
// Events are published on one Redis channel per table and filtered locally.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	active atomic.Int64
	closed atomic.Bool
}

// NewRedisBus creates a bus on top of an existing client.
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

// NewRedisBusFromURL parses a redis:// URL, verifies the connection and
// returns a bus that owns the client.
func NewRedisBusFromURL(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisBus(client, prefix, logger), nil
}

// TableChannel returns the Redis channel carrying events for table.
func (b *RedisBus) TableChannel(table string) string {
	return b.prefix + "changes:" + table
}

// Publish encodes ev as JSON and publishes it on the table channel.
func (b *RedisBus) Publish(ctx context.Context, ev gateway.ChangeEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}
	if err := b.client.Publish(ctx, b.TableChannel(ev.Table), data).Err(); err != nil {
		return fmt.Errorf("publishing change event: %w", err)
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	events chan gateway.ChangeEvent
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	bus    *RedisBus
}

func (s *redisSub) Events() <-chan gateway.ChangeEvent { return s.events }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.pubsub.Close()
		s.wg.Wait()
		close(s.events)
		s.bus.active.Add(-1)
	})
	return err
}

// Subscribe opens a Redis subscription for the channel's table.
func (b *RedisBus) Subscribe(ctx context.Context, ch gateway.Channel) (gateway.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	pubsub := b.client.Subscribe(ctx, b.TableChannel(ch.Table))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", ch.Table, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		events: make(chan gateway.ChangeEvent, DefaultBuffer),
		stop:   make(chan struct{}),
		bus:    b,
	}
	b.active.Add(1)

	sub.wg.Add(1)
	go b.receive(ctx, ch, sub)

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.stop:
		}
	}()

	return sub, nil
}

func (b *RedisBus) receive(ctx context.Context, ch gateway.Channel, sub *redisSub) {
	defer sub.wg.Done()

	msgs := sub.pubsub.Channel()
	for {
		select {
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev gateway.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("failed to decode change event", "channel", msg.Channel, "error", err)
				continue
			}
			if !ch.Accepts(ev) {
				continue
			}
			select {
			case sub.events <- ev:
			default:
				b.logger.Warn("realtime subscriber buffer full, dropping event",
					"channel", ch.Name, "table", ev.Table, "type", ev.Type)
			}
		}
	}
}

// Active returns the number of open subscriptions held by this process.
func (b *RedisBus) Active() int {
	return int(b.active.Load())
}

// Close marks the bus closed and closes the Redis client.
// Open subscriptions end when their Redis connection goes away.
func (b *RedisBus) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		return b.client.Close()
	}
	return nil
}

var (
	_ gateway.Publisher = (*RedisBus)(nil)
	_ gateway.Realtime  = (*RedisBus)(nil)
)
