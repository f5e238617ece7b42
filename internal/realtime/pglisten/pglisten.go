// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pglisten turns Postgres NOTIFY payloads emitted by the change
// trigger into realtime change events.
package pglisten

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/realtime"
)

// NotifyChannel is the Postgres channel the change trigger notifies on.
const NotifyChannel = "qvt_changes"

// Source listens on NotifyChannel and republishes every decoded change into
// an in-process bus. Subscribers use the bus.
type Source struct {
	listener *pq.Listener
	bus      *realtime.MemoryBus
	logger   *slog.Logger
}

// New opens a listener on dsn. Reconnects are handled by lib/pq.
func New(dsn string, bus *realtime.MemoryBus, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			logger.Warn("postgres listener connection problem", "event", ev, "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("postgres listener reconnected")
		}
	}
	l := pq.NewListener(dsn, time.Second, time.Minute, report)
	if err := l.Listen(NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listening on %s: %w", NotifyChannel, err)
	}
	return &Source{listener: l, bus: bus, logger: logger}, nil
}

// Subscribe opens a subscription on the underlying bus.
func (s *Source) Subscribe(ctx context.Context, ch gateway.Channel) (gateway.Subscription, error) {
	return s.bus.Subscribe(ctx, ch)
}

// Run pumps notifications until ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// nil is sent after a reconnect; events during the gap are lost.
			if n == nil {
				s.logger.Warn("postgres listener resynchronized, change events may have been missed")
				continue
			}
			ev, err := Decode(n.Extra)
			if err != nil {
				s.logger.Warn("failed to decode change notification", "error", err)
				continue
			}
			if err := s.bus.Publish(ctx, ev); err != nil {
				s.logger.Warn("failed to republish change notification", "table", ev.Table, "error", err)
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Warn("postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}

// Close stops the listener. Run returns once its context is cancelled.
func (s *Source) Close() error {
	return s.listener.Close()
}

type payload struct {
	Table      string      `json:"table"`
	Op         string      `json:"op"`
	New        gateway.Row `json:"new"`
	Old        gateway.Row `json:"old"`
	CommitTime time.Time   `json:"commit_time"`
}

// Decode parses a trigger payload.
func Decode(raw string) (gateway.ChangeEvent, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return gateway.ChangeEvent{}, fmt.Errorf("decoding payload: %w", err)
	}
	if p.Table == "" {
		return gateway.ChangeEvent{}, fmt.Errorf("payload without table")
	}
	ev := gateway.ChangeEvent{
		Table:      p.Table,
		Type:       gateway.EventType(p.Op),
		New:        p.New,
		Old:        p.Old,
		CommitTime: p.CommitTime,
	}
	switch ev.Type {
	case gateway.EventInsert, gateway.EventUpdate, gateway.EventDelete:
	default:
		return gateway.ChangeEvent{}, fmt.Errorf("unknown operation %q", p.Op)
	}
	if ev.CommitTime.IsZero() {
		ev.CommitTime = time.Now().UTC()
	}
	return ev, nil
}

var _ gateway.Realtime = (*Source)(nil)
