// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package analytics records page views and custom events in analytics_events.
// Events are buffered in memory and written in batches.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// EventsTable is the table events are written to.
const EventsTable = "analytics_events"

// EventPageView is the name used for page views.
const EventPageView = "page_view"

// Field limits.
const (
	MaxNameLength = 64
	MaxPathLength = 512
)

// ErrInvalidEvent is returned by Track for events without a usable name.
var ErrInvalidEvent = errors.New("analytics: invalid event")

// ErrClosed is returned by Track after Close.
var ErrClosed = errors.New("analytics: batcher closed")

// Event is one tracked occurrence.
type Event struct {
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	Referrer   string         `json:"referrer,omitempty"`
	SessionID  string         `json:"-"`
	UserAgent  string         `json:"-"`
	IP         string         `json:"-"`
	Properties map[string]any `json:"properties,omitempty"`
	At         time.Time      `json:"-"`
}

// Options configures a Batcher.
type Options struct {
	MaxBatch      int
	FlushInterval time.Duration
	// SkipBots drops events whose user agent parses as a bot.
	SkipBots bool
	// Countries resolves Event.IP; the address itself is never stored.
	Countries CountryLookup
	Logger    *slog.Logger
}

// CountryLookup maps an IP address to a country code.
type CountryLookup interface {
	Country(ip string) string
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{MaxBatch: 50, FlushInterval: 10 * time.Second, SkipBots: true}
}

// Batcher buffers events and writes them through the gateway.
type Batcher struct {
	rows   gateway.Rows
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []gateway.Row
	closed  bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewBatcher starts a Batcher. Close flushes what is left and stops it.
func NewBatcher(rows gateway.Rows, opts Options) *Batcher {
	def := DefaultOptions()
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = def.MaxBatch
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Batcher{
		rows:   rows,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Track queues ev. It never blocks on the database.
func (b *Batcher) Track(ev Event) error {
	row, ok, err := b.record(ev)
	if err != nil || !ok {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending = append(b.pending, row)
	full := len(b.pending) >= b.opts.MaxBatch
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of queued events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush writes all queued events. Rows that fail to insert are logged and
// dropped; the first error is returned.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var firstErr error
	failed := 0
	for _, row := range batch {
		if _, err := b.rows.Insert(ctx, EventsTable, row); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		b.logger.Warn("analytics flush dropped events", "failed", failed, "total", len(batch), "error", firstErr)
	} else {
		b.logger.Debug("analytics flushed", "count", len(batch))
	}
	return firstErr
}

// Close stops the background loop and flushes the remaining events.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Flush(ctx)
}

func (b *Batcher) loop() {
	defer close(b.done)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		case <-b.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = b.Flush(ctx)
		cancel()
	}
}

// record turns ev into a table row. ok is false for events that are dropped
// silently, such as bot traffic.
func (b *Batcher) record(ev Event) (gateway.Row, bool, error) {
	name := strings.TrimSpace(ev.Name)
	if name == "" || len(name) > MaxNameLength {
		return nil, false, ErrInvalidEvent
	}

	agent := ParseAgent(ev.UserAgent)
	if b.opts.SkipBots && agent.Device == DeviceBot {
		return nil, false, nil
	}

	props := "{}"
	if len(ev.Properties) > 0 {
		data, err := json.Marshal(ev.Properties)
		if err != nil {
			return nil, false, errors.Join(ErrInvalidEvent, err)
		}
		props = string(data)
	}

	at := ev.At
	if at.IsZero() {
		at = b.now()
	}

	country := ""
	if b.opts.Countries != nil && ev.IP != "" {
		country = b.opts.Countries.Country(ev.IP)
	}

	return gateway.Row{
		"session_id": ev.SessionID,
		"name":       name,
		"path":       truncate(ev.Path, MaxPathLength),
		"referrer":   referrerHost(ev.Referrer),
		"browser":    agent.Browser,
		"os":         agent.OS,
		"device":     agent.Device,
		"country":    country,
		"properties": props,
		"created_at": at,
	}, true, nil
}

// referrerHost keeps only the host of the referring page.
func referrerHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
