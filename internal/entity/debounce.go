// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package entity

import (
	"sync"
	"time"
)

// DebounceConfig holds debouncer configuration.
type DebounceConfig struct {
	// Interval is the quiet period after the last trigger before firing.
	Interval time.Duration
	// MaxWait bounds the delay under a continuous stream of triggers.
	MaxWait time.Duration
}

// DefaultDebounceConfig coalesces bursts of change events into one refetch.
func DefaultDebounceConfig() DebounceConfig {
	return DebounceConfig{
		Interval: 150 * time.Millisecond,
		MaxWait:  time.Second,
	}
}

type pendingCall struct {
	timer     *time.Timer
	firstSeen time.Time
}

// debouncer coalesces rapid triggers per key into a single call of fire.
// fire runs with the debouncer lock held and must not block.
type debouncer struct {
	config  DebounceConfig
	fire    func(key string)
	pending map[string]*pendingCall
	mu      sync.Mutex
	stopped bool
}

func newDebouncer(config DebounceConfig, fire func(key string)) *debouncer {
	if config.Interval <= 0 {
		config = DefaultDebounceConfig()
	}
	if config.MaxWait < config.Interval {
		config.MaxWait = config.Interval
	}
	return &debouncer{
		config:  config,
		fire:    fire,
		pending: make(map[string]*pendingCall),
	}
}

// Trigger schedules fire(key), postponing an already scheduled call unless
// it has been waiting for MaxWait.
func (d *debouncer) Trigger(key string) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if existing, ok := d.pending[key]; ok {
		if now.Sub(existing.firstSeen) >= d.config.MaxWait {
			d.fireLocked(key)
			return
		}
		existing.timer.Reset(d.config.Interval)
		return
	}

	pc := &pendingCall{firstSeen: now}
	pc.timer = time.AfterFunc(d.config.Interval, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		// A newer call for key may have replaced pc while we waited.
		if d.pending[key] == pc {
			d.fireLocked(key)
		}
	})
	d.pending[key] = pc
}

// fireLocked runs the pending call for key. Must be called with lock held.
func (d *debouncer) fireLocked(key string) {
	pc, ok := d.pending[key]
	if !ok || d.stopped {
		return
	}
	pc.timer.Stop()
	delete(d.pending, key)
	d.fire(key)
}

// Pending returns the number of scheduled calls.
func (d *debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop drops every scheduled call. Trigger is a no-op afterwards.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, pc := range d.pending {
		pc.timer.Stop()
		delete(d.pending, key)
	}
}
