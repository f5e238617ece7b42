// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package entity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/notify"
)

// Notice keys raised by hooks.
const (
	NoticeFetchFailed    = "notice.fetch_failed"
	NoticeMutationFailed = "notice.mutation_failed"
	NoticeRealtimeFailed = "notice.realtime_failed"
)

// Options configures a hook.
type Options struct {
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Hook is one instance of a cached, realtime-synchronized entity list.
// A Hook is owned by a single consumer (a websocket connection, a request)
// and is not shared between consumers.
type Hook[T any] struct {
	spec     Spec[T]
	rt       gateway.Realtime
	notifier notify.Notifier
	logger   *slog.Logger
	deb      *debouncer

	// life serializes Start, Rescope and Teardown.
	life sync.Mutex

	mu        sync.Mutex
	epoch     uint64
	fetchSeq  uint64
	version   uint64
	started   bool
	closed    bool
	scope     string
	data      []T
	loading   bool
	err       error
	updatedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	subs      []gateway.Subscription
	channels  []gateway.Channel
	listeners map[int]func(State[T])
	nextID    int

	// inflight counts fetches and mutations; idle is signalled at zero.
	inflight int
	idle     *sync.Cond

	pumps sync.WaitGroup

	emitMu  sync.Mutex
	emitted uint64
}

// New creates a hook. rt may be nil, in which case the hook never receives
// pushed changes.
func New[T any](spec Spec[T], rt gateway.Realtime, opts Options) (*Hook[T], error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	h := &Hook[T]{
		spec:      spec,
		rt:        rt,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		listeners: make(map[int]func(State[T])),
	}
	h.idle = sync.NewCond(&h.mu)
	if h.notifier == nil {
		h.notifier = notify.Discard
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("entity", spec.Name)
	if spec.Mode == ModeRefetch {
		h.deb = newDebouncer(spec.Debounce, h.refetchFor)
	}
	return h, nil
}

// Name returns the entity name.
func (h *Hook[T]) Name() string { return h.spec.Name }

// Start opens the realtime channels for scope and issues exactly one fetch.
// It returns once the subscriptions are established; the fetch completes in
// the background. Calling Start on a started hook rescopes it.
func (h *Hook[T]) Start(ctx context.Context, scope string) error {
	return h.begin(ctx, scope, false)
}

// Rescope tears down the current subscriptions completely before opening the
// ones for scope, then reloads. Cached items of the previous scope are
// discarded. Rescoping to the current scope does nothing unless its
// subscriptions failed to open, in which case they are retried.
func (h *Hook[T]) Rescope(ctx context.Context, scope string) error {
	h.mu.Lock()
	same := h.started && !h.closed && h.scope == scope
	retry := same && h.missingSubsLocked()
	h.mu.Unlock()
	if retry {
		return h.begin(ctx, scope, false)
	}
	if same {
		return nil
	}
	return h.begin(ctx, scope, true)
}

// missingSubsLocked reports whether realtime channels are expected but none
// are open. Must be called with mu held.
func (h *Hook[T]) missingSubsLocked() bool {
	return h.rt != nil && h.spec.Channels != nil && len(h.subs) == 0 && len(h.spec.Channels(h.scope)) > 0
}

func (h *Hook[T]) begin(ctx context.Context, scope string, clear bool) error {
	h.life.Lock()
	defer h.life.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	old := h.detachLocked()
	if h.started && h.scope != scope {
		clear = true
	}
	h.started = true
	h.scope = scope
	if clear {
		h.data = nil
	}
	h.loading = true
	h.err = nil
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	epoch, lctx := h.epoch, h.ctx
	h.touchLocked()
	h.mu.Unlock()

	closeAll(old)
	h.pumps.Wait()
	h.emit()

	channels, subs, err := h.subscribe(lctx, scope)
	if err != nil {
		h.logger.Warn("realtime subscription failed", "scope", scope, "error", err)
		h.notifier.Notify(lctx, notify.Notice{
			Level:  notify.LevelError,
			Key:    NoticeRealtimeFailed,
			Args:   []any{h.spec.Name},
			Source: h.spec.Name,
			Err:    err,
		})
	}

	h.mu.Lock()
	h.subs, h.channels = subs, channels
	h.mu.Unlock()

	for _, sub := range subs {
		h.pumps.Add(1)
		go h.pump(sub, epoch)
	}

	h.logger.Debug("hook started", "scope", scope, "channels", len(subs))
	h.startFetch(epoch, false)
	return nil
}

// subscribe opens one subscription per channel. On error nothing stays open.
func (h *Hook[T]) subscribe(ctx context.Context, scope string) ([]gateway.Channel, []gateway.Subscription, error) {
	if h.rt == nil || h.spec.Channels == nil {
		return nil, nil, nil
	}
	channels := h.spec.Channels(scope)
	subs := make([]gateway.Subscription, 0, len(channels))
	for _, ch := range channels {
		sub, err := h.rt.Subscribe(ctx, ch)
		if err != nil {
			closeAll(subs)
			return nil, nil, err
		}
		subs = append(subs, sub)
	}
	return channels, subs, nil
}

// detachLocked invalidates the current epoch and hands back its
// subscriptions for closing. Must be called with mu held.
func (h *Hook[T]) detachLocked() []gateway.Subscription {
	h.epoch++
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	subs := h.subs
	h.subs, h.channels = nil, nil
	return subs
}

func closeAll(subs []gateway.Subscription) {
	for _, sub := range subs {
		_ = sub.Close()
	}
}

// Teardown closes every subscription and marks the hook cancelled: results
// of fetches and mutations still in flight are discarded when they arrive.
// Teardown is idempotent.
func (h *Hook[T]) Teardown() {
	h.life.Lock()
	defer h.life.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	old := h.detachLocked()
	h.listeners = map[int]func(State[T]){}
	h.mu.Unlock()

	closeAll(old)
	if h.deb != nil {
		h.deb.Stop()
	}
	h.pumps.Wait()
	h.logger.Debug("hook torn down")
}

// Refresh reloads the current scope, keeping cached data while loading.
func (h *Hook[T]) Refresh(_ context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if !h.started {
		h.mu.Unlock()
		return ErrNotStarted
	}
	h.loading = true
	h.touchLocked()
	epoch := h.epoch
	h.mu.Unlock()

	h.emit()
	h.startFetch(epoch, false)
	return nil
}

// refetchFor is the debouncer callback. It runs under the debouncer lock.
func (h *Hook[T]) refetchFor(scope string) {
	h.mu.Lock()
	if h.closed || h.scope != scope {
		h.mu.Unlock()
		return
	}
	epoch := h.epoch
	h.mu.Unlock()
	h.startFetch(epoch, true)
}

func (h *Hook[T]) startFetch(epoch uint64, background bool) {
	h.mu.Lock()
	if h.closed || h.epoch != epoch {
		h.mu.Unlock()
		return
	}
	h.fetchSeq++
	seq, ctx, scope := h.fetchSeq, h.ctx, h.scope
	h.inflight++
	h.mu.Unlock()

	go func() {
		defer h.done()
		h.fetch(ctx, scope, epoch, seq, background)
	}()
}

func (h *Hook[T]) fetch(ctx context.Context, scope string, epoch, seq uint64, background bool) {
	items, err := h.spec.Fetch(ctx, scope)

	h.mu.Lock()
	// Only the latest fetch of the live epoch may land.
	if h.closed || h.epoch != epoch || h.fetchSeq != seq {
		h.mu.Unlock()
		return
	}
	h.loading = false
	if err != nil {
		h.err = err
		h.data = nil
	} else {
		h.err = nil
		h.data = Sorted(items, h.spec.compare)
	}
	h.touchLocked()
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn("fetch failed", "scope", scope, "background", background, "error", err)
		h.notifier.Notify(ctx, notify.Notice{
			Level:  notify.LevelError,
			Key:    NoticeFetchFailed,
			Args:   []any{h.spec.Name},
			Source: h.spec.Name,
			Err:    err,
		})
	}
	h.emit()
}

func (h *Hook[T]) pump(sub gateway.Subscription, epoch uint64) {
	defer h.pumps.Done()
	for ev := range sub.Events() {
		h.apply(epoch, ev)
	}
}

// apply folds one change event into the cache. It never fails: undecodable
// rows are logged and skipped.
func (h *Hook[T]) apply(epoch uint64, ev gateway.ChangeEvent) {
	if h.spec.Mode == ModeRefetch {
		h.mu.Lock()
		live := !h.closed && h.epoch == epoch
		scope := h.scope
		h.mu.Unlock()
		if live {
			h.deb.Trigger(scope)
		}
		return
	}

	var (
		item      T
		decodeErr error
	)
	if ev.Type != gateway.EventDelete {
		item, decodeErr = h.spec.Decode(ev.New)
	}

	h.mu.Lock()
	if h.closed || h.epoch != epoch {
		h.mu.Unlock()
		return
	}
	changed := true
	switch {
	case ev.Type == gateway.EventDelete:
		h.data, changed = RemoveKey(h.data, h.spec.RowKey(ev.Old), h.spec.Key)
	case decodeErr != nil:
		h.mu.Unlock()
		h.logger.Warn("dropping undecodable change event", "table", ev.Table, "type", ev.Type, "error", decodeErr)
		return
	default:
		changed = h.mergeLocked(item)
	}
	if changed {
		h.touchLocked()
	}
	h.mu.Unlock()

	if changed {
		h.emit()
	}
}

// mergeLocked merges item, or removes it when it no longer belongs to the
// scope. Must be called with mu held.
func (h *Hook[T]) mergeLocked(item T) bool {
	if h.spec.InScope != nil && !h.spec.InScope(h.scope, item) {
		var removed bool
		h.data, removed = RemoveKey(h.data, h.spec.Key(item), h.spec.Key)
		return removed
	}
	h.data = MergeItem(h.data, item, h.spec.Key, h.spec.compare)
	return true
}

// Mutate runs a write and, on success, folds the rows reported by the server
// into the cache. On failure the cache is left unchanged, a notice is raised
// and the error is returned.
func (h *Hook[T]) Mutate(ctx context.Context, op string, write func(ctx context.Context) (Result[T], error)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	epoch := h.epoch
	h.inflight++
	h.mu.Unlock()
	defer h.done()

	res, err := write(ctx)

	h.mu.Lock()
	live := !h.closed && h.epoch == epoch
	if err != nil || !live {
		h.mu.Unlock()
		if err != nil {
			h.logger.Warn("mutation failed", "op", op, "error", err)
			if live {
				h.notifier.Notify(ctx, notify.Notice{
					Level:  notify.LevelError,
					Key:    NoticeMutationFailed,
					Args:   []any{h.spec.Name},
					Source: h.spec.Name + "." + op,
					Err:    err,
				})
			}
		}
		return err
	}

	changed := false
	for _, k := range res.Removed {
		var removed bool
		h.data, removed = RemoveKey(h.data, k, h.spec.Key)
		changed = changed || removed
	}
	for _, item := range res.Upserted {
		if h.mergeLocked(item) {
			changed = true
		}
	}
	if changed {
		h.touchLocked()
	}
	h.mu.Unlock()

	if changed {
		h.emit()
	}
	return nil
}

// touchLocked records a state change. Must be called with mu held.
func (h *Hook[T]) touchLocked() {
	h.version++
	h.updatedAt = time.Now().UTC()
}

// Snapshot returns the current state. Data is shared and must not be modified.
func (h *Hook[T]) Snapshot() State[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hook[T]) snapshotLocked() State[T] {
	data := h.data
	if data == nil {
		data = []T{}
	}
	return State[T]{
		Scope:     h.scope,
		Data:      data,
		Loading:   h.loading,
		Err:       h.err,
		Version:   h.version,
		UpdatedAt: h.updatedAt,
	}
}

// OnChange registers fn to receive every new state and returns a function
// that unregisters it. fn must not call Start, Rescope or Teardown.
func (h *Hook[T]) OnChange(fn func(State[T])) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// emit sends the latest state to listeners. States older than one already
// sent are skipped, so listeners observe versions in increasing order.
func (h *Hook[T]) emit() {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	if h.closed || h.version <= h.emitted {
		h.mu.Unlock()
		return
	}
	st := h.snapshotLocked()
	listeners := make([]func(State[T]), 0, len(h.listeners))
	for _, fn := range h.listeners {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	h.emitted = st.Version
	for _, fn := range listeners {
		fn(st)
	}
}

func (h *Hook[T]) done() {
	h.mu.Lock()
	h.inflight--
	if h.inflight == 0 {
		h.idle.Broadcast()
	}
	h.mu.Unlock()
}

func (h *Hook[T]) waitIdle() {
	h.mu.Lock()
	for h.inflight > 0 {
		h.idle.Wait()
	}
	h.mu.Unlock()
}

// Settle blocks until pending fetches and mutations have landed, including
// debounced refetches. Change events still travelling through the transport
// are not awaited.
func (h *Hook[T]) Settle() {
	for {
		h.waitIdle()
		// The debouncer lock is never taken while holding mu.
		if h.deb == nil || h.deb.Pending() == 0 {
			h.waitIdle()
			return
		}
		time.Sleep(h.deb.config.Interval / 4)
	}
}

// Subscriptions returns the names of the open realtime channels.
func (h *Hook[T]) Subscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.channels))
	for _, ch := range h.channels {
		names = append(names, ch.Name)
	}
	return names
}

// Scope returns the current scope.
func (h *Hook[T]) Scope() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scope
}

// Closed reports whether the hook has been torn down.
func (h *Hook[T]) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
