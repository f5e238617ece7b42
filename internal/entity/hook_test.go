// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package entity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/notify"
	"github.com/qvtbox/qvtbox-go/internal/realtime"
)

type item struct {
	ID   string
	Page string
	Rank int
}

func decodeItem(r gateway.Row) (item, error) {
	if r.String("id") == "" {
		return item{}, errors.New("missing id")
	}
	return item{ID: r.String("id"), Page: r.String("page"), Rank: int(r.Int("rank"))}, nil
}

func (it item) row() gateway.Row {
	return gateway.Row{"id": it.ID, "page": it.Page, "rank": it.Rank}
}

// source is a controllable fetch backend.
type source struct {
	mu    sync.Mutex
	rows  map[string][]item
	fail  error
	gate  chan struct{}
	calls atomic.Int32
}

func newSource(items ...item) *source {
	s := &source{rows: make(map[string][]item)}
	for _, it := range items {
		s.rows[it.Page] = append(s.rows[it.Page], it)
	}
	return s
}

func (s *source) fetch(ctx context.Context, scope string) ([]item, error) {
	s.calls.Add(1)
	s.mu.Lock()
	gate, fail := s.gate, s.fail
	rows := append([]item(nil), s.rows[scope]...)
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail != nil {
		return nil, fail
	}
	return rows, nil
}

func (s *source) block() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	return s.gate
}

func (s *source) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *source) unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func itemSpec(src *source) Spec[item] {
	return Spec[item]{
		Name:   "item",
		Key:    func(it item) string { return it.ID },
		Less:   func(a, b item) bool { return a.Rank < b.Rank },
		Fetch:  src.fetch,
		Decode: decodeItem,
		Channels: func(scope string) []gateway.Channel {
			f := gateway.Eq("page", scope)
			return []gateway.Channel{{Name: "items:" + scope, Table: "items", Filter: &f}}
		},
		InScope: func(scope string, it item) bool { return it.Page == scope },
	}
}

func newTestHook(t *testing.T, spec Spec[item]) (*Hook[item], *realtime.MemoryBus, *notify.Recorder) {
	t.Helper()
	bus := realtime.NewMemoryBus(testLogger())
	rec := &notify.Recorder{}
	h, err := New(spec, bus, Options{Notifier: rec, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Teardown()
		_ = bus.Close()
	})
	return h, bus, rec
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func publish(t *testing.T, bus *realtime.MemoryBus, typ gateway.EventType, it item) {
	t.Helper()
	ev := gateway.ChangeEvent{Table: "items", Type: typ, CommitTime: time.Now()}
	if typ == gateway.EventDelete {
		ev.Old = it.row()
	} else {
		ev.New = it.row()
	}
	require.NoError(t, bus.Publish(context.Background(), ev))
}

func eventuallyIDs(t *testing.T, h *Hook[item], want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fmt.Sprint(ids(h.Snapshot().Data)) == fmt.Sprint(want)
	}, time.Second, 5*time.Millisecond, "want %v, have %v", want, ids(h.Snapshot().Data))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Spec[item]{Name: "x"}, nil, Options{})
	assert.Error(t, err)

	spec := itemSpec(newSource())
	spec.Decode = nil
	_, err = New(spec, nil, Options{})
	assert.Error(t, err, "merge mode with channels needs a decoder")
}

func TestHook_StartFetchesOnceAndSorts(t *testing.T) {
	src := newSource(
		item{ID: "c", Page: "index", Rank: 2},
		item{ID: "b", Page: "index", Rank: 1},
		item{ID: "a", Page: "index", Rank: 2},
	)
	h, bus, _ := newTestHook(t, itemSpec(src))

	gate := src.block()
	require.NoError(t, h.Start(context.Background(), "index"))

	st := h.Snapshot()
	assert.True(t, st.Loading)
	assert.Empty(t, st.Data)
	assert.Equal(t, []string{"items:index"}, h.Subscriptions())
	assert.Equal(t, 1, bus.Active())

	src.unblock()
	close(gate)
	h.Settle()

	st = h.Snapshot()
	assert.False(t, st.Loading)
	assert.NoError(t, st.Err)
	assert.Equal(t, []string{"b", "a", "c"}, ids(st.Data))
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestHook_FetchFailure(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	h, _, rec := newTestHook(t, itemSpec(src))

	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()
	require.Len(t, h.Snapshot().Data, 1)

	src.setFail(errors.New("gateway down"))
	require.NoError(t, h.Refresh(context.Background()))
	h.Settle()

	st := h.Snapshot()
	assert.False(t, st.Loading)
	assert.EqualError(t, st.Err, "gateway down")
	assert.Empty(t, st.Data)

	notices := rec.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeFetchFailed, notices[0].Key)
	assert.Equal(t, notify.LevelError, notices[0].Level)
	assert.Equal(t, int32(2), src.calls.Load(), "failures are not retried")
}

func TestHook_MergeIsIdempotent(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index", Rank: 1})
	h, bus, _ := newTestHook(t, itemSpec(src))
	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()

	b := item{ID: "b", Page: "index", Rank: 2}
	publish(t, bus, gateway.EventInsert, b)
	publish(t, bus, gateway.EventInsert, b)
	eventuallyIDs(t, h, []string{"a", "b"})

	// Update moves b ahead of a.
	b.Rank = 0
	publish(t, bus, gateway.EventUpdate, b)
	publish(t, bus, gateway.EventUpdate, b)
	eventuallyIDs(t, h, []string{"b", "a"})

	publish(t, bus, gateway.EventDelete, b)
	publish(t, bus, gateway.EventDelete, b)
	eventuallyIDs(t, h, []string{"a"})

	// Other scopes are filtered by the channel.
	publish(t, bus, gateway.EventInsert, item{ID: "x", Page: "about"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a"}, ids(h.Snapshot().Data))
}

func TestHook_UndecodableEventIsSkipped(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	h, bus, rec := newTestHook(t, itemSpec(src))
	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()

	require.NoError(t, bus.Publish(context.Background(), gateway.ChangeEvent{
		Table: "items", Type: gateway.EventInsert, New: gateway.Row{"page": "index"},
	}))
	publish(t, bus, gateway.EventInsert, item{ID: "b", Page: "index", Rank: 5})
	eventuallyIDs(t, h, []string{"a", "b"})
	assert.Empty(t, rec.Notices())
}

func TestHook_UpdateOutOfScopeRemoves(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"}, item{ID: "b", Page: "index", Rank: 1})
	h, bus, _ := newTestHook(t, itemSpec(src))
	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()

	ev := gateway.ChangeEvent{
		Table:      "items",
		Type:       gateway.EventUpdate,
		Old:        item{ID: "a", Page: "index"}.row(),
		New:        item{ID: "a", Page: "about"}.row(),
		CommitTime: time.Now(),
	}
	require.NoError(t, bus.Publish(context.Background(), ev))
	eventuallyIDs(t, h, []string{"b"})
}

func TestHook_UpdateIntoScopeAdds(t *testing.T) {
	src := newSource(item{ID: "b", Page: "index", Rank: 1})
	h, bus, _ := newTestHook(t, itemSpec(src))
	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()

	ev := gateway.ChangeEvent{
		Table:      "items",
		Type:       gateway.EventUpdate,
		Old:        item{ID: "a", Page: "about"}.row(),
		New:        item{ID: "a", Page: "index"}.row(),
		CommitTime: time.Now(),
	}
	require.NoError(t, bus.Publish(context.Background(), ev))
	eventuallyIDs(t, h, []string{"a", "b"})
}

func TestHook_OrderIndependentOfInterleaving(t *testing.T) {
	final := []item{
		{ID: "e", Page: "index", Rank: 1},
		{ID: "a", Page: "index", Rank: 3},
		{ID: "c", Page: "index", Rank: 1},
		{ID: "d", Page: "index", Rank: 2},
		{ID: "b", Page: "index", Rank: 3},
	}
	want := []string{"c", "e", "d", "a", "b"}

	for seed := int64(1); seed <= 10; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			src := newSource(final[0], final[1])
			h, bus, _ := newTestHook(t, itemSpec(src))
			require.NoError(t, h.Start(context.Background(), "index"))

			rnd := rand.New(rand.NewSource(seed))
			order := rnd.Perm(len(final))
			var wg sync.WaitGroup
			for _, idx := range order {
				it := final[idx]
				if rnd.Intn(2) == 0 {
					publish(t, bus, gateway.EventInsert, it)
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = h.Mutate(context.Background(), "save", func(context.Context) (Result[item], error) {
						return Upserted(it), nil
					})
				}()
			}
			wg.Wait()
			h.Settle()
			assert.True(t, slices.IsSortedFunc(h.Snapshot().Data, h.spec.compare))

			// Pushes landing before the fetch are replaced by it; replay
			// them so the final set is the same for every seed.
			for _, it := range final {
				publish(t, bus, gateway.EventUpdate, it)
			}
			eventuallyIDs(t, h, want)
		})
	}
}

func TestHook_MutateUsesServerRow(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index", Rank: 1})
	h, _, rec := newTestHook(t, itemSpec(src))
	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()

	err := h.Mutate(context.Background(), "save", func(context.Context) (Result[item], error) {
		// The server assigned rank 0.
		return Upserted(item{ID: "b", Page: "index", Rank: 0}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(h.Snapshot().Data))

	err = h.Mutate(context.Background(), "delete", func(context.Context) (Result[item], error) {
		return Removed[item]("a"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(h.Snapshot().Data))
	assert.Empty(t, rec.Notices())
}

func TestHook_MutationFailureLeavesState(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	h, _, rec := newTestHook(t, itemSpec(src))
	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()
	before := h.Snapshot()

	boom := errors.New("constraint violated")
	err := h.Mutate(context.Background(), "save", func(context.Context) (Result[item], error) {
		return Upserted(item{ID: "z", Page: "index"}), boom
	})
	assert.ErrorIs(t, err, boom)

	after := h.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, ids(before.Data), ids(after.Data))

	notices := rec.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeMutationFailed, notices[0].Key)
	assert.Equal(t, "item.save", notices[0].Source)
}

func TestHook_TeardownDiscardsLateResults(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	h, bus, rec := newTestHook(t, itemSpec(src))

	gate := src.block()
	require.NoError(t, h.Start(context.Background(), "index"))

	entered := make(chan struct{})
	release := make(chan struct{})
	mutated := make(chan error, 1)
	go func() {
		mutated <- h.Mutate(context.Background(), "save", func(context.Context) (Result[item], error) {
			close(entered)
			<-release
			return Upserted(item{ID: "m", Page: "index"}), nil
		})
	}()

	<-entered

	var calls atomic.Int32
	h.OnChange(func(State[item]) { calls.Add(1) })

	h.Teardown()
	h.Teardown()
	assert.True(t, h.Closed())
	assert.Equal(t, 0, bus.Active())
	assert.Empty(t, h.Subscriptions())

	src.unblock()
	close(gate)
	close(release)
	require.NoError(t, <-mutated)
	h.Settle()

	publish(t, bus, gateway.EventInsert, item{ID: "p", Page: "index"})
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.Snapshot().Data)
	assert.Zero(t, calls.Load())
	assert.Empty(t, rec.Notices())

	assert.ErrorIs(t, h.Start(context.Background(), "index"), ErrClosed)
	assert.ErrorIs(t, h.Refresh(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.Mutate(context.Background(), "save", nil), ErrClosed)
}

func TestHook_RescopeKeepsOneSubscription(t *testing.T) {
	src := newSource(
		item{ID: "i1", Page: "index"},
		item{ID: "i2", Page: "index", Rank: 1},
		item{ID: "a1", Page: "about"},
	)
	h, bus, _ := newTestHook(t, itemSpec(src))

	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()
	require.Len(t, h.Snapshot().Data, 2)

	require.NoError(t, h.Rescope(context.Background(), "about"))
	h.Settle()

	assert.Equal(t, 1, bus.Active())
	assert.Equal(t, 1, bus.Active("items:about"))
	assert.Equal(t, 0, bus.Active("items:index"))
	assert.Equal(t, []string{"items:about"}, h.Subscriptions())

	publish(t, bus, gateway.EventInsert, item{ID: "i3", Page: "index"})
	publish(t, bus, gateway.EventInsert, item{ID: "a2", Page: "about", Rank: 1})
	eventuallyIDs(t, h, []string{"a1", "a2"})
	for _, it := range h.Snapshot().Data {
		assert.Equal(t, "about", it.Page)
	}

	// Same scope is a no-op.
	calls := src.calls.Load()
	require.NoError(t, h.Rescope(context.Background(), "about"))
	assert.Equal(t, calls, src.calls.Load())
}

func TestHook_RescopeDiscardsStaleFetch(t *testing.T) {
	src := newSource(item{ID: "i1", Page: "index"}, item{ID: "a1", Page: "about"})
	h, _, _ := newTestHook(t, itemSpec(src))

	gate := src.block()
	require.NoError(t, h.Start(context.Background(), "index"))
	src.unblock()

	require.NoError(t, h.Rescope(context.Background(), "about"))
	close(gate)
	h.Settle()

	st := h.Snapshot()
	assert.Equal(t, "about", st.Scope)
	assert.Equal(t, []string{"a1"}, ids(st.Data))
}

func TestHook_RefetchModeCoalescesBursts(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	spec := itemSpec(src)
	spec.Mode = ModeRefetch
	spec.Decode = nil
	spec.Debounce = DebounceConfig{Interval: 30 * time.Millisecond, MaxWait: time.Second}
	h, bus, _ := newTestHook(t, spec)

	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()
	require.Equal(t, int32(1), src.calls.Load())

	src.mu.Lock()
	src.rows["index"] = append(src.rows["index"], item{ID: "b", Page: "index", Rank: 1})
	src.mu.Unlock()

	for i := 0; i < 10; i++ {
		publish(t, bus, gateway.EventUpdate, item{ID: "a", Page: "index"})
	}

	eventuallyIDs(t, h, []string{"a", "b"})
	time.Sleep(80 * time.Millisecond)
	h.Settle()
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestHook_OnChangeSeesIncreasingVersions(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	h, bus, _ := newTestHook(t, itemSpec(src))

	var (
		mu       sync.Mutex
		versions []uint64
	)
	unsubscribe := h.OnChange(func(st State[item]) {
		mu.Lock()
		versions = append(versions, st.Version)
		mu.Unlock()
	})

	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()
	for i := 0; i < 5; i++ {
		publish(t, bus, gateway.EventInsert, item{ID: fmt.Sprintf("n%d", i), Page: "index", Rank: i})
	}
	require.Eventually(t, func() bool { return len(h.Snapshot().Data) == 6 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	publish(t, bus, gateway.EventInsert, item{ID: "late", Page: "index"})
	require.Eventually(t, func() bool { return len(h.Snapshot().Data) == 7 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	assert.Less(t, versions[len(versions)-1], h.Snapshot().Version)
}

func TestHook_WithoutRealtime(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	h, err := New(itemSpec(src), nil, Options{Logger: testLogger()})
	require.NoError(t, err)
	defer h.Teardown()

	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()
	assert.Equal(t, []string{"a"}, ids(h.Snapshot().Data))
	assert.Empty(t, h.Subscriptions())
}

// flakyRealtime fails the first n subscriptions.
type flakyRealtime struct {
	gateway.Realtime
	failures atomic.Int32
}

func (f *flakyRealtime) Subscribe(ctx context.Context, ch gateway.Channel) (gateway.Subscription, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return f.Realtime.Subscribe(ctx, ch)
}

func TestHook_RescopeRetriesFailedSubscription(t *testing.T) {
	src := newSource(item{ID: "a", Page: "index"})
	bus := realtime.NewMemoryBus(testLogger())
	rt := &flakyRealtime{Realtime: bus}
	rt.failures.Store(1)
	rec := &notify.Recorder{}
	h, err := New(itemSpec(src), rt, Options{Notifier: rec, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.Teardown()
		_ = bus.Close()
	})

	require.NoError(t, h.Start(context.Background(), "index"))
	h.Settle()
	assert.Empty(t, h.Subscriptions())
	require.Len(t, rec.Notices(), 1)
	assert.Equal(t, NoticeRealtimeFailed, rec.Notices()[0].Key)

	require.NoError(t, h.Rescope(context.Background(), "index"))
	h.Settle()
	assert.Equal(t, []string{"items:index"}, h.Subscriptions())
	assert.Equal(t, 1, bus.Active())
	assert.Equal(t, []string{"a"}, ids(h.Snapshot().Data))

	publish(t, bus, gateway.EventInsert, item{ID: "b", Page: "index", Rank: 1})
	eventuallyIDs(t, h, []string{"a", "b"})

	// With the channels open, rescoping to the same page is a no-op again.
	calls := src.calls.Load()
	require.NoError(t, h.Rescope(context.Background(), "index"))
	assert.Equal(t, calls, src.calls.Load())
}
