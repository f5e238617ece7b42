// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package content

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvtbox/qvtbox-go/internal/entity"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/notify"
	"github.com/qvtbox/qvtbox-go/internal/testutil"
)

func TestValidate(t *testing.T) {
	slot := Slot{Page: "index", Section: "hero", Key: "title"}

	tests := []struct {
		name  string
		slot  Slot
		typ   Type
		value string
		field string
	}{
		{"text", slot, TypeText, `{"text": "Bonjour"}`, ""},
		{"image absolute", slot, TypeImage, `{"url":"https://cdn.example.com/a.webp"}`, ""},
		{"image storage path", slot, TypeImage, `{"url":"/storage/public/a.webp"}`, ""},
		{"json array", slot, TypeJSON, `[1, 2]`, ""},
		{"json object", slot, TypeJSON, `{"items":[]}`, ""},
		{"missing page", Slot{Section: "hero", Key: "title"}, TypeText, `{"text":"x"}`, "page_name"},
		{"missing key", Slot{Page: "index", Section: "hero"}, TypeText, `{"text":"x"}`, "content_key"},
		{"unknown type", slot, Type("video"), `{}`, "content_type"},
		{"malformed json", slot, TypeJSON, `{"items":`, "content_value"},
		{"empty", slot, TypeText, ``, "content_value"},
		{"text without text", slot, TypeText, `{"body":"x"}`, "content_value"},
		{"text not string", slot, TypeText, `{"text":3}`, "content_value"},
		{"image bad scheme", slot, TypeImage, `{"url":"javascript:alert(1)"}`, "content_value"},
		{"image protocol relative", slot, TypeImage, `{"url":"//evil.example.com/a.png"}`, "content_value"},
		{"json scalar", slot, TypeJSON, `"x"`, "content_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Validate(tt.slot, tt.typ, json.RawMessage(tt.value))
			if tt.field == "" {
				require.NoError(t, err)
				assert.NotContains(t, string(out), " ")
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestItemString(t *testing.T) {
	assert.Equal(t, "Bonjour", Item{Type: TypeText, Value: TextValue("Bonjour")}.String())
	assert.Equal(t, "/a.png", Item{Type: TypeImage, Value: ImageValue("/a.png", "")}.String())
	assert.Equal(t, `{"a":1}`, Item{Type: TypeJSON, Value: json.RawMessage(`{"a":1}`)}.String())
}

func TestUpsertByKey(t *testing.T) {
	env := testutil.NewEnv(t)
	repo := NewRepository(env.Gateway)
	ctx := context.Background()
	slot := Slot{Page: "index", Section: "hero", Key: "title"}

	first, err := repo.UpsertByKey(ctx, slot, TypeText, TextValue("Bienvenue"), "u1")
	require.NoError(t, err)
	second, err := repo.UpsertByKey(ctx, slot, TypeText, TextValue("Bonjour"), "u2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Bonjour", second.Text())
	assert.Equal(t, "u2", second.UpdatedBy)

	faulty := testutil.NewFaultyRows(env.Gateway)
	_, err = NewRepository(faulty).UpsertByKey(ctx, slot, TypeJSON, json.RawMessage(`{`), "")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Zero(t, faulty.Calls("upsert"), "invalid payloads never reach the gateway")

	removed, err := repo.Delete(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, first.ID, removed.ID)
	_, err = repo.Delete(ctx, slot)
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestUpsertByKey_ConcurrentWritersKeepOneRow(t *testing.T) {
	env := testutil.NewEnv(t)
	repo := NewRepository(env.Gateway)
	ctx := context.Background()
	slot := Slot{Page: "index", Section: "hero", Key: "title"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.UpsertByKey(ctx, slot, TypeText, TextValue(strings.Repeat("x", i+1)), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	items, err := repo.ListPage(ctx, "index")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func newStore(t *testing.T, env *testutil.Env, defaults map[string]string) (*Store, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	repo := NewRepository(env.Gateway)
	hook, err := NewHook(repo, env.Bus, entity.Options{Notifier: rec, Logger: env.Logger})
	require.NoError(t, err)
	t.Cleanup(hook.Teardown)
	return NewStore(repo, hook, defaults), rec
}

func TestStore_GetValueFallbacks(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	store, _ := newStore(t, env, map[string]string{"hero.subtitle": "Prenez soin de vos équipes"})

	require.NoError(t, store.Hook().Start(ctx, "index"))
	store.Hook().Settle()

	assert.Equal(t, "N/A", store.GetValue("missing_key", "N/A"))
	assert.Equal(t, "Prenez soin de vos équipes", store.GetValue("hero.subtitle", "N/A"))

	_, err := store.Upsert(ctx, "hero", "subtitle", TypeText, TextValue("QVT Box"), "u1")
	require.NoError(t, err)
	assert.Equal(t, "QVT Box", store.GetValue("hero.subtitle", "N/A"))
	assert.Equal(t, "QVT Box", store.GetValue("subtitle", "N/A"))
	assert.Equal(t, "N/A", store.GetValue("footer.subtitle", "N/A"))
	assert.Equal(t, "Prenez soin de vos équipes", store.GetImage("hero.subtitle", "N/A"), "type mismatch falls back to the default")

	_, err = store.Upsert(ctx, "hero", "cover", TypeImage, ImageValue("/storage/public/cover.webp", "Équipe"), "u1")
	require.NoError(t, err)
	assert.Equal(t, "/storage/public/cover.webp", store.GetImage("hero.cover", ""))

	_, err = store.Upsert(ctx, "faq", "items", TypeJSON, json.RawMessage(`[{"q":"Quoi ?","a":"Une box."}]`), "u1")
	require.NoError(t, err)
	var faq []map[string]string
	found, err := store.GetJSON("faq.items", &faq)
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, faq, 1)
	assert.Equal(t, "Une box.", faq[0]["a"])

	found, err = store.GetJSON("faq.missing", &faq)
	assert.NoError(t, err)
	assert.False(t, found)

	keys := make([]string, 0)
	for _, it := range store.Items() {
		keys = append(keys, it.Section+"."+it.Key)
	}
	assert.Equal(t, []string{"faq.items", "hero.cover", "hero.subtitle"}, keys)
}

func TestStore_RenderHTML(t *testing.T) {
	env := testutil.NewEnv(t)
	store, _ := newStore(t, env, map[string]string{
		"about.body": "**Bien-être** au travail <script>alert(1)</script>",
	})
	require.NoError(t, store.Hook().Start(context.Background(), "about"))
	store.Hook().Settle()

	html, err := store.RenderHTML("about.body", "")
	require.NoError(t, err)
	assert.Contains(t, html, "<strong>Bien-être</strong>")
	assert.NotContains(t, html, "<script>")
}

func TestStore_RescopeLeavesOnePageBehind(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	repo := NewRepository(env.Gateway)
	for _, slot := range []Slot{{"index", "hero", "title"}, {"index", "hero", "cta"}, {"about", "team", "title"}} {
		_, err := repo.UpsertByKey(ctx, slot, TypeText, TextValue(slot.String()), "")
		require.NoError(t, err)
	}

	store, _ := newStore(t, env, nil)
	hook := store.Hook()
	require.NoError(t, hook.Start(ctx, "index"))
	hook.Settle()
	require.Len(t, store.Items(), 2)

	require.NoError(t, hook.Rescope(ctx, "about"))
	hook.Settle()

	assert.Equal(t, 1, env.Bus.Active())
	assert.Equal(t, []string{Table + ":about"}, hook.Subscriptions())
	items := store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "about", items[0].Page)

	// Writes to the old page no longer reach the hook.
	_, err := repo.UpsertByKey(ctx, Slot{"index", "hero", "new"}, TypeText, TextValue("x"), "")
	require.NoError(t, err)
	_, err = repo.UpsertByKey(ctx, Slot{"about", "team", "lead"}, TypeText, TextValue("y"), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(store.Items()) == 2 }, time.Second, 5*time.Millisecond)
	for _, it := range store.Items() {
		assert.Equal(t, "about", it.Page)
	}
}

func TestStore_FailedWriteLeavesCache(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	faulty := testutil.NewFaultyRows(env.Gateway)
	repo := NewRepository(faulty)
	rec := &notify.Recorder{}
	hook, err := NewHook(repo, env.Bus, entity.Options{Notifier: rec, Logger: env.Logger})
	require.NoError(t, err)
	defer hook.Teardown()
	store := NewStore(repo, hook, nil)

	require.NoError(t, hook.Start(ctx, "index"))
	hook.Settle()
	_, err = store.Upsert(ctx, "hero", "title", TypeText, TextValue("ok"), "")
	require.NoError(t, err)
	before := hook.Snapshot()

	faulty.FailWrites(gateway.ErrUnavailable)
	_, err = store.Upsert(ctx, "hero", "title", TypeText, TextValue("lost"), "")
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.ErrorIs(t, store.Delete(ctx, "hero", "title"), gateway.ErrUnavailable)

	after := hook.Snapshot()
	assert.Equal(t, before.Data, after.Data)
	assert.Equal(t, "ok", store.GetText("hero.title", ""))
	require.Len(t, rec.Notices(), 2)
	assert.Equal(t, entity.NoticeMutationFailed, rec.Notices()[0].Key)
}

func TestStore_MovedRowLeavesPage(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	repo := NewRepository(env.Gateway)
	moved, err := repo.UpsertByKey(ctx, Slot{"index", "hero", "title"}, TypeText, TextValue("Bienvenue"), "")
	require.NoError(t, err)

	index, _ := newStore(t, env, nil)
	about, _ := newStore(t, env, nil)
	require.NoError(t, index.Hook().Start(ctx, "index"))
	require.NoError(t, about.Hook().Start(ctx, "about"))
	index.Hook().Settle()
	about.Hook().Settle()
	require.Len(t, index.Items(), 1)

	_, err = env.Gateway.Update(ctx, Table, []gateway.Filter{gateway.Eq("id", moved.ID)}, gateway.Row{"page_name": "about"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(index.Items()) == 0 && len(about.Items()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "about", about.Items()[0].Page)
}

func TestDefaultsAreCopies(t *testing.T) {
	home := Defaults("home")
	require.NotEmpty(t, home)
	home["hero.title"] = "changed"
	assert.NotEqual(t, "changed", Defaults("home")["hero.title"])
	assert.Empty(t, Defaults("nowhere"))
}
