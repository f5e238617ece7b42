// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package content

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/qvtbox/qvtbox-go/internal/entity"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// htmlSanitizer strips anything unsafe from rendered markdown.
var htmlSanitizer = bluemonday.UGCPolicy()

// NewHook builds the live item list of one page (scope = page name).
func NewHook(repo *Repository, rt gateway.Realtime, opts entity.Options) (*entity.Hook[Item], error) {
	return entity.New(entity.Spec[Item]{
		Name:   "editable_content",
		Key:    func(it Item) string { return it.ID },
		Less:   Less,
		Fetch:  repo.ListPage,
		Decode: Decode,
		Channels: func(page string) []gateway.Channel {
			f := gateway.Eq("page_name", page)
			return []gateway.Channel{{Name: Table + ":" + page, Table: Table, Filter: &f}}
		},
		InScope: func(page string, it Item) bool { return it.Page == page },
	}, rt, opts)
}

// Store reads and writes the content of the page its hook is scoped to.
//
// Keys are either "section.key" or a bare content key; a bare key matches
// the first item with that key in section order.
type Store struct {
	repo     *Repository
	hook     *entity.Hook[Item]
	defaults map[string]string
}

// NewStore wraps a hook. defaults holds the declared values of slots that
// may not exist yet, by the same keys GetValue accepts.
func NewStore(repo *Repository, hook *entity.Hook[Item], defaults map[string]string) *Store {
	if defaults == nil {
		defaults = map[string]string{}
	}
	return &Store{repo: repo, hook: hook, defaults: defaults}
}

// Hook returns the underlying hook.
func (s *Store) Hook() *entity.Hook[Item] { return s.hook }

// Page returns the current page.
func (s *Store) Page() string { return s.hook.Scope() }

// Items returns the cached items of the page.
func (s *Store) Items() []Item { return s.hook.Snapshot().Data }

// Lookup finds the live item for key.
func (s *Store) Lookup(key string) (Item, bool) {
	section, k, qualified := strings.Cut(key, ".")
	if !qualified {
		k = key
	}
	for _, it := range s.Items() {
		if it.Key == k && (!qualified || it.Section == section) {
			return it, true
		}
	}
	return Item{}, false
}

// GetValue returns the live value of key, else its declared default, else
// fallback.
func (s *Store) GetValue(key, fallback string) string {
	if it, ok := s.Lookup(key); ok {
		return it.String()
	}
	if v, ok := s.defaults[key]; ok {
		return v
	}
	return fallback
}

// GetText is GetValue restricted to text items.
func (s *Store) GetText(key, fallback string) string {
	if it, ok := s.Lookup(key); ok && it.Type == TypeText {
		return it.Text()
	}
	if v, ok := s.defaults[key]; ok {
		return v
	}
	return fallback
}

// GetImage is GetValue restricted to image items.
func (s *Store) GetImage(key, fallback string) string {
	if it, ok := s.Lookup(key); ok && it.Type == TypeImage {
		return it.ImageURL()
	}
	if v, ok := s.defaults[key]; ok {
		return v
	}
	return fallback
}

// GetJSON decodes the json item at key into dst. It reports whether a live
// or declared value was found; dst is left untouched otherwise.
func (s *Store) GetJSON(key string, dst any) (bool, error) {
	raw := ""
	if it, ok := s.Lookup(key); ok && it.Type == TypeJSON {
		raw = string(it.Value)
	} else if v, ok := s.defaults[key]; ok {
		raw = v
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return true, &ValidationError{Field: key, Reason: err.Error()}
	}
	return true, nil
}

// RenderHTML renders the text at key as markdown and sanitizes the result.
func (s *Store) RenderHTML(key, fallback string) (string, error) {
	return RenderMarkdown(s.GetText(key, fallback))
}

// RenderMarkdown converts markdown to sanitized HTML.
func RenderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return htmlSanitizer.Sanitize(buf.String()), nil
}

// Upsert writes a slot of the current page through the hook, so the stored
// row lands in the cache as soon as the write returns.
func (s *Store) Upsert(ctx context.Context, section, key string, typ Type, value json.RawMessage, updatedBy string) (Item, error) {
	var saved Item
	slot := Slot{Page: s.Page(), Section: section, Key: key}
	err := s.hook.Mutate(ctx, "upsert", func(ctx context.Context) (entity.Result[Item], error) {
		it, err := s.repo.UpsertByKey(ctx, slot, typ, value, updatedBy)
		if err != nil {
			return entity.Result[Item]{}, err
		}
		saved = it
		return entity.Upserted(it), nil
	})
	return saved, err
}

// Delete removes a slot of the current page through the hook.
func (s *Store) Delete(ctx context.Context, section, key string) error {
	slot := Slot{Page: s.Page(), Section: section, Key: key}
	return s.hook.Mutate(ctx, "delete", func(ctx context.Context) (entity.Result[Item], error) {
		it, err := s.repo.Delete(ctx, slot)
		if err != nil {
			return entity.Result[Item]{}, err
		}
		return entity.Removed[Item](it.ID), nil
	})
}
