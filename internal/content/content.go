// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package content holds the editable content slots of the site. A slot is
// identified by page, section and key and carries a typed JSON payload:
//
//	text  -> {"text": "..."}
//	image -> {"url": "..."}
//	json  -> any JSON object or array
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Table is the editable content table.
const Table = "editable_content"

// Type discriminates the payload of an item.
type Type string

// Content types.
const (
	TypeText  Type = "text"
	TypeImage Type = "image"
	TypeJSON  Type = "json"
)

// Valid reports whether t is a known content type.
func (t Type) Valid() bool {
	return t == TypeText || t == TypeImage || t == TypeJSON
}

// MaxValueSize bounds an encoded payload.
const MaxValueSize = 64 << 10

// Slot identifies one content item.
type Slot struct {
	Page    string `json:"page_name"`
	Section string `json:"section_name"`
	Key     string `json:"content_key"`
}

func (s Slot) String() string { return s.Page + "/" + s.Section + "/" + s.Key }

// Item is a stored content slot.
type Item struct {
	ID        string          `json:"id"`
	Page      string          `json:"page_name"`
	Section   string          `json:"section_name"`
	Key       string          `json:"content_key"`
	Type      Type            `json:"content_type"`
	Value     json.RawMessage `json:"content_value"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Slot returns the identity of the item.
func (it Item) Slot() Slot { return Slot{Page: it.Page, Section: it.Section, Key: it.Key} }

type textPayload struct {
	Text string `json:"text"`
}

type imagePayload struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

// Text returns the text of a text item.
func (it Item) Text() string {
	var p textPayload
	_ = json.Unmarshal(it.Value, &p)
	return p.Text
}

// ImageURL returns the URL of an image item.
func (it Item) ImageURL() string {
	var p imagePayload
	_ = json.Unmarshal(it.Value, &p)
	return p.URL
}

// String renders the value the way GetValue exposes it: the text, the
// image URL or the raw JSON.
func (it Item) String() string {
	switch it.Type {
	case TypeText:
		return it.Text()
	case TypeImage:
		return it.ImageURL()
	}
	return string(it.Value)
}

// TextValue encodes a text payload.
func TextValue(s string) json.RawMessage {
	b, _ := json.Marshal(textPayload{Text: s})
	return b
}

// ImageValue encodes an image payload.
func ImageValue(u, alt string) json.RawMessage {
	b, _ := json.Marshal(imagePayload{URL: u, Alt: alt})
	return b
}

// ValidationError reports a payload rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid content %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks slot identity and that value matches typ. It returns the
// compacted payload.
func Validate(slot Slot, typ Type, value json.RawMessage) (json.RawMessage, error) {
	switch {
	case strings.TrimSpace(slot.Page) == "":
		return nil, invalid("page_name", "required")
	case strings.TrimSpace(slot.Section) == "":
		return nil, invalid("section_name", "required")
	case strings.TrimSpace(slot.Key) == "":
		return nil, invalid("content_key", "required")
	case !typ.Valid():
		return nil, invalid("content_type", "unknown type %q", typ)
	case len(value) > MaxValueSize:
		return nil, invalid("content_value", "larger than %d bytes", MaxValueSize)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, value); err != nil {
		return nil, invalid("content_value", "malformed JSON: %v", err)
	}

	switch typ {
	case TypeText:
		var p map[string]any
		if err := json.Unmarshal(compact.Bytes(), &p); err != nil {
			return nil, invalid("content_value", "text payload must be an object")
		}
		if _, ok := p["text"].(string); !ok {
			return nil, invalid("content_value", "text payload needs a string \"text\"")
		}
	case TypeImage:
		var p map[string]any
		if err := json.Unmarshal(compact.Bytes(), &p); err != nil {
			return nil, invalid("content_value", "image payload must be an object")
		}
		u, _ := p["url"].(string)
		if !validImageURL(u) {
			return nil, invalid("content_value", "image payload needs an http(s) or /storage url")
		}
	case TypeJSON:
		switch compact.Bytes()[0] {
		case '{', '[':
		default:
			return nil, invalid("content_value", "json payload must be an object or array")
		}
	}
	return compact.Bytes(), nil
}

func validImageURL(s string) bool {
	if strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//") {
		return true
	}
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Decode maps an editable_content row.
func Decode(r gateway.Row) (Item, error) {
	it := Item{
		ID:        r.String("id"),
		Page:      r.String("page_name"),
		Section:   r.String("section_name"),
		Key:       r.String("content_key"),
		Type:      Type(r.String("content_type")),
		UpdatedBy: r.String("updated_by"),
		UpdatedAt: r.Time("updated_at"),
	}
	if it.ID == "" {
		return Item{}, fmt.Errorf("content row without id")
	}
	var raw json.RawMessage
	if err := r.JSON("content_value", &raw); err != nil {
		return Item{}, err
	}
	it.Value = raw
	return it, nil
}

// Less orders by section then key.
func Less(a, b Item) bool {
	if a.Section != b.Section {
		return a.Section < b.Section
	}
	return a.Key < b.Key
}
