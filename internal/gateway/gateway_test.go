// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package gateway

import (
	"testing"
	"time"
)

func TestFilterMatch(t *testing.T) {
	row := Row{
		"user_id":    "u1",
		"energy":     int64(4),
		"page_name":  "About",
		"entry_date": "2026-03-02",
		"deleted_at": nil,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", Eq("user_id", "u1"), true},
		{"eq other", Eq("user_id", "u2"), false},
		{"eq missing column", Eq("missing", "x"), false},
		{"neq", Filter{Column: "user_id", Op: OpNeq, Value: "u2"}, true},
		{"gt numeric", Filter{Column: "energy", Op: OpGt, Value: 3}, true},
		{"lte numeric", Filter{Column: "energy", Op: OpLte, Value: 3}, false},
		{"gte date", Filter{Column: "entry_date", Op: OpGte, Value: "2026-03-01"}, true},
		{"lt date", Filter{Column: "entry_date", Op: OpLt, Value: "2026-03-01"}, false},
		{"in", Filter{Column: "user_id", Op: OpIn, Value: []string{"u3", "u1"}}, true},
		{"in miss", Filter{Column: "user_id", Op: OpIn, Value: []string{"u3"}}, false},
		{"like", Filter{Column: "page_name", Op: OpLike, Value: "Ab%"}, true},
		{"like is case sensitive", Filter{Column: "page_name", Op: OpLike, Value: "ab%"}, false},
		{"ilike", Filter{Column: "page_name", Op: OpILike, Value: "ab_ut"}, true},
		{"is null", Filter{Column: "deleted_at", Op: OpIsNull}, true},
		{"is null on value", Filter{Column: "user_id", Op: OpIsNull}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(row); got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestFilterValidate(t *testing.T) {
	if err := Eq("id", 1).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Filter{Op: OpEq}).Validate(); err == nil {
		t.Error("expected error for empty column")
	}
	if err := (Filter{Column: "id", Op: OpIn, Value: []string{}}).Validate(); err == nil {
		t.Error("expected error for empty IN list")
	}
	if err := (Filter{Column: "id", Op: "between"}).Validate(); err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestRowAccessors(t *testing.T) {
	row := Row{
		"s":     []byte("hello"),
		"n":     "42",
		"f":     int64(3),
		"b":     int64(1),
		"bs":    "true",
		"ts":    "2026-01-02T03:04:05Z",
		"day":   "2026-01-02",
		"json":  `{"text":"hi"}`,
		"jsonm": map[string]any{"url": "/a.png"},
	}

	if got := row.String("s"); got != "hello" {
		t.Errorf("String = %q", got)
	}
	if got := row.Int("n"); got != 42 {
		t.Errorf("Int = %d", got)
	}
	if got := row.Float("f"); got != 3 {
		t.Errorf("Float = %v", got)
	}
	if !row.Bool("b") || !row.Bool("bs") || row.Bool("missing") {
		t.Error("Bool accessors returned unexpected values")
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := row.Time("ts"); !got.Equal(want) {
		t.Errorf("Time = %v, want %v", got, want)
	}
	if got := row.Date("day"); got != "2026-01-02" {
		t.Errorf("Date = %q", got)
	}

	var text struct{ Text string }
	if err := row.JSON("json", &text); err != nil || text.Text != "hi" {
		t.Errorf("JSON text = %+v, err %v", text, err)
	}
	var img struct{ URL string }
	if err := row.JSON("jsonm", &img); err != nil || img.URL != "/a.png" {
		t.Errorf("JSON map = %+v, err %v", img, err)
	}
}

func TestChannelAccepts(t *testing.T) {
	f := Eq("page_name", "index")
	ch := Channel{Name: "content:index", Table: "editable_content", Filter: &f}

	insert := ChangeEvent{Table: "editable_content", Type: EventInsert, New: Row{"page_name": "index"}}
	del := ChangeEvent{Table: "editable_content", Type: EventDelete, Old: Row{"page_name": "index"}}
	other := ChangeEvent{Table: "editable_content", Type: EventInsert, New: Row{"page_name": "about"}}
	wrongTable := ChangeEvent{Table: "products", Type: EventInsert, New: Row{"page_name": "index"}}

	if !ch.Accepts(insert) || !ch.Accepts(del) {
		t.Error("expected channel to accept matching insert and delete")
	}
	if ch.Accepts(other) || ch.Accepts(wrongTable) {
		t.Error("expected channel to reject other scope and other table")
	}

	movedOut := ChangeEvent{Table: "editable_content", Type: EventUpdate,
		Old: Row{"page_name": "index"}, New: Row{"page_name": "about"}}
	movedElsewhere := ChangeEvent{Table: "editable_content", Type: EventUpdate,
		Old: Row{"page_name": "faq"}, New: Row{"page_name": "about"}}
	if !ch.Accepts(movedOut) {
		t.Error("expected channel to accept an update leaving its scope")
	}
	if ch.Accepts(movedElsewhere) {
		t.Error("expected channel to reject an update outside its scope")
	}
}
