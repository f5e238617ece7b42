// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mood stores daily well-being check-ins. A user has at most one
// entry per calendar day; saving again for the same day updates it.
package mood

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Tables.
const (
	EntriesTable = "mood_entries"
	BubblesTable = "daily_bubbles"
)

// Rating bounds and comment length limit.
const (
	MinRating        = 1
	MaxRating        = 5
	MaxCommentLength = 1000
)

// Entry is one daily check-in.
type Entry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Date             string    `json:"entry_date"`
	Energy           int       `json:"energy"`
	Stress           int       `json:"stress"`
	Motivation       int       `json:"motivation"`
	SocialConnection int       `json:"social_connection"`
	WorkSatisfaction int       `json:"work_satisfaction"`
	Comment          string    `json:"comment,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Input is what a user submits for a day. An empty Date means today (UTC).
type Input struct {
	Date             string `json:"entry_date"`
	Energy           int    `json:"energy"`
	Stress           int    `json:"stress"`
	Motivation       int    `json:"motivation"`
	SocialConnection int    `json:"social_connection"`
	WorkSatisfaction int    `json:"work_satisfaction"`
	Comment          string `json:"comment"`
}

// ValidationError lists invalid input fields with a reason per field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid mood entry: " + strings.Join(parts, "; ")
}

// Today returns the current calendar day in UTC.
func Today(now time.Time) string {
	return now.UTC().Format(gateway.DateLayout)
}

// Normalize fills defaults and validates in against now. The returned input
// carries a trimmed comment and a concrete date.
func (in Input) Normalize(now time.Time) (Input, error) {
	errs := map[string]string{}

	in.Comment = strings.TrimSpace(in.Comment)
	if in.Date == "" {
		in.Date = Today(now)
	}
	if d, err := time.Parse(gateway.DateLayout, in.Date); err != nil {
		errs["entry_date"] = "must be a YYYY-MM-DD date"
	} else if d.After(now.UTC().AddDate(0, 0, 1)) {
		// One day of slack covers clients ahead of UTC.
		errs["entry_date"] = "must not be in the future"
	}

	for field, v := range map[string]int{
		"energy":            in.Energy,
		"stress":            in.Stress,
		"motivation":        in.Motivation,
		"social_connection": in.SocialConnection,
		"work_satisfaction": in.WorkSatisfaction,
	} {
		if v < MinRating || v > MaxRating {
			errs[field] = fmt.Sprintf("must be between %d and %d", MinRating, MaxRating)
		}
	}
	if utf8.RuneCountInString(in.Comment) > MaxCommentLength {
		errs["comment"] = fmt.Sprintf("must be at most %d characters", MaxCommentLength)
	}

	if len(errs) > 0 {
		return in, &ValidationError{Fields: errs}
	}
	return in, nil
}

// DecodeEntry maps a mood_entries row.
func DecodeEntry(r gateway.Row) (Entry, error) {
	if r.String("id") == "" || r.String("user_id") == "" {
		return Entry{}, fmt.Errorf("mood entry without id or user_id")
	}
	return Entry{
		ID:               r.String("id"),
		UserID:           r.String("user_id"),
		Date:             r.Date("entry_date"),
		Energy:           int(r.Int("energy")),
		Stress:           int(r.Int("stress")),
		Motivation:       int(r.Int("motivation")),
		SocialConnection: int(r.Int("social_connection")),
		WorkSatisfaction: int(r.Int("work_satisfaction")),
		Comment:          r.String("comment"),
		CreatedAt:        r.Time("created_at"),
		UpdatedAt:        r.Time("updated_at"),
	}, nil
}

// NewerEntry orders entries by date, latest first.
func NewerEntry(a, b Entry) bool { return a.Date > b.Date }

// Wellbeing is the mean of the ratings on a 1..5 scale, stress inverted.
func (e Entry) Wellbeing() float64 {
	sum := e.Energy + (MaxRating + MinRating - e.Stress) + e.Motivation + e.SocialConnection + e.WorkSatisfaction
	return float64(sum) / 5
}
