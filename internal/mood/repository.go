package mood

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// ErrNotOwner is returned when a user touches another user's entry.
var ErrNotOwner = errors.New("mood: entry belongs to another user")

var entryConflict = []string{"user_id", "entry_date"}
var bubbleConflict = []string{"user_id", "bubble_date"}

// Repository reads and writes entries and bubbles.
type Repository struct {
	rows gateway.Rows
	now  func() time.Time
}

// NewRepository creates a repository.
func NewRepository(rows gateway.Rows) *Repository {
	return &Repository{rows: rows, now: time.Now}
}

// Range bounds a listing by inclusive dates; empty bounds are open.
type Range struct {
	From string
	To   string
}

func (rg Range) filters(userID, column string) []gateway.Filter {
	fs := []gateway.Filter{gateway.Eq("user_id", userID)}
	if rg.From != "" {
		fs = append(fs, gateway.Filter{Column: column, Op: gateway.OpGte, Value: rg.From})
	}
	if rg.To != "" {
		fs = append(fs, gateway.Filter{Column: column, Op: gateway.OpLte, Value: rg.To})
	}
	return fs
}

// Entries lists the entries of userID in rg, latest first.
func (r *Repository) Entries(ctx context.Context, userID string, rg Range) ([]Entry, error) {
	rows, err := r.rows.Select(ctx, gateway.Query{
		Table:   EntriesTable,
		Filters: rg.filters(userID, "entry_date"),
	}.OrderBy("entry_date", true))
	if err != nil {
		return nil, fmt.Errorf("listing mood entries: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := DecodeEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Entry returns entry id of userID.
func (r *Repository) Entry(ctx context.Context, userID, id string) (Entry, error) {
	rows, err := r.rows.Select(ctx, gateway.Query{
		Table: EntriesTable,
		Limit: 1,
		Filters: []gateway.Filter{
			gateway.Eq("id", id),
			gateway.Eq("user_id", userID),
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("loading mood entry: %w", err)
	}
	if len(rows) == 0 {
		return Entry{}, gateway.ErrNotFound
	}
	return DecodeEntry(rows[0])
}

// Save validates in and writes the entry of userID for its day. A second
// save for the same day updates the existing entry in place.
func (r *Repository) Save(ctx context.Context, userID string, in Input) (Entry, error) {
	now := r.now()
	in, err := in.Normalize(now)
	if err != nil {
		return Entry{}, err
	}
	row := gateway.Row{
		"user_id":           userID,
		"entry_date":        in.Date,
		"energy":            in.Energy,
		"stress":            in.Stress,
		"motivation":        in.Motivation,
		"social_connection": in.SocialConnection,
		"work_satisfaction": in.WorkSatisfaction,
		"comment":           nil,
		"updated_at":        now,
	}
	if in.Comment != "" {
		row["comment"] = in.Comment
	}
	stored, err := r.rows.Upsert(ctx, EntriesTable, row, entryConflict)
	if err != nil {
		return Entry{}, fmt.Errorf("saving mood entry: %w", err)
	}
	return DecodeEntry(stored)
}

// Delete removes entry id of userID.
func (r *Repository) Delete(ctx context.Context, userID, id string) error {
	removed, err := r.rows.Delete(ctx, EntriesTable, []gateway.Filter{
		gateway.Eq("id", id),
		gateway.Eq("user_id", userID),
	})
	if err != nil {
		return fmt.Errorf("deleting mood entry: %w", err)
	}
	if len(removed) == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// Bubbles lists the bubbles of userID in rg, latest first.
func (r *Repository) Bubbles(ctx context.Context, userID string, rg Range) ([]Bubble, error) {
	rows, err := r.rows.Select(ctx, gateway.Query{
		Table:   BubblesTable,
		Filters: rg.filters(userID, "bubble_date"),
	}.OrderBy("bubble_date", true))
	if err != nil {
		return nil, fmt.Errorf("listing bubbles: %w", err)
	}
	out := make([]Bubble, 0, len(rows))
	for _, row := range rows {
		b, err := DecodeBubble(row)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// SaveBubble writes the bubble for its user and day.
func (r *Repository) SaveBubble(ctx context.Context, b Bubble) (Bubble, error) {
	stored, err := r.rows.Upsert(ctx, BubblesTable, gateway.Row{
		"user_id":     b.UserID,
		"bubble_date": b.Date,
		"score":       b.Score,
		"mood":        b.Mood,
		"color":       b.Color,
		"message":     b.Message,
		"updated_at":  r.now(),
	}, bubbleConflict)
	if err != nil {
		return Bubble{}, fmt.Errorf("saving bubble: %w", err)
	}
	return DecodeBubble(stored)
}

// DeleteBubble removes the bubble of userID for date.
func (r *Repository) DeleteBubble(ctx context.Context, userID, date string) error {
	_, err := r.rows.Delete(ctx, BubblesTable, []gateway.Filter{
		gateway.Eq("user_id", userID),
		gateway.Eq("bubble_date", date),
	})
	if err != nil {
		return fmt.Errorf("deleting bubble: %w", err)
	}
	return nil
}
