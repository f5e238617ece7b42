package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

var slotConflict = []string{"page_name", "section_name", "content_key"}

// Repository reads and writes content items.
type Repository struct {
	rows gateway.Rows
	now  func() time.Time
}

// NewRepository creates a repository.
func NewRepository(rows gateway.Rows) *Repository {
	return &Repository{rows: rows, now: time.Now}
}

// ListPage returns the items of page ordered by section then key.
func (r *Repository) ListPage(ctx context.Context, page string) ([]Item, error) {
	rows, err := r.rows.Select(ctx, gateway.Query{Table: Table}.
		Where("page_name", gateway.OpEq, page).
		OrderBy("section_name", false).
		OrderBy("content_key", false))
	if err != nil {
		return nil, fmt.Errorf("listing content of %s: %w", page, err)
	}
	out := make([]Item, 0, len(rows))
	for _, row := range rows {
		it, err := Decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// UpsertByKey writes the item at slot in one atomic statement: a new slot
// is inserted, an existing one updated in place. The payload is validated
// before anything is sent.
func (r *Repository) UpsertByKey(ctx context.Context, slot Slot, typ Type, value json.RawMessage, updatedBy string) (Item, error) {
	value, err := Validate(slot, typ, value)
	if err != nil {
		return Item{}, err
	}
	row := gateway.Row{
		"page_name":     slot.Page,
		"section_name":  slot.Section,
		"content_key":   slot.Key,
		"content_type":  string(typ),
		"content_value": string(value),
		"updated_by":    nil,
		"updated_at":    r.now(),
	}
	if updatedBy != "" {
		row["updated_by"] = updatedBy
	}
	stored, err := r.rows.Upsert(ctx, Table, row, slotConflict)
	if err != nil {
		return Item{}, fmt.Errorf("saving content %s: %w", slot, err)
	}
	return Decode(stored)
}

// Delete removes the item at slot and returns it.
func (r *Repository) Delete(ctx context.Context, slot Slot) (Item, error) {
	removed, err := r.rows.Delete(ctx, Table, []gateway.Filter{
		gateway.Eq("page_name", slot.Page),
		gateway.Eq("section_name", slot.Section),
		gateway.Eq("content_key", slot.Key),
	})
	if err != nil {
		return Item{}, fmt.Errorf("deleting content %s: %w", slot, err)
	}
	if len(removed) == 0 {
		return Item{}, gateway.ErrNotFound
	}
	return Decode(removed[0])
}
