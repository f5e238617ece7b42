package product

import (
	"context"

	"github.com/qvtbox/qvtbox-go/internal/entity"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// AllCategories is the scope of a hook listing the whole catalog.
const AllCategories = ""

// NewHook builds a live product list. The scope is a category slug. Any
// change to a catalog table reloads the scope, since a single row cannot
// be merged into an aggregate without its siblings.
func NewHook(repo *Repository, rt gateway.Realtime, opts entity.Options) (*entity.Hook[Product], error) {
	return entity.New(entity.Spec[Product]{
		Name: "products",
		Key:  func(p Product) string { return p.ID },
		Less: Less,
		Fetch: func(ctx context.Context, categorySlug string) ([]Product, error) {
			return repo.List(ctx, categorySlug)
		},
		Channels: channels,
		Mode:     entity.ModeRefetch,
	}, rt, opts)
}

func channels(categorySlug string) []gateway.Channel {
	scope := categorySlug
	if scope == AllCategories {
		scope = "*"
	}
	out := make([]gateway.Channel, len(Tables))
	for i, table := range Tables {
		out[i] = gateway.Channel{Name: table + ":" + scope, Table: table}
	}
	return out
}
