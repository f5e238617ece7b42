// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package product is the read side of the catalog. A Product is an
// aggregate: the products row plus its category, images, variants,
// approved reviews and tags, joined in memory after one query per table.
package product

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Catalog tables.
const (
	ProductsTable   = "products"
	CategoriesTable = "categories"
	ImagesTable     = "product_images"
	VariantsTable   = "product_variants"
	ReviewsTable    = "product_reviews"
	TagsTable       = "product_tags"
)

// Tables lists every table a Product is assembled from.
var Tables = []string{ProductsTable, ImagesTable, VariantsTable, ReviewsTable, TagsTable, CategoriesTable}

// Category groups products.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

// Image is a product picture.
type Image struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	AltText   string `json:"alt_text,omitempty"`
	SortOrder int    `json:"sort_order"`
}

// Variant is a purchasable option. A nil Price inherits the product price.
type Variant struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Stock     int              `json:"stock"`
	SortOrder int              `json:"sort_order"`
}

// Review is an approved customer review.
type Review struct {
	ID         string    `json:"id"`
	AuthorName string    `json:"author_name"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Product is a catalog entry with its attachments.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	CategoryID  string          `json:"category_id,omitempty"`
	IsActive    bool            `json:"is_active"`
	SortOrder   int             `json:"sort_order"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	Category *Category `json:"category,omitempty"`
	Images   []Image   `json:"images"`
	Variants []Variant `json:"variants"`
	Reviews  []Review  `json:"reviews"`
	Tags     []string  `json:"tags"`
}

// Rating is the mean review rating rounded to one decimal, 0 without reviews.
func (p Product) Rating() float64 {
	if len(p.Reviews) == 0 {
		return 0
	}
	sum := 0
	for _, r := range p.Reviews {
		sum += r.Rating
	}
	return math.Round(float64(sum)/float64(len(p.Reviews))*10) / 10
}

// PriceFor returns the price of variant id, falling back to the product price.
func (p Product) PriceFor(variantID string) decimal.Decimal {
	for _, v := range p.Variants {
		if v.ID == variantID && v.Price != nil {
			return *v.Price
		}
	}
	return p.Price
}

// Less orders products by sort order, then name, then id.
func Less(a, b Product) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ID < b.ID
}

func parsePrice(r gateway.Row, col string) (decimal.Decimal, error) {
	s := r.String(col)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s %q: %w", col, s, err)
	}
	return d, nil
}

func decodeProduct(r gateway.Row) (Product, error) {
	price, err := parsePrice(r, "price")
	if err != nil {
		return Product{}, err
	}
	return Product{
		ID:          r.String("id"),
		Name:        r.String("name"),
		Slug:        r.String("slug"),
		Description: r.String("description"),
		Price:       price,
		CategoryID:  r.String("category_id"),
		IsActive:    r.Bool("is_active"),
		SortOrder:   int(r.Int("sort_order")),
		CreatedAt:   r.Time("created_at"),
		UpdatedAt:   r.Time("updated_at"),
		Images:      []Image{},
		Variants:    []Variant{},
		Reviews:     []Review{},
		Tags:        []string{},
	}, nil
}

func decodeCategory(r gateway.Row) Category {
	return Category{
		ID:          r.String("id"),
		Name:        r.String("name"),
		Slug:        r.String("slug"),
		Description: r.String("description"),
		SortOrder:   int(r.Int("sort_order")),
	}
}

func decodeImage(r gateway.Row) Image {
	return Image{
		ID:        r.String("id"),
		URL:       r.String("url"),
		AltText:   r.String("alt_text"),
		SortOrder: int(r.Int("sort_order")),
	}
}

func decodeVariant(r gateway.Row) (Variant, error) {
	v := Variant{
		ID:        r.String("id"),
		Name:      r.String("name"),
		Stock:     int(r.Int("stock")),
		SortOrder: int(r.Int("sort_order")),
	}
	if r.Has("price") {
		price, err := parsePrice(r, "price")
		if err != nil {
			return Variant{}, err
		}
		v.Price = &price
	}
	return v, nil
}

func decodeReview(r gateway.Row) Review {
	return Review{
		ID:         r.String("id"),
		AuthorName: r.String("author_name"),
		Rating:     int(r.Int("rating")),
		Comment:    r.String("comment"),
		CreatedAt:  r.Time("created_at"),
	}
}
