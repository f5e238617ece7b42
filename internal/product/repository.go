// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package product

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/util"
)

// Repository reads the catalog and performs the few writes the back office
// needs.
type Repository struct {
	rows gateway.Rows
}

// NewRepository creates a repository.
func NewRepository(rows gateway.Rows) *Repository {
	return &Repository{rows: rows}
}

// List returns the active products, optionally restricted to the category
// with slug categorySlug. An unknown category yields an empty list.
func (r *Repository) List(ctx context.Context, categorySlug string) ([]Product, error) {
	q := gateway.Query{Table: ProductsTable}.
		Where("is_active", gateway.OpEq, true).
		OrderBy("sort_order", false).
		OrderBy("name", false)

	if categorySlug != "" {
		cat, err := r.CategoryBySlug(ctx, categorySlug)
		if errors.Is(err, gateway.ErrNotFound) {
			return []Product{}, nil
		}
		if err != nil {
			return nil, err
		}
		q = q.Where("category_id", gateway.OpEq, cat.ID)
	}

	rows, err := r.rows.Select(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return r.assemble(ctx, rows)
}

// BySlug returns the active product with slug.
func (r *Repository) BySlug(ctx context.Context, slug string) (Product, error) {
	rows, err := r.rows.Select(ctx, gateway.Query{Table: ProductsTable, Limit: 1}.
		Where("slug", gateway.OpEq, slug).
		Where("is_active", gateway.OpEq, true))
	if err != nil {
		return Product{}, fmt.Errorf("loading product %s: %w", slug, err)
	}
	if len(rows) == 0 {
		return Product{}, gateway.ErrNotFound
	}
	products, err := r.assemble(ctx, rows)
	if err != nil {
		return Product{}, err
	}
	return products[0], nil
}

// Categories lists all categories by sort order then name.
func (r *Repository) Categories(ctx context.Context) ([]Category, error) {
	rows, err := r.rows.Select(ctx, gateway.Query{Table: CategoriesTable}.
		OrderBy("sort_order", false).
		OrderBy("name", false))
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	out := make([]Category, len(rows))
	for i, row := range rows {
		out[i] = decodeCategory(row)
	}
	return out, nil
}

// CategoryBySlug returns one category.
func (r *Repository) CategoryBySlug(ctx context.Context, slug string) (Category, error) {
	rows, err := r.rows.Select(ctx, gateway.Query{Table: CategoriesTable, Limit: 1}.
		Where("slug", gateway.OpEq, slug))
	if err != nil {
		return Category{}, fmt.Errorf("loading category %s: %w", slug, err)
	}
	if len(rows) == 0 {
		return Category{}, gateway.ErrNotFound
	}
	return decodeCategory(rows[0]), nil
}

// assemble attaches images, variants, approved reviews, tags and categories
// to the product rows, issuing one query per attachment table.
func (r *Repository) assemble(ctx context.Context, rows []gateway.Row) ([]Product, error) {
	products := make([]Product, 0, len(rows))
	byID := make(map[string]*Product, len(rows))
	ids := make([]string, 0, len(rows))
	var categoryIDs []string
	seenCategory := map[string]bool{}

	for _, row := range rows {
		p, err := decodeProduct(row)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
		ids = append(ids, p.ID)
		if p.CategoryID != "" && !seenCategory[p.CategoryID] {
			seenCategory[p.CategoryID] = true
			categoryIDs = append(categoryIDs, p.CategoryID)
		}
	}
	if len(products) == 0 {
		return products, nil
	}
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	children := func(table string, extra []gateway.Filter, orders ...gateway.Order) ([]gateway.Row, error) {
		q := gateway.Query{
			Table:   table,
			Filters: append([]gateway.Filter{{Column: "product_id", Op: gateway.OpIn, Value: ids}}, extra...),
			Orders:  orders,
		}
		res, err := r.rows.Select(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", table, err)
		}
		return res, nil
	}

	images, err := children(ImagesTable, nil, gateway.Order{Column: "sort_order"}, gateway.Order{Column: "id"})
	if err != nil {
		return nil, err
	}
	for _, row := range images {
		if p := byID[row.String("product_id")]; p != nil {
			p.Images = append(p.Images, decodeImage(row))
		}
	}

	variants, err := children(VariantsTable, nil, gateway.Order{Column: "sort_order"}, gateway.Order{Column: "id"})
	if err != nil {
		return nil, err
	}
	for _, row := range variants {
		v, err := decodeVariant(row)
		if err != nil {
			return nil, err
		}
		if p := byID[row.String("product_id")]; p != nil {
			p.Variants = append(p.Variants, v)
		}
	}

	reviews, err := children(ReviewsTable, []gateway.Filter{gateway.Eq("is_approved", true)},
		gateway.Order{Column: "created_at", Desc: true}, gateway.Order{Column: "id"})
	if err != nil {
		return nil, err
	}
	for _, row := range reviews {
		if p := byID[row.String("product_id")]; p != nil {
			p.Reviews = append(p.Reviews, decodeReview(row))
		}
	}

	tags, err := children(TagsTable, nil, gateway.Order{Column: "tag"})
	if err != nil {
		return nil, err
	}
	for _, row := range tags {
		if p := byID[row.String("product_id")]; p != nil {
			p.Tags = append(p.Tags, row.String("tag"))
		}
	}

	if len(categoryIDs) > 0 {
		cats, err := r.rows.Select(ctx, gateway.Query{Table: CategoriesTable}.
			Where("id", gateway.OpIn, categoryIDs))
		if err != nil {
			return nil, fmt.Errorf("loading categories: %w", err)
		}
		byCategory := make(map[string]Category, len(cats))
		for _, row := range cats {
			c := decodeCategory(row)
			byCategory[c.ID] = c
		}
		for i := range products {
			if c, ok := byCategory[products[i].CategoryID]; ok {
				products[i].Category = &c
			}
		}
	}
	return products, nil
}

// Draft is the editable part of a product.
type Draft struct {
	Name        string
	Slug        string // derived from Name when empty
	Description string
	Price       decimal.Decimal
	CategoryID  string
	SortOrder   int
	Inactive    bool
}

// Save creates or updates the product identified by its slug.
func (r *Repository) Save(ctx context.Context, d Draft) (Product, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return Product{}, fmt.Errorf("%w: product name is required", gateway.ErrInvalidQuery)
	}
	if d.Slug == "" {
		d.Slug = util.Slugify(d.Name)
	}
	if !util.IsValidSlug(d.Slug) {
		return Product{}, fmt.Errorf("%w: invalid product slug %q", gateway.ErrInvalidQuery, d.Slug)
	}
	if d.Price.IsNegative() {
		return Product{}, fmt.Errorf("%w: negative price", gateway.ErrInvalidQuery)
	}

	row := gateway.Row{
		"name":        d.Name,
		"slug":        d.Slug,
		"description": d.Description,
		"price":       d.Price.StringFixed(2),
		"category_id": nil,
		"is_active":   !d.Inactive,
		"sort_order":  d.SortOrder,
	}
	if d.CategoryID != "" {
		row["category_id"] = d.CategoryID
	}
	stored, err := r.rows.Upsert(ctx, ProductsTable, row, []string{"slug"})
	if err != nil {
		return Product{}, fmt.Errorf("saving product %s: %w", d.Slug, err)
	}
	return decodeProduct(stored)
}

// SaveCategory creates or updates a category by slug.
func (r *Repository) SaveCategory(ctx context.Context, c Category) (Category, error) {
	if c.Slug == "" {
		c.Slug = util.Slugify(c.Name)
	}
	stored, err := r.rows.Upsert(ctx, CategoriesTable, gateway.Row{
		"name":        c.Name,
		"slug":        c.Slug,
		"description": c.Description,
		"sort_order":  c.SortOrder,
	}, []string{"slug"})
	if err != nil {
		return Category{}, fmt.Errorf("saving category %s: %w", c.Slug, err)
	}
	return decodeCategory(stored), nil
}

// AddImage attaches an image to a product.
func (r *Repository) AddImage(ctx context.Context, productID string, img Image) (Image, error) {
	stored, err := r.rows.Insert(ctx, ImagesTable, gateway.Row{
		"product_id": productID,
		"url":        img.URL,
		"alt_text":   img.AltText,
		"sort_order": img.SortOrder,
	})
	if err != nil {
		return Image{}, fmt.Errorf("adding image: %w", err)
	}
	return decodeImage(stored), nil
}

// AddVariant attaches a variant to a product.
func (r *Repository) AddVariant(ctx context.Context, productID string, v Variant) (Variant, error) {
	row := gateway.Row{
		"product_id": productID,
		"name":       v.Name,
		"price":      nil,
		"stock":      v.Stock,
		"sort_order": v.SortOrder,
	}
	if v.Price != nil {
		row["price"] = v.Price.StringFixed(2)
	}
	stored, err := r.rows.Insert(ctx, VariantsTable, row)
	if err != nil {
		return Variant{}, fmt.Errorf("adding variant: %w", err)
	}
	return decodeVariant(stored)
}

// AddReview stores a review awaiting moderation.
func (r *Repository) AddReview(ctx context.Context, productID string, rv Review) (Review, error) {
	if rv.Rating < 1 || rv.Rating > 5 {
		return Review{}, fmt.Errorf("%w: rating must be between 1 and 5", gateway.ErrInvalidQuery)
	}
	stored, err := r.rows.Insert(ctx, ReviewsTable, gateway.Row{
		"product_id":  productID,
		"author_name": strings.TrimSpace(rv.AuthorName),
		"rating":      rv.Rating,
		"comment":     strings.TrimSpace(rv.Comment),
		"is_approved": false,
	})
	if err != nil {
		return Review{}, fmt.Errorf("adding review: %w", err)
	}
	return decodeReview(stored), nil
}

// ApproveReview publishes a review.
func (r *Repository) ApproveReview(ctx context.Context, reviewID string) error {
	updated, err := r.rows.Update(ctx, ReviewsTable,
		[]gateway.Filter{gateway.Eq("id", reviewID)},
		gateway.Row{"is_approved": true})
	if err != nil {
		return fmt.Errorf("approving review: %w", err)
	}
	if len(updated) == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// SetTags replaces the tags of a product. Tags are stored as slugs.
func (r *Repository) SetTags(ctx context.Context, productID string, tags []string) error {
	if _, err := r.rows.Delete(ctx, TagsTable, []gateway.Filter{gateway.Eq("product_id", productID)}); err != nil {
		return fmt.Errorf("clearing tags: %w", err)
	}
	seen := map[string]bool{}
	for _, tag := range tags {
		tag = util.Slugify(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		if _, err := r.rows.Insert(ctx, TagsTable, gateway.Row{"product_id": productID, "tag": tag}); err != nil {
			return fmt.Errorf("adding tag %s: %w", tag, err)
		}
	}
	return nil
}
