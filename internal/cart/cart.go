// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cart keeps a visitor's shopping cart. Prices are decimals; the
// input parser accepts the formats shown on the site, such as "12,90 €".
package cart

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Cart errors.
var (
	ErrInvalidPrice    = errors.New("cart: invalid price")
	ErrInvalidQuantity = errors.New("cart: invalid quantity")
	ErrUnknownItem     = errors.New("cart: item not in cart")
)

// MaxQuantity caps a single line.
const MaxQuantity = 99

// ParsePrice reads a price written with a comma or dot decimal separator,
// optional thousands separators and an optional currency sign:
// "12,90 €", "€12.90", "1 234,50", "1,234.50", "12".
func ParsePrice(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsDigit(r), r == ',', r == '.', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '\'', unicode.Is(unicode.Sc, r):
			// Grouping spaces (including U+202F) and currency signs.
		default:
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
		}
	}
	num := b.String()
	if num == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}

	// The last separator is the decimal one when it is followed by one or
	// two digits; every other separator groups thousands.
	sep := strings.LastIndexAny(num, ",.")
	if sep >= 0 && len(num)-sep-1 <= 2 && len(num)-sep-1 > 0 {
		intPart := strings.NewReplacer(",", "", ".", "").Replace(num[:sep])
		num = intPart + "." + num[sep+1:]
	} else {
		num = strings.NewReplacer(",", "", ".", "").Replace(num)
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %q", ErrInvalidPrice, s)
	}
	return d.Round(2), nil
}

// FormatPrice renders d the French way: "25,80 €".
func FormatPrice(d decimal.Decimal) string {
	return strings.Replace(d.StringFixed(2), ".", ",", 1) + " €"
}

// Item is what a visitor adds to the cart.
type Item struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"` // as displayed, parsed with ParsePrice
	Image string `json:"image,omitempty"`
}

// Line is one cart row.
type Line struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Image     string          `json:"image,omitempty"`
}

// Subtotal is UnitPrice times Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is an ordered list of lines, one per item id. The zero value is an
// empty cart. A Cart is not safe for concurrent use; Store serializes
// access per owner.
type Cart struct {
	Lines []Line `json:"lines"`
}

func (c *Cart) index(id string) int {
	for i, l := range c.Lines {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// Add puts one unit of item in the cart. Adding an item already present
// increments its quantity and keeps the first recorded price.
func (c *Cart) Add(item Item) (Line, error) {
	if strings.TrimSpace(item.ID) == "" {
		return Line{}, fmt.Errorf("%w: empty id", ErrUnknownItem)
	}
	price, err := ParsePrice(item.Price)
	if err != nil {
		return Line{}, err
	}
	if i := c.index(item.ID); i >= 0 {
		if c.Lines[i].Quantity >= MaxQuantity {
			return c.Lines[i], fmt.Errorf("%w: more than %d", ErrInvalidQuantity, MaxQuantity)
		}
		c.Lines[i].Quantity++
		return c.Lines[i], nil
	}
	l := Line{ID: item.ID, Name: item.Name, UnitPrice: price, Quantity: 1, Image: item.Image}
	c.Lines = append(c.Lines, l)
	return l, nil
}

// SetQuantity changes the quantity of id; zero removes the line.
func (c *Cart) SetQuantity(id string, qty int) error {
	if qty < 0 || qty > MaxQuantity {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	i := c.index(id)
	if i < 0 {
		return ErrUnknownItem
	}
	if qty == 0 {
		c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
		return nil
	}
	c.Lines[i].Quantity = qty
	return nil
}

// Remove deletes the line of id.
func (c *Cart) Remove(id string) error {
	return c.SetQuantity(id, 0)
}

// Clear empties the cart.
func (c *Cart) Clear() { c.Lines = nil }

// Count is the number of units in the cart.
func (c *Cart) Count() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// Total is the sum of the line subtotals.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// valid reports whether a rehydrated cart is usable.
func (c *Cart) valid() bool {
	seen := make(map[string]bool, len(c.Lines))
	for _, l := range c.Lines {
		if l.ID == "" || seen[l.ID] || l.Quantity < 1 || l.Quantity > MaxQuantity || l.UnitPrice.IsNegative() {
			return false
		}
		seen[l.ID] = true
	}
	return true
}
