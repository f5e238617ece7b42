package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/qvtbox/qvtbox-go/internal/cart"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
)

// cartView is a cart with its derived totals.
type cartView struct {
	Lines        []cart.Line     `json:"lines"`
	Count        int             `json:"count"`
	Total        decimal.Decimal `json:"total"`
	TotalDisplay string          `json:"total_display"`
}

func viewCart(c *cart.Cart) cartView {
	lines := c.Lines
	if lines == nil {
		lines = []cart.Line{}
	}
	return cartView{
		Lines:        lines,
		Count:        c.Count(),
		Total:        c.Total(),
		TotalDisplay: cart.FormatPrice(c.Total()),
	}
}

// GetCart handles GET /api/cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.Load(r.Context(), h.cartOwner(r))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, viewCart(c))
}

// AddToCart handles POST /api/cart with one item.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var item cart.Item
	if !decodeOrReject(w, r, &item) {
		return
	}
	lang := middleware.Lang(r)
	if strings.TrimSpace(item.ID) == "" {
		writeJSONFields(w, i18n.T(lang, "error.invalid_request"), map[string]string{"id": "required"})
		return
	}
	c, err := h.Carts.Update(r.Context(), h.cartOwner(r), func(c *cart.Cart) error {
		_, err := c.Add(item)
		return err
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONMessage(w, viewCart(c), i18n.T(lang, "cart.added", item.Name))
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

// SetCartQuantity handles PATCH /api/cart/{id}. Zero removes the line.
func (h *Handler) SetCartQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	c, err := h.Carts.Update(r.Context(), h.cartOwner(r), func(c *cart.Cart) error {
		return c.SetQuantity(id, req.Quantity)
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, viewCart(c))
}

// RemoveFromCart handles DELETE /api/cart/{id}.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.Carts.Update(r.Context(), h.cartOwner(r), func(c *cart.Cart) error {
		return c.Remove(id)
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONMessage(w, viewCart(c), i18n.T(middleware.Lang(r), "cart.removed"))
}

// ClearCart handles DELETE /api/cart.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.Update(r.Context(), h.cartOwner(r), func(c *cart.Cart) error {
		c.Clear()
		return nil
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONMessage(w, viewCart(c), i18n.T(middleware.Lang(r), "cart.cleared"))
}
