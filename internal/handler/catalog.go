package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qvtbox/qvtbox-go/internal/product"
)

// productView adds the derived rating to a product.
type productView struct {
	product.Product
	Rating float64 `json:"rating"`
}

func viewOf(p product.Product) productView {
	return productView{Product: p, Rating: p.Rating()}
}

// ListProducts handles GET /api/products?category=slug.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Products.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	views := make([]productView, len(products))
	for i, p := range products {
		views[i] = viewOf(p)
	}
	writeJSONSuccess(w, views)
}

// GetProduct handles GET /api/products/{slug}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Products.BySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, viewOf(p))
}

// ListCategories handles GET /api/categories.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Products.Categories(r.Context())
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONSuccess(w, cats)
}
