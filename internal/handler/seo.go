package handler

import (
	"net/http"

	"github.com/qvtbox/qvtbox-go/internal/seo"
)

const crawlerCache = "public, max-age=3600"

// Robots handles GET /robots.txt.
func (h *Handler) Robots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", crawlerCache)
	_, _ = w.Write([]byte(seo.Robots(h.SiteURL, h.NoIndex)))
}

// Sitemap handles GET /sitemap.xml with the marketing pages, categories
// and active products.
func (h *Handler) Sitemap(w http.ResponseWriter, r *http.Request) {
	if h.NoIndex {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	cats, err := h.Products.Categories(ctx)
	if err != nil {
		h.Logger.Error("sitemap: listing categories", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	products, err := h.Products.List(ctx, "")
	if err != nil {
		h.Logger.Error("sitemap: listing products", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	sm := seo.NewSitemap(h.SiteURL)
	sm.AddStatic()
	for _, c := range cats {
		sm.AddCategory(c.Slug)
	}
	for _, p := range products {
		sm.AddProduct(p.Slug, p.UpdatedAt)
	}
	body, err := sm.Build()
	if err != nil {
		h.Logger.Error("sitemap: rendering", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", crawlerCache)
	_, _ = w.Write(body)
}
