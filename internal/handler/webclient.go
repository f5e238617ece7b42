package handler

import (
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

// Hashed bundles under /assets/ never change; everything else is revalidated.
const (
	assetsCache = "public, max-age=31536000, immutable"
	indexCache  = "no-cache"
)

// webClient serves the built web client from StaticDir. Unknown paths get
// index.html so client-side routes survive a reload.
func (h *Handler) webClient() http.HandlerFunc {
	fsys := os.DirFS(h.StaticDir)
	files := http.FileServer(http.FS(fsys))

	return func(w http.ResponseWriter, r *http.Request) {
		clean := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if clean != "" {
			if info, err := fs.Stat(fsys, clean); err == nil && !info.IsDir() {
				if strings.HasPrefix(clean, "assets/") {
					w.Header().Set("Cache-Control", assetsCache)
				} else {
					w.Header().Set("Cache-Control", indexCache)
				}
				w.Header().Set("X-Content-Type-Options", "nosniff")
				files.ServeHTTP(w, r)
				return
			}
			if path.Ext(clean) != "" {
				http.NotFound(w, r)
				return
			}
		}
		w.Header().Set("Cache-Control", indexCache)
		http.ServeFileFS(w, r, fsys, "index.html")
	}
}
