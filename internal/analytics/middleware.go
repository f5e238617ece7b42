package analytics

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/qvtbox/qvtbox-go/internal/middleware"
)

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

var (
	skipPrefixes = []string{
		"/static/", "/assets/", "/storage/", "/favicon.", "/robots.txt",
		"/sitemap", "/.well-known/", "/api/", "/admin", "/health",
	}
	skipExtensions = []string{
		".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
		".woff", ".woff2", ".ttf", ".xml", ".json", ".txt", ".pdf", ".map",
	}
)

// ShouldTrack reports whether r is a page view worth recording.
func ShouldTrack(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	path := r.URL.Path
	for _, p := range skipPrefixes {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	lower := strings.ToLower(path)
	for _, ext := range skipExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return true
}

// Middleware records a page view for every successful trackable GET.
// sessionID may be nil.
func Middleware(b *Batcher, sessionID func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if b == nil || !ShouldTrack(r) {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status != http.StatusOK {
				return
			}

			ev := Event{
				Name:      EventPageView,
				Path:      r.URL.Path,
				Referrer:  r.Referer(),
				UserAgent: r.UserAgent(),
				IP:        middleware.ClientIP(r),
			}
			if sessionID != nil {
				ev.SessionID = sessionID(r)
			}
			if err := b.Track(ev); err != nil {
				logger.Debug("page view not tracked", "path", r.URL.Path, "error", err)
			}
		})
	}
}
