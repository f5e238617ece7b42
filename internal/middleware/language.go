package middleware

import (
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"

	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/session"
)

// LanguageQueryParam switches the language explicitly and persists the choice.
const LanguageQueryParam = "lang"

// Language creates middleware that detects and sets the current language.
// Priority order:
// 1. Query parameter ?lang=XX (explicit switch, stored for the visitor)
// 2. The visitor's stored preference
// 3. Accept-Language header
// 4. The configured default language
func Language(prefs *i18n.Preferences, sm *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			owner := ""
			if sm != nil {
				owner = session.Owner(ctx, sm)
			}

			if q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(LanguageQueryParam))); q != "" && i18n.IsSupported(q) {
				if owner != "" {
					// A failed write still applies the switch to this request.
					_ = prefs.Set(ctx, owner, q)
				}
				next.ServeHTTP(w, r.WithContext(i18n.WithLanguage(ctx, q)))
				return
			}

			lang := prefs.Resolve(ctx, owner, r.Header.Get("Accept-Language"))
			next.ServeHTTP(w, r.WithContext(i18n.WithLanguage(ctx, lang)))
		})
	}
}

// Lang returns the language of the request, falling back to the default.
func Lang(r *http.Request) string {
	lang, _ := i18n.LanguageFrom(r.Context())
	return lang
}
