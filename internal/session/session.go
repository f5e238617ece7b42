// Package session keeps the browser session: the bearer token of the signed
// in user and a stable anonymous owner id for the cart and language
// preference.
package session

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/alexedwards/scs/v2/memstore"
	"github.com/google/uuid"
)

// Session keys.
const (
	KeyAuthToken = "auth_token"
	KeyOwner     = "owner"
)

// Lifetime matches the auth session duration.
const Lifetime = 7 * 24 * time.Hour

// New creates a session manager. SQLite databases keep sessions in the
// sessions table; other drivers use process memory.
func New(db *sql.DB, driver string, isDev bool) *scs.SessionManager {
	sm := scs.New()
	if driver == "sqlite" && db != nil {
		sm.Store = sqlite3store.New(db)
	} else {
		sm.Store = memstore.New()
	}

	sm.Lifetime = Lifetime
	sm.IdleTimeout = 24 * time.Hour
	sm.Cookie.Name = "qvt_session"
	sm.Cookie.HttpOnly = true
	sm.Cookie.SameSite = http.SameSiteLaxMode
	sm.Cookie.Path = "/"
	sm.Cookie.Secure = !isDev
	if !isDev {
		sm.Cookie.Name = "__Host-qvt_session"
	}
	return sm
}

// Owner returns the anonymous owner id of the session, creating it on
// first use.
func Owner(ctx context.Context, sm *scs.SessionManager) string {
	if id := sm.GetString(ctx, KeyOwner); id != "" {
		return id
	}
	id := "anon-" + uuid.NewString()
	sm.Put(ctx, KeyOwner, id)
	return id
}

// AuthToken returns the stored bearer token, empty when signed out.
func AuthToken(ctx context.Context, sm *scs.SessionManager) string {
	return sm.GetString(ctx, KeyAuthToken)
}

// SignIn stores token and renews the session id.
func SignIn(ctx context.Context, sm *scs.SessionManager, token string) error {
	if err := sm.RenewToken(ctx); err != nil {
		return err
	}
	sm.Put(ctx, KeyAuthToken, token)
	return nil
}

// SignOut drops the token and renews the session id. The anonymous owner
// id is kept so the cart survives.
func SignOut(ctx context.Context, sm *scs.SessionManager) error {
	sm.Remove(ctx, KeyAuthToken)
	return sm.RenewToken(ctx)
}
