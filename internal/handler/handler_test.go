// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/qvtbox/qvtbox-go/internal/analytics"
	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/cache"
	"github.com/qvtbox/qvtbox-go/internal/cart"
	"github.com/qvtbox/qvtbox-go/internal/contact"
	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/mood"
	"github.com/qvtbox/qvtbox-go/internal/product"
	"github.com/qvtbox/qvtbox-go/internal/role"
	"github.com/qvtbox/qvtbox-go/internal/session"
	"github.com/qvtbox/qvtbox-go/internal/storage"
	"github.com/qvtbox/qvtbox-go/internal/testutil"
	"github.com/qvtbox/qvtbox-go/internal/version"
)

const (
	testPassword = "correct horse battery"
	browserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
)

// testApp is the full HTTP stack over a migrated SQLite database.
type testApp struct {
	env       *testutil.Env
	h         *Handler
	srv       *httptest.Server
	mailer    *auth.MemoryMailer
	auth      *auth.Service
	roles     *role.Repository
	products  *product.Repository
	analytics *analytics.Batcher
}

func newTestApp(t *testing.T, opts ...func(*testutil.Env, *Deps)) *testApp {
	t.Helper()
	env := testutil.NewEnv(t)
	logger := env.Logger

	mailer := &auth.MemoryMailer{}
	authCfg := auth.DefaultConfig()
	authCfg.Mailer = mailer
	authCfg.Logger = logger
	authCfg.BaseURL = "http://qvt.test"
	authSvc, err := auth.NewService(env.Gateway, authCfg)
	require.NoError(t, err)

	kv := cache.NewSimpleMemoryCache(time.Hour)
	t.Cleanup(func() { _ = kv.Close() })

	objects, err := storage.NewLocal(storage.Config{
		Root:    t.TempDir(),
		BaseURL: "http://qvt.test",
		Secret:  []byte("0123456789abcdef0123456789abcdef"),
		Buckets: storage.DefaultBuckets(),
		Logger:  logger,
	})
	require.NoError(t, err)

	batchOpts := analytics.DefaultOptions()
	batchOpts.FlushInterval = time.Hour
	batchOpts.MaxBatch = 1000
	batchOpts.Logger = logger
	batcher := analytics.NewBatcher(env.Gateway, batchOpts)
	t.Cleanup(func() { _ = batcher.Close() })

	login := middleware.NewLoginProtection(middleware.LoginProtectionConfig{IPRateLimit: 100, IPBurst: 100})
	t.Cleanup(login.Close)

	roleRepo := role.NewRepository(env.Gateway)
	products := product.NewRepository(env.Gateway)

	deps := Deps{
		DB:         env.DB,
		Realtime:   env.Bus,
		Sessions:   session.New(env.DB, "sqlite", true),
		Auth:       authSvc,
		Roles:      role.NewResolver(roleRepo, role.PolicyMostRecent),
		RoleRepo:   roleRepo,
		Products:   products,
		Content:    content.NewRepository(env.Gateway),
		Mood:       mood.NewService(mood.NewRepository(env.Gateway), logger),
		Carts:      cart.NewStore(kv, time.Hour, logger),
		Languages:  i18n.NewPreferences(kv, "fr", logger),
		Contact:    contact.NewService(env.Gateway, contact.Config{Email: "contact@qvtbox.test", Logger: logger}),
		Storage:    objects,
		StorageDir: filepath.Join(t.TempDir(), "not-created"),
		Analytics:  batcher,
		Login:      login,
		Limiter:    middleware.NewRateLimiter(100, 100),
		Security:   middleware.DefaultSecurityHeadersConfig(true),
		Build:      version.Info{Version: "v0.0.0-test"},
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(env, &deps)
	}

	h := New(deps)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		h.Live().Close()
		srv.Close()
	})

	return &testApp{
		env:       env,
		h:         h,
		srv:       srv,
		mailer:    mailer,
		auth:      authSvc,
		roles:     roleRepo,
		products:  products,
		analytics: batcher,
	}
}

// client returns a browser-like client that keeps cookies.
func (a *testApp) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

// envelope is the decoded response body.
type envelope struct {
	Success   bool              `json:"success"`
	Data      json.RawMessage   `json:"data"`
	Message   string            `json:"message"`
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields"`
	MailtoURL string            `json:"mailto_url"`
}

func (e envelope) decode(t *testing.T, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Data, dst), "data: %s", e.Data)
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	headers map[string]string
}

func (a *testApp) do(t *testing.T, c *http.Client, cl call) (*http.Response, envelope) {
	t.Helper()
	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(cl.method, a.srv.URL+cl.path, body)
	require.NoError(t, err)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}
	req.Header.Set("User-Agent", browserAgent)
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), "body: %s", raw)
	}
	return resp, env
}

// user creates an account with role r (none for User) and signs it in
// on c. It returns the user and its bearer token.
func (a *testApp) user(t *testing.T, c *http.Client, email string, r role.Role) (auth.User, string) {
	t.Helper()
	ctx := context.Background()
	u, err := a.auth.CreateUser(ctx, email, testPassword, "")
	require.NoError(t, err)
	if r != role.User {
		_, err = a.roles.Assign(ctx, u.ID, r)
		require.NoError(t, err)
	}

	resp, env := a.do(t, c, call{method: http.MethodPost, path: "/api/auth/password",
		body: map[string]string{"email": email, "password": testPassword}})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)
	var sess auth.Session
	env.decode(t, &sess)
	require.NotEmpty(t, sess.Token)
	return u, sess.Token
}

func (a *testApp) seedCatalog(t *testing.T) product.Category {
	t.Helper()
	ctx := context.Background()
	cat, err := a.products.SaveCategory(ctx, product.Category{Name: "Coffrets", Slug: "coffrets"})
	require.NoError(t, err)
	for i, name := range []string{"Box Sérénité", "Box Énergie"} {
		_, err := a.products.Save(ctx, product.Draft{
			Name:       name,
			Slug:       []string{"box-serenite", "box-energie"}[i],
			Price:      decimal.RequireFromString("29.90"),
			CategoryID: cat.ID,
			SortOrder:  i,
		})
		require.NoError(t, err)
	}
	_, err = a.products.Save(ctx, product.Draft{Name: "Carte cadeau", Slug: "carte-cadeau", Price: decimal.RequireFromString("50")})
	require.NoError(t, err)
	return cat
}
