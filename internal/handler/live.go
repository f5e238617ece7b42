// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/websocket"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/entity"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/mood"
	"github.com/qvtbox/qvtbox-go/internal/notify"
	"github.com/qvtbox/qvtbox-go/internal/product"
	"github.com/qvtbox/qvtbox-go/internal/role"
	"github.com/qvtbox/qvtbox-go/internal/session"
)

// Entities a live connection can watch.
const (
	LiveProducts    = "products"
	LiveContent     = "content"
	LiveMoodEntries = "mood_entries"
	LiveMoodBubbles = "mood_bubbles"
	LiveRole        = "role"
)

// Live actions; an empty action watches. Save and delete write through
// the hook of a watched entity.
const (
	ActionWatch   = "watch"
	ActionRefresh = "refresh"
	ActionUnwatch = "unwatch"
	ActionSave    = "save"
	ActionDelete  = "delete"
)

// Frame types sent to the client.
const (
	FrameSnapshot = "snapshot"
	FrameNotice   = "notice"
	FrameError    = "error"
	FrameAck      = "ack"
)

const (
	liveWriteWait   = 10 * time.Second
	livePongWait    = 60 * time.Second
	livePingPeriod  = livePongWait * 9 / 10
	liveMaxMessage  = 32 << 10
	liveMaxScope    = 128
	liveMaxQueued   = 64
	liveAccessParam = "access_token"
)

// LiveRequest is sent by the client to watch, refresh, unwatch or write an
// entity. The scope of personal entities is always the signed-in user.
type LiveRequest struct {
	Entity string `json:"entity"`
	Scope  string `json:"scope"`
	Action string `json:"action,omitempty"`

	// content writes
	Section     string          `json:"section,omitempty"`
	Key         string          `json:"key,omitempty"`
	ContentType content.Type    `json:"content_type,omitempty"`
	Value       json.RawMessage `json:"content_value,omitempty"`

	// mood writes
	ID   string      `json:"id,omitempty"`
	Mood *mood.Input `json:"mood,omitempty"`
}

// SnapshotFrame carries the state of one watched entity.
type SnapshotFrame struct {
	Type      string    `json:"type"`
	Entity    string    `json:"entity"`
	Scope     string    `json:"scope"`
	Data      any       `json:"data"`
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoticeFrame is a toast for the client.
type NoticeFrame struct {
	Type    string       `json:"type"`
	Level   notify.Level `json:"level"`
	Key     string       `json:"key"`
	Message string       `json:"message"`
	Source  string       `json:"source,omitempty"`
}

// AckFrame confirms a write and carries the row the server stored.
type AckFrame struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// ErrorFrame answers a request that could not be served.
type ErrorFrame struct {
	Type   string `json:"type"`
	Entity string `json:"entity,omitempty"`
	Error  string `json:"error"`
}

// LiveDeps are the repositories behind the watchable entities.
type LiveDeps struct {
	Realtime gateway.Realtime
	Sessions *scs.SessionManager
	Auth     middleware.Authenticator
	Products *product.Repository
	Content  *content.Repository
	Mood     *mood.Service
	Roles    *role.Repository
	Policy   role.Policy
	Prefs    *i18n.Preferences
	Logger   *slog.Logger
}

// liveEntity opens a hook for one connection.
type liveEntity struct {
	personal bool
	open     func(c *liveConn, opts entity.Options) (liveWatch, error)
}

// LiveHandler serves GET /api/live. Every connection owns one hook per
// watched entity; all of them are torn down when it closes.
type LiveHandler struct {
	deps     LiveDeps
	upgrader websocket.Upgrader
	entities map[string]liveEntity
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*liveConn]struct{}
	closed bool
}

// NewLiveHandler creates the websocket handler.
func NewLiveHandler(d LiveDeps) *LiveHandler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	l := &LiveHandler{
		deps: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   4096,
			EnableCompression: true,
		},
		logger: d.Logger.With("component", "live"),
		conns:  make(map[*liveConn]struct{}),
	}
	l.entities = map[string]liveEntity{
		LiveProducts: {open: func(c *liveConn, opts entity.Options) (liveWatch, error) {
			h, err := product.NewHook(d.Products, d.Realtime, opts)
			if err != nil {
				return nil, err
			}
			return watch(c, LiveProducts, h), nil
		}},
		LiveContent: {open: func(c *liveConn, opts entity.Options) (liveWatch, error) {
			h, err := content.NewHook(d.Content, d.Realtime, opts)
			if err != nil {
				return nil, err
			}
			return &contentWatch{
				hookWatch: watch(c, LiveContent, h),
				store:     content.NewStore(d.Content, h, nil),
			}, nil
		}},
		LiveMoodEntries: {personal: true, open: func(c *liveConn, opts entity.Options) (liveWatch, error) {
			h, err := mood.NewEntriesHook(d.Mood.Repository(), d.Realtime, opts)
			if err != nil {
				return nil, err
			}
			return &moodWatch{hookWatch: watch(c, LiveMoodEntries, h), svc: d.Mood}, nil
		}},
		LiveMoodBubbles: {personal: true, open: func(c *liveConn, opts entity.Options) (liveWatch, error) {
			h, err := mood.NewBubblesHook(d.Mood.Repository(), d.Realtime, opts)
			if err != nil {
				return nil, err
			}
			return watch(c, LiveMoodBubbles, h), nil
		}},
		LiveRole: {personal: true, open: func(c *liveConn, opts entity.Options) (liveWatch, error) {
			h, err := role.NewHook(d.Roles, d.Realtime, opts)
			if err != nil {
				return nil, err
			}
			return watch(c, LiveRole, h), nil
		}},
	}
	return l
}

// Active returns the number of open connections.
func (l *LiveHandler) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close disconnects every client and refuses new ones. Hijacked
// connections are not closed by http.Server.Shutdown.
func (l *LiveHandler) Close() {
	l.mu.Lock()
	l.closed = true
	conns := make([]*liveConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (l *LiveHandler) track(c *liveConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *LiveHandler) untrack(c *liveConn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// identify finds the user and language of the connecting client. The
// route sits outside the session middleware, so the cookie session is
// loaded here. Browsers cannot set headers on a websocket handshake, so
// the token may also come as a query parameter.
func (l *LiveHandler) identify(r *http.Request) (auth.User, bool, string) {
	ctx := r.Context()
	token := middleware.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get(liveAccessParam)
	}

	owner := ""
	if sm := l.deps.Sessions; sm != nil {
		if cookie, err := r.Cookie(sm.Cookie.Name); err == nil {
			if sctx, err := sm.Load(ctx, cookie.Value); err == nil {
				owner = sm.GetString(sctx, session.KeyOwner)
				if token == "" {
					token = session.AuthToken(sctx, sm)
				}
			}
		}
	}

	lang := strings.ToLower(r.URL.Query().Get(middleware.LanguageQueryParam))
	if !i18n.IsSupported(lang) {
		if l.deps.Prefs != nil {
			lang = l.deps.Prefs.Resolve(ctx, owner, r.Header.Get("Accept-Language"))
		} else {
			lang = i18n.MatchLanguage(r.Header.Get("Accept-Language"))
		}
	}

	if token == "" || l.deps.Auth == nil {
		return auth.User{}, false, lang
	}
	sess, err := l.deps.Auth.GetSession(ctx, token)
	if err != nil {
		if !errors.Is(err, auth.ErrNoSession) {
			l.logger.Warn("failed to load live session", "error", err)
		}
		return auth.User{}, false, lang
	}
	return sess.User, true, lang
}

// ServeHTTP upgrades the request and serves the connection until the
// client leaves.
func (l *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, signedIn, lang := l.identify(r)

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &liveConn{
		ws:       ws,
		user:     user,
		signedIn: signedIn,
		lang:     lang,
		logger:   l.logger.With("user_id", user.ID),
		pending:  make(map[string]SnapshotFrame),
		wake:     make(chan struct{}, 1),
		watches:  make(map[string]liveWatch),
	}
	if !l.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(liveWriteWait))
		_ = ws.Close()
		return
	}
	defer l.untrack(c)

	// Hooks outlive the handshake request; its context ends with ServeHTTP.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writeLoop(stop); err != nil {
			c.logger.Debug("live write failed", "error", err)
		}
		_ = ws.Close()
	}()

	c.logger.Debug("live connection opened", "signed_in", signedIn)
	l.readLoop(ctx, c)

	c.closeWatches()
	close(stop)
	<-writerDone
	c.logger.Debug("live connection closed")
}

func (l *LiveHandler) readLoop(ctx context.Context, c *liveConn) {
	c.ws.SetReadLimit(liveMaxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(livePongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		var req LiveRequest
		err := c.ws.ReadJSON(&req)
		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.send(ErrorFrame{Type: FrameError, Error: i18n.T(c.lang, "error.invalid_request")})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("live connection dropped", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(livePongWait))
		l.handle(ctx, c, req)
	}
}

func (l *LiveHandler) handle(ctx context.Context, c *liveConn, req LiveRequest) {
	fail := func(key string) {
		c.send(ErrorFrame{Type: FrameError, Entity: req.Entity, Error: i18n.T(c.lang, key)})
	}

	ent, ok := l.entities[req.Entity]
	if !ok {
		fail("error.not_found")
		return
	}
	if ent.personal && !c.signedIn {
		fail("error.unauthorized")
		return
	}
	scope := strings.TrimSpace(req.Scope)
	if ent.personal {
		scope = c.user.ID
	}
	if len(scope) > liveMaxScope {
		fail("error.invalid_request")
		return
	}

	w, watching := c.watches[req.Entity]
	switch req.Action {
	case "", ActionWatch:
		if !watching {
			var err error
			w, err = ent.open(c, entity.Options{Notifier: c, Logger: l.logger})
			if err != nil {
				c.logger.Error("failed to open live hook", "entity", req.Entity, "error", err)
				fail("error.internal")
				return
			}
			c.watches[req.Entity] = w
		}
		if err := w.rescope(ctx, scope); err != nil {
			c.logger.Warn("failed to watch entity", "entity", req.Entity, "scope", scope, "error", err)
			c.unwatch(req.Entity)
			fail("error.unavailable")
		}
	case ActionRefresh:
		if !watching {
			fail("error.not_found")
			return
		}
		if err := w.refresh(ctx); err != nil {
			fail("error.unavailable")
		}
	case ActionUnwatch:
		if watching {
			c.unwatch(req.Entity)
		}
	case ActionSave, ActionDelete:
		l.write(ctx, c, req, w, watching)
	default:
		fail("error.invalid_request")
	}
}

// liveWatch is a hook of any item type as seen by a connection.
type liveWatch interface {
	rescope(ctx context.Context, scope string) error
	refresh(ctx context.Context) error
	close()
}

type hookWatch[T any] struct {
	hook        *entity.Hook[T]
	unsubscribe func()
}

// watch forwards every state of hook to c as snapshots of name.
func watch[T any](c *liveConn, name string, hook *entity.Hook[T]) *hookWatch[T] {
	unsubscribe := hook.OnChange(func(st entity.State[T]) {
		c.snapshot(snapshotFrame(name, c.lang, st))
	})
	return &hookWatch[T]{hook: hook, unsubscribe: unsubscribe}
}

func (w *hookWatch[T]) rescope(ctx context.Context, scope string) error {
	return w.hook.Rescope(ctx, scope)
}

func (w *hookWatch[T]) refresh(ctx context.Context) error {
	return w.hook.Refresh(ctx)
}

func (w *hookWatch[T]) close() {
	w.unsubscribe()
	w.hook.Teardown()
}

// write runs a save or delete through the hook of a watched entity, so the
// stored row lands in the connection's cache before the ack is sent.
func (l *LiveHandler) write(ctx context.Context, c *liveConn, req LiveRequest, w liveWatch, watching bool) {
	fail := func(key string) {
		c.send(ErrorFrame{Type: FrameError, Entity: req.Entity, Error: i18n.T(c.lang, key)})
	}
	writer, ok := w.(liveWriter)
	switch {
	case !watching:
		fail("error.not_found")
		return
	case !ok:
		fail("error.invalid_request")
		return
	case !c.signedIn:
		fail("error.unauthorized")
		return
	}

	if need, restricted := writer.requires(req.Action); restricted {
		allowed, err := l.allowed(ctx, c, need)
		if err != nil {
			c.logger.Warn("failed to load role for live write", "error", err)
			fail("error.unavailable")
			return
		}
		if !allowed {
			fail("error.forbidden")
			return
		}
	}

	data, err := writer.write(ctx, c, req)
	if err != nil {
		c.logger.Debug("live write failed", "entity", req.Entity, "action", req.Action, "error", err)
		fail(writeErrorKey(err))
		return
	}
	c.logger.Info("live write", "entity", req.Entity, "action", req.Action)
	c.send(AckFrame{Type: FrameAck, Entity: req.Entity, Action: req.Action, Data: data})
}

// allowed checks the connection's role. The watcher follows role changes,
// so a demotion applies to the next write without reconnecting.
func (l *LiveHandler) allowed(ctx context.Context, c *liveConn, need role.Role) (bool, error) {
	if c.guard == nil {
		h, err := role.NewHook(l.deps.Roles, l.deps.Realtime, entity.Options{Logger: l.logger})
		if err != nil {
			return false, err
		}
		guard := role.NewWatcher(h, l.deps.Policy)
		if err := guard.Watch(ctx, c.user.ID); err != nil {
			guard.Close()
			return false, err
		}
		guard.Hook().Settle()
		c.guard = guard
	}
	if err := c.guard.Hook().Snapshot().Err; err != nil {
		return false, err
	}
	return c.guard.HasAtLeast(need), nil
}

func writeErrorKey(err error) string {
	var (
		moodErr    *mood.ValidationError
		contentErr *content.ValidationError
	)
	switch {
	case errors.As(err, &moodErr), errors.As(err, &contentErr):
		return "error.invalid_request"
	case errors.Is(err, mood.ErrNotOwner):
		return "error.forbidden"
	case errors.Is(err, gateway.ErrNotFound):
		return "error.not_found"
	}
	return "error.unavailable"
}

// liveWriter is implemented by watches that accept writes.
type liveWriter interface {
	// requires returns the minimum role for action, if any.
	requires(action string) (role.Role, bool)
	write(ctx context.Context, c *liveConn, req LiveRequest) (any, error)
}

// contentWatch edits the page its hook is scoped to.
type contentWatch struct {
	*hookWatch[content.Item]
	store *content.Store
}

func (w *contentWatch) requires(action string) (role.Role, bool) {
	if action == ActionDelete {
		return role.Admin, true
	}
	return role.RH, true
}

func (w *contentWatch) write(ctx context.Context, c *liveConn, req LiveRequest) (any, error) {
	if req.Action == ActionDelete {
		if err := w.store.Delete(ctx, req.Section, req.Key); err != nil {
			return nil, err
		}
		return content.Slot{Page: w.store.Page(), Section: req.Section, Key: req.Key}, nil
	}
	return w.store.Upsert(ctx, req.Section, req.Key, req.ContentType, req.Value, c.user.ID)
}

// moodWatch records and removes the entries of the signed-in user.
type moodWatch struct {
	*hookWatch[mood.Entry]
	svc *mood.Service
}

func (w *moodWatch) requires(string) (role.Role, bool) { return 0, false }

func (w *moodWatch) write(ctx context.Context, c *liveConn, req LiveRequest) (any, error) {
	if req.Action == ActionDelete {
		e, err := w.svc.Repository().Entry(ctx, c.user.ID, req.ID)
		if err != nil {
			return nil, err
		}
		if err := w.svc.DeleteWith(ctx, w.hook, c.user.ID, e); err != nil {
			return nil, err
		}
		return e, nil
	}
	if req.Mood == nil {
		return nil, &mood.ValidationError{Fields: map[string]string{"mood": "required"}}
	}
	return w.svc.SaveWith(ctx, w.hook, c.user.ID, *req.Mood)
}

func snapshotFrame[T any](name, lang string, st entity.State[T]) SnapshotFrame {
	f := SnapshotFrame{
		Type:      FrameSnapshot,
		Entity:    name,
		Scope:     st.Scope,
		Data:      st.Data,
		Loading:   st.Loading,
		Version:   st.Version,
		UpdatedAt: st.UpdatedAt,
	}
	if st.Err != nil {
		f.Error = i18n.T(lang, "error.unavailable")
	}
	return f
}

// liveConn is one websocket client. Hook listeners only record frames;
// a single writer goroutine sends them, so a slow client never blocks a
// hook. Successive snapshots of one entity collapse into the latest.
type liveConn struct {
	ws       *websocket.Conn
	user     auth.User
	signedIn bool
	lang     string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]SnapshotFrame
	queue   []any
	wake    chan struct{}

	// owned by the read loop
	watches map[string]liveWatch
	guard   *role.Watcher
}

// Notify implements notify.Notifier for the hooks of the connection.
func (c *liveConn) Notify(_ context.Context, n notify.Notice) {
	c.send(NoticeFrame{
		Type:    FrameNotice,
		Level:   n.Level,
		Key:     n.Key,
		Message: n.Message(c.lang),
		Source:  n.Source,
	})
}

func (c *liveConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *liveConn) snapshot(f SnapshotFrame) {
	c.mu.Lock()
	c.pending[f.Entity] = f
	c.mu.Unlock()
	c.signal()
}

// send queues a notice or error frame, dropping the oldest on overflow.
func (c *liveConn) send(frame any) {
	c.mu.Lock()
	if len(c.queue) >= liveMaxQueued {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()
	c.signal()
}

// drain takes every queued frame, snapshots last in entity order.
func (c *liveConn) drain() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.queue
	c.queue = nil
	names := make([]string, 0, len(c.pending))
	for name := range c.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, c.pending[name])
	}
	clear(c.pending)
	return out
}

func (c *liveConn) unwatch(name string) {
	if w, ok := c.watches[name]; ok {
		w.close()
		delete(c.watches, name)
	}
	c.mu.Lock()
	delete(c.pending, name)
	c.mu.Unlock()
}

func (c *liveConn) closeWatches() {
	for name := range c.watches {
		c.unwatch(name)
	}
	if c.guard != nil {
		c.guard.Close()
		c.guard = nil
	}
}

func (c *liveConn) writeLoop(stop <-chan struct{}) error {
	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			for _, frame := range c.drain() {
				_ = c.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
				if err := c.ws.WriteJSON(frame); err != nil {
					return err
				}
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-stop:
			_ = c.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			return c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
	}
}
