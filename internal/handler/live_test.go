// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvtbox/qvtbox-go/internal/content"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/mood"
	"github.com/qvtbox/qvtbox-go/internal/product"
	"github.com/qvtbox/qvtbox-go/internal/role"
)

// liveFrame is any frame the server sends.
type liveFrame struct {
	Type    string          `json:"type"`
	Entity  string          `json:"entity"`
	Scope   string          `json:"scope"`
	Data    json.RawMessage `json:"data"`
	Loading bool            `json:"loading"`
	Error   string          `json:"error"`
	Version uint64          `json:"version"`
	Key     string          `json:"key"`
	Action  string          `json:"action"`
}

func dialLive(t *testing.T, app *testApp, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/api/live"
	if query != "" {
		u += "?" + query
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendLive(t *testing.T, ws *websocket.Conn, req LiveRequest) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(req))
}

// readFrame waits for the first frame matching pred.
func readFrame(t *testing.T, ws *websocket.Conn, pred func(liveFrame) bool) liveFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for {
		var f liveFrame
		err := ws.ReadJSON(&f)
		require.NoError(t, err, "no matching frame before deadline")
		if pred(f) {
			return f
		}
	}
}

func loadedSnapshot(entity string, n int) func(liveFrame) bool {
	return func(f liveFrame) bool {
		if f.Type != FrameSnapshot || f.Entity != entity || f.Loading {
			return false
		}
		var items []json.RawMessage
		return json.Unmarshal(f.Data, &items) == nil && len(items) == n
	}
}

func TestLiveProductsFollowWrites(t *testing.T) {
	app := newTestApp(t)
	app.seedCatalog(t)
	ws := dialLive(t, app, "")

	sendLive(t, ws, LiveRequest{Entity: LiveProducts})
	first := readFrame(t, ws, loadedSnapshot(LiveProducts, 3))
	assert.Empty(t, first.Error)

	_, err := app.products.Save(context.Background(), product.Draft{
		Name:  "Box Équilibre",
		Slug:  "box-equilibre",
		Price: decimal.RequireFromString("34.90"),
	})
	require.NoError(t, err)

	next := readFrame(t, ws, loadedSnapshot(LiveProducts, 4))
	assert.Greater(t, next.Version, first.Version)

	// Rescoping to a category narrows the list.
	sendLive(t, ws, LiveRequest{Entity: LiveProducts, Scope: "coffrets"})
	scoped := readFrame(t, ws, loadedSnapshot(LiveProducts, 2))
	assert.Equal(t, "coffrets", scoped.Scope)

	sendLive(t, ws, LiveRequest{Entity: LiveProducts, Action: ActionRefresh})
	readFrame(t, ws, loadedSnapshot(LiveProducts, 2))
}

func TestLiveRejectsBadRequests(t *testing.T) {
	app := newTestApp(t)
	ws := dialLive(t, app, "lang=en")

	isError := func(f liveFrame) bool { return f.Type == FrameError }

	sendLive(t, ws, LiveRequest{Entity: "payments"})
	f := readFrame(t, ws, isError)
	assert.Equal(t, i18n.T("en", "error.not_found"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries})
	f = readFrame(t, ws, isError)
	assert.Equal(t, LiveMoodEntries, f.Entity)
	assert.Equal(t, i18n.T("en", "error.unauthorized"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveContent, Scope: strings.Repeat("x", 200)})
	f = readFrame(t, ws, isError)
	assert.Equal(t, i18n.T("en", "error.invalid_request"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveContent, Action: ActionRefresh})
	f = readFrame(t, ws, isError)
	assert.Equal(t, i18n.T("en", "error.not_found"), f.Error)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = readFrame(t, ws, isError)
	assert.Equal(t, i18n.T("en", "error.invalid_request"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveContent, Action: "explode"})
	f = readFrame(t, ws, isError)
	assert.Equal(t, i18n.T("en", "error.invalid_request"), f.Error)
}

func TestLiveMoodEntriesAreScopedToTheUser(t *testing.T) {
	app := newTestApp(t)
	c := app.client(t)
	u, token := app.user(t, c, "live@qvtbox.test", role.User)

	ws := dialLive(t, app, "access_token="+token)
	// The requested scope is ignored for personal entities.
	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries, Scope: "someone-else"})
	f := readFrame(t, ws, loadedSnapshot(LiveMoodEntries, 0))
	assert.Equal(t, u.ID, f.Scope)

	in := mood.Input{Energy: 3, Stress: 3, Motivation: 3, SocialConnection: 3, WorkSatisfaction: 3}
	resp, env := app.do(t, c, call{method: http.MethodPost, path: "/api/mood", body: in})
	require.Equal(t, http.StatusOK, resp.StatusCode, env.Error)

	f = readFrame(t, ws, loadedSnapshot(LiveMoodEntries, 1))
	var entries []mood.Entry
	require.NoError(t, json.Unmarshal(f.Data, &entries))
	assert.Equal(t, u.ID, entries[0].UserID)

	// Entries of another user do not reach this connection.
	other := app.client(t)
	app.user(t, other, "other@qvtbox.test", role.User)
	resp, _ = app.do(t, other, call{method: http.MethodPost, path: "/api/mood", body: in})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries, Action: ActionRefresh})
	readFrame(t, ws, loadedSnapshot(LiveMoodEntries, 1))
}

// writeOutcome waits for the ack or error answering a write on entity.
func writeOutcome(entity string) func(liveFrame) bool {
	return func(f liveFrame) bool {
		return f.Entity == entity && (f.Type == FrameAck || f.Type == FrameError)
	}
}

// ackWithSnapshot reads until the write on entity is answered and a loaded
// snapshot holds n items, in whichever order they arrive.
func ackWithSnapshot(t *testing.T, ws *websocket.Conn, entity string, n int) liveFrame {
	t.Helper()
	var ack liveFrame
	gotAck, gotSnapshot := false, false
	isSnapshot := loadedSnapshot(entity, n)
	readFrame(t, ws, func(f liveFrame) bool {
		switch {
		case writeOutcome(entity)(f):
			ack, gotAck = f, true
		case isSnapshot(f):
			gotSnapshot = true
		}
		return gotAck && gotSnapshot
	})
	return ack
}

func TestLiveContentWrites(t *testing.T) {
	app := newTestApp(t)
	c := app.client(t)
	u, token := app.user(t, c, "rh-live@qvtbox.test", role.RH)

	ws := dialLive(t, app, "lang=en&access_token="+token)
	sendLive(t, ws, LiveRequest{Entity: LiveContent, Scope: "home"})
	readFrame(t, ws, loadedSnapshot(LiveContent, 0))

	save := LiveRequest{
		Entity:      LiveContent,
		Action:      ActionSave,
		Section:     "hero",
		Key:         "title",
		ContentType: content.TypeText,
		Value:       content.TextValue("Bienvenue"),
	}
	sendLive(t, ws, save)
	ack := ackWithSnapshot(t, ws, LiveContent, 1)
	require.Equal(t, FrameAck, ack.Type, ack.Error)
	assert.Equal(t, ActionSave, ack.Action)
	var item content.Item
	require.NoError(t, json.Unmarshal(ack.Data, &item))
	assert.Equal(t, "home", item.Page)
	assert.Equal(t, "Bienvenue", item.Text())
	assert.Equal(t, u.ID, item.UpdatedBy)

	bad := save
	bad.ContentType = "video"
	sendLive(t, ws, bad)
	f := readFrame(t, ws, writeOutcome(LiveContent))
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, i18n.T("en", "error.invalid_request"), f.Error)

	del := LiveRequest{Entity: LiveContent, Action: ActionDelete, Section: "hero", Key: "title"}
	sendLive(t, ws, del)
	f = readFrame(t, ws, writeOutcome(LiveContent))
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, i18n.T("en", "error.forbidden"), f.Error)

	// The promotion reaches the connection through its role watcher.
	_, err := app.roles.Assign(context.Background(), u.ID, role.Admin)
	require.NoError(t, err)
	deadline := time.Now().Add(3 * time.Second)
	for {
		sendLive(t, ws, del)
		f = readFrame(t, ws, writeOutcome(LiveContent))
		if f.Type == FrameAck {
			break
		}
		require.True(t, time.Now().Before(deadline), "still refused: %s", f.Error)
		time.Sleep(20 * time.Millisecond)
	}
	sendLive(t, ws, LiveRequest{Entity: LiveContent, Action: ActionRefresh})
	readFrame(t, ws, loadedSnapshot(LiveContent, 0))
}

func TestLiveWritesNeedAWatchAndASession(t *testing.T) {
	app := newTestApp(t)
	ws := dialLive(t, app, "lang=en")

	save := LiveRequest{Entity: LiveContent, Action: ActionSave, Section: "hero", Key: "title",
		ContentType: content.TypeText, Value: content.TextValue("x")}
	sendLive(t, ws, save)
	f := readFrame(t, ws, writeOutcome(LiveContent))
	assert.Equal(t, i18n.T("en", "error.not_found"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveContent, Scope: "home"})
	readFrame(t, ws, loadedSnapshot(LiveContent, 0))
	sendLive(t, ws, save)
	f = readFrame(t, ws, writeOutcome(LiveContent))
	assert.Equal(t, i18n.T("en", "error.unauthorized"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveProducts})
	readFrame(t, ws, loadedSnapshot(LiveProducts, 0))
	sendLive(t, ws, LiveRequest{Entity: LiveProducts, Action: ActionSave})
	f = readFrame(t, ws, writeOutcome(LiveProducts))
	assert.Equal(t, i18n.T("en", "error.invalid_request"), f.Error)
}

func TestLiveMoodWrites(t *testing.T) {
	app := newTestApp(t)
	c := app.client(t)
	u, token := app.user(t, c, "mood-live@qvtbox.test", role.User)

	ws := dialLive(t, app, "lang=en&access_token="+token)
	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries})
	readFrame(t, ws, loadedSnapshot(LiveMoodEntries, 0))

	in := mood.Input{Energy: 4, Stress: 2, Motivation: 4, SocialConnection: 3, WorkSatisfaction: 5}
	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries, Action: ActionSave, Mood: &in})
	ack := ackWithSnapshot(t, ws, LiveMoodEntries, 1)
	require.Equal(t, FrameAck, ack.Type, ack.Error)
	var entry mood.Entry
	require.NoError(t, json.Unmarshal(ack.Data, &entry))
	assert.Equal(t, u.ID, entry.UserID)

	invalid := mood.Input{Energy: 9, Stress: 2, Motivation: 4, SocialConnection: 3, WorkSatisfaction: 5}
	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries, Action: ActionSave, Mood: &invalid})
	f := readFrame(t, ws, writeOutcome(LiveMoodEntries))
	assert.Equal(t, i18n.T("en", "error.invalid_request"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries, Action: ActionDelete, ID: "missing"})
	f = readFrame(t, ws, writeOutcome(LiveMoodEntries))
	assert.Equal(t, i18n.T("en", "error.not_found"), f.Error)

	sendLive(t, ws, LiveRequest{Entity: LiveMoodEntries, Action: ActionDelete, ID: entry.ID})
	ack = ackWithSnapshot(t, ws, LiveMoodEntries, 0)
	require.Equal(t, FrameAck, ack.Type, ack.Error)
}

func TestLiveCookieSession(t *testing.T) {
	app := newTestApp(t)
	c := app.client(t)
	u, _ := app.user(t, c, "cookie@qvtbox.test", role.RH)

	header := http.Header{}
	for _, ck := range c.Jar.Cookies(mustURL(t, app.srv.URL)) {
		header.Add("Cookie", ck.Name+"="+ck.Value)
	}
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(app.srv.URL, "http")+"/api/live", header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })

	sendLive(t, ws, LiveRequest{Entity: LiveRole})
	f := readFrame(t, ws, func(f liveFrame) bool { return f.Type == FrameSnapshot && f.Entity == LiveRole && !f.Loading })
	assert.Equal(t, u.ID, f.Scope)
	var assignments []role.Assignment
	require.NoError(t, json.Unmarshal(f.Data, &assignments))
	require.Len(t, assignments, 1)
	assert.Equal(t, role.RH, assignments[0].Role)
}

func TestLiveCloseReleasesSubscriptions(t *testing.T) {
	app := newTestApp(t)
	ws := dialLive(t, app, "")
	sendLive(t, ws, LiveRequest{Entity: LiveProducts})
	readFrame(t, ws, loadedSnapshot(LiveProducts, 0))

	require.Eventually(t, func() bool { return app.env.Bus.Active() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, app.h.Live().Active())

	sendLive(t, ws, LiveRequest{Entity: LiveProducts, Action: ActionUnwatch})
	require.Eventually(t, func() bool { return app.env.Bus.Active() == 0 }, 2*time.Second, 10*time.Millisecond)

	sendLive(t, ws, LiveRequest{Entity: LiveProducts})
	readFrame(t, ws, loadedSnapshot(LiveProducts, 0))

	app.h.Live().Close()
	require.Eventually(t, func() bool {
		return app.env.Bus.Active() == 0 && app.h.Live().Active() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// New connections are turned away after Close.
	late := dialLive(t, app, "")
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
