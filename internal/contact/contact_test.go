package contact

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/testutil"
)

func valid() Submission {
	return Submission{
		Name:    "Camille Martin",
		Email:   "Camille@Example.fr ",
		Company: "Acme & Fils",
		Phone:   "+33 6 12 34 56 78",
		Message: "Bonjour, nous souhaitons une démo <b>QVT</b>.",
	}
}

func TestNormalize(t *testing.T) {
	s, err := valid().Normalize()
	require.NoError(t, err)
	assert.Equal(t, "camille@example.fr", s.Email)
	assert.Equal(t, "Acme & Fils", s.Company)
	assert.Equal(t, "Bonjour, nous souhaitons une démo QVT.", s.Message)
	assert.Equal(t, DefaultSource, s.Source)

	_, err = Submission{
		Name:    "<script>alert(1)</script>",
		Email:   "Camille <camille@example.fr>",
		Phone:   "call me",
		Message: strings.Repeat("a", MaxMessageLength+1),
	}.Normalize()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "required", verr.Fields["name"], "markup-only name is empty once sanitized")
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "phone")
	assert.Equal(t, "too long", verr.Fields["message"])
	assert.NotContains(t, verr.Fields, "company")
}

func TestBuildMailto(t *testing.T) {
	s, err := valid().Normalize()
	require.NoError(t, err)

	link := BuildMailto("contact@qvtbox.com", s)
	require.True(t, strings.HasPrefix(link, "mailto:contact@qvtbox.com?"))
	assert.NotContains(t, link, "+", "spaces must be percent-encoded")

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "Contact QVT Box - Camille Martin", q.Get("subject"))
	assert.Contains(t, q.Get("body"), "Bonjour, nous souhaitons une démo QVT.")
	assert.Contains(t, q.Get("body"), "Camille Martin (Acme & Fils)")
	assert.Contains(t, q.Get("body"), "+33 6 12 34 56 78")
}

func relayServer(t *testing.T, status int, delay time.Duration) (*httptest.Server, *atomic.Int32, chan Submission) {
	t.Helper()
	var hits atomic.Int32
	got := make(chan Submission, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(delay)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var s Submission
		if err := json.NewDecoder(r.Body).Decode(&s); err == nil {
			got <- s
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, got
}

func newService(rows gateway.Rows, srv *httptest.Server) *Service {
	return NewService(rows, Config{
		RelayURL: srv.URL,
		Email:    "contact@qvtbox.com",
		Client:   srv.Client(),
		Logger:   testutil.TestLoggerSilent(),
	})
}

func TestSubmit_BothBranchesSucceed(t *testing.T) {
	env := testutil.NewEnv(t)
	srv, hits, got := relayServer(t, http.StatusOK, 0)
	svc := newService(env.Gateway, srv)

	res, err := svc.Submit(context.Background(), valid())
	require.NoError(t, err)
	assert.True(t, res.LeadStored)
	assert.True(t, res.Relayed)
	assert.Empty(t, res.MailtoURL)
	assert.NotEmpty(t, res.LeadID)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, "camille@example.fr", (<-got).Email)

	rows, err := env.Gateway.Select(context.Background(), gateway.Query{Table: LeadsTable})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, res.LeadID, rows[0].String("id"))
	assert.Equal(t, "Acme & Fils", rows[0].String("company"))
	assert.Equal(t, DefaultSource, rows[0].String("source"))
}

func TestSubmit_BranchesRunConcurrently(t *testing.T) {
	env := testutil.NewEnv(t)
	rows := testutil.NewFaultyRows(env.Gateway)
	rows.Delay(150 * time.Millisecond)
	srv, _, _ := relayServer(t, http.StatusOK, 150*time.Millisecond)
	svc := newService(rows, srv)

	start := time.Now()
	_, err := svc.Submit(context.Background(), valid())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 280*time.Millisecond)
}

func TestSubmit_RelayFailureFallsBackToMailto(t *testing.T) {
	env := testutil.NewEnv(t)
	srv, _, _ := relayServer(t, http.StatusBadGateway, 0)
	svc := newService(env.Gateway, srv)

	res, err := svc.Submit(context.Background(), valid())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRelayFailed)
	assert.NotErrorIs(t, err, ErrLeadFailed)
	assert.True(t, res.LeadStored, "the lead write is not rolled back")
	assert.False(t, res.Relayed)
	assert.True(t, strings.HasPrefix(res.MailtoURL, "mailto:contact@qvtbox.com?"))
}

func TestSubmit_LeadFailureStillRelays(t *testing.T) {
	env := testutil.NewEnv(t)
	rows := testutil.NewFaultyRows(env.Gateway)
	rows.FailWrites(gateway.ErrUnavailable)
	srv, hits, _ := relayServer(t, http.StatusOK, 0)
	svc := newService(rows, srv)

	res, err := svc.Submit(context.Background(), valid())
	assert.ErrorIs(t, err, ErrLeadFailed)
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.True(t, res.Relayed)
	assert.False(t, res.LeadStored)
	assert.NotEmpty(t, res.MailtoURL)
	assert.EqualValues(t, 1, hits.Load())
}

func TestSubmit_InvalidNeverWrites(t *testing.T) {
	env := testutil.NewEnv(t)
	rows := testutil.NewFaultyRows(env.Gateway)
	srv, hits, _ := relayServer(t, http.StatusOK, 0)
	svc := newService(rows, srv)

	_, err := svc.Submit(context.Background(), Submission{Name: "x"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, rows.Calls("insert"))
	assert.Zero(t, hits.Load())
}

func TestSubmit_WithoutRelay(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := NewService(env.Gateway, Config{Email: "contact@qvtbox.com", Logger: testutil.TestLoggerSilent()})

	res, err := svc.Submit(context.Background(), valid())
	require.NoError(t, err)
	assert.True(t, res.LeadStored)
	assert.False(t, res.Relayed)
}
