// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/i18n"
)

// Event is an auth state change.
type Event string

// Auth state events.
const (
	EventSignedIn         Event = "SIGNED_IN"
	EventSignedOut        Event = "SIGNED_OUT"
	EventPasswordRecovery Event = "PASSWORD_RECOVERY"
	EventUserUpdated      Event = "USER_UPDATED"
)

// Token kinds in auth_tokens.
const (
	kindOTP   = "otp"
	kindReset = "reset"
)

// OTPDigits is the length of email sign-in codes.
const OTPDigits = 6

// Config configures a Service.
type Config struct {
	SessionTTL time.Duration
	OTPTTL     time.Duration
	ResetTTL   time.Duration
	// BaseURL prefixes the links put in emails.
	BaseURL string
	Mailer  Mailer
	Logger  *slog.Logger
}

// DefaultConfig returns a week-long session, 15 minute codes and one hour
// reset links.
func DefaultConfig() Config {
	return Config{
		SessionTTL: 7 * 24 * time.Hour,
		OTPTTL:     15 * time.Minute,
		ResetTTL:   time.Hour,
	}
}

// Session is an authenticated session. Token is the bearer credential;
// only its hash is stored.
type Session struct {
	Token     string    `json:"access_token,omitempty"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Listener receives auth state changes. The session is nil on sign-out.
type Listener func(ctx context.Context, ev Event, s *Session)

// Service authenticates users against the gateway tables.
type Service struct {
	rows   gateway.Rows
	cfg    Config
	mailer Mailer
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int

	// precomputed so unknown emails cost a password check too
	dummyHash string
}

// NewService creates a Service. Zero durations take their defaults.
func NewService(rows gateway.Rows, cfg Config) (*Service, error) {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = def.OTPTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = def.ResetTTL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mailer == nil {
		cfg.Mailer = LogMailer{Logger: cfg.Logger}
	}
	dummy, err := HashPassword("not-a-real-password")
	if err != nil {
		return nil, err
	}
	return &Service{
		rows:      rows,
		cfg:       cfg,
		mailer:    cfg.Mailer,
		logger:    cfg.Logger,
		now:       time.Now,
		listeners: make(map[int]Listener),
		dummyHash: dummy,
	}, nil
}

// OnAuthStateChange registers l and returns the function removing it.
func (s *Service) OnAuthStateChange(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) emit(ctx context.Context, ev Event, sess *Session) {
	s.mu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("auth listener panicked", "event", ev, "panic", r)
				}
			}()
			l(ctx, ev, sess)
		}()
	}
}

// SignInWithOTP emails a one-time sign-in code to email, creating the
// account on first use. Earlier unused codes stay valid until they expire.
func (s *Service) SignInWithOTP(ctx context.Context, email, lang string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.ensureUser(ctx, email)
	if err != nil {
		return err
	}
	code, err := newCode(OTPDigits)
	if err != nil {
		return err
	}
	if err := s.storeToken(ctx, u.ID, kindOTP, hashToken(u.ID, code), s.cfg.OTPTTL); err != nil {
		return err
	}

	link := s.cfg.BaseURL + "/auth/verify?" + url.Values{"email": {email}, "code": {code}}.Encode()
	return s.send(ctx, Message{
		To:      email,
		Subject: i18n.T(lang, "mail.otp.subject"),
		Body:    i18n.T(lang, "mail.otp.body", code, link),
	})
}

// VerifyOTP consumes a code sent by SignInWithOTP and opens a session.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCode
	}
	u, err := s.userBy(ctx, "email", email)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	if err := s.consumeToken(ctx, kindOTP, hashToken(u.ID, strings.TrimSpace(code)), u.ID); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}
	if u.EmailConfirmedAt == nil {
		now := s.now()
		if _, err := s.rows.Update(ctx, UsersTable, []gateway.Filter{gateway.Eq("id", u.ID)},
			gateway.Row{"email_confirmed_at": now, "updated_at": now}); err != nil {
			return nil, fmt.Errorf("confirming email: %w", err)
		}
		u.EmailConfirmedAt = &now
	}
	return s.openSession(ctx, u)
}

// SignInWithPassword checks email and password and opens a session.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, err := s.userBy(ctx, "email", email)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	hash := u.passwordHash
	if hash == "" {
		hash = s.dummyHash
	}
	ok, err := CheckPassword(password, hash)
	if err != nil || !ok || u.passwordHash == "" {
		s.logger.Info("password sign-in failed", "email", email)
		return nil, ErrInvalidCredentials
	}

	if NeedsRehash(u.passwordHash) {
		if fresh, err := HashPassword(password); err == nil {
			if _, err := s.rows.Update(ctx, UsersTable, []gateway.Filter{gateway.Eq("id", u.ID)},
				gateway.Row{"password_hash": fresh, "updated_at": s.now()}); err != nil {
				s.logger.Warn("password rehash failed", "user_id", u.ID, "error", err)
			}
		}
	}
	return s.openSession(ctx, u)
}

// ResetPasswordForEmail emails a password reset link. Unknown addresses
// succeed silently so the call does not reveal which accounts exist.
func (s *Service) ResetPasswordForEmail(ctx context.Context, email, lang string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.userBy(ctx, "email", email)
	if errors.Is(err, gateway.ErrNotFound) {
		s.logger.Info("password reset for unknown email", "email", email)
		return nil
	}
	if err != nil {
		return err
	}
	token, err := newToken(32)
	if err != nil {
		return err
	}
	if err := s.storeToken(ctx, u.ID, kindReset, hashToken(token), s.cfg.ResetTTL); err != nil {
		return err
	}
	return s.send(ctx, Message{
		To:      email,
		Subject: i18n.T(lang, "mail.reset.subject"),
		Body:    i18n.T(lang, "mail.reset.body", s.cfg.BaseURL+"/auth/reset?token="+url.QueryEscape(token)),
	})
}

// ResetPassword consumes a reset token, sets the new password, revokes
// the user's other sessions and opens a new one.
func (s *Service) ResetPassword(ctx context.Context, token, password string) (*Session, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	rows, err := s.rows.Select(ctx, gateway.Query{Table: TokensTable, Limit: 1}.
		Where("token_hash", gateway.OpEq, hashToken(token)).
		Where("kind", gateway.OpEq, kindReset))
	if err != nil {
		return nil, fmt.Errorf("loading reset token: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrInvalidToken
	}
	userID := rows[0].String("user_id")
	if err := s.consumeToken(ctx, kindReset, hashToken(token), userID); err != nil {
		return nil, err
	}
	u, err := s.setPassword(ctx, userID, password)
	if err != nil {
		return nil, err
	}
	if _, err := s.rows.Delete(ctx, SessionsTable, []gateway.Filter{gateway.Eq("user_id", userID)}); err != nil {
		return nil, fmt.Errorf("revoking sessions: %w", err)
	}
	sess, err := s.openSession(ctx, u)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, EventPasswordRecovery, sess)
	return sess, nil
}

// UpdatePassword changes the password of the session's user.
func (s *Service) UpdatePassword(ctx context.Context, sessionToken, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	sess, err := s.GetSession(ctx, sessionToken)
	if err != nil {
		return err
	}
	u, err := s.setPassword(ctx, sess.User.ID, password)
	if err != nil {
		return err
	}
	sess.User = u
	s.emit(ctx, EventUserUpdated, sess)
	return nil
}

func (s *Service) setPassword(ctx context.Context, userID, password string) (User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	updated, err := s.rows.Update(ctx, UsersTable, []gateway.Filter{gateway.Eq("id", userID)},
		gateway.Row{"password_hash": hash, "updated_at": s.now()})
	if err != nil {
		return User{}, fmt.Errorf("updating password: %w", err)
	}
	if len(updated) == 0 {
		return User{}, gateway.ErrNotFound
	}
	return decodeUser(updated[0])
}

// GetSession returns the live session for token.
func (s *Service) GetSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	rows, err := s.rows.Select(ctx, gateway.Query{Table: SessionsTable, Limit: 1}.
		Where("token_hash", gateway.OpEq, hashToken(token)))
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoSession
	}
	expires := rows[0].Time("expires_at")
	if !s.now().Before(expires) {
		return nil, ErrNoSession
	}
	u, err := s.userBy(ctx, "id", rows[0].String("user_id"))
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	return &Session{User: u, ExpiresAt: expires}, nil
}

// SignOut ends the session of token. Signing out twice is not an error.
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	removed, err := s.rows.Delete(ctx, SessionsTable, []gateway.Filter{gateway.Eq("token_hash", hashToken(token))})
	if err != nil {
		return fmt.Errorf("signing out: %w", err)
	}
	if len(removed) > 0 {
		s.logger.Info("signed out", "user_id", removed[0].String("user_id"))
		s.emit(ctx, EventSignedOut, nil)
	}
	return nil
}

// PurgeExpired removes expired sessions and expired or used tokens and
// returns how many rows went.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	sessions, err := s.rows.Delete(ctx, SessionsTable, []gateway.Filter{{Column: "expires_at", Op: gateway.OpLte, Value: now}})
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	expired, err := s.rows.Delete(ctx, TokensTable, []gateway.Filter{{Column: "expires_at", Op: gateway.OpLte, Value: now}})
	if err != nil {
		return len(sessions), fmt.Errorf("purging tokens: %w", err)
	}
	used, err := s.rows.Delete(ctx, TokensTable, []gateway.Filter{{Column: "used_at", Op: gateway.OpIsNull, Value: false}})
	if err != nil {
		return len(sessions) + len(expired), fmt.Errorf("purging tokens: %w", err)
	}
	return len(sessions) + len(expired) + len(used), nil
}

func (s *Service) storeToken(ctx context.Context, userID, kind, hash string, ttl time.Duration) error {
	_, err := s.rows.Insert(ctx, TokensTable, gateway.Row{
		"user_id":    userID,
		"kind":       kind,
		"token_hash": hash,
		"expires_at": s.now().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("storing %s token: %w", kind, err)
	}
	return nil
}

// consumeToken marks the matching unused, unexpired token as used.
func (s *Service) consumeToken(ctx context.Context, kind, hash, userID string) error {
	now := s.now()
	used, err := s.rows.Update(ctx, TokensTable, []gateway.Filter{
		gateway.Eq("token_hash", hash),
		gateway.Eq("kind", kind),
		gateway.Eq("user_id", userID),
		{Column: "used_at", Op: gateway.OpIsNull, Value: true},
		{Column: "expires_at", Op: gateway.OpGt, Value: now},
	}, gateway.Row{"used_at": now})
	if err != nil {
		return fmt.Errorf("consuming %s token: %w", kind, err)
	}
	if len(used) == 0 {
		return ErrInvalidToken
	}
	return nil
}

func (s *Service) openSession(ctx context.Context, u User) (*Session, error) {
	token, err := newToken(32)
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(s.cfg.SessionTTL)
	if _, err := s.rows.Insert(ctx, SessionsTable, gateway.Row{
		"user_id":    u.ID,
		"token_hash": hashToken(token),
		"expires_at": expires,
	}); err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	sess := &Session{Token: token, User: u, ExpiresAt: expires}
	s.logger.Info("signed in", "user_id", u.ID)
	s.emit(ctx, EventSignedIn, sess)
	return sess, nil
}

func (s *Service) send(ctx context.Context, msg Message) error {
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("sending auth email failed", "to", msg.To, "error", err)
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}
