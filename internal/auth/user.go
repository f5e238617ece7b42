package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Auth tables.
const (
	UsersTable    = "users"
	TokensTable   = "auth_tokens"
	SessionsTable = "auth_sessions"
)

// Auth errors.
var (
	ErrInvalidEmail       = errors.New("auth: invalid email address")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidCode        = errors.New("auth: invalid or expired code")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
	ErrNoSession          = errors.New("auth: no active session")
	ErrWeakPassword       = errors.New("auth: password does not meet requirements")
)

// User is an authenticated account.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name,omitempty"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`

	passwordHash string
}

// HasPassword reports whether the user can sign in with a password.
func (u User) HasPassword() bool { return u.passwordHash != "" }

func decodeUser(r gateway.Row) (User, error) {
	if r.String("id") == "" {
		return User{}, fmt.Errorf("user row without id")
	}
	u := User{
		ID:           r.String("id"),
		Email:        r.String("email"),
		DisplayName:  r.String("display_name"),
		CreatedAt:    r.Time("created_at"),
		passwordHash: r.String("password_hash"),
	}
	if r.Has("email_confirmed_at") {
		t := r.Time("email_confirmed_at")
		u.EmailConfirmedAt = &t
	}
	return u, nil
}

// NormalizeEmail lowercases and validates a bare email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *Service) userBy(ctx context.Context, column, value string) (User, error) {
	rows, err := s.rows.Select(ctx, gateway.Query{Table: UsersTable, Limit: 1}.Where(column, gateway.OpEq, value))
	if err != nil {
		return User{}, fmt.Errorf("loading user: %w", err)
	}
	if len(rows) == 0 {
		return User{}, gateway.ErrNotFound
	}
	return decodeUser(rows[0])
}

// UserByEmail returns the account registered with email.
func (s *Service) UserByEmail(ctx context.Context, email string) (User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	return s.userBy(ctx, "email", email)
}

// CreateUser registers an account. An empty password creates a
// passwordless account that signs in by email code.
func (s *Service) CreateUser(ctx context.Context, email, password, displayName string) (User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	row := gateway.Row{
		"email":        email,
		"display_name": strings.TrimSpace(displayName),
		"updated_at":   s.now(),
	}
	if password != "" {
		if err := ValidatePassword(password); err != nil {
			return User{}, err
		}
		hash, err := HashPassword(password)
		if err != nil {
			return User{}, err
		}
		row["password_hash"] = hash
	}
	stored, err := s.rows.Insert(ctx, UsersTable, row)
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	s.logger.Info("user created", "user_id", stored.String("id"))
	return decodeUser(stored)
}

// ensureUser returns the account for email, creating it on first sign-in.
func (s *Service) ensureUser(ctx context.Context, email string) (User, error) {
	u, err := s.userBy(ctx, "email", email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return User{}, err
	}
	u, err = s.CreateUser(ctx, email, "", "")
	if errors.Is(err, gateway.ErrConflict) {
		return s.userBy(ctx, "email", email)
	}
	return u, err
}

type ctxKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFrom returns the user stored by WithUser.
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok
}
