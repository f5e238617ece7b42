// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package role

import (
	"context"
	"fmt"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Table holds one row per role grant. A user may have several.
const Table = "user_roles"

// Policy picks the effective role among several rows.
type Policy string

const (
	// PolicyMostRecent uses the newest row even when an older row grants
	// more.
	PolicyMostRecent Policy = "most_recent"
	// PolicyHighest uses the most privileged recognized row.
	PolicyHighest Policy = "highest"
)

// ParsePolicy validates a configured policy name. Empty means most recent.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyMostRecent:
		return PolicyMostRecent, nil
	case PolicyHighest:
		return PolicyHighest, nil
	}
	return "", fmt.Errorf("unknown role policy %q", s)
}

// Assignment is one stored role row.
type Assignment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Raw        string    `json:"raw"`
	Role       Role      `json:"role"`
	Recognized bool      `json:"recognized"`
	CreatedAt  time.Time `json:"created_at"`
}

// Decode maps a user_roles row.
func Decode(r gateway.Row) (Assignment, error) {
	if r.String("id") == "" || r.String("user_id") == "" {
		return Assignment{}, fmt.Errorf("role row without id or user_id")
	}
	parsed, ok := Parse(r.String("role"))
	if !ok {
		parsed = Default
	}
	return Assignment{
		ID:         r.String("id"),
		UserID:     r.String("user_id"),
		Raw:        r.String("role"),
		Role:       parsed,
		Recognized: ok,
		CreatedAt:  r.Time("created_at"),
	}, nil
}

// Newer orders assignments newest first.
func Newer(a, b Assignment) bool {
	return a.CreatedAt.After(b.CreatedAt)
}

// Effective returns the role granted by assignments, which must be sorted
// newest first. No assignment yields Default.
func Effective(assignments []Assignment, policy Policy) Role {
	if len(assignments) == 0 {
		return Default
	}
	if policy != PolicyHighest {
		return assignments[0].Role
	}
	best := Default
	for _, a := range assignments {
		if a.Recognized && a.Role > best {
			best = a.Role
		}
	}
	return best
}

// Repository reads and writes role rows.
type Repository struct {
	rows gateway.Rows
	now  func() time.Time
}

// NewRepository creates a repository.
func NewRepository(rows gateway.Rows) *Repository {
	return &Repository{rows: rows, now: time.Now}
}

func (r *Repository) query(userID string) gateway.Query {
	return gateway.Query{Table: Table}.
		Where("user_id", gateway.OpEq, userID).
		OrderBy("created_at", true).
		OrderBy("id", false)
}

// List returns every row of userID, newest first.
func (r *Repository) List(ctx context.Context, userID string) ([]Assignment, error) {
	rows, err := r.rows.Select(ctx, r.query(userID))
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	return decodeAll(rows)
}

// Latest returns the newest row of userID.
func (r *Repository) Latest(ctx context.Context, userID string) (Assignment, bool, error) {
	q := r.query(userID)
	q.Limit = 1
	rows, err := r.rows.Select(ctx, q)
	if err != nil {
		return Assignment{}, false, fmt.Errorf("loading role: %w", err)
	}
	if len(rows) == 0 {
		return Assignment{}, false, nil
	}
	a, err := Decode(rows[0])
	return a, err == nil, err
}

// Assign stores a new role row for userID. It becomes the most recent row.
func (r *Repository) Assign(ctx context.Context, userID string, role Role) (Assignment, error) {
	if !role.Valid() {
		return Assignment{}, fmt.Errorf("invalid role %d", int(role))
	}
	row, err := r.rows.Insert(ctx, Table, gateway.Row{
		"user_id":    userID,
		"role":       role.String(),
		"created_at": r.now(),
	})
	if err != nil {
		return Assignment{}, fmt.Errorf("assigning role: %w", err)
	}
	return Decode(row)
}

func decodeAll(rows []gateway.Row) ([]Assignment, error) {
	out := make([]Assignment, 0, len(rows))
	for _, row := range rows {
		a, err := Decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Resolver answers role questions with one read per call.
type Resolver struct {
	repo   *Repository
	policy Policy
}

// NewResolver creates a resolver.
func NewResolver(repo *Repository, policy Policy) *Resolver {
	if policy == "" {
		policy = PolicyMostRecent
	}
	return &Resolver{repo: repo, policy: policy}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve returns the effective role of userID. An anonymous caller
// (empty userID) gets Default without a read.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Role, error) {
	if userID == "" {
		return Default, nil
	}
	if r.policy == PolicyMostRecent {
		a, ok, err := r.repo.Latest(ctx, userID)
		if err != nil || !ok {
			return Default, err
		}
		return a.Role, nil
	}
	all, err := r.repo.List(ctx, userID)
	if err != nil {
		return Default, err
	}
	return Effective(all, r.policy), nil
}

// HasAtLeast reports whether userID holds min or a higher role.
func (r *Resolver) HasAtLeast(ctx context.Context, userID string, min Role) (bool, error) {
	current, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return current.AtLeast(min), nil
}
