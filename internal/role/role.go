// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package role resolves the single effective role of a user from the
// role rows stored for them and compares roles on a fixed hierarchy.
package role

import (
	"fmt"

	"github.com/qvtbox/qvtbox-go/internal/util"
)

// Role is a position in the closed, totally ordered role set.
type Role int

// Roles from lowest to highest privilege.
const (
	User Role = iota
	Salarie
	RH
	Admin
)

// Default is assigned when no role row exists or it cannot be recognized.
const Default = User

var names = [...]string{
	User:    "user",
	Salarie: "salarie",
	RH:      "rh",
	Admin:   "admin",
}

// aliases maps folded spellings to roles.
var aliases = map[string]Role{
	"user":                User,
	"utilisateur":         User,
	"particulier":         User,
	"salarie":             Salarie,
	"employe":             Salarie,
	"employee":            Salarie,
	"collaborateur":       Salarie,
	"rh":                  RH,
	"hr":                  RH,
	"drh":                 RH,
	"ressources humaines": RH,
	"human resources":     RH,
	"admin":               Admin,
	"administrateur":      Admin,
	"administrator":       Admin,
	"super admin":         Admin,
}

// All returns every role from lowest to highest.
func All() []Role {
	return []Role{User, Salarie, RH, Admin}
}

func (r Role) String() string {
	if r < User || r > Admin {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return names[r]
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r >= User && r <= Admin
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, ok := Parse(string(text))
	if !ok {
		return fmt.Errorf("unknown role %q", text)
	}
	*r = parsed
	return nil
}

// Normalize returns the canonical identifier for a free-text role, or ""
// when it is not recognized. Accents, case and surrounding or repeated
// whitespace are ignored, and "_" and "-" are read as spaces.
func Normalize(s string) string {
	r, ok := Parse(s)
	if !ok {
		return ""
	}
	return r.String()
}

// Parse maps a free-text role to a Role.
func Parse(s string) (Role, bool) {
	key := util.Fold(s)
	if r, ok := aliases[key]; ok {
		return r, true
	}
	key = util.Fold(replaceSeparators(key))
	r, ok := aliases[key]
	return r, ok
}

// ParseOrDefault maps a free-text role, falling back to Default.
func ParseOrDefault(s string) Role {
	if r, ok := Parse(s); ok {
		return r
	}
	return Default
}

func replaceSeparators(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c == '_' || c == '-' {
			out[i] = ' '
		}
	}
	return string(out)
}
