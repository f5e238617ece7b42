// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package contact handles the contact form: validation, the form relay
// delivery and the lead row, written concurrently.
package contact

import (
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// LeadsTable stores every contact request.
const LeadsTable = "leads"

// DefaultSource tags leads coming from the public form.
const DefaultSource = "contact_form"

// Field limits.
const (
	MaxNameLength    = 120
	MaxCompanyLength = 160
	MaxPhoneLength   = 32
	MaxMessageLength = 5000
)

var phonePattern = regexp.MustCompile(`^\+?[0-9 ().-]{6,}$`)

// textPolicy strips every tag from submitted fields.
var textPolicy = bluemonday.StrictPolicy()

// Submission is one contact form post.
type Submission struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// ValidationError lists invalid fields with a reason per field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid contact submission: " + strings.Join(parts, "; ")
}

// clean strips markup, unescapes the entities the policy introduced and
// trims surrounding space.
func clean(s string) string {
	s = textPolicy.Sanitize(s)
	s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'").Replace(s)
	return strings.TrimSpace(s)
}

// Normalize sanitizes every field and validates the result.
func (s Submission) Normalize() (Submission, error) {
	out := Submission{
		Name:    clean(s.Name),
		Email:   strings.ToLower(strings.TrimSpace(s.Email)),
		Company: clean(s.Company),
		Phone:   strings.TrimSpace(s.Phone),
		Message: clean(s.Message),
		Source:  strings.TrimSpace(s.Source),
	}
	if out.Source == "" {
		out.Source = DefaultSource
	}

	errs := make(map[string]string)
	switch {
	case out.Name == "":
		errs["name"] = "required"
	case utf8.RuneCountInString(out.Name) > MaxNameLength:
		errs["name"] = "too long"
	}
	if addr, err := mail.ParseAddress(out.Email); err != nil || addr.Address != out.Email {
		errs["email"] = "invalid address"
	}
	if utf8.RuneCountInString(out.Company) > MaxCompanyLength {
		errs["company"] = "too long"
	}
	if out.Phone != "" && (len(out.Phone) > MaxPhoneLength || !phonePattern.MatchString(out.Phone)) {
		errs["phone"] = "invalid number"
	}
	switch {
	case out.Message == "":
		errs["message"] = "required"
	case utf8.RuneCountInString(out.Message) > MaxMessageLength:
		errs["message"] = "too long"
	}
	if len(errs) > 0 {
		return out, &ValidationError{Fields: errs}
	}
	return out, nil
}

// BuildMailto returns a mailto: link addressed to "to" that carries the
// submission, for visitors to send by hand when delivery failed.
func BuildMailto(to string, s Submission) string {
	subject := "Contact QVT Box"
	if s.Name != "" {
		subject += " - " + s.Name
	}
	var body strings.Builder
	body.WriteString(s.Message)
	body.WriteString("\n\n")
	body.WriteString(s.Name)
	if s.Company != "" {
		body.WriteString(" (" + s.Company + ")")
	}
	if s.Email != "" {
		body.WriteString("\n" + s.Email)
	}
	if s.Phone != "" {
		body.WriteString("\n" + s.Phone)
	}
	return "mailto:" + to + "?subject=" + escape(subject) + "&body=" + escape(body.String())
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
