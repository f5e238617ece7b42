// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package util

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeFilename reduces an uploaded file name to a safe slug that keeps
// its lowercased extension: "../Mon Équipe.JPG" becomes "mon-equipe.jpg".
func SanitizeFilename(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := strings.ToLower(path.Ext(base))
	stem := Slugify(strings.TrimSuffix(base, path.Ext(base)))
	if stem == "" {
		return "", fmt.Errorf("invalid filename: %q", name)
	}
	if ext != "" && !IsValidSlug(ext[1:]) {
		ext = ""
	}
	return stem + ext, nil
}

// CleanObjectPath validates a slash-separated object path relative to a
// bucket and returns it cleaned. Absolute paths, parent references,
// backslashes and control characters are rejected.
func CleanObjectPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", fmt.Errorf("invalid object path: %q", p)
	}
	if strings.IndexFunc(p, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("invalid object path: %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path traversal in %q", p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("invalid object path: %q", p)
	}
	return cleaned, nil
}

// SafeJoinPath joins rel (slash-separated) onto base and fails when the
// result would leave base.
func SafeJoinPath(base, rel string) (string, error) {
	full := filepath.Join(base, filepath.FromSlash(rel))
	within, err := filepath.Rel(base, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %q", rel, base)
	}
	return full, nil
}
