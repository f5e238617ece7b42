// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package seo

import (
	"strings"
)

// defaultDisallow keeps crawlers off the API, account pages and private
// documents.
var defaultDisallow = []string{
	"/api/",
	"/health",
	"/storage/documents/",
	"/compte",
	"/dashboard",
}

// Robots generates robots.txt. Staging sites pass disallowAll.
func Robots(siteURL string, disallowAll bool, extra ...string) string {
	var sb strings.Builder
	sb.WriteString("User-agent: *\n")

	if disallowAll {
		sb.WriteString("Disallow: /\n")
		return sb.String()
	}

	for _, p := range append(append([]string{}, defaultDisallow...), extra...) {
		sb.WriteString("Disallow: ")
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	sb.WriteString("Allow: /\n")

	if siteURL != "" {
		sb.WriteString("\nSitemap: ")
		sb.WriteString(strings.TrimSuffix(siteURL, "/"))
		sb.WriteString("/sitemap.xml\n")
	}
	return sb.String()
}
