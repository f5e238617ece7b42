// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package seo builds robots.txt and the sitemap for the public site.
package seo

import (
	"encoding/xml"
	"net/url"
	"strings"
	"time"
)

// XMLNamespace is the sitemap XML namespace.
const XMLNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

// ChangeFreq is a sitemap change frequency.
type ChangeFreq string

// Change frequencies used by the site.
const (
	ChangeFreqDaily   ChangeFreq = "daily"
	ChangeFreqWeekly  ChangeFreq = "weekly"
	ChangeFreqMonthly ChangeFreq = "monthly"
)

// Client routes of the shop.
const (
	ShopPath     = "/boutique"
	CategoryPath = "/boutique/categorie/"
	ProductPath  = "/boutique/produit/"
)

// StaticPages are the marketing routes of the web client.
var StaticPages = []string{"/", ShopPath, "/entreprise", "/salaries", "/contact"}

// URL is one sitemap entry.
type URL struct {
	Loc        string     `xml:"loc"`
	LastMod    string     `xml:"lastmod,omitempty"`
	ChangeFreq ChangeFreq `xml:"changefreq,omitempty"`
	Priority   string     `xml:"priority,omitempty"`
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	XMLNS   string   `xml:"xmlns,attr"`
	URLs    []URL    `xml:"url"`
}

// Sitemap collects the URLs of the site.
type Sitemap struct {
	base string
	urls []URL
}

// NewSitemap creates a sitemap for siteURL.
func NewSitemap(siteURL string) *Sitemap {
	return &Sitemap{base: strings.TrimSuffix(siteURL, "/")}
}

// Add appends path. A zero updated time omits lastmod.
func (s *Sitemap) Add(path string, updated time.Time, freq ChangeFreq, priority string) {
	u := URL{Loc: s.base + path, ChangeFreq: freq, Priority: priority}
	if !updated.IsZero() {
		u.LastMod = updated.UTC().Format(time.RFC3339)
	}
	s.urls = append(s.urls, u)
}

// AddStatic appends StaticPages, the home page first.
func (s *Sitemap) AddStatic() {
	for i, p := range StaticPages {
		if i == 0 {
			s.Add(p, time.Time{}, ChangeFreqDaily, "1.0")
			continue
		}
		s.Add(p, time.Time{}, ChangeFreqWeekly, "0.8")
	}
}

// AddCategory appends a category listing.
func (s *Sitemap) AddCategory(slug string) {
	s.Add(CategoryPath+url.PathEscape(slug), time.Time{}, ChangeFreqWeekly, "0.6")
}

// AddProduct appends a product page.
func (s *Sitemap) AddProduct(slug string, updated time.Time) {
	s.Add(ProductPath+url.PathEscape(slug), updated, ChangeFreqWeekly, "0.7")
}

// Len returns the number of URLs.
func (s *Sitemap) Len() int { return len(s.urls) }

// Build renders the sitemap XML.
func (s *Sitemap) Build() ([]byte, error) {
	body, err := xml.MarshalIndent(urlSet{XMLNS: XMLNamespace, URLs: s.urls}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
