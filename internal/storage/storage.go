// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage is a bucketed object store on the local filesystem with
// public and signed URLs.
package storage

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Storage errors.
var (
	ErrInvalidObject    = errors.New("storage: invalid bucket or object path")
	ErrObjectNotFound   = errors.New("storage: object not found")
	ErrObjectExists     = errors.New("storage: object already exists")
	ErrInvalidSignature = errors.New("storage: invalid signature")
	ErrExpiredSignature = errors.New("storage: signed URL expired")
)

// Validation reasons, matching the storage.* i18n keys.
const (
	ReasonInvalidType = "invalid_type"
	ReasonTooLarge    = "too_large"
)

// ValidationError rejects an upload before anything is written.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("storage: upload rejected (%s): %s", e.Reason, e.Detail)
}

// MessageKey returns the i18n key describing the error.
func (e *ValidationError) MessageKey() string {
	return "storage." + e.Reason
}

// Bucket groups objects under one access policy.
type Bucket struct {
	Name string
	// Public objects are served without a signature.
	Public       bool
	MaxSize      int64
	AllowedTypes []string
}

func (b Bucket) allows(mimeType string) bool {
	return slices.Contains(b.AllowedTypes, mimeType)
}

// Buckets used by the site.
const (
	BucketProducts  = "products"
	BucketContent   = "content"
	BucketDocuments = "documents"
)

var imageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// DefaultBuckets returns the catalog and content image buckets (public)
// and the private documents bucket.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{Name: BucketProducts, Public: true, MaxSize: 5 << 20, AllowedTypes: imageTypes},
		{Name: BucketContent, Public: true, MaxSize: 5 << 20, AllowedTypes: imageTypes},
		{Name: BucketDocuments, MaxSize: 10 << 20, AllowedTypes: append(slices.Clone(imageTypes), "application/pdf")},
	}
}

// Object describes a stored file.
type Object struct {
	Bucket      string    `json:"bucket"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UploadOptions tune one upload.
type UploadOptions struct {
	// Upsert replaces an existing object instead of failing with
	// ErrObjectExists.
	Upsert bool
}
