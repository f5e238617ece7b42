// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qvtbox/qvtbox-go/internal/i18n"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/storage"
)

// signedURLTTL is the lifetime of the link returned for private uploads.
const signedURLTTL = time.Hour

// maxMultipartMemory is buffered in memory before spilling to disk.
const maxMultipartMemory = 8 << 20

type uploadResponse struct {
	storage.Object
	URL string `json:"url"`
}

// UploadObject handles POST /api/storage/{bucket} with a multipart "file"
// field. The optional "path" field names a folder or the full object
// path; "upsert=true" replaces an existing object.
func (h *Handler) UploadObject(w http.ResponseWriter, r *http.Request) {
	bucketName := chi.URLParam(r, "bucket")
	bucket, ok := h.Storage.Bucket(bucketName)
	if !ok {
		writeJSONError(w, http.StatusNotFound, i18n.T(middleware.Lang(r), "error.not_found"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, bucket.MaxSize+1<<20)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeJSONError(w, http.StatusBadRequest, i18n.T(middleware.Lang(r), "error.invalid_request"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONFields(w, i18n.T(middleware.Lang(r), "error.invalid_request"), map[string]string{"file": "required"})
		return
	}
	defer func() { _ = file.Close() }()

	objectPath := strings.TrimSpace(r.FormValue("path"))
	switch {
	case objectPath == "":
		objectPath = header.Filename
	case strings.HasSuffix(objectPath, "/"):
		objectPath += header.Filename
	}
	upsert, _ := strconv.ParseBool(r.FormValue("upsert"))

	obj, err := h.Storage.Upload(r.Context(), bucketName, objectPath, file, storage.UploadOptions{Upsert: upsert})
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	var link string
	if bucket.Public {
		link, err = h.Storage.PublicURL(bucketName, obj.Path)
	} else {
		link, err = h.Storage.SignedURL(bucketName, obj.Path, signedURLTTL)
	}
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	writeJSONCreated(w, uploadResponse{Object: obj, URL: link})
}

// ServeObject handles GET /storage/{bucket}/*. Public buckets are served
// to anyone; private objects need a valid signature.
func (h *Handler) ServeObject(w http.ResponseWriter, r *http.Request) {
	bucketName := chi.URLParam(r, "bucket")
	objectPath := chi.URLParam(r, "*")
	lang := middleware.Lang(r)

	if err := h.Storage.Authorize(bucketName, objectPath, r.URL.Query()); err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidSignature), errors.Is(err, storage.ErrExpiredSignature):
			writeJSONError(w, http.StatusForbidden, i18n.T(lang, "error.forbidden"))
		default:
			writeJSONError(w, http.StatusNotFound, i18n.T(lang, "error.not_found"))
		}
		return
	}

	rc, obj, err := h.Storage.Open(bucketName, objectPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidObject) {
			writeJSONError(w, http.StatusNotFound, i18n.T(lang, "error.not_found"))
			return
		}
		writeServiceError(w, r, h.Logger, err)
		return
	}
	defer func() { _ = rc.Close() }()

	if b, _ := h.Storage.Bucket(bucketName); !b.Public {
		w.Header().Set("Cache-Control", "private, no-store")
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, path.Base(obj.Path), obj.UpdatedAt, rc)
}
