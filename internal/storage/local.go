// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qvtbox/qvtbox-go/internal/imaging"
	"github.com/qvtbox/qvtbox-go/internal/util"
)

// Config configures a Local store.
type Config struct {
	Root string
	// BaseURL prefixes public and signed URLs, e.g. "https://qvtbox.com".
	BaseURL string
	Secret  []byte
	Buckets []Bucket
	Logger  *slog.Logger
}

// Local stores objects under Root/<bucket>/<path>.
type Local struct {
	root    string
	baseURL string
	secret  []byte
	buckets map[string]Bucket
	logger  *slog.Logger
	now     func() time.Time

	// serializes writes so Upload, Move and Remove see a consistent tree
	mu sync.Mutex
}

// NewLocal creates the bucket directories under cfg.Root.
func NewLocal(cfg Config) (*Local, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("storage: signing secret is required")
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = DefaultBuckets()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	l := &Local{
		root:    root,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		buckets: make(map[string]Bucket, len(cfg.Buckets)),
		logger:  cfg.Logger,
		now:     time.Now,
	}
	for _, b := range cfg.Buckets {
		if !util.IsValidSlug(b.Name) {
			return nil, fmt.Errorf("storage: invalid bucket name %q", b.Name)
		}
		if err := os.MkdirAll(filepath.Join(root, b.Name), 0o755); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", b.Name, err)
		}
		l.buckets[b.Name] = b
	}
	return l, nil
}

// Bucket returns the named bucket.
func (l *Local) Bucket(name string) (Bucket, bool) {
	b, ok := l.buckets[name]
	return b, ok
}

// resolve validates bucket and object path and returns the cleaned path
// with its location on disk.
func (l *Local) resolve(bucket, objectPath string) (Bucket, string, string, error) {
	b, ok := l.buckets[bucket]
	if !ok {
		return Bucket{}, "", "", fmt.Errorf("%w: unknown bucket %q", ErrInvalidObject, bucket)
	}
	clean, err := util.CleanObjectPath(objectPath)
	if err != nil {
		return Bucket{}, "", "", fmt.Errorf("%w: %w", ErrInvalidObject, err)
	}
	full, err := util.SafeJoinPath(filepath.Join(l.root, bucket), clean)
	if err != nil {
		return Bucket{}, "", "", fmt.Errorf("%w: %w", ErrInvalidObject, err)
	}
	return b, clean, full, nil
}

// Upload validates and stores r under objectPath. The file name is
// sanitized and images are normalized, which may change the extension;
// the returned Object carries the final path.
func (l *Local) Upload(ctx context.Context, bucket, objectPath string, r io.Reader, opts UploadOptions) (Object, error) {
	b, ok := l.buckets[bucket]
	if !ok {
		return Object{}, fmt.Errorf("%w: unknown bucket %q", ErrInvalidObject, bucket)
	}
	dir, name := path.Split(objectPath)
	name, err := util.SanitizeFilename(name)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %w", ErrInvalidObject, err)
	}

	data, err := io.ReadAll(io.LimitReader(r, b.MaxSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > b.MaxSize {
		return Object{}, &ValidationError{Reason: ReasonTooLarge, Detail: fmt.Sprintf("limit is %d bytes", b.MaxSize)}
	}
	contentType := imaging.DetectMimeType(data)
	if !b.allows(contentType) {
		return Object{}, &ValidationError{Reason: ReasonInvalidType, Detail: contentType}
	}
	if imaging.IsImage(contentType) {
		res, err := imaging.Normalize(data, imaging.DefaultOptions())
		if err != nil {
			return Object{}, &ValidationError{Reason: ReasonInvalidType, Detail: err.Error()}
		}
		data, contentType = res.Data, res.MimeType
		name = strings.TrimSuffix(name, path.Ext(name)) + res.Ext()
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	_, clean, full, err := l.resolve(bucket, dir+name)
	if err != nil {
		return Object{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(full); err == nil && !opts.Upsert {
		return Object{}, fmt.Errorf("%w: %s/%s", ErrObjectExists, bucket, clean)
	}
	if err := writeAtomic(full, data); err != nil {
		return Object{}, err
	}
	l.logger.Info("object uploaded", "bucket", bucket, "path", clean, "size", len(data), "content_type", contentType)
	return l.stat(bucket, clean, full)
}

// writeAtomic writes data next to full and renames it into place.
func writeAtomic(full string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(full), ".upload-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

func (l *Local) stat(bucket, clean, full string) (Object, error) {
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, clean)
	}
	if err != nil {
		return Object{}, err
	}
	if info.IsDir() {
		return Object{}, fmt.Errorf("%w: %s/%s is a folder", ErrObjectNotFound, bucket, clean)
	}
	return Object{
		Bucket:      bucket,
		Path:        clean,
		Size:        info.Size(),
		ContentType: contentTypeOf(clean),
		UpdatedAt:   info.ModTime().UTC(),
	}, nil
}

func contentTypeOf(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		if idx := strings.Index(t, ";"); idx != -1 {
			t = t[:idx]
		}
		return t
	}
	return "application/octet-stream"
}

// Stat returns one object.
func (l *Local) Stat(bucket, objectPath string) (Object, error) {
	_, clean, full, err := l.resolve(bucket, objectPath)
	if err != nil {
		return Object{}, err
	}
	return l.stat(bucket, clean, full)
}

// Open returns a reader on an object; the caller closes it.
func (l *Local) Open(bucket, objectPath string) (io.ReadSeekCloser, Object, error) {
	obj, err := l.Stat(bucket, objectPath)
	if err != nil {
		return nil, Object{}, err
	}
	_, _, full, _ := l.resolve(bucket, obj.Path)
	f, err := os.Open(full)
	if err != nil {
		return nil, Object{}, fmt.Errorf("opening object: %w", err)
	}
	return f, obj, nil
}

// List returns the objects of bucket under prefix (a folder path, empty
// for the whole bucket), sorted by path.
func (l *Local) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if _, ok := l.buckets[bucket]; !ok {
		return nil, fmt.Errorf("%w: unknown bucket %q", ErrInvalidObject, bucket)
	}
	start := filepath.Join(l.root, bucket)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		_, _, full, err := l.resolve(bucket, prefix)
		if err != nil {
			return nil, err
		}
		start = full
	}

	var out []Object
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(filepath.Join(l.root, bucket), p)
		if err != nil {
			return err
		}
		obj, err := l.stat(bucket, filepath.ToSlash(rel), p)
		if err != nil {
			return err
		}
		out = append(out, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", bucket, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Remove deletes the given objects and returns those that existed.
func (l *Local) Remove(ctx context.Context, bucket string, paths ...string) ([]Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []Object
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		_, clean, full, err := l.resolve(bucket, p)
		if err != nil {
			return removed, err
		}
		obj, err := l.stat(bucket, clean, full)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if err := os.Remove(full); err != nil {
			return removed, fmt.Errorf("removing %s/%s: %w", bucket, clean, err)
		}
		removed = append(removed, obj)
	}
	if len(removed) > 0 {
		l.logger.Info("objects removed", "bucket", bucket, "count", len(removed))
	}
	return removed, nil
}

// Move renames an object inside a bucket. The destination must not exist.
func (l *Local) Move(ctx context.Context, bucket, from, to string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	_, src, srcFull, err := l.resolve(bucket, from)
	if err != nil {
		return Object{}, err
	}
	_, dst, dstFull, err := l.resolve(bucket, to)
	if err != nil {
		return Object{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.stat(bucket, src, srcFull); err != nil {
		return Object{}, err
	}
	if _, err := os.Stat(dstFull); err == nil {
		return Object{}, fmt.Errorf("%w: %s/%s", ErrObjectExists, bucket, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dstFull), 0o755); err != nil {
		return Object{}, fmt.Errorf("creating object directory: %w", err)
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		return Object{}, fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}
	return l.stat(bucket, dst, dstFull)
}

// ReadAll is a convenience for small objects.
func (l *Local) ReadAll(bucket, objectPath string) ([]byte, error) {
	f, _, err := l.Open(bucket, objectPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
