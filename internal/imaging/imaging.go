// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package imaging validates and normalizes uploaded images: the payload is
// decoded, rotated upright from its EXIF orientation, bounded in size and
// re-encoded without metadata.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp" // WebP decoder
)

// Image MIME types.
const (
	MimeTypeJPEG = "image/jpeg"
	MimeTypePNG  = "image/png"
	MimeTypeGIF  = "image/gif"
	MimeTypeWebP = "image/webp"
)

// ErrUnsupportedFormat is returned for payloads that are not a JPEG, PNG,
// GIF or WebP image.
var ErrUnsupportedFormat = errors.New("imaging: unsupported image format")

// Options bound the normalized output.
type Options struct {
	// MaxDimension caps width and height; larger images are scaled down
	// keeping their aspect ratio. 0 keeps the original size.
	MaxDimension int
	// Quality is the JPEG quality, 1..100.
	Quality int
}

// DefaultOptions suits catalog and content images.
func DefaultOptions() Options {
	return Options{MaxDimension: 2400, Quality: 90}
}

// Result is a normalized image.
type Result struct {
	Data     []byte
	Format   string // jpeg, png or gif
	MimeType string
	Width    int
	Height   int
}

// Ext returns the file extension matching the output format.
func (r Result) Ext() string {
	if r.Format == "jpeg" {
		return ".jpg"
	}
	return "." + r.Format
}

// IsImage reports whether mimeType is one of the accepted image types.
func IsImage(mimeType string) bool {
	switch mimeType {
	case MimeTypeJPEG, MimeTypePNG, MimeTypeGIF, MimeTypeWebP:
		return true
	default:
		return false
	}
}

// DetectMimeType sniffs the MIME type of data, without parameters.
func DetectMimeType(data []byte) string {
	contentType := http.DetectContentType(data)
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = contentType[:idx]
	}
	return contentType
}

// Normalize decodes data and re-encodes it upright and bounded. WebP input
// is re-encoded as JPEG since only a WebP decoder is available.
func Normalize(data []byte, opts Options) (Result, error) {
	format := detectFormat(data)
	if format == "" {
		return Result{}, ErrUnsupportedFormat
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultOptions().Quality
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	img = applyOrientation(img, readExifOrientation(bytes.NewReader(data)))

	if m := opts.MaxDimension; m > 0 {
		b := img.Bounds()
		if b.Dx() > m || b.Dy() > m {
			img = imaging.Fit(img, m, m, imaging.Lanczos)
		}
	}

	if format == "webp" {
		format = "jpeg"
	}
	out, err := encode(img, format, opts.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("encoding image: %w", err)
	}
	b := img.Bounds()
	return Result{
		Data:     out,
		Format:   format,
		MimeType: "image/" + format,
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}

// readExifOrientation returns the EXIF orientation tag, 1 when absent.
func readExifOrientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	orientation, err := tag.Int(0)
	if err != nil {
		return 1
	}
	return orientation
}

// applyOrientation turns img upright for EXIF orientation 2..8.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// detectFormat sniffs the image format. TIFF is refused outright
// (CVE-2023-36308 in disintegration/imaging).
func detectFormat(data []byte) string {
	switch DetectMimeType(data) {
	case MimeTypeJPEG:
		return "jpeg"
	case MimeTypePNG:
		return "png"
	case MimeTypeGIF:
		return "gif"
	case MimeTypeWebP:
		return "webp"
	default:
		return ""
	}
}
