package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// URLPrefix is the path under which objects are served.
const URLPrefix = "/storage/"

// MaxSignedTTL bounds signed URL lifetimes.
const MaxSignedTTL = 7 * 24 * time.Hour

// PublicURL returns the unsigned URL of an object. Reads through it are
// authorized for public buckets only.
func (l *Local) PublicURL(bucket, objectPath string) (string, error) {
	_, clean, _, err := l.resolve(bucket, objectPath)
	if err != nil {
		return "", err
	}
	return l.baseURL + URLPrefix + bucket + "/" + escapePath(clean), nil
}

// SignedURL returns a URL granting read access to an object for ttl.
func (l *Local) SignedURL(bucket, objectPath string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxSignedTTL {
		return "", fmt.Errorf("%w: ttl must be within (0, %s]", ErrInvalidObject, MaxSignedTTL)
	}
	if _, err := l.Stat(bucket, objectPath); err != nil {
		return "", err
	}
	_, clean, _, _ := l.resolve(bucket, objectPath)
	expires := strconv.FormatInt(l.now().Add(ttl).Unix(), 10)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", l.sign(bucket, clean, expires))
	return l.baseURL + URLPrefix + bucket + "/" + escapePath(clean) + "?" + q.Encode(), nil
}

// VerifySignature checks the expires and sig query values of a signed URL.
func (l *Local) VerifySignature(bucket, objectPath, expires, sig string) error {
	_, clean, _, err := l.resolve(bucket, objectPath)
	if err != nil {
		return err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(l.sign(bucket, clean, expires))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	if l.now().Unix() > exp {
		return ErrExpiredSignature
	}
	return nil
}

// Authorize allows reads on public buckets and on signed requests for
// private ones.
func (l *Local) Authorize(bucket, objectPath string, query url.Values) error {
	b, ok := l.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: unknown bucket %q", ErrInvalidObject, bucket)
	}
	if b.Public {
		return nil
	}
	return l.VerifySignature(bucket, objectPath, query.Get("expires"), query.Get("sig"))
}

func (l *Local) sign(bucket, clean, expires string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(bucket + "/" + clean + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
