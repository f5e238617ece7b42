package i18n

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/cache"
)

// PreferenceKeyPrefix prefixes the stored language of each visitor.
const PreferenceKeyPrefix = "qvtbox_language:"

// ErrUnsupported is returned when storing a language the site lacks.
var ErrUnsupported = errors.New("i18n: unsupported language")

// Preferences persists the language chosen by each visitor.
type Preferences struct {
	store    *cache.TypedCache[string]
	fallback string
	logger   *slog.Logger
}

// NewPreferences stores choices in c. fallback is returned for visitors
// without a stored choice; an unsupported fallback is replaced by
// DefaultLanguage.
func NewPreferences(c cache.Cacher, fallback string, logger *slog.Logger) *Preferences {
	if !IsSupported(fallback) {
		fallback = DefaultLanguage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preferences{
		store:    cache.NewTypedCache[string](c, PreferenceKeyPrefix, -1),
		fallback: fallback,
		logger:   logger,
	}
}

// Default returns the language used without a stored choice.
func (p *Preferences) Default() string { return p.fallback }

// Get returns the language of owner. ok is false when owner never chose.
// Unreadable or unsupported stored values count as no choice.
func (p *Preferences) Get(ctx context.Context, owner string) (lang string, ok bool) {
	stored, err := p.store.Load(ctx, owner)
	switch {
	case err == nil && IsSupported(stored):
		return stored, true
	case err == nil, errors.Is(err, cache.ErrCorrupt):
		p.logger.Warn("discarding stored language", "owner", owner, "value", stored, "error", err)
		_ = p.store.Delete(ctx, owner)
	case !errors.Is(err, cache.ErrCacheMiss):
		p.logger.Warn("failed to read language preference", "owner", owner, "error", err)
	}
	return p.fallback, false
}

// Set stores lang for owner.
func (p *Preferences) Set(ctx context.Context, owner, lang string) error {
	if !IsSupported(lang) {
		return fmt.Errorf("%w: %q", ErrUnsupported, lang)
	}
	return p.store.SetWithTTL(ctx, owner, lang, 365*24*time.Hour)
}

// Resolve returns the stored language of owner, else the best match for
// the Accept-Language header, else the fallback.
func (p *Preferences) Resolve(ctx context.Context, owner, acceptLanguage string) string {
	if owner != "" {
		if lang, ok := p.Get(ctx, owner); ok {
			return lang
		}
	}
	if acceptLanguage != "" {
		return MatchLanguage(acceptLanguage)
	}
	return p.fallback
}
