// Package i18n provides the site's French and English messages.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

//go:embed locales
var localesFS embed.FS

// DefaultLanguage is used when nothing better is known.
const DefaultLanguage = "fr"

// SupportedLanguages lists the site languages, default first.
var SupportedLanguages = []string{"fr", "en"}

// Message represents a single translatable message.
type Message struct {
	ID          string `json:"id"`
	Translation string `json:"translation"`
}

// MessageFile represents the structure of a messages JSON file.
type MessageFile struct {
	Language string    `json:"language"`
	Messages []Message `json:"messages"`
}

// Catalog holds the translations of every supported language.
type Catalog struct {
	translations map[string]map[string]string // lang -> key -> translation
	matcher      language.Matcher
	supported    []language.Tag
	logger       *slog.Logger
}

var (
	catalogMu sync.RWMutex
	catalog   *Catalog
)

// Init loads the embedded catalogs. T and MatchLanguage load them lazily
// when Init was never called; Init only adds a logger.
func Init(logger *slog.Logger) error {
	c, err := load(logger)
	if err != nil {
		return err
	}
	catalogMu.Lock()
	catalog = c
	catalogMu.Unlock()
	if logger != nil {
		logger.Info("i18n initialized", "languages", SupportedLanguages)
	}
	return nil
}

func load(logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{
		translations: make(map[string]map[string]string, len(SupportedLanguages)),
		logger:       logger,
	}
	for _, lang := range SupportedLanguages {
		c.supported = append(c.supported, language.MustParse(lang))
		if err := c.loadLanguage(lang); err != nil {
			return nil, fmt.Errorf("failed to load language %s: %w", lang, err)
		}
	}
	c.matcher = language.NewMatcher(c.supported)
	return c, nil
}

func current() *Catalog {
	catalogMu.RLock()
	c := catalog
	catalogMu.RUnlock()
	if c != nil {
		return c
	}
	loaded, err := load(nil)
	if err != nil {
		// Embedded files are part of the binary; a failure here is a build defect.
		panic(err)
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	if catalog == nil {
		catalog = loaded
	}
	return catalog
}

func (c *Catalog) loadLanguage(lang string) error {
	path := fmt.Sprintf("locales/%s/messages.json", lang)
	data, err := localesFS.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var msgFile MessageFile
	if err := json.Unmarshal(data, &msgFile); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	msgs := make(map[string]string, len(msgFile.Messages))
	for _, msg := range msgFile.Messages {
		msgs[msg.ID] = msg.Translation
	}
	c.translations[lang] = msgs
	if c.logger != nil {
		c.logger.Debug("loaded translations", "language", lang, "count", len(msgs))
	}
	return nil
}

// T translates key into lang, formatting args into the translation.
// Unknown languages use the default language; unknown keys return the key.
func T(lang, key string, args ...any) string {
	c := current()
	translation, ok := c.translations[lang][key]
	if !ok && lang != DefaultLanguage {
		translation, ok = c.translations[DefaultLanguage][key]
		if ok && c.logger != nil {
			c.logger.Debug("missing translation, using default", "key", key, "lang", lang)
		}
	}
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(translation, args...)
	}
	return translation
}

// MatchLanguage picks the best supported language for an Accept-Language
// header or a bare language code.
func MatchLanguage(accept string) string {
	c := current()
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		tag, err := language.Parse(accept)
		if err != nil {
			return DefaultLanguage
		}
		tags = []language.Tag{tag}
	}
	_, idx, conf := c.matcher.Match(tags...)
	if conf == language.No || idx < 0 || idx >= len(c.supported) {
		return DefaultLanguage
	}
	return SupportedLanguages[idx]
}

// IsSupported reports whether lang is a site language.
func IsSupported(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, supported := range SupportedLanguages {
		if supported == lang {
			return true
		}
	}
	return false
}

// TranslationCount returns the number of messages loaded for lang.
func TranslationCount(lang string) int {
	return len(current().translations[lang])
}

// HasKey reports whether key is translated in lang.
func HasKey(lang, key string) bool {
	_, ok := current().translations[lang][key]
	return ok
}

type contextKey struct{}

// WithLanguage returns a context carrying lang.
func WithLanguage(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, contextKey{}, lang)
}

// LanguageFrom returns the language stored in ctx. ok is false when none
// was set, in which case DefaultLanguage is returned.
func LanguageFrom(ctx context.Context) (lang string, ok bool) {
	lang, ok = ctx.Value(contextKey{}).(string)
	if !ok || lang == "" {
		return DefaultLanguage, false
	}
	return lang, true
}
