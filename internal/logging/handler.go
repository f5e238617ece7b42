// Package logging configures slog and mirrors WARN and ERROR records into
// the event_log table so that sync and transport failures are auditable.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// EventLogTable receives mirrored records.
const EventLogTable = "event_log"

// Event log levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event log categories.
const (
	CategoryAuth     = "auth"
	CategoryCatalog  = "catalog"
	CategoryContent  = "content"
	CategoryMood     = "mood"
	CategoryContact  = "contact"
	CategoryStorage  = "storage"
	CategoryRealtime = "realtime"
	CategoryCache    = "cache"
	CategorySystem   = "system"
)

// NewTextHandler returns the process text handler writing to w.
func NewTextHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// EventLogHandler is a slog.Handler that wraps another handler and also
// writes records at or above its level to the event log.
type EventLogHandler struct {
	inner slog.Handler
	rows  gateway.Rows
	level slog.Level
	attrs []slog.Attr
	group string
}

// NewEventLogHandler wraps inner and mirrors WARN and above into rows.
// rows must not log through this handler.
func NewEventLogHandler(inner slog.Handler, rows gateway.Rows) *EventLogHandler {
	return NewEventLogHandlerWithLevel(inner, rows, slog.LevelWarn)
}

// NewEventLogHandlerWithLevel is NewEventLogHandler with a custom minimum level.
func NewEventLogHandlerWithLevel(inner slog.Handler, rows gateway.Rows, level slog.Level) *EventLogHandler {
	return &EventLogHandler{inner: inner, rows: rows, level: level}
}

// Enabled implements slog.Handler.
func (h *EventLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

type mirroringKey struct{}

// Handle implements slog.Handler.
func (h *EventLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	if r.Level >= h.level && ctx.Value(mirroringKey{}) == nil {
		h.writeToEventLog(r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *EventLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), h.qualify(attrs)...)
	return &c
}

// WithGroup implements slog.Handler.
func (h *EventLogHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.inner = h.inner.WithGroup(name)
	if name != "" {
		c.group = h.group + name + "."
	}
	return &c
}

func (h *EventLogHandler) qualify(attrs []slog.Attr) []slog.Attr {
	if h.group == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: h.group + a.Key, Value: a.Value}
	}
	return out
}

// writeToEventLog inserts r. The insert runs on a fresh context so it
// completes even when the request that logged has been cancelled.
func (h *EventLogHandler) writeToEventLog(r slog.Record) {
	var recAttrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		recAttrs = append(recAttrs, a)
		return true
	})
	attrs := append(append([]slog.Attr(nil), h.attrs...), h.qualify(recAttrs)...)

	ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), mirroringKey{}, true), 2*time.Second)
	defer cancel()
	_, _ = h.rows.Insert(ctx, EventLogTable, gateway.Row{
		"level":      eventLevel(r.Level),
		"category":   category(r.Message, attrs),
		"message":    r.Message,
		"metadata":   metadata(attrs),
		"created_at": r.Time,
	})
}

func eventLevel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return EventLevelError
	case level >= slog.LevelWarn:
		return EventLevelWarning
	default:
		return EventLevelInfo
	}
}

// category returns the "category" attribute or infers one from the message.
func category(msg string, attrs []slog.Attr) string {
	for _, a := range attrs {
		if a.Key == "category" {
			return a.Value.String()
		}
	}
	msg = strings.ToLower(msg)
	for _, c := range []struct {
		category string
		words    []string
	}{
		{CategoryAuth, []string{"auth", "sign", "password", "session"}},
		{CategoryContact, []string{"contact", "lead", "relay"}},
		{CategoryMood, []string{"mood", "bubble"}},
		{CategoryContent, []string{"content"}},
		{CategoryCatalog, []string{"product", "catalog", "review"}},
		{CategoryStorage, []string{"object", "upload", "storage"}},
		{CategoryRealtime, []string{"realtime", "subscription", "notify", "listener"}},
		{CategoryCache, []string{"cache", "redis"}},
	} {
		for _, w := range c.words {
			if strings.Contains(msg, w) {
				return c.category
			}
		}
	}
	return CategorySystem
}

// metadata encodes attributes other than category as a JSON object.
func metadata(attrs []slog.Attr) string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		if a.Key == "category" {
			continue
		}
		m[a.Key] = a.Value.Resolve().String()
	}
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
