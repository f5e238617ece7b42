// Package notify delivers user-visible notices (the toasts of the web client)
// raised by entity hooks and services.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/qvtbox/qvtbox-go/internal/i18n"
)

// Level is the severity of a notice.
type Level string

// Notice levels.
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a single user-visible message. Key is an i18n message id,
// Args its format arguments.
type Notice struct {
	Level  Level  `json:"level"`
	Key    string `json:"key"`
	Args   []any  `json:"-"`
	Source string `json:"source,omitempty"`
	Err    error  `json:"-"`
}

// Message renders the notice in lang.
func (n Notice) Message(lang string) string {
	return i18n.T(lang, n.Key, n.Args...)
}

// Notifier receives notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice)

// Notify calls f.
func (f Func) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Discard drops every notice.
var Discard Notifier = Func(func(context.Context, Notice) {})

// LogNotifier writes notices to a logger. Error notices are logged at WARN
// so the event log handler records them.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n.
func (l LogNotifier) Notify(ctx context.Context, n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"key", n.Key, "source", n.Source}
	if n.Err != nil {
		attrs = append(attrs, "error", n.Err)
	}
	if n.Level == LevelError {
		logger.WarnContext(ctx, n.Message(i18n.DefaultLanguage), attrs...)
		return
	}
	logger.InfoContext(ctx, n.Message(i18n.DefaultLanguage), attrs...)
}

// Recorder keeps every notice it receives. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Multi fans a notice out to several notifiers.
func Multi(ns ...Notifier) Notifier {
	return Func(func(ctx context.Context, n Notice) {
		for _, x := range ns {
			if x != nil {
				x.Notify(ctx, n)
			}
		}
	})
}
