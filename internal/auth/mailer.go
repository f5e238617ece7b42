package auth

import (
	"context"
	"log/slog"
	"sync"
)

// Message is an outgoing email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends authentication emails.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs msg.
func (m LogMailer) Send(ctx context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email not sent, logging instead", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}

// MemoryMailer keeps sent messages. Used in development and tests.
type MemoryMailer struct {
	mu   sync.Mutex
	sent []Message
}

// Send records msg.
func (m *MemoryMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of every recorded message.
func (m *MemoryMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Last returns the most recent message.
func (m *MemoryMailer) Last() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Message{}, false
	}
	return m.sent[len(m.sent)-1], true
}
