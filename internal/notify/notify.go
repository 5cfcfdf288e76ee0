// Package notify defines the best-effort alert channel used by every pipeline stage.
package notify

import (
	"sync"

	"github.com/rewired-gh/quantpilot/internal/logger"
)

// Notifier sends a plain-text message to operators.
type Notifier interface {
	Notify(text string) error
}

// Severity prefixes.
const (
	prefixWarn  = "⚠️ ALERT: "
	prefixError = "❌ ERROR: "
)

// Func adapts a function to Notifier.
type Func func(text string) error

func (f Func) Notify(text string) error { return f(text) }

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(string) error { return nil }

// Best wraps a notifier so delivery failures are logged and never returned.
type Best struct {
	n   Notifier
	log *logger.Logger
}

// NewBest returns a Best around n. A nil n behaves like Nop.
func NewBest(n Notifier, log *logger.Logger) *Best {
	if n == nil {
		n = Nop{}
	}
	return &Best{n: n, log: log.With("notify")}
}

// Info sends text untagged.
func (b *Best) Info(text string) { b.send(text) }

// Warn sends text with a warning tag.
func (b *Best) Warn(text string) { b.send(prefixWarn + text) }

// Error sends text with an error tag.
func (b *Best) Error(text string) { b.send(prefixError + text) }

// Notify satisfies Notifier and always returns nil.
func (b *Best) Notify(text string) error {
	b.send(text)
	return nil
}

func (b *Best) send(text string) {
	if err := b.n.Notify(text); err != nil {
		b.log.Warn("Failed to send notification: %v", err)
	}
}

// Recorder keeps every message in memory. Used in tests.
type Recorder struct {
	mu       sync.Mutex
	Messages []string
}

func (r *Recorder) Notify(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, text)
	return nil
}

// Count returns the number of recorded messages.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Messages)
}
