// Package notification delivers sandbox health alerts to external channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Name identifies the configured channel in logs and errors.
	Name() string
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            // Short headline.
	Body     string            // Plain text body.
	Metadata map[string]string // Extra data (sandbox_id, status, etc.).
}

// Dispatcher fans a message out to every registered channel.
// Thread-safe.
type Dispatcher struct {
	mu      sync.RWMutex
	senders []Sender
	logger  *slog.Logger
}

// NewDispatcher creates a notification dispatcher with no channels.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{logger: logger}
}

// RegisterSender adds a channel backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = append(d.senders, s)
}

// Len returns the number of registered channels.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.senders)
}

// Notify sends msg to all channels. A failing channel does not stop the
// others; the returned error joins every failure.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	senders := append([]Sender(nil), d.senders...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range senders {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s channel %q: %w", s.Type(), s.Name(), err))
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", s.Name()),
				slog.String("type", s.Type()),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.DebugContext(ctx, "notification sent",
			slog.String("channel", s.Name()),
			slog.String("type", s.Type()),
		)
	}
	return errors.Join(errs...)
}
