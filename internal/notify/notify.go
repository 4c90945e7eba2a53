// Package notify fans task results out to the configured notification sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/touchfish/dailytask/internal/ntfy"
)

// Message is a notification delivered to every configured sink.
type Message struct {
	Topic    string
	Title    string
	Body     string
	Priority ntfy.Priority
	Tags     []string
}

// Notifier delivers a message to a notification sink.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NtfyNotifier delivers messages through an ntfy server.
type NtfyNotifier struct {
	client *ntfy.Client
}

// NewNtfyNotifier wraps an ntfy client as a Notifier.
func NewNtfyNotifier(client *ntfy.Client) *NtfyNotifier {
	return &NtfyNotifier{client: client}
}

func (n *NtfyNotifier) Send(ctx context.Context, msg Message) error {
	return n.client.Send(ctx, ntfy.Message{
		Topic:    msg.Topic,
		Message:  msg.Body,
		Title:    msg.Title,
		Priority: msg.Priority,
		Tags:     msg.Tags,
	})
}

// Multi delivers a message to all sinks and aggregates failures. A failing
// sink never blocks delivery to the others.
type Multi struct {
	sinks  []Notifier
	logger *slog.Logger
}

// NewMulti builds a fan-out notifier.
func NewMulti(logger *slog.Logger, sinks ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, logger: logger.With("component", "notify")}
}

func (m *Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Send(ctx, msg); err != nil {
			m.logger.Error("notification sink failed", "topic", msg.Topic, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
