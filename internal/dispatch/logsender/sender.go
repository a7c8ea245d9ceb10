// Package logsender provides a sender that only logs messages.
package logsender

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bissquit/async-dispatch/internal/dispatch"
)

// Qualifier is the sender qualifier queues use to select this sender.
const Qualifier = "LOG"

// Sender logs every message and reports it delivered.
type Sender struct {
	logger *slog.Logger
}

// NewSender creates a new log sender.
func NewSender() *Sender {
	return &Sender{logger: slog.Default()}
}

// Factory returns a sender factory for the registry.
func Factory() dispatch.SenderFactory {
	return func() dispatch.Sender {
		return NewSender()
	}
}

// Init binds the sender to a queue.
func (s *Sender) Init(cfg dispatch.QueueConfig) error {
	s.logger = slog.Default().With("queue_id", cfg.QueueID, "sender", Qualifier)
	return nil
}

// Send logs the message.
func (s *Sender) Send(_ context.Context, req dispatch.SendRequest) (*dispatch.SendResponse, error) {
	s.logger.Info("message delivered to log",
		"message_id", req.Message.ID,
		"channel_id", req.Channel.ID,
		"payload_type", req.Message.PayloadType,
		"idempotency_key", req.IdempotencyKey,
		"payload", string(req.Message.Payload),
	)
	return &dispatch.SendResponse{HTTPCode: http.StatusOK, Reference: "logged"}, nil
}

// Close is a no-op.
func (s *Sender) Close() error {
	return nil
}
