// Package notify holds the outbound delivery providers. Senders are
// synchronous and report success or failure only; retry and backoff policy
// live entirely in the worker that calls them.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// SMSSender delivers a single SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender delivers a single email with both HTML and plain-text parts.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, html, text string) error
}

// LogSender logs instead of delivering (development and tests).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendSMS(ctx context.Context, to, body string) error {
	s.logger.Info("sms delivery (development mode)",
		zap.String("to", to),
		zap.Int("body_length", len(body)),
	)
	return nil
}

func (s *LogSender) SendEmail(ctx context.Context, to, subject, html, text string) error {
	s.logger.Info("email delivery (development mode)",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	return nil
}
