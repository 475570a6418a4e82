package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/circuitbreaker"
)

// ProtectedSMSSender wraps an SMSSender with a circuit breaker so a dead
// provider fails fast instead of stalling the worker loop.
type ProtectedSMSSender struct {
	inner   SMSSender
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSMSSender(inner SMSSender, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedSMSSender {
	return &ProtectedSMSSender{inner: inner, breaker: breaker, logger: logger}
}

func (p *ProtectedSMSSender) SendSMS(ctx context.Context, to, body string) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected sms send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", circuitbreaker.ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.inner.SendSMS(ctx, to, body); err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}

// ProtectedEmailSender wraps an EmailSender with a circuit breaker.
type ProtectedEmailSender struct {
	inner   EmailSender
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedEmailSender(inner EmailSender, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedEmailSender {
	return &ProtectedEmailSender{inner: inner, breaker: breaker, logger: logger}
}

func (p *ProtectedEmailSender) SendEmail(ctx context.Context, to, subject, html, text string) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected email send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", circuitbreaker.ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.inner.SendEmail(ctx, to, subject, html, text); err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}
