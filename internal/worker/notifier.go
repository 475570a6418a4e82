// Package worker contains the two background execution loops: the ephemeral
// Notifier draining the Redis notification queue, and the Drafter claiming
// durable draft jobs from Postgres.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/ai"
	"github.com/opsdeskhq/opsdesk/internal/db"
	"github.com/opsdeskhq/opsdesk/internal/metrics"
	"github.com/opsdeskhq/opsdesk/internal/notify"
	"github.com/opsdeskhq/opsdesk/internal/queue"
)

// Broker is the ephemeral queue surface the notifier needs.
type Broker interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.Message, error)
	Enqueue(ctx context.Context, msg *queue.Message) bool
}

// DeadLetterStore persists exhausted messages.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, dl *db.DeadLetter) error
}

// Generator is the AI collaborator used for chat replies.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, messages []ai.ChatMessage, maxTokens int) (string, error)
}

// NotifierConfig tunes the ephemeral worker loop.
type NotifierConfig struct {
	// PopTimeout bounds the blocking pop so the loop notices shutdown.
	PopTimeout time.Duration

	// BackoffCap caps the exponential retry backoff.
	BackoffCap time.Duration

	// ReplyMaxTokens bounds AI chat reply generation.
	ReplyMaxTokens int
}

// Notifier is the ephemeral worker: a single-threaded polling loop that
// pops one message at a time, dispatches by kind, retries with blocking
// backoff, and dead-letters after exhaustion. Horizontal scaling means
// running more Notifier processes, not concurrency inside one.
type Notifier struct {
	broker      Broker
	deadLetters DeadLetterStore
	sms         notify.SMSSender
	email       notify.EmailSender
	gen         Generator
	config      NotifierConfig
	logger      *zap.Logger

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewNotifier creates the ephemeral worker.
func NewNotifier(broker Broker, deadLetters DeadLetterStore, sms notify.SMSSender, email notify.EmailSender, gen Generator, cfg NotifierConfig, logger *zap.Logger) *Notifier {
	if cfg.PopTimeout == 0 {
		cfg.PopTimeout = 2 * time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.ReplyMaxTokens == 0 {
		cfg.ReplyMaxTokens = 300
	}
	return &Notifier{
		broker:      broker,
		deadLetters: deadLetters,
		sms:         sms,
		email:       email,
		gen:         gen,
		config:      cfg,
		logger:      logger,
		sleep:       time.Sleep,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	n.logger.Info("notifier worker started",
		zap.Duration("pop_timeout", n.config.PopTimeout),
		zap.Duration("backoff_cap", n.config.BackoffCap),
	)

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier worker stopping")
			return
		default:
		}

		msg, err := n.broker.Pop(ctx, n.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Error("queue pop failed", zap.Error(err))
			n.sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		n.Process(ctx, msg)
	}
}

// Process runs one delivery attempt for a popped message, including the
// retry and dead-letter bookkeeping. Exported for tests and for draining.
func (n *Notifier) Process(ctx context.Context, msg *queue.Message) {
	err := n.dispatch(ctx, msg)
	if err == nil {
		n.logger.Info("message delivered",
			zap.String("kind", string(msg.Kind)),
			zap.String("tenant_id", msg.TenantID.String()),
			zap.Int("attempts", msg.Attempts+1),
		)
		metrics.RecordMessageProcessed("sent", string(msg.Kind))
		return
	}

	msg.Attempts++
	n.logger.Warn("message delivery failed",
		zap.Error(err),
		zap.String("kind", string(msg.Kind)),
		zap.Int("attempts", msg.Attempts),
		zap.Int("max_attempts", msg.MaxAttempts),
	)

	if msg.Attempts >= msg.MaxAttempts {
		n.deadLetter(ctx, msg, err.Error())
		return
	}

	metrics.RecordMessageProcessed("retried", string(msg.Kind))
	n.sleep(backoffDelay(msg.Attempts, n.config.BackoffCap))
	if !n.broker.Enqueue(ctx, msg) {
		// Requeue failed; the broker is down and the message would be lost
		// silently otherwise, so record it for inspection now.
		n.deadLetter(ctx, msg, fmt.Sprintf("requeue failed after: %s", err.Error()))
	}
}

// dispatch routes a message to its kind's handler. Panics in a handler are
// converted to errors so a poison message never terminates the loop.
func (n *Notifier) dispatch(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	switch msg.Kind {
	case queue.KindSMS:
		p, perr := msg.SMS()
		if perr != nil {
			return perr
		}
		return n.sms.SendSMS(ctx, p.To, p.Body)

	case queue.KindEmail:
		p, perr := msg.Email()
		if perr != nil {
			return perr
		}
		return n.email.SendEmail(ctx, p.To, p.Subject, p.HTML, p.Text)

	case queue.KindAI:
		p, perr := msg.ChatReply()
		if perr != nil {
			return perr
		}
		return n.chatReply(ctx, msg, p)

	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}
}

const chatReplySystemPrompt = `You are a helpful assistant replying on behalf of a small business.
Write a short, friendly reply to the customer's message. Return only the reply text.`

// chatReply generates a reply for an inbound conversation message and
// delivers it over SMS to the conversation target.
func (n *Notifier) chatReply(ctx context.Context, msg *queue.Message, p *queue.ChatReplyPayload) error {
	if n.gen == nil {
		return fmt.Errorf("ai generation is not configured")
	}
	reply, err := n.gen.Generate(ctx, chatReplySystemPrompt,
		[]ai.ChatMessage{{Role: "user", Content: p.Prompt}},
		n.config.ReplyMaxTokens,
	)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	if reply == "" {
		return fmt.Errorf("generate reply: empty response")
	}

	n.logger.Info("chat reply generated",
		zap.String("tenant_id", msg.TenantID.String()),
		zap.Int("reply_length", len(reply)),
	)

	if p.To == "" {
		return nil
	}
	return n.sms.SendSMS(ctx, p.To, reply)
}

// deadLetter writes exactly one dead letter for an exhausted (or
// unrequeueable) message and discards it.
func (n *Notifier) deadLetter(ctx context.Context, msg *queue.Message, reason string) {
	payload, err := json.Marshal(msg)
	if err != nil {
		payload = msg.Payload
	}

	dl := &db.DeadLetter{
		TenantID: msg.TenantID,
		Provider: string(msg.Kind),
		Reason:   reason,
		Attempts: msg.Attempts,
		Payload:  payload,
	}
	if err := n.deadLetters.InsertDeadLetter(ctx, dl); err != nil {
		n.logger.Error("failed to write dead letter",
			zap.Error(err),
			zap.String("kind", string(msg.Kind)),
			zap.String("tenant_id", msg.TenantID.String()),
		)
		return
	}

	metrics.RecordMessageProcessed("dead_lettered", string(msg.Kind))
	metrics.RecordDeadLetter(string(msg.Kind))
}

// backoffDelay is min(cap, 2^attempts) seconds. The sleep is blocking on
// purpose: one notifier instance processes one message at a time.
func backoffDelay(attempts int, cap time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > cap {
		return cap
	}
	return d
}
