package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies a notification message type. The set is closed: every
// switch over Kind handles all three values plus a default that rejects
// anything else.
type Kind string

const (
	KindSMS   Kind = "sms"
	KindEmail Kind = "email"
	KindAI    Kind = "ai"
)

// Kinds lists every message kind, in list-pop priority order.
func Kinds() []Kind {
	return []Kind{KindSMS, KindEmail, KindAI}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSMS, KindEmail, KindAI:
		return true
	default:
		return false
	}
}

// SMSPayload is the payload for KindSMS.
type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// EmailPayload is the payload for KindEmail.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// ChatReplyPayload is the payload for KindAI: draft a reply for an inbound
// conversation message and deliver it to the conversation target.
type ChatReplyPayload struct {
	To     string `json:"to"`
	Prompt string `json:"prompt"`
}

// Message is the ephemeral queue envelope. It carries its own tenant id and
// retry budget so a worker that pops it needs no other state. Attempts is
// incremented once per delivery attempt and never exceeds MaxAttempts.
type Message struct {
	Kind        Kind            `json:"kind"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
}

// NewMessage builds an envelope for one of the typed payloads.
func NewMessage(kind Kind, tenantID uuid.UUID, maxAttempts int, payload any) (*Message, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max_attempts must be positive, got %d", maxAttempts)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Kind:        kind,
		TenantID:    tenantID,
		MaxAttempts: maxAttempts,
		Payload:     raw,
	}, nil
}

// SMS decodes the payload for KindSMS.
func (m *Message) SMS() (*SMSPayload, error) {
	if m.Kind != KindSMS {
		return nil, fmt.Errorf("message kind is %q, not sms", m.Kind)
	}
	var p SMSPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode sms payload: %w", err)
	}
	if p.To == "" {
		return nil, fmt.Errorf("sms payload missing 'to'")
	}
	return &p, nil
}

// Email decodes the payload for KindEmail.
func (m *Message) Email() (*EmailPayload, error) {
	if m.Kind != KindEmail {
		return nil, fmt.Errorf("message kind is %q, not email", m.Kind)
	}
	var p EmailPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode email payload: %w", err)
	}
	if p.To == "" {
		return nil, fmt.Errorf("email payload missing 'to'")
	}
	if p.Subject == "" {
		return nil, fmt.Errorf("email payload missing 'subject'")
	}
	return &p, nil
}

// ChatReply decodes the payload for KindAI.
func (m *Message) ChatReply() (*ChatReplyPayload, error) {
	if m.Kind != KindAI {
		return nil, fmt.Errorf("message kind is %q, not ai", m.Kind)
	}
	var p ChatReplyPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode chat reply payload: %w", err)
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("chat reply payload missing 'prompt'")
	}
	return &p, nil
}
