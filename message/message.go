package message

import (
	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// Type discriminates the envelope payload shape.
type Type string

// The exhaustive set of message types.
const (
	TypeCommand     Type = "command"
	TypeEvent       Type = "event"
	TypeState       Type = "state"
	TypeAck         Type = "ack"
	TypeError       Type = "error"
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeCommand, TypeEvent, TypeState, TypeAck, TypeError,
		TypeSubscribe, TypeUnsubscribe:
		return true
	}
	return false
}

// TTL bounds in milliseconds.
const (
	MinTTLMillis = 1
	MaxTTLMillis = 300_000
)

// Message is the envelope exchanged across every bridge boundary.
type Message struct {
	ID             string  `json:"id"`
	Type           Type    `json:"type"`
	Source         string  `json:"source"`
	Target         string  `json:"target,omitempty"`
	Path           string  `json:"path,omitempty"`
	Payload        Payload `json:"payload"`
	Timestamp      int64   `json:"timestamp"` // unix milliseconds
	Sequence       uint64  `json:"sequence"`
	CorrelationID  string  `json:"correlationId,omitempty"`
	TTL            *int64  `json:"ttl,omitempty"` // milliseconds, 1-300000
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
}

// Validate checks every envelope constraint and the payload shape.
// The returned error names the offending field.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.Invalid("id", "id is required")
	}
	if !validID(m.ID) {
		return errors.Invalid("id", "id must be a canonical UUID")
	}
	if !m.Type.Valid() {
		return errors.Invalidf("type", "unknown message type %q", m.Type)
	}
	if err := ValidateNamespace(m.Source); err != nil {
		return errors.Invalidf("source", "invalid source namespace: %v", err)
	}

	switch m.Type {
	case TypeCommand, TypeAck:
		if m.Target == "" {
			return errors.Invalidf("target", "target is required for %s messages", m.Type)
		}
	}
	if m.Target != "" {
		if err := ValidateNamespace(m.Target); err != nil {
			return errors.Invalidf("target", "invalid target namespace: %v", err)
		}
	}

	switch m.Type {
	case TypeState, TypeEvent:
		if m.Path == "" {
			return errors.Invalidf("path", "path is required for %s messages", m.Type)
		}
	}
	if m.Path != "" {
		if err := ValidatePath(m.Path); err != nil {
			return errors.Invalidf("path", "invalid path: %v", err)
		}
	}

	if m.Timestamp <= 0 {
		return errors.Invalid("timestamp", "timestamp must be positive unix milliseconds")
	}
	if m.TTL != nil && (*m.TTL < MinTTLMillis || *m.TTL > MaxTTLMillis) {
		return errors.Invalidf("ttl", "ttl must be %d-%d ms", MinTTLMillis, MaxTTLMillis)
	}

	if m.Type == TypeCommand && m.IdempotencyKey == "" {
		return errors.Invalid("idempotencyKey", "idempotencyKey is required for command messages")
	}

	if m.Payload == nil {
		return errors.Invalid("payload", "payload is required")
	}
	if m.Payload.Kind() != m.Type {
		return errors.Invalidf("payload",
			"payload shape %s disagrees with type tag %s", m.Payload.Kind(), m.Type)
	}
	if err := m.Payload.Validate(); err != nil {
		return err
	}

	return nil
}

// Clone returns a copy of the envelope. Payload values are shared;
// payloads are treated as immutable after construction.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}
