package message

import (
	"encoding/json"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// envelope mirrors Message with a raw payload, so the payload can be
// decoded into its typed shape once the type tag is known.
type envelope struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	Source         string          `json:"source"`
	Target         string          `json:"target,omitempty"`
	Path           string          `json:"path,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	Sequence       uint64          `json:"sequence"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	TTL            *int64          `json:"ttl,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Encode validates a message and marshals it to JSON.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.Invalid("message", "message is nil")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WrapCode(errors.CodeInternal, err, "codec", "Encode", "marshal message")
	}
	return data, nil
}

// Decode parses and strictly validates a JSON envelope. The payload is
// decoded into the typed shape selected by the type tag; a payload
// that does not fit that shape yields INVALID_MESSAGE.
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Invalidf("message", "malformed JSON: %v", err)
	}

	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ID:             env.ID,
		Type:           env.Type,
		Source:         env.Source,
		Target:         env.Target,
		Path:           env.Path,
		Payload:        payload,
		Timestamp:      env.Timestamp,
		Sequence:       env.Sequence,
		CorrelationID:  env.CorrelationID,
		TTL:            env.TTL,
		IdempotencyKey: env.IdempotencyKey,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.Invalid("payload", "payload is required")
	}

	var payload Payload
	switch t {
	case TypeCommand:
		payload = &CommandPayload{}
	case TypeEvent:
		payload = &EventPayload{}
	case TypeState:
		payload = &StatePayload{}
	case TypeAck:
		payload = &AckPayload{}
	case TypeError:
		payload = &ErrorPayload{}
	case TypeSubscribe:
		payload = &SubscribePayload{}
	case TypeUnsubscribe:
		payload = &UnsubscribePayload{}
	default:
		return nil, errors.Invalidf("type", "unknown message type %q", t)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, errors.Invalidf("payload", "payload does not match %s shape: %v", t, err)
	}
	return payload, nil
}
