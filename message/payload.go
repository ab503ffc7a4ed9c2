package message

import (
	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// Payload is the behavior shared by the seven envelope payload shapes.
type Payload interface {
	// Kind returns the envelope type this payload belongs to.
	Kind() Type
	// Validate checks payload-level constraints.
	Validate() error
}

// AckStatus enumerates acknowledgement outcomes.
type AckStatus string

// Acknowledgement statuses. Received precedes exactly one terminal
// status (completed, failed, timeout or rejected). The router accepts
// rejected on inbound acks but never emits it.
const (
	AckReceived  AckStatus = "received"
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
	AckTimeout   AckStatus = "timeout"
	AckRejected  AckStatus = "rejected"
)

// Valid reports whether s is a known ack status.
func (s AckStatus) Valid() bool {
	switch s {
	case AckReceived, AckCompleted, AckFailed, AckTimeout, AckRejected:
		return true
	}
	return false
}

// Terminal reports whether s concludes a command.
func (s AckStatus) Terminal() bool {
	return s.Valid() && s != AckReceived
}

// Filter selects which message kinds a subscription admits.
type Filter string

// Subscription filters.
const (
	FilterState  Filter = "state"
	FilterEvents Filter = "events"
	FilterAll    Filter = "all"
)

// Valid reports whether f is a known filter.
func (f Filter) Valid() bool {
	return f == FilterState || f == FilterEvents || f == FilterAll
}

// Admits reports whether the filter admits a message of the given type.
// Only state and event messages are subject to filtering.
func (f Filter) Admits(t Type) bool {
	switch f {
	case FilterState:
		return t == TypeState
	case FilterEvents:
		return t == TypeEvent
	case FilterAll:
		return t == TypeState || t == TypeEvent
	}
	return false
}

// Pattern list bounds for subscribe/unsubscribe payloads.
const (
	minPatterns = 1
	maxPatterns = 100
)

const maxNameLength = 64 // command actions and event names

// CommandPayload asks a target to perform an action.
type CommandPayload struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Kind implements Payload.
func (p *CommandPayload) Kind() Type { return TypeCommand }

// Validate implements Payload.
func (p *CommandPayload) Validate() error {
	if l := len(p.Action); l < 1 || l > maxNameLength {
		return errors.Invalidf("payload.action", "action must be 1-%d characters", maxNameLength)
	}
	return nil
}

// EventPayload carries a named occurrence.
type EventPayload struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Kind implements Payload.
func (p *EventPayload) Kind() Type { return TypeEvent }

// Validate implements Payload.
func (p *EventPayload) Validate() error {
	if l := len(p.Event); l < 1 || l > maxNameLength {
		return errors.Invalidf("payload.event", "event must be 1-%d characters", maxNameLength)
	}
	return nil
}

// StatePayload carries a state value. Stale, Owner and Version are set
// on outbound deltas and snapshots; inbound writes carry only Value.
type StatePayload struct {
	Value   any    `json:"value"`
	Stale   *bool  `json:"stale,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Version uint64 `json:"version,omitempty"`
}

// Kind implements Payload.
func (p *StatePayload) Kind() Type { return TypeState }

// Validate implements Payload.
func (p *StatePayload) Validate() error {
	if p.Owner != "" {
		if err := ValidateNamespace(p.Owner); err != nil {
			return errors.Invalidf("payload.owner", "invalid owner namespace: %v", err)
		}
	}
	return nil
}

// ErrorDetail describes a failure inside an ack result.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckPayload correlates an acknowledgement with its command.
type AckPayload struct {
	Status    AckStatus    `json:"status"`
	CommandID string       `json:"commandId"`
	Result    any          `json:"result,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// Kind implements Payload.
func (p *AckPayload) Kind() Type { return TypeAck }

// Validate implements Payload.
func (p *AckPayload) Validate() error {
	if !p.Status.Valid() {
		return errors.Invalidf("payload.status", "unknown ack status %q", p.Status)
	}
	if p.CommandID == "" {
		return errors.Invalid("payload.commandId", "commandId is required")
	}
	return nil
}

// ErrorPayload reports a processing failure to a peer.
type ErrorPayload struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Details          any    `json:"details,omitempty"`
	RelatedMessageID string `json:"relatedMessageId,omitempty"`
}

// Kind implements Payload.
func (p *ErrorPayload) Kind() Type { return TypeError }

// Validate implements Payload.
func (p *ErrorPayload) Validate() error {
	if p.Code == "" {
		return errors.Invalid("payload.code", "code is required")
	}
	return nil
}

// SubscribePayload registers interest in paths matching patterns.
type SubscribePayload struct {
	Patterns []string `json:"patterns"`
	Filter   Filter   `json:"filter,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
}

// Kind implements Payload.
func (p *SubscribePayload) Kind() Type { return TypeSubscribe }

// Validate implements Payload.
func (p *SubscribePayload) Validate() error {
	if err := validatePatternList(p.Patterns); err != nil {
		return err
	}
	if p.Filter != "" && !p.Filter.Valid() {
		return errors.Invalidf("payload.filter", "unknown filter %q", p.Filter)
	}
	return nil
}

// EffectiveFilter returns the filter, defaulting to all.
func (p *SubscribePayload) EffectiveFilter() Filter {
	if p.Filter == "" {
		return FilterAll
	}
	return p.Filter
}

// WantsSnapshot returns the snapshot flag, defaulting to true.
func (p *SubscribePayload) WantsSnapshot() bool {
	return p.Snapshot == nil || *p.Snapshot
}

// UnsubscribePayload removes previously registered patterns.
type UnsubscribePayload struct {
	Patterns []string `json:"patterns"`
}

// Kind implements Payload.
func (p *UnsubscribePayload) Kind() Type { return TypeUnsubscribe }

// Validate implements Payload.
func (p *UnsubscribePayload) Validate() error {
	return validatePatternList(p.Patterns)
}

func validatePatternList(patterns []string) error {
	if len(patterns) < minPatterns {
		return errors.Invalid("payload.patterns", "at least one pattern is required")
	}
	if len(patterns) > maxPatterns {
		return errors.Invalidf("payload.patterns", "at most %d patterns allowed", maxPatterns)
	}
	for i, p := range patterns {
		if err := ValidatePattern(p); err != nil {
			return errors.Invalidf("payload.patterns", "pattern %d: %v", i, err)
		}
	}
	return nil
}
