// Package buttons is a placeholder adapter for a physical button
// panel. It claims its namespace and answers every command with a
// failed ack so callers get a deterministic response instead of
// UNKNOWN_TARGET while the real hardware integration is pending.
package buttons

import (
	"context"
	"log/slog"
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
)

// TargetNamespace is where the adapter receives routed commands.
const TargetNamespace = "buttons"

// Adapter is the placeholder buttons integration.
type Adapter struct {
	rt     *router.Router
	logger *slog.Logger
}

// NewAdapter creates the placeholder adapter.
func NewAdapter(rt *router.Router, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{rt: rt, logger: logger}
}

// Initialize prepares the adapter.
func (a *Adapter) Initialize() error {
	return nil
}

// Start registers the target namespace.
func (a *Adapter) Start(_ context.Context) error {
	return a.rt.RegisterTarget(router.Target{
		ID:        "buttons-adapter",
		Namespace: TargetNamespace,
		Handler:   a.handle,
	})
}

// Stop releases the target namespace.
func (a *Adapter) Stop(_ time.Duration) error {
	return a.rt.UnregisterTarget(TargetNamespace)
}

func (a *Adapter) handle(m *message.Message) error {
	if m.Type != message.TypeCommand {
		return nil
	}

	a.logger.Debug("buttons adapter declining command", "action",
		m.Payload.(*message.CommandPayload).Action)

	ack := a.rt.Factory().NewTargeted(message.TypeAck, TargetNamespace, m.Source, &message.AckPayload{
		Status:    message.AckFailed,
		CommandID: m.ID,
		Error: &message.ErrorDetail{
			Code:    string(errors.CodeAdapterError),
			Message: "buttons adapter not implemented",
		},
	})
	ack.CorrelationID = m.ID
	return a.rt.Route(ack)
}
