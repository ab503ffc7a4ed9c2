package router

import (
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
)

// Handler receives messages routed to a target. Handlers are invoked
// outside router locks and must be re-entrant with respect to Route.
type Handler func(*message.Message) error

// Target is an addressable handler inside the router. The namespace
// is the handler's inbound address; at most one target may hold a
// namespace at a time.
type Target struct {
	ID        string
	Namespace string
	Handler   Handler
}
