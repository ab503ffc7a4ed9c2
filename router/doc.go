// Package router implements the central message hub. It owns the
// state store, the subscription manager, the table of addressable
// targets, the idempotency cache and the pending-command map.
//
// Commands resolve their target by exact namespace match, then by
// successively trimming dotted suffixes (companion.satellite falls
// back to companion). The router answers each accepted command with a
// received ack before the terminal ack, collapses idempotent retries
// onto a single execution, and correlates terminal acks back to the
// command's originator.
//
// State writes flow through the store; the router's store listener
// fans each delta out to matching subscribers, suppressing delivery
// to the owning namespace. Handlers run outside every router lock and
// may re-enter Route.
package router
