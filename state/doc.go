// Package state implements the canonical owner-scoped key-value store
// at the heart of the bridge.
//
// Every entry is owned by exactly one namespace: the first writer of a
// path becomes its owner and only the owner may overwrite or delete
// it. Entries carry a per-path version that strictly increases on
// every mutation, including staleness flips and the final deletion
// delta. A global version counter advances with every applied
// mutation.
//
// Mutations produce Delta records delivered synchronously to every
// registered listener in registration order. Listener callbacks run
// outside the store lock and may re-enter the store; deltas are
// queued and drained so observed order always matches write order.
//
// Patterns query the store hierarchically: * matches exactly one path
// segment, ** matches zero or more segments, dots are literal.
package state
