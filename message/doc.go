// Package message defines the bridge envelope: the unit of exchange
// between the upstream adapter, the router, and application clients.
//
// A Message is a tagged union discriminated by Type. Seven payload
// shapes exist (command, event, state, ack, error, subscribe,
// unsubscribe); the codec rejects any envelope whose type tag
// disagrees with its payload shape.
//
// Design principles:
//   - Strict validation: every size, range and regex constraint is
//     checked on decode, and the offending field is named.
//   - Round-trip identity: Decode(Encode(m)) == m for valid messages.
//   - Time-ordered ids: UUIDv7, minted from an injectable clock.
//   - Per-source sequence: each originator owns a monotonic counter;
//     sequence, not id, is the authoritative per-source order.
package message
