// Package satellite implements the upstream adapter for the
// Companion Satellite control-surface API: a space-delimited
// text-line protocol spoken over a persistent WebSocket.
//
// The adapter owns the connection lifecycle (connect, heartbeat,
// reconnect with exponential backoff and jitter), translates bridge
// commands into wire frames and wire frames into state writes, and
// publishes its view of the upstream under the companion.* paths with
// owner namespace companion.satellite. On disconnect the adapter
// marks its owned entries stale rather than deleting them, so
// subscribers keep the last known values and observe the transition.
package satellite
