// Package clientserver implements the downstream WebSocket transport
// for application clients.
//
// Every connection starts with a JSON handshake naming the client;
// accepted clients are assigned a namespace under app.* and
// registered as a router target for the life of the session. All
// later frames are bridge envelopes, except the ping/pong heartbeat
// control frames the server drives.
//
// The transport enforces a static-token auth check, a per-client
// fixed-window message rate limit, an idle timeout, a client count
// cap and a frame size cap. Close codes tell disconnecting clients
// why they were dropped.
package clientserver
