// Package gstream is a websocket pulse stream,
// a minimal duplex transport for exercising liveness supervision.
//
// The server emits periodic event frames and protocol pings on every session.
// Sessions can be muted through the debug routes,
// which silences all outbound traffic while leaving the connection open;
// a muted session is indistinguishable from a network black hole
// to any client that only watches for inbound data.
//
// The client implements the gconn.Conn interface,
// so a gwatch.Watchdog can supervise it directly.
package gstream
