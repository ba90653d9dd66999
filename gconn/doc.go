// Package gconn defines the capability a liveness watchdog holds
// on a long-lived duplex streaming connection.
// The watchdog never owns the connection's lifetime;
// it only reads connected status, requests disconnects and reconnects,
// clears session identity, and subscribes to liveness signals.
// Transport implementations satisfy [Conn],
// typically building their signal fan-out on [SignalBroker].
package gconn
