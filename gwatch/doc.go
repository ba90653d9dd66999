// Package gwatch provides a liveness watchdog for a single long-lived
// duplex streaming connection.
// Such a connection can turn into a zombie: the transport reports itself open
// while no inbound traffic arrives,
// so ordinary reconnect-on-error handling never fires.
// The watchdog subscribes to liveness signals, classifies silence on a
// periodic check, and escalates recovery from a session-resume reconnect
// to a fresh reconnect that discards session identity when staleness repeats.
package gwatch
