package gconn

// Conn is the narrow view of a duplex streaming connection
// consumed by a liveness watchdog.
//
// Every method must be safe for concurrent use.
// Connect and Disconnect are requests, not awaited operations:
// they must return without blocking on network I/O,
// and they must tolerate redundant and concurrent calls,
// because a watchdog's forced reconnect may race with
// the transport's own reconnect-on-error handling.
type Conn interface {
	// Connected reports whether the transport currently believes
	// it has an open connection.
	// A true value does not imply the connection is healthy;
	// a zombie connection reports connected while delivering no traffic.
	Connected() bool

	// Connect requests that the transport establish a connection.
	// If resume is true, the transport attempts to resume
	// its retained session identity;
	// otherwise it performs a fresh identify.
	Connect(resume bool)

	// Disconnect requests teardown of any current connection.
	// It is idempotent.
	Disconnect()

	// ClearSessionIdentity erases the transport's retained session identity
	// (session ID, resume URL, and sequence),
	// guaranteeing that no later connect can resume into the old session.
	ClearSessionIdentity()

	// SubscribeSignals registers ch to receive a [Signal]
	// for every inbound transport event.
	// Any protocol-level activity counts, not only application messages.
	//
	// Delivery is best-effort: implementations must not block on a slow subscriber,
	// so callers should provide a small buffered channel.
	// Liveness signals coalesce; dropped signals are harmless
	// as long as one delivery eventually lands.
	SubscribeSignals(ch chan<- Signal) (SignalToken, error)

	// UnsubscribeSignals removes the subscription identified by tok.
	// After it returns, no further signals are sent to the subscribed channel.
	// Unsubscribing a token that is not live is an error.
	UnsubscribeSignals(tok SignalToken) error
}
