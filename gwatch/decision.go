package gwatch

// Decision is the outcome of a single periodic liveness check,
// indicating whether and how aggressively the watchdog must intervene.
type Decision uint8

//go:generate go run golang.org/x/tools/cmd/stringer -type Decision -trimprefix=Decision
const (
	// DecisionUnspecified is the zero value for Decision.
	// An evaluation returning DecisionUnspecified indicates a bug.
	DecisionUnspecified Decision = iota

	// DecisionHealthy indicates a liveness signal arrived within the
	// stale threshold, so no intervention is needed.
	DecisionHealthy

	// DecisionWaitForExternalReconnect indicates the connection went stale
	// but the transport already reports itself disconnected.
	// The transport's own reconnect handling owns recovery in that case,
	// and the consecutive stale count is left unchanged.
	DecisionWaitForExternalReconnect

	// DecisionResumeReconnect indicates the connection went stale while the
	// transport still reports itself connected.
	// The watchdog forces a disconnect and a reconnect that resumes the
	// existing session, preserving server-side continuity.
	DecisionResumeReconnect

	// DecisionFreshReconnect indicates the connection went stale too many
	// consecutive times for resumption to be trusted.
	// The watchdog discards the session identity before disconnecting,
	// so the reconnect performs a full re-identification.
	DecisionFreshReconnect
)
