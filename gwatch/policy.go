package gwatch

import "time"

// State is the liveness-tracking state a [Watchdog] carries between checks.
// It is a plain value so the escalation policy in [Evaluate]
// can be exercised without any running watchdog.
type State struct {
	// When the most recent liveness signal was observed.
	LastSignalAt time.Time

	// How many checks in a row classified the connection as stale
	// while the transport reported itself connected.
	ConsecutiveStaleChecks int
}

// RecordSignal returns s updated for a liveness signal observed at now.
// The consecutive stale count resets unconditionally,
// and LastSignalAt never moves backward even if now precedes it.
func RecordSignal(s State, now time.Time) State {
	if now.After(s.LastSignalAt) {
		s.LastSignalAt = now
	}
	s.ConsecutiveStaleChecks = 0
	return s
}

// Evaluate classifies the connection for a single periodic check
// and returns the decision together with the state to carry forward.
//
// A connection is stale when at least cfg.StaleThreshold has elapsed
// since s.LastSignalAt.
// A stale connection that the transport already reports disconnected
// yields [DecisionWaitForExternalReconnect] with the state unchanged;
// the stale count only advances while the transport claims to be connected.
// Once the count reaches cfg.MaxStaleBeforeFreshReconnect,
// the decision escalates from [DecisionResumeReconnect] to
// [DecisionFreshReconnect].
//
// Evaluate is a pure function; it never touches the clock or the connection.
func Evaluate(now time.Time, s State, cfg Config, connected bool) (Decision, State) {
	if now.Sub(s.LastSignalAt) < cfg.StaleThreshold {
		return DecisionHealthy, s
	}

	if !connected {
		return DecisionWaitForExternalReconnect, s
	}

	s.ConsecutiveStaleChecks++
	if s.ConsecutiveStaleChecks < cfg.MaxStaleBeforeFreshReconnect {
		return DecisionResumeReconnect, s
	}

	return DecisionFreshReconnect, s
}
