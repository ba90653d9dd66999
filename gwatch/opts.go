package gwatch

import "errors"

// Opt is an option for configuring a [Watchdog] in [New].
type Opt func(*Watchdog) error

// WithCheckTimer sets the timer backing the watchdog's periodic checks
// and settle delays.
// This is only intended for testing;
// non-test usage should rely on the default [StandardCheckTimer]
// built from the watchdog's [Config].
func WithCheckTimer(t CheckTimer) Opt {
	return func(w *Watchdog) error {
		if t == nil {
			return errors.New("WithCheckTimer: t must not be nil")
		}
		w.timer = t
		return nil
	}
}

// WithMetricsChannel sets the channel where the watchdog
// emits metrics after each completed check.
func WithMetricsChannel(ch chan<- Metrics) Opt {
	return func(w *Watchdog) error {
		if cap(ch) != 0 {
			return errors.New("WithMetricsChannel: ch must be unbuffered")
		}
		w.metricsCh = ch
		return nil
	}
}
