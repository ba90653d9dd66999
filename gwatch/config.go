package gwatch

import (
	"errors"
	"time"
)

// Config is the set of tuning parameters for a [Watchdog].
// All fields are required.
type Config struct {
	// How often the watchdog inspects the connection for staleness.
	CheckInterval time.Duration

	// How long the connection may go without a liveness signal
	// before a check classifies it as stale.
	StaleThreshold time.Duration

	// How many consecutive stale checks are tolerated with resume
	// reconnects before the watchdog escalates to a fresh reconnect.
	MaxStaleBeforeFreshReconnect int
}

func (c Config) validate() error {
	var err error

	if c.CheckInterval <= 0 {
		err = errors.Join(err, errors.New("Config.CheckInterval must be positive"))
	}

	if c.StaleThreshold <= 0 {
		err = errors.Join(err, errors.New("Config.StaleThreshold must be positive"))
	}

	if c.MaxStaleBeforeFreshReconnect <= 0 {
		err = errors.Join(err, errors.New("Config.MaxStaleBeforeFreshReconnect must be positive"))
	}

	return err
}
