package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ScenarioVersion is the current supported scenario schema version.
const ScenarioVersion = 1

// Scenario describes one self-contained stress run.
type Scenario struct {
	Version int `toml:"version"`

	Server struct {
		Listen        string   `toml:"listen"`
		EventInterval duration `toml:"event_interval"`
		PingInterval  duration `toml:"ping_interval"`
		ResumeBuffer  int      `toml:"resume_buffer"`
	} `toml:"server"`

	Clients struct {
		Count int `toml:"count"`
	} `toml:"clients"`

	Watchdog struct {
		CheckInterval       duration `toml:"check_interval"`
		StaleThreshold      duration `toml:"stale_threshold"`
		MaxStaleBeforeFresh int      `toml:"max_stale_before_fresh"`
	} `toml:"watchdog"`

	Faults struct {
		MuteInterval duration `toml:"mute_interval"`

		// How long the scenario runs before reporting.
		// Zero runs until interrupted.
		Duration duration `toml:"duration"`
	} `toml:"faults"`
}

// duration wraps time.Duration so TOML values like "250ms" parse directly.
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	dd, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(dd)
	return nil
}

// LoadScenario reads, parses, and validates the scenario file at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	var sc Scenario
	if _, err := toml.Decode(string(data), &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}

	if err := sc.Validate(); err != nil {
		return nil, err
	}

	return &sc, nil
}

// Validate ensures the scenario uses a supported version
// and that every setting a run depends on is present and sane.
func (sc *Scenario) Validate() error {
	if sc.Version == 0 {
		return fmt.Errorf("scenario version missing (expected %d)", ScenarioVersion)
	}
	if sc.Version != ScenarioVersion {
		return fmt.Errorf("unsupported scenario version %d (expected %d)", sc.Version, ScenarioVersion)
	}

	var err error

	if sc.Server.Listen == "" {
		err = errors.Join(err, errors.New("server.listen may not be empty"))
	}
	if sc.Server.EventInterval <= 0 {
		err = errors.Join(err, errors.New("server.event_interval must be positive"))
	}
	if sc.Server.PingInterval <= 0 {
		err = errors.Join(err, errors.New("server.ping_interval must be positive"))
	}
	if sc.Server.ResumeBuffer <= 0 {
		err = errors.Join(err, errors.New("server.resume_buffer must be positive"))
	}

	if sc.Clients.Count <= 0 {
		err = errors.Join(err, errors.New("clients.count must be positive"))
	}

	if sc.Watchdog.CheckInterval <= 0 {
		err = errors.Join(err, errors.New("watchdog.check_interval must be positive"))
	}
	if sc.Watchdog.StaleThreshold <= 0 {
		err = errors.Join(err, errors.New("watchdog.stale_threshold must be positive"))
	}
	if sc.Watchdog.MaxStaleBeforeFresh <= 0 {
		err = errors.Join(err, errors.New("watchdog.max_stale_before_fresh must be positive"))
	}

	if sc.Faults.MuteInterval <= 0 {
		err = errors.Join(err, errors.New("faults.mute_interval must be positive"))
	}
	if sc.Faults.Duration < 0 {
		err = errors.Join(err, errors.New("faults.duration may not be negative"))
	}

	return err
}
