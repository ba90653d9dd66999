package gwatch

import "errors"

// ErrAlreadyRunning is returned from [*Watchdog.Start]
// when the watchdog already has a running kernel.
// Stop the watchdog before starting it again.
var ErrAlreadyRunning = errors.New("watchdog already running")

// errStopRequested is the cancellation cause recorded
// when [*Watchdog.Stop] shuts down the kernel.
var errStopRequested = errors.New("stop requested")
