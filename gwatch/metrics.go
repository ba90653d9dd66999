package gwatch

import "github.com/gordian-engine/gpulse/gwatch/internal/gwmetrics"

// Metrics are the metrics a [Watchdog] reports after each completed check.
// The fields in this type should not be considered stable
// and may change without notice between releases.
//
// The type alias is somewhat unfortunate,
// but the alternative would be creating yet another package...
type Metrics = gwmetrics.Metrics
