package mailidx

import "github.com/tshlabs/mailidx/internal/metrics"

// Metrics is the set of prometheus collectors an Index reports against.
// Share one Metrics across every Index opened in a process; see
// internal/metrics for why.
type Metrics = metrics.Metrics

// NewMetrics registers and returns a fresh Metrics. Call it once per
// process and pass the result to every Options.Metrics.
func NewMetrics() *Metrics { return metrics.New() }
