package domain

import "time"

// Baseline is the expected-performance envelope for one entity metric,
// recomputed from a trailing window and superseded rather than mutated.
type Baseline struct {
	EntityKey  string
	MetricType MetricType
	Mean       float64
	P50        float64
	P95        float64
	P99        float64
	StdDev     float64
	SampleSize int
	ValidFrom  time.Time
	ValidTo    time.Time
}

// ValidAt reports whether the baseline may be used for comparison at ts.
func (b Baseline) ValidAt(ts time.Time) bool {
	return !ts.Before(b.ValidFrom) && !ts.After(b.ValidTo)
}
