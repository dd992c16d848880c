package domain

import "time"

// MetricType identifies the dimension a sample measures.
type MetricType string

const (
	MetricAvailability MetricType = "AVAILABILITY"
	MetricResponseTime MetricType = "RESPONSE_TIME"
	MetricErrorRate    MetricType = "ERROR_RATE"
	MetricThroughput   MetricType = "THROUGHPUT"
	MetricHitRatio     MetricType = "HIT_RATIO"
	MetricRevenue      MetricType = "REVENUE"
	MetricConversion   MetricType = "CONVERSION"
	MetricKeyAccess    MetricType = "KEY_ACCESS"
)

// MetricSample is one immutable telemetry observation for an entity.
type MetricSample struct {
	EntityKey  string
	MetricType MetricType
	Value      float64
	Timestamp  time.Time
}

// TrendDirection labels the slope sign of a significant trend.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "INCREASING"
	TrendDecreasing TrendDirection = "DECREASING"
)

// TrendReport records a statistically significant trend for an entity metric.
type TrendReport struct {
	ID         string
	EntityKey  string
	MetricType MetricType
	Slope      float64
	Confidence float64
	Direction  TrendDirection
	SampleSize int
	Timestamp  time.Time
}
