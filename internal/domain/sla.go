package domain

import "time"

// ContractStatus is the lifecycle state of a compliance contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractSuspended ContractStatus = "SUSPENDED"
)

// ComplianceContract describes the agreed service targets for one entity.
type ComplianceContract struct {
	ID                 string
	EntityKey          string
	AvailabilityTarget float64
	ResponseTimeP50    float64
	ResponseTimeP95    float64
	ResponseTimeP99    float64
	MaxErrorRate       float64
	MinThroughput      float64
	PenaltyStructure   map[BreachType]float64
	Status             ContractStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BreachType identifies which contract target was violated.
type BreachType string

const (
	BreachAvailability BreachType = "AVAILABILITY"
	BreachResponseTime BreachType = "RESPONSE_TIME"
	BreachErrorRate    BreachType = "ERROR_RATE"
	BreachThroughput   BreachType = "THROUGHPUT"
)

// Severity grades breaches, anomalies and alerts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityFromDeviation maps relative deviation to a severity band. The
// CRITICAL band is inclusive at 0.5.
func SeverityFromDeviation(deviation float64) Severity {
	switch {
	case deviation >= 0.5:
		return SeverityCritical
	case deviation > 0.2:
		return SeverityHigh
	case deviation > 0.1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SeverityFromRatio maps an actual/threshold ratio to a severity band,
// used for response-time checks where the target is an upper bound.
func SeverityFromRatio(ratio float64) Severity {
	switch {
	case ratio > 3:
		return SeverityCritical
	case ratio > 2:
		return SeverityHigh
	case ratio > 1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// CompensationMultiplier scales the contract base penalty by severity.
func CompensationMultiplier(severity Severity) float64 {
	switch severity {
	case SeverityCritical:
		return 2.0
	case SeverityHigh:
		return 1.5
	case SeverityMedium:
		return 1.0
	default:
		return 0.5
	}
}

// Breach records one instance of a metric violating its contract.
// Expected, Actual and Severity are fixed at creation; ResolvedAt is set
// exactly once.
type Breach struct {
	ID                    string
	ContractID            string
	EntityKey             string
	BreachType            BreachType
	ExpectedValue         float64
	ActualValue           float64
	Severity              Severity
	DetectedAt            time.Time
	ResolvedAt            *time.Time
	ResolutionTimeMinutes *int64
	CompensationApplied   bool
	CompensationAmount    float64
}

// Resolved reports whether the breach has been closed.
func (b Breach) Resolved() bool {
	return b.ResolvedAt != nil
}

// CompensationEligible reports whether the breach severity qualifies for
// financial compensation.
func (b Breach) CompensationEligible() bool {
	return b.Severity == SeverityHigh || b.Severity == SeverityCritical
}
