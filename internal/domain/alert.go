package domain

import "time"

// AlertRequest is the ephemeral payload handed to the alerting collaborator.
// It is not persisted by the core; the dispatcher decides what to do with it.
type AlertRequest struct {
	Kind     string
	Severity Severity
	Message  string
	Metadata map[string]string
}

// Anomaly records a sample deviating from its baseline beyond sensitivity.
type Anomaly struct {
	ID             string
	EntityKey      string
	MetricType     MetricType
	Value          float64
	BaselineMean   float64
	ZScore         float64
	Classification AnomalyClass
	Severity       float64
	DetectedAt     time.Time
}

// AnomalyClass says which side of the baseline the sample landed on.
type AnomalyClass string

const (
	AnomalyHigh AnomalyClass = "HIGH"
	AnomalyLow  AnomalyClass = "LOW"
)

// ComplianceReport summarizes contract compliance over a reporting period.
type ComplianceReport struct {
	ContractID     string
	EntityKey      string
	ComplianceRate float64
	BreachCount    int
	OpenBreaches   int
	PeriodStart    time.Time
	PeriodEnd      time.Time
	GeneratedAt    time.Time
}
