package repository

import (
	"context"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
)

// SampleRepository persists the durable log of metric samples.
type SampleRepository interface {
	InsertSample(ctx context.Context, sample domain.MetricSample) error
	ListSamples(ctx context.Context, entityKey string, metric domain.MetricType, start, end time.Time) ([]domain.MetricSample, error)
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BaselineRepository stores superseding baseline generations.
type BaselineRepository interface {
	InsertBaseline(ctx context.Context, baseline domain.Baseline) error
	LatestBaseline(ctx context.Context, entityKey string, metric domain.MetricType) (*domain.Baseline, error)
}

// ContractRepository persists compliance contracts.
type ContractRepository interface {
	UpsertContract(ctx context.Context, contract *domain.ComplianceContract) error
	GetContract(ctx context.Context, id string) (*domain.ComplianceContract, error)
	GetActiveContractByEntity(ctx context.Context, entityKey string) (*domain.ComplianceContract, error)
	ListContracts(ctx context.Context) ([]domain.ComplianceContract, error)
}

// BreachRepository persists breach records and their lifecycle updates.
type BreachRepository interface {
	InsertBreach(ctx context.Context, breach *domain.Breach) error
	ResolveBreach(ctx context.Context, breachID string, resolvedAt time.Time, resolutionMinutes int64) error
	MarkCompensated(ctx context.Context, breachID string, amount float64) error
	ListRecentBreaches(ctx context.Context, contractID string, breachType domain.BreachType, limit int) ([]domain.Breach, error)
	ListOpenBreaches(ctx context.Context, contractID string) ([]domain.Breach, error)
	CountBreachesBetween(ctx context.Context, contractID string, start, end time.Time) (int, error)
}

// TrendRepository stores generated trend reports.
type TrendRepository interface {
	InsertTrend(ctx context.Context, trend domain.TrendReport) error
}

// DeadLetterRepository stores terminally failed events for manual handling.
type DeadLetterRepository interface {
	InsertDeadLetter(ctx context.Context, letter domain.DeadLetter) error
	ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// AnomalyRepository stores detected anomalies.
type AnomalyRepository interface {
	InsertAnomaly(ctx context.Context, anomaly domain.Anomaly) error
	DeleteAnomaliesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
