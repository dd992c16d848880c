package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SampleRepository     = (*Repository)(nil)
	_ repository.BaselineRepository   = (*Repository)(nil)
	_ repository.ContractRepository   = (*Repository)(nil)
	_ repository.BreachRepository     = (*Repository)(nil)
	_ repository.TrendRepository      = (*Repository)(nil)
	_ repository.DeadLetterRepository = (*Repository)(nil)
	_ repository.AnomalyRepository    = (*Repository)(nil)
)

// InsertSample appends a metric sample to the durable log.
func (r *Repository) InsertSample(ctx context.Context, sample domain.MetricSample) error {
	const query = `INSERT INTO metric_samples (entity_key, metric_type, value, ts)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, sample.EntityKey, string(sample.MetricType), sample.Value, sample.Timestamp)
	return err
}

// ListSamples returns samples for an entity metric within [start, end], oldest first.
func (r *Repository) ListSamples(ctx context.Context, entityKey string, metric domain.MetricType, start, end time.Time) ([]domain.MetricSample, error) {
	const query = `SELECT entity_key, metric_type, value, ts FROM metric_samples
		WHERE entity_key = $1 AND metric_type = $2 AND ts BETWEEN $3 AND $4
		ORDER BY ts ASC`
	rows, err := r.pool.Query(ctx, query, entityKey, string(metric), start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.MetricSample
	for rows.Next() {
		var s domain.MetricSample
		var metricType string
		if err := rows.Scan(&s.EntityKey, &metricType, &s.Value, &s.Timestamp); err != nil {
			return nil, err
		}
		s.MetricType = domain.MetricType(metricType)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// DeleteSamplesBefore removes samples older than cutoff and reports how many went.
func (r *Repository) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM metric_samples WHERE ts < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertBaseline stores a new baseline generation.
func (r *Repository) InsertBaseline(ctx context.Context, baseline domain.Baseline) error {
	const query = `INSERT INTO baselines (entity_key, metric_type, mean, p50, p95, p99, stddev, sample_size, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		baseline.EntityKey, string(baseline.MetricType), baseline.Mean,
		baseline.P50, baseline.P95, baseline.P99, baseline.StdDev,
		baseline.SampleSize, baseline.ValidFrom, baseline.ValidTo)
	return err
}

// LatestBaseline fetches the most recent baseline generation for an entity metric.
func (r *Repository) LatestBaseline(ctx context.Context, entityKey string, metric domain.MetricType) (*domain.Baseline, error) {
	const query = `SELECT entity_key, metric_type, mean, p50, p95, p99, stddev, sample_size, valid_from, valid_to
		FROM baselines WHERE entity_key = $1 AND metric_type = $2
		ORDER BY valid_from DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, entityKey, string(metric))
	var b domain.Baseline
	var metricType string
	if err := row.Scan(&b.EntityKey, &metricType, &b.Mean, &b.P50, &b.P95, &b.P99, &b.StdDev, &b.SampleSize, &b.ValidFrom, &b.ValidTo); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	b.MetricType = domain.MetricType(metricType)
	return &b, nil
}

// UpsertContract inserts or replaces a compliance contract.
func (r *Repository) UpsertContract(ctx context.Context, contract *domain.ComplianceContract) error {
	penalties, err := json.Marshal(contract.PenaltyStructure)
	if err != nil {
		return fmt.Errorf("encode penalty structure: %w", err)
	}
	const query = `INSERT INTO compliance_contracts
		(id, entity_key, availability_target, response_time_p50, response_time_p95, response_time_p99,
		 max_error_rate, min_throughput, penalty_structure, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			availability_target = EXCLUDED.availability_target,
			response_time_p50 = EXCLUDED.response_time_p50,
			response_time_p95 = EXCLUDED.response_time_p95,
			response_time_p99 = EXCLUDED.response_time_p99,
			max_error_rate = EXCLUDED.max_error_rate,
			min_throughput = EXCLUDED.min_throughput,
			penalty_structure = EXCLUDED.penalty_structure,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`
	_, err = r.pool.Exec(ctx, query,
		contract.ID, contract.EntityKey, contract.AvailabilityTarget,
		contract.ResponseTimeP50, contract.ResponseTimeP95, contract.ResponseTimeP99,
		contract.MaxErrorRate, contract.MinThroughput, penalties,
		string(contract.Status), contract.CreatedAt, contract.UpdatedAt)
	return err
}

// GetContract fetches one contract by ID.
func (r *Repository) GetContract(ctx context.Context, id string) (*domain.ComplianceContract, error) {
	const query = contractSelect + ` WHERE id = $1`
	return r.scanContract(r.pool.QueryRow(ctx, query, id))
}

// GetActiveContractByEntity returns the single active contract for an entity.
func (r *Repository) GetActiveContractByEntity(ctx context.Context, entityKey string) (*domain.ComplianceContract, error) {
	const query = contractSelect + ` WHERE entity_key = $1 AND status = 'ACTIVE'
		ORDER BY updated_at DESC LIMIT 1`
	return r.scanContract(r.pool.QueryRow(ctx, query, entityKey))
}

// ListContracts returns every known contract.
func (r *Repository) ListContracts(ctx context.Context) ([]domain.ComplianceContract, error) {
	rows, err := r.pool.Query(ctx, contractSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []domain.ComplianceContract
	for rows.Next() {
		contract, err := r.scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *contract)
	}
	return contracts, rows.Err()
}

const contractSelect = `SELECT id, entity_key, availability_target, response_time_p50, response_time_p95,
	response_time_p99, max_error_rate, min_throughput, penalty_structure, status, created_at, updated_at
	FROM compliance_contracts`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanContract(row rowScanner) (*domain.ComplianceContract, error) {
	var c domain.ComplianceContract
	var penalties []byte
	var status string
	err := row.Scan(&c.ID, &c.EntityKey, &c.AvailabilityTarget,
		&c.ResponseTimeP50, &c.ResponseTimeP95, &c.ResponseTimeP99,
		&c.MaxErrorRate, &c.MinThroughput, &penalties, &status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	c.Status = domain.ContractStatus(status)
	if len(penalties) > 0 {
		if err := json.Unmarshal(penalties, &c.PenaltyStructure); err != nil {
			return nil, fmt.Errorf("decode penalty structure: %w", err)
		}
	}
	return &c, nil
}

// InsertBreach stores a newly detected breach.
func (r *Repository) InsertBreach(ctx context.Context, breach *domain.Breach) error {
	const query = `INSERT INTO breaches
		(id, contract_id, entity_key, breach_type, expected_value, actual_value, severity, detected_at,
		 compensation_applied, compensation_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		breach.ID, breach.ContractID, breach.EntityKey, string(breach.BreachType),
		breach.ExpectedValue, breach.ActualValue, string(breach.Severity), breach.DetectedAt,
		breach.CompensationApplied, breach.CompensationAmount)
	return err
}

// ResolveBreach sets the resolution fields exactly once.
func (r *Repository) ResolveBreach(ctx context.Context, breachID string, resolvedAt time.Time, resolutionMinutes int64) error {
	const query = `UPDATE breaches SET resolved_at = $2, resolution_time_minutes = $3
		WHERE id = $1 AND resolved_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, breachID, resolvedAt, resolutionMinutes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkCompensated records the disbursed compensation for a breach.
func (r *Repository) MarkCompensated(ctx context.Context, breachID string, amount float64) error {
	const query = `UPDATE breaches SET compensation_applied = TRUE, compensation_amount = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, breachID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRecentBreaches returns the newest breaches for a contract and type, newest first.
func (r *Repository) ListRecentBreaches(ctx context.Context, contractID string, breachType domain.BreachType, limit int) ([]domain.Breach, error) {
	const query = breachSelect + ` WHERE contract_id = $1 AND breach_type = $2
		ORDER BY detected_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, contractID, string(breachType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBreaches(rows)
}

// ListOpenBreaches returns unresolved breaches for a contract, oldest first.
func (r *Repository) ListOpenBreaches(ctx context.Context, contractID string) ([]domain.Breach, error) {
	const query = breachSelect + ` WHERE contract_id = $1 AND resolved_at IS NULL
		ORDER BY detected_at ASC`
	rows, err := r.pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBreaches(rows)
}

// CountBreachesBetween counts breaches detected for a contract within a window.
func (r *Repository) CountBreachesBetween(ctx context.Context, contractID string, start, end time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM breaches WHERE contract_id = $1 AND detected_at BETWEEN $2 AND $3`
	var count int
	err := r.pool.QueryRow(ctx, query, contractID, start, end).Scan(&count)
	return count, err
}

const breachSelect = `SELECT id, contract_id, entity_key, breach_type, expected_value, actual_value,
	severity, detected_at, resolved_at, resolution_time_minutes, compensation_applied, compensation_amount
	FROM breaches`

func scanBreaches(rows pgx.Rows) ([]domain.Breach, error) {
	var breaches []domain.Breach
	for rows.Next() {
		var b domain.Breach
		var breachType, severity string
		if err := rows.Scan(&b.ID, &b.ContractID, &b.EntityKey, &breachType,
			&b.ExpectedValue, &b.ActualValue, &severity, &b.DetectedAt,
			&b.ResolvedAt, &b.ResolutionTimeMinutes, &b.CompensationApplied, &b.CompensationAmount); err != nil {
			return nil, err
		}
		b.BreachType = domain.BreachType(breachType)
		b.Severity = domain.Severity(severity)
		breaches = append(breaches, b)
	}
	return breaches, rows.Err()
}

// InsertTrend stores a trend report.
func (r *Repository) InsertTrend(ctx context.Context, trend domain.TrendReport) error {
	const query = `INSERT INTO trend_reports (id, entity_key, metric_type, slope, confidence, direction, sample_size, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		trend.ID, trend.EntityKey, string(trend.MetricType), trend.Slope,
		trend.Confidence, string(trend.Direction), trend.SampleSize, trend.Timestamp)
	return err
}

// InsertDeadLetter stores a terminally failed event.
func (r *Repository) InsertDeadLetter(ctx context.Context, letter domain.DeadLetter) error {
	const query = `INSERT INTO dead_letters
		(id, topic, original_event, error_message, error_type, correlation_id, retry_count, max_retries, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		letter.ID, letter.Topic, letter.OriginalEvent, letter.ErrorMessage,
		letter.ErrorType, letter.CorrelationID, letter.RetryCount, letter.MaxRetries, letter.Timestamp)
	return err
}

// ListUnresolvedDeadLetters returns dead letters awaiting manual handling, oldest first.
func (r *Repository) ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	const query = `SELECT id, topic, original_event, error_message, error_type, correlation_id, retry_count, max_retries, ts
		FROM dead_letters WHERE resolved = FALSE ORDER BY ts ASC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var l domain.DeadLetter
		if err := rows.Scan(&l.ID, &l.Topic, &l.OriginalEvent, &l.ErrorMessage,
			&l.ErrorType, &l.CorrelationID, &l.RetryCount, &l.MaxRetries, &l.Timestamp); err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

// InsertAnomaly stores a detected anomaly.
func (r *Repository) InsertAnomaly(ctx context.Context, anomaly domain.Anomaly) error {
	const query = `INSERT INTO anomalies
		(id, entity_key, metric_type, value, baseline_mean, zscore, classification, severity, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		anomaly.ID, anomaly.EntityKey, string(anomaly.MetricType), anomaly.Value,
		anomaly.BaselineMean, anomaly.ZScore, string(anomaly.Classification),
		anomaly.Severity, anomaly.DetectedAt)
	return err
}

// DeleteAnomaliesBefore removes anomalies older than cutoff.
func (r *Repository) DeleteAnomaliesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM anomalies WHERE detected_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
