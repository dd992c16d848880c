// Package compliance checks samples against contracts and runs the breach
// lifecycle: detection, consecutive-breach escalation, resolution and
// compensation.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anietieakpan/pulsewatch/internal/broker"
	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/metrics"
	"github.com/anietieakpan/pulsewatch/internal/repository"
	"github.com/anietieakpan/pulsewatch/internal/service/alert"
)

const historyCap = 100

// ErrUnknownContract is returned when a lifecycle event references a
// contract that was never defined.
var ErrUnknownContract = errors.New("compliance: unknown contract")

// ErrUnknownBreach is returned when a resolution event references a breach
// that is not open.
var ErrUnknownBreach = errors.New("compliance: unknown breach")

// Options tunes the breach lifecycle.
type Options struct {
	// EscalationThreshold is the consecutive-breach count that elevates a
	// contract metric into an escalation.
	EscalationThreshold int
	// ResolutionTolerance is the fraction of the trigger threshold a metric
	// must recover past before an open breach auto-resolves.
	ResolutionTolerance float64
	// AutoCompensation disburses eligible compensation immediately instead
	// of queueing it for manual approval.
	AutoCompensation bool
}

type metricKey struct {
	contractID string
	breachType domain.BreachType
}

// Evaluator owns the contract registry and breach state machine. It is safe
// for concurrent use by ingestion lanes and scheduler sweeps.
type Evaluator struct {
	mu          sync.Mutex
	byID        map[string]*domain.ComplianceContract
	byEntity    map[string]*domain.ComplianceContract
	open        map[metricKey]*domain.Breach
	consecutive map[metricKey]int
	history     map[string][]domain.Breach
	evaluations map[string]int
	violations  map[string]int

	contracts repository.ContractRepository
	breaches  repository.BreachRepository
	pub       *broker.Publisher
	alerts    alert.Sender
	reg       *metrics.Registry
	opts      Options
	log       *slog.Logger
	now       func() time.Time
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(contracts repository.ContractRepository, breaches repository.BreachRepository, pub *broker.Publisher, alerts alert.Sender, reg *metrics.Registry, log *slog.Logger, opts Options) *Evaluator {
	if opts.EscalationThreshold <= 0 {
		opts.EscalationThreshold = 3
	}
	if opts.ResolutionTolerance <= 0 || opts.ResolutionTolerance >= 1 {
		opts.ResolutionTolerance = 0.9
	}
	if log != nil {
		log = log.With("component", "compliance")
	}
	return &Evaluator{
		byID:        make(map[string]*domain.ComplianceContract),
		byEntity:    make(map[string]*domain.ComplianceContract),
		open:        make(map[metricKey]*domain.Breach),
		consecutive: make(map[metricKey]int),
		history:     make(map[string][]domain.Breach),
		evaluations: make(map[string]int),
		violations:  make(map[string]int),
		contracts:   contracts,
		breaches:    breaches,
		pub:         pub,
		alerts:      alerts,
		reg:         reg,
		opts:        opts,
		log:         log,
		now:         time.Now,
	}
}

// DefineContract registers a contract, replacing any previous active
// contract for the same entity.
func (e *Evaluator) DefineContract(ctx context.Context, contract domain.ComplianceContract) error {
	if contract.ID == "" || contract.EntityKey == "" {
		return errors.New("compliance: contract requires id and entity key")
	}
	now := e.now().UTC()
	if contract.CreatedAt.IsZero() {
		contract.CreatedAt = now
	}
	contract.UpdatedAt = now
	if contract.Status == "" {
		contract.Status = domain.ContractActive
	}

	e.mu.Lock()
	c := contract
	if prev, ok := e.byEntity[c.EntityKey]; ok && prev.ID != c.ID {
		// A replacement under a new ID supersedes the old contract; drop it
		// so it stops appearing in reports.
		delete(e.byID, prev.ID)
		delete(e.evaluations, prev.ID)
		delete(e.violations, prev.ID)
	}
	e.byID[c.ID] = &c
	e.byEntity[c.EntityKey] = &c
	e.mu.Unlock()

	if e.contracts != nil {
		if err := e.contracts.UpsertContract(ctx, &c); err != nil {
			return fmt.Errorf("persist contract %s: %w", c.ID, err)
		}
	}
	if e.log != nil {
		e.log.Info("contract defined", "contract_id", c.ID, "entity", c.EntityKey)
	}
	return nil
}

// UpdateContract applies new targets to an existing contract.
func (e *Evaluator) UpdateContract(ctx context.Context, contract domain.ComplianceContract) error {
	e.mu.Lock()
	existing, ok := e.byID[contract.ID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownContract
	}
	contract.CreatedAt = existing.CreatedAt
	contract.Status = existing.Status
	e.mu.Unlock()
	return e.DefineContract(ctx, contract)
}

// SuspendContract stops breach evaluation for a contract. Metrics keep
// flowing; evaluating against a suspended contract is a no-op.
func (e *Evaluator) SuspendContract(ctx context.Context, contractID string) error {
	return e.setStatus(ctx, contractID, domain.ContractSuspended)
}

// ReinstateContract resumes breach evaluation.
func (e *Evaluator) ReinstateContract(ctx context.Context, contractID string) error {
	return e.setStatus(ctx, contractID, domain.ContractActive)
}

func (e *Evaluator) setStatus(ctx context.Context, contractID string, status domain.ContractStatus) error {
	e.mu.Lock()
	contract, ok := e.byID[contractID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownContract
	}
	contract.Status = status
	contract.UpdatedAt = e.now().UTC()
	c := *contract
	e.mu.Unlock()

	if e.contracts != nil {
		if err := e.contracts.UpsertContract(ctx, &c); err != nil {
			return fmt.Errorf("persist contract %s: %w", contractID, err)
		}
	}
	if e.log != nil {
		e.log.Info("contract status changed", "contract_id", contractID, "status", string(status))
	}
	return nil
}

// Contract returns a copy of the registered contract.
func (e *Evaluator) Contract(contractID string) (domain.ComplianceContract, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	contract, ok := e.byID[contractID]
	if !ok {
		return domain.ComplianceContract{}, false
	}
	return *contract, true
}

// History returns the capped breach history for a contract, oldest first.
func (e *Evaluator) History(contractID string) []domain.Breach {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Breach(nil), e.history[contractID]...)
}

// Restore rehydrates open breaches from the durable store so resolution
// keeps working across a restart. Consecutive-breach streaks start over;
// escalation needs a fresh run of violations.
func (e *Evaluator) Restore(ctx context.Context) error {
	if e.breaches == nil {
		return nil
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.byID))
	for id := range e.byID {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var restored int
	for _, id := range ids {
		openBreaches, err := e.breaches.ListOpenBreaches(ctx, id)
		if err != nil {
			return fmt.Errorf("load open breaches for %s: %w", id, err)
		}
		e.mu.Lock()
		for _, breach := range openBreaches {
			key := metricKey{contractID: breach.ContractID, breachType: breach.BreachType}
			// Oldest first: the earliest unresolved breach per metric is the
			// one auto-recovery tracks.
			if _, open := e.open[key]; !open {
				b := breach
				e.open[key] = &b
				restored++
			}
			history := append(e.history[id], breach)
			if len(history) > historyCap {
				history = history[len(history)-historyCap:]
			}
			e.history[id] = history
		}
		e.mu.Unlock()
	}
	if restored > 0 && e.log != nil {
		e.log.Info("open breaches restored", "count", restored)
	}
	return nil
}

// check is the outcome of comparing one sample against one contract target.
type check struct {
	breachType domain.BreachType
	expected   float64
	compliant  bool
	severity   domain.Severity
	// upperBound is true when the target is a ceiling (response time, error
	// rate) rather than a floor (availability, throughput).
	upperBound bool
}

func evaluateTarget(contract *domain.ComplianceContract, sample domain.MetricSample) (check, bool) {
	switch sample.MetricType {
	case domain.MetricAvailability:
		return check{
			breachType: domain.BreachAvailability,
			expected:   contract.AvailabilityTarget,
			compliant:  sample.Value >= contract.AvailabilityTarget,
			severity:   domain.SeverityFromDeviation(relativeDeviation(contract.AvailabilityTarget, sample.Value)),
		}, true
	case domain.MetricErrorRate:
		return check{
			breachType: domain.BreachErrorRate,
			expected:   contract.MaxErrorRate,
			compliant:  sample.Value <= contract.MaxErrorRate,
			severity:   domain.SeverityFromDeviation(relativeDeviation(contract.MaxErrorRate, sample.Value)),
			upperBound: true,
		}, true
	case domain.MetricThroughput:
		return check{
			breachType: domain.BreachThroughput,
			expected:   contract.MinThroughput,
			compliant:  sample.Value >= contract.MinThroughput,
			severity:   domain.SeverityFromDeviation(relativeDeviation(contract.MinThroughput, sample.Value)),
		}, true
	case domain.MetricResponseTime:
		threshold := contract.ResponseTimeP95
		return check{
			breachType: domain.BreachResponseTime,
			expected:   threshold,
			compliant:  sample.Value <= threshold,
			severity:   domain.SeverityFromRatio(safeRatio(sample.Value, threshold)),
			upperBound: true,
		}, true
	default:
		return check{}, false
	}
}

func relativeDeviation(expected, actual float64) float64 {
	if expected == 0 {
		return 0
	}
	return math.Abs(expected-actual) / expected
}

func safeRatio(actual, threshold float64) float64 {
	if threshold == 0 {
		return 0
	}
	return actual / threshold
}

// EvaluateSample runs the breach state machine for one sample. It returns
// the created breach, or nil when the sample is compliant, unmatched, or the
// contract is suspended.
func (e *Evaluator) EvaluateSample(ctx context.Context, sample domain.MetricSample) (*domain.Breach, error) {
	e.mu.Lock()
	contract, ok := e.byEntity[sample.EntityKey]
	if !ok || contract.Status != domain.ContractActive {
		e.mu.Unlock()
		return nil, nil
	}
	chk, ok := evaluateTarget(contract, sample)
	if !ok {
		e.mu.Unlock()
		return nil, nil
	}
	e.evaluations[contract.ID]++
	contractCopy := *contract
	e.mu.Unlock()

	key := metricKey{contractID: contractCopy.ID, breachType: chk.breachType}

	// While a breach is open, a sample recovering past the hysteresis band
	// (tolerance * threshold) resolves it regardless of full compliance.
	// The band keeps the incident from flapping at the exact threshold.
	e.mu.Lock()
	if breach, open := e.open[key]; open {
		band := chk.expected * e.opts.ResolutionTolerance
		var recovered bool
		if chk.upperBound {
			recovered = sample.Value <= band
		} else {
			recovered = sample.Value >= band
		}
		if recovered {
			breachCopy := *breach
			delete(e.open, key)
			e.consecutive[key] = 0
			e.mu.Unlock()
			e.resolve(ctx, breachCopy, "auto recovery")
			return nil, nil
		}
	}
	if chk.compliant {
		e.consecutive[key] = 0
		e.mu.Unlock()
		return nil, nil
	}
	e.mu.Unlock()

	return e.handleViolation(ctx, &contractCopy, key, chk, sample)
}

func (e *Evaluator) handleViolation(ctx context.Context, contract *domain.ComplianceContract, key metricKey, chk check, sample domain.MetricSample) (*domain.Breach, error) {
	now := e.now().UTC()
	breach := domain.Breach{
		ID:            uuid.NewString(),
		ContractID:    contract.ID,
		EntityKey:     contract.EntityKey,
		BreachType:    chk.breachType,
		ExpectedValue: chk.expected,
		ActualValue:   sample.Value,
		Severity:      chk.severity,
		DetectedAt:    now,
	}

	e.mu.Lock()
	e.violations[contract.ID]++
	e.consecutive[key]++
	streak := e.consecutive[key]
	if _, open := e.open[key]; !open {
		b := breach
		e.open[key] = &b
	}
	history := append(e.history[contract.ID], breach)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	e.history[contract.ID] = history
	e.mu.Unlock()

	if e.breaches != nil {
		if err := e.breaches.InsertBreach(ctx, &breach); err != nil {
			return nil, fmt.Errorf("persist breach %s: %w", breach.ID, err)
		}
	}
	if e.reg != nil {
		e.reg.Breaches.WithLabelValues(string(breach.BreachType), string(breach.Severity)).Inc()
	}
	e.notifyBreach(ctx, breach)

	if breach.CompensationEligible() {
		e.compensate(ctx, contract, breach)
	}

	// Exactly one escalation per streak, at the configured threshold.
	if streak == e.opts.EscalationThreshold {
		e.escalate(ctx, contract, chk.breachType, streak)
	}

	if e.log != nil {
		e.log.Warn("contract breached",
			"contract_id", contract.ID,
			"breach_type", string(breach.BreachType),
			"expected", breach.ExpectedValue,
			"actual", breach.ActualValue,
			"severity", string(breach.Severity),
			"streak", streak)
	}
	return &breach, nil
}

func (e *Evaluator) notifyBreach(ctx context.Context, breach domain.Breach) {
	if e.alerts == nil {
		return
	}
	e.alerts.Send(ctx, domain.AlertRequest{
		Kind:     "CONTRACT_BREACH",
		Severity: breach.Severity,
		Message: fmt.Sprintf("%s breach on %s: expected %.4f, got %.4f",
			breach.BreachType, breach.EntityKey, breach.ExpectedValue, breach.ActualValue),
		Metadata: map[string]string{
			"breachId":   breach.ID,
			"contractId": breach.ContractID,
			"breachType": string(breach.BreachType),
		},
	})
}

// ResolveBreach closes a breach from an explicit resolution event.
func (e *Evaluator) ResolveBreach(ctx context.Context, breachID, resolvedBy string) error {
	e.mu.Lock()
	var target *domain.Breach
	var targetKey metricKey
	for key, breach := range e.open {
		if breach.ID == breachID {
			target = breach
			targetKey = key
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return ErrUnknownBreach
	}
	breachCopy := *target
	delete(e.open, targetKey)
	e.consecutive[targetKey] = 0
	e.mu.Unlock()

	e.resolve(ctx, breachCopy, resolvedBy)
	return nil
}

func (e *Evaluator) resolve(ctx context.Context, breach domain.Breach, resolvedBy string) {
	resolvedAt := e.now().UTC()
	minutes := int64(resolvedAt.Sub(breach.DetectedAt).Minutes())
	if minutes < 0 {
		minutes = 0
	}

	if e.breaches != nil {
		if err := e.breaches.ResolveBreach(ctx, breach.ID, resolvedAt, minutes); err != nil {
			if e.log != nil {
				e.log.Warn("breach resolution persist failed", "breach_id", breach.ID, "error", err)
			}
		}
	}
	if e.alerts != nil {
		e.alerts.Send(ctx, domain.AlertRequest{
			Kind:     "BREACH_RESOLVED",
			Severity: domain.SeverityLow,
			Message:  fmt.Sprintf("breach %s on %s resolved after %d minutes", breach.ID, breach.EntityKey, minutes),
			Metadata: map[string]string{
				"breachId":   breach.ID,
				"contractId": breach.ContractID,
				"resolvedBy": resolvedBy,
			},
		})
	}
	if e.log != nil {
		e.log.Info("breach resolved", "breach_id", breach.ID, "resolution_minutes", minutes, "resolved_by", resolvedBy)
	}
}

func (e *Evaluator) escalate(ctx context.Context, contract *domain.ComplianceContract, breachType domain.BreachType, streak int) {
	if e.pub != nil {
		err := e.pub.Publish(ctx, broker.TopicEscalations, map[string]any{
			"contractId":          contract.ID,
			"entityKey":           contract.EntityKey,
			"metricType":          string(breachType),
			"consecutiveBreaches": streak,
			"severity":            string(domain.SeverityCritical),
		})
		if err != nil && e.log != nil {
			e.log.Error("escalation publish failed", "contract_id", contract.ID, "error", err)
		}
	}
	if e.alerts != nil {
		e.alerts.Send(ctx, domain.AlertRequest{
			Kind:     "BREACH_ESCALATION",
			Severity: domain.SeverityCritical,
			Message:  fmt.Sprintf("%d consecutive %s breaches on contract %s", streak, breachType, contract.ID),
			Metadata: map[string]string{
				"contractId": contract.ID,
				"metricType": string(breachType),
			},
		})
	}
	if e.reg != nil {
		e.reg.Escalations.Inc()
	}
}

// compensate computes the penalty amount and either disburses it or queues
// it for manual approval, per policy.
func (e *Evaluator) compensate(ctx context.Context, contract *domain.ComplianceContract, breach domain.Breach) {
	base, ok := contract.PenaltyStructure[breach.BreachType]
	if !ok || base <= 0 {
		return
	}
	amount := base * domain.CompensationMultiplier(breach.Severity)

	autoApproved := e.opts.AutoCompensation
	if autoApproved && e.breaches != nil {
		if err := e.breaches.MarkCompensated(ctx, breach.ID, amount); err != nil {
			if e.log != nil {
				e.log.Warn("compensation persist failed", "breach_id", breach.ID, "error", err)
			}
		}
	}
	if e.pub != nil {
		err := e.pub.Publish(ctx, broker.TopicCompensation, map[string]any{
			"breachId":      breach.ID,
			"contractId":    contract.ID,
			"breachType":    string(breach.BreachType),
			"severity":      string(breach.Severity),
			"amount":        amount,
			"autoInitiated": autoApproved,
		})
		if err != nil && e.log != nil {
			e.log.Error("compensation publish failed", "breach_id", breach.ID, "error", err)
		}
	}
}

// CompensationAmount exposes the penalty computation for reporting.
func (e *Evaluator) CompensationAmount(contract domain.ComplianceContract, breach domain.Breach) float64 {
	base, ok := contract.PenaltyStructure[breach.BreachType]
	if !ok {
		return 0
	}
	return base * domain.CompensationMultiplier(breach.Severity)
}

// Report summarizes compliance for all contracts since the previous report
// and publishes it. Contracts below target rates raise alerts.
func (e *Evaluator) Report(ctx context.Context, periodStart, periodEnd time.Time) []domain.ComplianceReport {
	e.mu.Lock()
	reports := make([]domain.ComplianceReport, 0, len(e.byID))
	for id, contract := range e.byID {
		evals := e.evaluations[id]
		viols := e.violations[id]
		rate := 1.0
		if evals > 0 {
			rate = 1.0 - float64(viols)/float64(evals)
		}
		var openCount int
		for key := range e.open {
			if key.contractID == id {
				openCount++
			}
		}
		reports = append(reports, domain.ComplianceReport{
			ContractID:     id,
			EntityKey:      contract.EntityKey,
			ComplianceRate: rate,
			BreachCount:    viols,
			OpenBreaches:   openCount,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			GeneratedAt:    e.now().UTC(),
		})
		e.evaluations[id] = 0
		e.violations[id] = 0
	}
	e.mu.Unlock()

	for _, report := range reports {
		if e.reg != nil {
			e.reg.ComplianceRate.WithLabelValues(report.ContractID).Set(report.ComplianceRate)
			e.reg.OpenBreaches.WithLabelValues(report.ContractID).Set(float64(report.OpenBreaches))
		}
		if e.pub != nil {
			err := e.pub.Publish(ctx, broker.TopicReports, map[string]any{
				"contractId":     report.ContractID,
				"entityKey":      report.EntityKey,
				"complianceRate": report.ComplianceRate,
				"breachCount":    report.BreachCount,
				"openBreaches":   report.OpenBreaches,
				"periodStart":    report.PeriodStart.UTC().Format(time.RFC3339),
				"periodEnd":      report.PeriodEnd.UTC().Format(time.RFC3339),
			})
			if err != nil && e.log != nil {
				e.log.Error("report publish failed", "contract_id", report.ContractID, "error", err)
			}
		}
		if e.alerts != nil && report.ComplianceRate < 0.95 {
			severity := domain.SeverityMedium
			if report.ComplianceRate < 0.90 {
				severity = domain.SeverityHigh
			}
			e.alerts.Send(ctx, domain.AlertRequest{
				Kind:     "COMPLIANCE_DEGRADED",
				Severity: severity,
				Message:  fmt.Sprintf("contract %s compliance rate %.3f below 0.95", report.ContractID, report.ComplianceRate),
				Metadata: map[string]string{"contractId": report.ContractID},
			})
		}
	}
	return reports
}
