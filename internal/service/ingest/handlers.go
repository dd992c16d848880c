package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/metrics"
	"github.com/anietieakpan/pulsewatch/internal/repository"
	"github.com/anietieakpan/pulsewatch/internal/service/alert"
	"github.com/anietieakpan/pulsewatch/internal/service/resilience"
	"github.com/anietieakpan/pulsewatch/internal/service/state"
	"github.com/anietieakpan/pulsewatch/internal/stats"
)

// Inbound telemetry topics, one per domain. Each gets its own consumer
// group, concurrency fan-out and dead-letter stream.
const (
	TopicBusinessMetrics = "business-metrics"
	TopicLatency         = "latency"
	TopicCache           = "cache-performance"
	TopicSLA             = "sla"
	TopicThroughput      = "throughput"
	TopicDependencies    = "service-dependency"
	TopicDLQAlerts       = "dlq-alerts"
	TopicIncidents       = "correlated-incidents"
	TopicAmplification   = "content-amplification"
)

// ComplianceService is the breach evaluator surface the handlers need.
type ComplianceService interface {
	EvaluateSample(ctx context.Context, sample domain.MetricSample) (*domain.Breach, error)
	DefineContract(ctx context.Context, contract domain.ComplianceContract) error
	UpdateContract(ctx context.Context, contract domain.ComplianceContract) error
	SuspendContract(ctx context.Context, contractID string) error
	ReinstateContract(ctx context.Context, contractID string) error
	ResolveBreach(ctx context.Context, breachID, resolvedBy string) error
}

// AnomalyService scores samples against their baselines.
type AnomalyService interface {
	Evaluate(ctx context.Context, sample domain.MetricSample) (*domain.Anomaly, error)
}

// Handlers binds the analytics services to the per-topic event tables.
type Handlers struct {
	store      *state.Store
	samples    repository.SampleRepository
	compliance ComplianceService
	anomalies  AnomalyService
	alerts     alert.Sender
	reg        *metrics.Registry
	log        *slog.Logger

	// giniThreshold is compared against the magnitude of the computed
	// coefficient; the formula carries the distribution sign.
	giniThreshold float64
}

// NewHandlers constructs the handler set.
func NewHandlers(store *state.Store, samples repository.SampleRepository, compliance ComplianceService, anomalies AnomalyService, alerts alert.Sender, reg *metrics.Registry, log *slog.Logger, giniThreshold float64) *Handlers {
	if giniThreshold <= 0 {
		giniThreshold = 0.8
	}
	if log != nil {
		log = log.With("component", "handlers")
	}
	return &Handlers{
		store:         store,
		samples:       samples,
		compliance:    compliance,
		anomalies:     anomalies,
		alerts:        alerts,
		reg:           reg,
		log:           log,
		giniThreshold: giniThreshold,
	}
}

// Routes maps each inbound topic to its event-type handler table. Consumers
// for all topics share one pipeline shape; only these tables differ.
func (h *Handlers) Routes() map[string]map[string]HandlerFunc {
	return map[string]map[string]HandlerFunc{
		TopicBusinessMetrics: {
			"REVENUE_SAMPLE":    h.metricHandler(domain.MetricRevenue),
			"CONVERSION_SAMPLE": h.metricHandler(domain.MetricConversion),
		},
		TopicLatency: {
			"LATENCY_SAMPLE": h.metricHandler(domain.MetricResponseTime),
		},
		TopicThroughput: {
			"THROUGHPUT_SAMPLE": h.metricHandler(domain.MetricThroughput),
		},
		TopicCache: {
			"CACHE_HIT_RATIO":  h.HandleCacheHitRatio,
			"CACHE_KEY_ACCESS": h.HandleCacheKeyAccess,
		},
		TopicSLA: {
			"AVAILABILITY_CHECK":  h.metricHandler(domain.MetricAvailability),
			"ERROR_RATE_CHECK":    h.metricHandler(domain.MetricErrorRate),
			"CONTRACT_DEFINED":    h.HandleContractDefined,
			"CONTRACT_UPDATED":    h.HandleContractUpdated,
			"CONTRACT_SUSPENDED":  h.HandleContractSuspended,
			"CONTRACT_REINSTATED": h.HandleContractReinstated,
			"BREACH_RESOLVED":     h.HandleBreachResolved,
		},
		TopicDependencies: {
			"DEPENDENCY_DOWN":     h.dependencyHandler(domain.SeverityCritical),
			"DEPENDENCY_DEGRADED": h.dependencyHandler(domain.SeverityHigh),
		},
		TopicDLQAlerts: {
			"DLQ_ALERT": h.HandleDLQAlert,
		},
		TopicIncidents: {
			"CORRELATED_INCIDENT": h.HandleCorrelatedIncident,
		},
		TopicAmplification: {
			"AMPLIFICATION_SAMPLE": h.metricHandler(domain.MetricKeyAccess),
		},
	}
}

// metricHandler returns the standard sink for single-value observations:
// durable log first, then the rolling window, then compliance and anomaly
// evaluation.
func (h *Handlers) metricHandler(metric domain.MetricType) HandlerFunc {
	return func(ctx context.Context, evt Event) error {
		return h.recordSample(ctx, domain.MetricSample{
			EntityKey:  evt.EntityKey,
			MetricType: metric,
			Value:      evt.Value,
			Timestamp:  evt.Timestamp.UTC(),
		})
	}
}

func (h *Handlers) recordSample(ctx context.Context, sample domain.MetricSample) error {
	// The durable write comes first so a crash between sinks never loses the
	// sample. Delivery is at-least-once: a retry after a downstream failure
	// inserts the sample again, and the baseline window absorbs duplicates.
	if h.samples != nil {
		if err := h.samples.InsertSample(ctx, sample); err != nil {
			return fmt.Errorf("persist sample: %w", err)
		}
	}
	if h.store != nil {
		h.store.Append(sample)
		if h.reg != nil {
			h.reg.TrackedEntities.Set(float64(h.store.EntityCount()))
		}
	}
	if h.compliance != nil {
		if _, err := h.compliance.EvaluateSample(ctx, sample); err != nil {
			return fmt.Errorf("evaluate compliance: %w", err)
		}
	}
	if h.anomalies != nil {
		if _, err := h.anomalies.Evaluate(ctx, sample); err != nil {
			return fmt.Errorf("evaluate anomaly: %w", err)
		}
	}
	return nil
}

// HandleCacheHitRatio records the ratio as a sample and exposes it as a
// gauge for dashboards.
func (h *Handlers) HandleCacheHitRatio(ctx context.Context, evt Event) error {
	if h.reg != nil {
		h.reg.CacheHitRatio.WithLabelValues(evt.EntityKey).Set(evt.Value)
	}
	return h.recordSample(ctx, domain.MetricSample{
		EntityKey:  evt.EntityKey,
		MetricType: domain.MetricHitRatio,
		Value:      evt.Value,
		Timestamp:  evt.Timestamp.UTC(),
	})
}

// HandleCacheKeyAccess checks the key access distribution for hot-key skew
// using the Gini coefficient and raises an alert past the threshold.
func (h *Handlers) HandleCacheKeyAccess(ctx context.Context, evt Event) error {
	var counts map[string]float64
	if err := json.Unmarshal(evt.Data, &counts); err != nil {
		return resilience.Permanent(fmt.Errorf("decode key access distribution: %w", err))
	}
	if len(counts) == 0 {
		return nil
	}

	values := make([]float64, 0, len(counts))
	var total float64
	for key, count := range counts {
		values = append(values, count)
		total += count
		if h.store != nil {
			h.store.Update(evt.EntityKey, func(es *state.EntityState) {
				es.Counters[key] += int64(math.Round(count))
			})
		}
	}

	gini := stats.Gini(values)
	if math.Abs(gini) > h.giniThreshold && h.alerts != nil {
		h.alerts.Send(ctx, domain.AlertRequest{
			Kind:     "CACHE_KEY_SKEW",
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("cache key access on %s is heavily skewed (gini %.3f over %d keys)", evt.EntityKey, gini, len(counts)),
			Metadata: map[string]string{
				"entityKey": evt.EntityKey,
				"gini":      fmt.Sprintf("%.4f", gini),
			},
		})
	}

	return h.recordSample(ctx, domain.MetricSample{
		EntityKey:  evt.EntityKey,
		MetricType: domain.MetricKeyAccess,
		Value:      total,
		Timestamp:  evt.Timestamp.UTC(),
	})
}

// contractPayload is the wire form of a compliance contract definition.
type contractPayload struct {
	ContractID         string             `json:"contractId"`
	EntityKey          string             `json:"entityKey"`
	AvailabilityTarget float64            `json:"availabilityTarget"`
	ResponseTimeP50    float64            `json:"responseTimeP50"`
	ResponseTimeP95    float64            `json:"responseTimeP95"`
	ResponseTimeP99    float64            `json:"responseTimeP99"`
	MaxErrorRate       float64            `json:"maxErrorRate"`
	MinThroughput      float64            `json:"minThroughput"`
	PenaltyStructure   map[string]float64 `json:"penaltyStructure"`
}

func (p contractPayload) toDomain(fallbackEntity string) domain.ComplianceContract {
	entity := p.EntityKey
	if entity == "" {
		entity = fallbackEntity
	}
	penalties := make(map[domain.BreachType]float64, len(p.PenaltyStructure))
	for breachType, amount := range p.PenaltyStructure {
		penalties[domain.BreachType(breachType)] = amount
	}
	return domain.ComplianceContract{
		ID:                 p.ContractID,
		EntityKey:          entity,
		AvailabilityTarget: p.AvailabilityTarget,
		ResponseTimeP50:    p.ResponseTimeP50,
		ResponseTimeP95:    p.ResponseTimeP95,
		ResponseTimeP99:    p.ResponseTimeP99,
		MaxErrorRate:       p.MaxErrorRate,
		MinThroughput:      p.MinThroughput,
		PenaltyStructure:   penalties,
	}
}

func decodeContract(evt Event) (domain.ComplianceContract, error) {
	var payload contractPayload
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return domain.ComplianceContract{}, resilience.Permanent(fmt.Errorf("decode contract: %w", err))
	}
	if payload.ContractID == "" {
		return domain.ComplianceContract{}, resilience.Permanent(fmt.Errorf("contract event without contractId"))
	}
	return payload.toDomain(evt.EntityKey), nil
}

// HandleContractDefined registers a new compliance contract.
func (h *Handlers) HandleContractDefined(ctx context.Context, evt Event) error {
	contract, err := decodeContract(evt)
	if err != nil {
		return err
	}
	return h.compliance.DefineContract(ctx, contract)
}

// HandleContractUpdated applies new targets to an existing contract.
func (h *Handlers) HandleContractUpdated(ctx context.Context, evt Event) error {
	contract, err := decodeContract(evt)
	if err != nil {
		return err
	}
	return h.compliance.UpdateContract(ctx, contract)
}

type contractRef struct {
	ContractID string `json:"contractId"`
}

func decodeContractRef(evt Event) (string, error) {
	var ref contractRef
	if err := json.Unmarshal(evt.Data, &ref); err != nil {
		return "", resilience.Permanent(fmt.Errorf("decode contract reference: %w", err))
	}
	if ref.ContractID == "" {
		return "", resilience.Permanent(fmt.Errorf("contract event without contractId"))
	}
	return ref.ContractID, nil
}

// HandleContractSuspended pauses breach evaluation for a contract.
func (h *Handlers) HandleContractSuspended(ctx context.Context, evt Event) error {
	id, err := decodeContractRef(evt)
	if err != nil {
		return err
	}
	return h.compliance.SuspendContract(ctx, id)
}

// HandleContractReinstated resumes breach evaluation.
func (h *Handlers) HandleContractReinstated(ctx context.Context, evt Event) error {
	id, err := decodeContractRef(evt)
	if err != nil {
		return err
	}
	return h.compliance.ReinstateContract(ctx, id)
}

type breachResolution struct {
	BreachID   string `json:"breachId"`
	ResolvedBy string `json:"resolvedBy"`
}

// HandleBreachResolved closes a breach from an explicit resolution event.
func (h *Handlers) HandleBreachResolved(ctx context.Context, evt Event) error {
	var res breachResolution
	if err := json.Unmarshal(evt.Data, &res); err != nil {
		return resilience.Permanent(fmt.Errorf("decode breach resolution: %w", err))
	}
	if res.BreachID == "" {
		return resilience.Permanent(fmt.Errorf("resolution event without breachId"))
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = "resolution event"
	}
	return h.compliance.ResolveBreach(ctx, res.BreachID, res.ResolvedBy)
}

// dependencyHandler records dependency incidents against the entity state
// and surfaces them as operator alerts.
func (h *Handlers) dependencyHandler(severity domain.Severity) HandlerFunc {
	return func(ctx context.Context, evt Event) error {
		if h.store != nil {
			h.store.Update(evt.EntityKey, func(es *state.EntityState) {
				es.Counters["dependency_incidents"]++
				es.LastSeen = evt.Timestamp.UTC()
			})
		}
		if h.alerts != nil {
			h.alerts.Send(ctx, domain.AlertRequest{
				Kind:     evt.EventType,
				Severity: severity,
				Message:  fmt.Sprintf("dependency incident on %s", evt.EntityKey),
				Metadata: map[string]string{
					"entityKey":     evt.EntityKey,
					"correlationId": evt.CorrelationID,
				},
			})
		}
		return nil
	}
}

// HandleDLQAlert surfaces foreign dead-letter notifications so stuck queues
// elsewhere in the platform are visible to operators here.
func (h *Handlers) HandleDLQAlert(ctx context.Context, evt Event) error {
	if h.alerts == nil {
		return nil
	}
	h.alerts.Send(ctx, domain.AlertRequest{
		Kind:     "UPSTREAM_DLQ_ALERT",
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("upstream dead-letter activity reported for %s", evt.EntityKey),
		Metadata: map[string]string{
			"entityKey":     evt.EntityKey,
			"correlationId": evt.CorrelationID,
		},
	})
	return nil
}

type incidentPayload struct {
	IncidentID string   `json:"incidentId"`
	Services   []string `json:"services"`
	Summary    string   `json:"summary"`
}

// HandleCorrelatedIncident surfaces a cross-service incident correlation.
func (h *Handlers) HandleCorrelatedIncident(ctx context.Context, evt Event) error {
	var incident incidentPayload
	if err := json.Unmarshal(evt.Data, &incident); err != nil {
		return resilience.Permanent(fmt.Errorf("decode incident: %w", err))
	}
	if h.store != nil {
		h.store.Update(evt.EntityKey, func(es *state.EntityState) {
			es.Counters["correlated_incidents"]++
			es.LastSeen = evt.Timestamp.UTC()
		})
	}
	if h.alerts != nil {
		h.alerts.Send(ctx, domain.AlertRequest{
			Kind:     "CORRELATED_INCIDENT",
			Severity: domain.SeverityHigh,
			Message:  fmt.Sprintf("correlated incident %s spanning %d services: %s", incident.IncidentID, len(incident.Services), incident.Summary),
			Metadata: map[string]string{
				"incidentId": incident.IncidentID,
				"entityKey":  evt.EntityKey,
			},
		})
	}
	return nil
}
