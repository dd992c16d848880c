// Package metrics registers the prometheus collectors for the service. All
// recording is passive; no control flow depends on these values.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Registry bundles the collectors shared across the service.
type Registry struct {
	EventsProcessed *prometheus.CounterVec
	EventErrors     *prometheus.CounterVec
	Breaches        *prometheus.CounterVec
	Anomalies       *prometheus.CounterVec
	DedupHits       prometheus.Counter
	DeadLetters     *prometheus.CounterVec
	Escalations     prometheus.Counter

	HandleDuration *prometheus.HistogramVec
	SweepDuration  *prometheus.HistogramVec

	ComplianceRate  *prometheus.GaugeVec
	CacheHitRatio   *prometheus.GaugeVec
	OpenBreaches    *prometheus.GaugeVec
	TrackedEntities prometheus.Gauge
}

// New builds and registers the collectors, tolerating duplicate registration
// so tests can construct more than one Registry.
func New() *Registry {
	r := &Registry{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsewatch",
			Name:      "events_processed_total",
			Help:      "Count of processed telemetry events",
		}, []string{"topic", "event_type"}),
		EventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsewatch",
			Name:      "event_errors_total",
			Help:      "Count of event handling failures by stage",
		}, []string{"topic", "stage"}),
		Breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsewatch",
			Name:      "breaches_total",
			Help:      "Count of detected contract breaches",
		}, []string{"breach_type", "severity"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsewatch",
			Name:      "anomalies_total",
			Help:      "Count of detected anomalies",
		}, []string{"metric_type", "classification"}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsewatch",
			Name:      "dedup_hits_total",
			Help:      "Count of duplicate events dropped by the dedup gate",
		}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsewatch",
			Name:      "dead_letters_total",
			Help:      "Count of events routed to dead-letter streams",
		}, []string{"topic"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsewatch",
			Name:      "escalations_total",
			Help:      "Count of consecutive-breach escalations",
		}),
		HandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulsewatch",
			Name:      "event_handle_duration_seconds",
			Help:      "Latency distribution of event handlers",
			Buckets:   durationBuckets,
		}, []string{"topic"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulsewatch",
			Name:      "sweep_duration_seconds",
			Help:      "Latency distribution of scheduled analysis sweeps",
			Buckets:   durationBuckets,
		}, []string{"task"}),
		ComplianceRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulsewatch",
			Name:      "compliance_rate",
			Help:      "Latest per-contract compliance rate",
		}, []string{"contract_id"}),
		CacheHitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulsewatch",
			Name:      "cache_hit_ratio",
			Help:      "Latest observed cache hit ratio",
		}, []string{"entity_key"}),
		OpenBreaches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulsewatch",
			Name:      "open_breaches",
			Help:      "Currently unresolved breaches per contract",
		}, []string{"contract_id"}),
		TrackedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsewatch",
			Name:      "tracked_entities",
			Help:      "Number of entities in the state store",
		}),
	}

	collectors := []prometheus.Collector{
		r.EventsProcessed, r.EventErrors, r.Breaches, r.Anomalies, r.DedupHits,
		r.DeadLetters, r.Escalations, r.HandleDuration, r.SweepDuration,
		r.ComplianceRate, r.CacheHitRatio, r.OpenBreaches, r.TrackedEntities,
	}
	for i, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				reassign(r, i, already.ExistingCollector)
			}
		}
	}
	return r
}

func reassign(r *Registry, idx int, existing prometheus.Collector) {
	switch idx {
	case 0:
		r.EventsProcessed = existing.(*prometheus.CounterVec)
	case 1:
		r.EventErrors = existing.(*prometheus.CounterVec)
	case 2:
		r.Breaches = existing.(*prometheus.CounterVec)
	case 3:
		r.Anomalies = existing.(*prometheus.CounterVec)
	case 4:
		r.DedupHits = existing.(prometheus.Counter)
	case 5:
		r.DeadLetters = existing.(*prometheus.CounterVec)
	case 6:
		r.Escalations = existing.(prometheus.Counter)
	case 7:
		r.HandleDuration = existing.(*prometheus.HistogramVec)
	case 8:
		r.SweepDuration = existing.(*prometheus.HistogramVec)
	case 9:
		r.ComplianceRate = existing.(*prometheus.GaugeVec)
	case 10:
		r.CacheHitRatio = existing.(*prometheus.GaugeVec)
	case 11:
		r.OpenBreaches = existing.(*prometheus.GaugeVec)
	case 12:
		r.TrackedEntities = existing.(prometheus.Gauge)
	}
}

// ObserveHandle records one event handling duration.
func (r *Registry) ObserveHandle(topic string, d time.Duration) {
	if r == nil {
		return
	}
	r.HandleDuration.With(prometheus.Labels{"topic": topic}).Observe(d.Seconds())
}

// ObserveSweep records one scheduled task duration.
func (r *Registry) ObserveSweep(task string, d time.Duration) {
	if r == nil {
		return
	}
	r.SweepDuration.With(prometheus.Labels{"task": task}).Observe(d.Seconds())
}
