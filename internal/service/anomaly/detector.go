// Package anomaly flags samples deviating from their baseline envelope.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/anietieakpan/pulsewatch/internal/broker"
	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/metrics"
	"github.com/anietieakpan/pulsewatch/internal/repository"
	"github.com/anietieakpan/pulsewatch/internal/service/alert"
	"github.com/anietieakpan/pulsewatch/internal/service/baseline"
)

const spreadEpsilon = 0.01

// Options tunes detection.
type Options struct {
	// Sensitivity is the z-score above which a sample is anomalous.
	Sensitivity float64
	// SurrogateRatio approximates the spread as baseline.mean*ratio when the
	// baseline carries no computed stddev. This is a proportional surrogate,
	// not a statistical standard deviation; baselines with a real stddev
	// always use it.
	SurrogateRatio float64
}

// Detector scores samples against published baselines.
type Detector struct {
	baselines *baseline.Manager
	anomalies repository.AnomalyRepository
	pub       *broker.Publisher
	alerts    alert.Sender
	reg       *metrics.Registry
	opts      Options
	log       *slog.Logger
	now       func() time.Time
}

// NewDetector constructs a Detector.
func NewDetector(baselines *baseline.Manager, anomalies repository.AnomalyRepository, pub *broker.Publisher, alerts alert.Sender, reg *metrics.Registry, log *slog.Logger, opts Options) *Detector {
	if opts.Sensitivity <= 0 {
		opts.Sensitivity = 2.5
	}
	if opts.SurrogateRatio <= 0 {
		opts.SurrogateRatio = 0.3
	}
	if log != nil {
		log = log.With("component", "anomaly_detector")
	}
	return &Detector{
		baselines: baselines,
		anomalies: anomalies,
		pub:       pub,
		alerts:    alerts,
		reg:       reg,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Score computes the z-score of a value against a baseline.
func (d *Detector) Score(value float64, bl domain.Baseline) float64 {
	spread := bl.StdDev
	if spread <= 0 {
		spread = bl.Mean * d.opts.SurrogateRatio
	}
	spread = math.Max(spreadEpsilon, spread)
	return math.Abs(value-bl.Mean) / spread
}

// Evaluate checks one sample against its current baseline and, when the
// score exceeds sensitivity, records and publishes the anomaly. A nil
// return with nil error means the sample is within the envelope.
func (d *Detector) Evaluate(ctx context.Context, sample domain.MetricSample) (*domain.Anomaly, error) {
	bl, _ := d.baselines.Lookup(ctx, sample.EntityKey, sample.MetricType)
	zscore := d.Score(sample.Value, bl)
	if zscore <= d.opts.Sensitivity {
		return nil, nil
	}

	class := domain.AnomalyLow
	if sample.Value > bl.Mean {
		class = domain.AnomalyHigh
	}
	anomaly := domain.Anomaly{
		ID:             uuid.NewString(),
		EntityKey:      sample.EntityKey,
		MetricType:     sample.MetricType,
		Value:          sample.Value,
		BaselineMean:   bl.Mean,
		ZScore:         zscore,
		Classification: class,
		Severity:       math.Min(zscore/5.0, 1.0),
		DetectedAt:     d.now().UTC(),
	}

	if d.anomalies != nil {
		if err := d.anomalies.InsertAnomaly(ctx, anomaly); err != nil {
			if d.log != nil {
				d.log.Warn("anomaly persist failed", "entity", sample.EntityKey, "error", err)
			}
		}
	}
	d.publish(ctx, anomaly)
	d.notify(ctx, anomaly)

	if d.reg != nil {
		d.reg.Anomalies.WithLabelValues(string(anomaly.MetricType), string(anomaly.Classification)).Inc()
	}
	return &anomaly, nil
}

func (d *Detector) publish(ctx context.Context, anomaly domain.Anomaly) {
	if d.pub == nil {
		return
	}
	err := d.pub.Publish(ctx, broker.TopicAnomalies, map[string]any{
		"anomalyId":      anomaly.ID,
		"entityKey":      anomaly.EntityKey,
		"metricType":     string(anomaly.MetricType),
		"value":          anomaly.Value,
		"baselineMean":   anomaly.BaselineMean,
		"zscore":         anomaly.ZScore,
		"classification": string(anomaly.Classification),
		"severity":       anomaly.Severity,
	})
	if err != nil && d.log != nil {
		d.log.Error("anomaly publish failed", "entity", anomaly.EntityKey, "error", err)
	}
}

func (d *Detector) notify(ctx context.Context, anomaly domain.Anomaly) {
	if d.alerts == nil {
		return
	}
	severity := domain.SeverityMedium
	if anomaly.Severity >= 0.8 {
		severity = domain.SeverityHigh
	}
	d.alerts.Send(ctx, domain.AlertRequest{
		Kind:     "METRIC_ANOMALY",
		Severity: severity,
		Message: fmt.Sprintf("%s anomaly on %s: %.2f against baseline %.2f (z=%.2f)",
			anomaly.Classification, anomaly.EntityKey, anomaly.Value, anomaly.BaselineMean, anomaly.ZScore),
		Metadata: map[string]string{
			"entityKey":  anomaly.EntityKey,
			"metricType": string(anomaly.MetricType),
			"zscore":     fmt.Sprintf("%.3f", anomaly.ZScore),
		},
	})
}
