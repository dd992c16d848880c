package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/anietieakpan/pulsewatch/internal/broker"
	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/repository"
	"github.com/anietieakpan/pulsewatch/internal/service/state"
	"github.com/anietieakpan/pulsewatch/internal/stats"
)

// BaselineRefresher recomputes one entity metric baseline.
type BaselineRefresher interface {
	Refresh(ctx context.Context, entityKey string, metric domain.MetricType) error
}

// AnomalyEvaluator scores one sample against its baseline.
type AnomalyEvaluator interface {
	Evaluate(ctx context.Context, sample domain.MetricSample) (*domain.Anomaly, error)
}

// ReportGenerator produces the periodic compliance summary.
type ReportGenerator interface {
	Report(ctx context.Context, periodStart, periodEnd time.Time) []domain.ComplianceReport
}

// BaselineRefreshTask recomputes baselines for every tracked entity metric.
func BaselineRefreshTask(every time.Duration, store *state.Store, baselines BaselineRefresher, log *slog.Logger) Task {
	return Task{
		Name:  "baseline_refresh",
		Every: every,
		Run: func(ctx context.Context) error {
			var failed int
			store.Walk(func(es state.EntityState) {
				for metric := range es.Histories {
					if err := baselines.Refresh(ctx, es.EntityKey, metric); err != nil {
						failed++
						if log != nil {
							log.Warn("baseline refresh failed", "entity", es.EntityKey, "metric", string(metric), "error", err)
						}
					}
				}
			})
			if failed > 0 {
				return fmt.Errorf("%d baseline refreshes failed", failed)
			}
			return nil
		},
	}
}

// TrendOptions bounds trend significance.
type TrendOptions struct {
	MinSamples          int
	ConfidenceThreshold float64
	SlopeFloor          float64
}

// TrendAnalysisTask fits a least-squares line per entity metric and reports
// trends that clear both the confidence and slope significance bars.
func TrendAnalysisTask(every time.Duration, store *state.Store, trends repository.TrendRepository, pub *broker.Publisher, log *slog.Logger, opts TrendOptions) Task {
	if opts.MinSamples < 3 {
		opts.MinSamples = 3
	}
	return Task{
		Name:  "trend_analysis",
		Every: every,
		Run: func(ctx context.Context) error {
			var firstErr error
			store.Walk(func(es state.EntityState) {
				for metric, history := range es.Histories {
					if len(history) < opts.MinSamples {
						continue
					}
					values := make([]float64, len(history))
					for i, sample := range history {
						values[i] = sample.Value
					}
					slope := stats.TrendSlope(values)
					confidence := stats.TrendConfidence(values, slope)
					if confidence <= opts.ConfidenceThreshold || math.Abs(slope) <= opts.SlopeFloor {
						continue
					}

					direction := domain.TrendIncreasing
					if slope < 0 {
						direction = domain.TrendDecreasing
					}
					report := domain.TrendReport{
						ID:         uuid.NewString(),
						EntityKey:  es.EntityKey,
						MetricType: metric,
						Slope:      slope,
						Confidence: confidence,
						Direction:  direction,
						SampleSize: len(values),
						Timestamp:  time.Now().UTC(),
					}
					if trends != nil {
						if err := trends.InsertTrend(ctx, report); err != nil {
							if firstErr == nil {
								firstErr = fmt.Errorf("persist trend for %s/%s: %w", es.EntityKey, metric, err)
							}
							continue
						}
					}
					if pub != nil {
						err := pub.Publish(ctx, broker.TopicTrends, map[string]any{
							"entityKey":  report.EntityKey,
							"metricType": string(report.MetricType),
							"slope":      report.Slope,
							"confidence": report.Confidence,
							"direction":  string(report.Direction),
							"sampleSize": report.SampleSize,
						})
						if err != nil && log != nil {
							log.Error("trend publish failed", "entity", report.EntityKey, "error", err)
						}
					}
					if log != nil {
						log.Info("trend detected",
							"entity", report.EntityKey,
							"metric", string(report.MetricType),
							"slope", report.Slope,
							"confidence", report.Confidence,
							"direction", string(report.Direction))
					}
				}
			})
			return firstErr
		},
	}
}

// AnomalySweepTask re-scores the latest value of every tracked entity metric
// so anomalies surface even when a stream goes quiet after a bad sample.
func AnomalySweepTask(every time.Duration, store *state.Store, detector AnomalyEvaluator) Task {
	return Task{
		Name:  "anomaly_sweep",
		Every: every,
		Run: func(ctx context.Context) error {
			var firstErr error
			store.Walk(func(es state.EntityState) {
				for metric, value := range es.LastValues {
					_, err := detector.Evaluate(ctx, domain.MetricSample{
						EntityKey:  es.EntityKey,
						MetricType: metric,
						Value:      value,
						Timestamp:  es.LastSeen,
					})
					if err != nil && firstErr == nil {
						firstErr = fmt.Errorf("sweep %s/%s: %w", es.EntityKey, metric, err)
					}
				}
			})
			return firstErr
		},
	}
}

// CleanupTask ages out data past the retention horizon from the durable log,
// the anomaly store and the in-memory rolling windows.
func CleanupTask(every, retention time.Duration, samples repository.SampleRepository, anomalies repository.AnomalyRepository, store *state.Store, log *slog.Logger) Task {
	return Task{
		Name:  "retention_cleanup",
		Every: every,
		Run: func(ctx context.Context) error {
			cutoff := time.Now().UTC().Add(-retention)

			var deletedSamples, deletedAnomalies int64
			var err error
			if samples != nil {
				if deletedSamples, err = samples.DeleteSamplesBefore(ctx, cutoff); err != nil {
					return fmt.Errorf("delete samples: %w", err)
				}
			}
			if anomalies != nil {
				if deletedAnomalies, err = anomalies.DeleteAnomaliesBefore(ctx, cutoff); err != nil {
					return fmt.Errorf("delete anomalies: %w", err)
				}
			}
			trimmed := 0
			if store != nil {
				trimmed = store.TrimBefore(cutoff)
			}
			if log != nil {
				log.Info("retention cleanup",
					"cutoff", cutoff,
					"samples_deleted", deletedSamples,
					"anomalies_deleted", deletedAnomalies,
					"window_samples_trimmed", trimmed)
			}
			return nil
		},
	}
}

// ComplianceReportTask generates the periodic compliance summary. The period
// start rolls forward after each successful report.
func ComplianceReportTask(every time.Duration, generator ReportGenerator) Task {
	periodStart := time.Now().UTC()
	return Task{
		Name:  "compliance_report",
		Every: every,
		Run: func(ctx context.Context) error {
			periodEnd := time.Now().UTC()
			generator.Report(ctx, periodStart, periodEnd)
			periodStart = periodEnd
			return nil
		},
	}
}
