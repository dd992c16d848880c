package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/service/state"
)

func TestTickFailureIsolation(t *testing.T) {
	var healthy, panics, failures atomic.Int64

	s := New(nil, nil)
	s.Add(Task{Name: "panics", Every: 5 * time.Millisecond, Run: func(context.Context) error {
		panics.Add(1)
		panic("boom")
	}})
	s.Add(Task{Name: "fails", Every: 5 * time.Millisecond, Run: func(context.Context) error {
		failures.Add(1)
		return errors.New("broken tick")
	}})
	s.Add(Task{Name: "healthy", Every: 5 * time.Millisecond, Run: func(context.Context) error {
		healthy.Add(1)
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if healthy.Load() < 2 {
		t.Fatalf("healthy task ran %d times, want at least 2", healthy.Load())
	}
	// Panicking and failing tasks keep ticking instead of killing their loop.
	if panics.Load() < 2 {
		t.Fatalf("panicking task ran %d times, want at least 2", panics.Load())
	}
	if failures.Load() < 2 {
		t.Fatalf("failing task ran %d times, want at least 2", failures.Load())
	}
}

func TestZeroIntervalTaskIgnored(t *testing.T) {
	s := New(nil, nil)
	s.Add(Task{Name: "no-interval", Run: func(context.Context) error { return nil }})
	s.Add(Task{Name: "no-body", Every: time.Second})
	if len(s.tasks) != 0 {
		t.Fatalf("registered %d tasks, want 0", len(s.tasks))
	}
}

type trendSink struct {
	reports []domain.TrendReport
}

func (s *trendSink) InsertTrend(_ context.Context, trend domain.TrendReport) error {
	s.reports = append(s.reports, trend)
	return nil
}

func seedSeries(store *state.Store, entity string, metric domain.MetricType, values []float64) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range values {
		store.Append(domain.MetricSample{
			EntityKey:  entity,
			MetricType: metric,
			Value:      v,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestTrendAnalysisReportsSignificantSlopes(t *testing.T) {
	store := state.NewStore(100)
	seedSeries(store, "checkout", domain.MetricRevenue, []float64{10, 20, 30, 40})
	seedSeries(store, "search", domain.MetricRevenue, []float64{5, 5, 5, 5})

	sink := &trendSink{}
	task := TrendAnalysisTask(time.Minute, store, sink, nil, nil, TrendOptions{
		MinSamples:          3,
		ConfidenceThreshold: 0.7,
		SlopeFloor:          0.1,
	})
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sink.reports) != 1 {
		t.Fatalf("reports = %d, want 1 (flat series must not report)", len(sink.reports))
	}
	report := sink.reports[0]
	if report.EntityKey != "checkout" || report.Direction != domain.TrendIncreasing {
		t.Fatalf("report = %+v, want increasing checkout trend", report)
	}
	if report.Slope != 10 {
		t.Fatalf("slope = %v, want 10", report.Slope)
	}
	if report.SampleSize != 4 {
		t.Fatalf("sample size = %v, want 4", report.SampleSize)
	}
}

func TestTrendAnalysisDecreasingDirection(t *testing.T) {
	store := state.NewStore(100)
	seedSeries(store, "checkout", domain.MetricConversion, []float64{40, 30, 20, 10})

	sink := &trendSink{}
	task := TrendAnalysisTask(time.Minute, store, sink, nil, nil, TrendOptions{
		MinSamples:          3,
		ConfidenceThreshold: 0.7,
		SlopeFloor:          0.1,
	})
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.reports) != 1 || sink.reports[0].Direction != domain.TrendDecreasing {
		t.Fatalf("reports = %+v, want one decreasing trend", sink.reports)
	}
}

type sweepDetector struct {
	evaluated []domain.MetricSample
}

func (d *sweepDetector) Evaluate(_ context.Context, sample domain.MetricSample) (*domain.Anomaly, error) {
	d.evaluated = append(d.evaluated, sample)
	return nil, nil
}

func TestAnomalySweepCoversLatestValues(t *testing.T) {
	store := state.NewStore(100)
	seedSeries(store, "checkout", domain.MetricResponseTime, []float64{100, 120})
	seedSeries(store, "checkout", domain.MetricThroughput, []float64{50})

	detector := &sweepDetector{}
	task := AnomalySweepTask(time.Minute, store, detector)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(detector.evaluated) != 2 {
		t.Fatalf("evaluated %d samples, want 2 (one per metric)", len(detector.evaluated))
	}
	byMetric := make(map[domain.MetricType]float64)
	for _, sample := range detector.evaluated {
		byMetric[sample.MetricType] = sample.Value
	}
	if byMetric[domain.MetricResponseTime] != 120 || byMetric[domain.MetricThroughput] != 50 {
		t.Fatalf("swept values = %v, want latest per metric", byMetric)
	}
}

type purgeableSamples struct {
	cutoff time.Time
}

func (p *purgeableSamples) InsertSample(context.Context, domain.MetricSample) error { return nil }

func (p *purgeableSamples) ListSamples(context.Context, string, domain.MetricType, time.Time, time.Time) ([]domain.MetricSample, error) {
	return nil, nil
}

func (p *purgeableSamples) DeleteSamplesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 7, nil
}

type purgeableAnomalies struct {
	cutoff time.Time
}

func (p *purgeableAnomalies) InsertAnomaly(context.Context, domain.Anomaly) error { return nil }

func (p *purgeableAnomalies) DeleteAnomaliesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 2, nil
}

func TestCleanupAgesOutAllStores(t *testing.T) {
	store := state.NewStore(100)
	stale := time.Now().UTC().Add(-60 * 24 * time.Hour)
	for i, v := range []float64{1, 2, 3} {
		store.Append(domain.MetricSample{
			EntityKey:  "checkout",
			MetricType: domain.MetricRevenue,
			Value:      v,
			Timestamp:  stale.Add(time.Duration(i) * time.Minute),
		})
	}

	samples := &purgeableSamples{}
	anomalies := &purgeableAnomalies{}
	task := CleanupTask(time.Hour, 30*24*time.Hour, samples, anomalies, store, nil)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if samples.cutoff.IsZero() || anomalies.cutoff.IsZero() {
		t.Fatalf("repositories not purged: samples %v anomalies %v", samples.cutoff, anomalies.cutoff)
	}
	wantCutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if diff := samples.cutoff.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("cutoff = %v, want about %v", samples.cutoff, wantCutoff)
	}
	// Old seeded samples fall out of the rolling windows too.
	if values := store.Values("checkout", domain.MetricRevenue); len(values) != 0 {
		t.Fatalf("window values = %v, want trimmed to empty", values)
	}
}

type reportRecorder struct {
	periods [][2]time.Time
}

func (r *reportRecorder) Report(_ context.Context, start, end time.Time) []domain.ComplianceReport {
	r.periods = append(r.periods, [2]time.Time{start, end})
	return nil
}

func TestComplianceReportPeriodRollsForward(t *testing.T) {
	recorder := &reportRecorder{}
	task := ComplianceReportTask(time.Hour, recorder)

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(recorder.periods) != 2 {
		t.Fatalf("reports = %d, want 2", len(recorder.periods))
	}
	if !recorder.periods[1][0].Equal(recorder.periods[0][1]) {
		t.Fatalf("second period start %v, want previous end %v", recorder.periods[1][0], recorder.periods[0][1])
	}
}
