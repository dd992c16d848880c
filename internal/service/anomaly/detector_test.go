package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/service/baseline"
)

type stubSamples struct {
	samples []domain.MetricSample
}

func (s *stubSamples) InsertSample(context.Context, domain.MetricSample) error { return nil }

func (s *stubSamples) ListSamples(context.Context, string, domain.MetricType, time.Time, time.Time) ([]domain.MetricSample, error) {
	return s.samples, nil
}

func (s *stubSamples) DeleteSamplesBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type stubAnomalies struct {
	inserted []domain.Anomaly
}

func (s *stubAnomalies) InsertAnomaly(_ context.Context, a domain.Anomaly) error {
	s.inserted = append(s.inserted, a)
	return nil
}

func (s *stubAnomalies) DeleteAnomaliesBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// publishedManager returns a manager holding a baseline with mean 100 and
// stddev 10 for svc:checkout response time.
func publishedManager(t *testing.T) *baseline.Manager {
	t.Helper()
	base := time.Date(2025, time.May, 8, 12, 0, 0, 0, time.UTC)
	samples := make([]domain.MetricSample, 0, 8)
	for i := 0; i < 4; i++ {
		samples = append(samples,
			domain.MetricSample{EntityKey: "svc:checkout", MetricType: domain.MetricResponseTime, Value: 90, Timestamp: base},
			domain.MetricSample{EntityKey: "svc:checkout", MetricType: domain.MetricResponseTime, Value: 110, Timestamp: base},
		)
	}
	mgr := baseline.NewManager(&stubSamples{samples: samples}, nil, nil, baseline.Options{MinSamples: 8, DefaultMean: 100, Validity: time.Hour})
	if err := mgr.Refresh(context.Background(), "svc:checkout", domain.MetricResponseTime); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return mgr
}

func TestEvaluateFiresAboveSensitivity(t *testing.T) {
	store := &stubAnomalies{}
	det := NewDetector(publishedManager(t), store, nil, nil, nil, nil, Options{Sensitivity: 2.5})

	sample := domain.MetricSample{EntityKey: "svc:checkout", MetricType: domain.MetricResponseTime, Value: 126}
	got, err := det.Evaluate(context.Background(), sample)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got == nil {
		t.Fatal("zscore 2.6 must fire at sensitivity 2.5")
	}
	if got.Classification != domain.AnomalyHigh {
		t.Fatalf("expected HIGH classification, got %s", got.Classification)
	}
	if got.ZScore < 2.59 || got.ZScore > 2.61 {
		t.Fatalf("expected zscore 2.6, got %v", got.ZScore)
	}
	if got.Severity < 0.519 || got.Severity > 0.521 {
		t.Fatalf("expected severity z/5=0.52, got %v", got.Severity)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected anomaly persisted, got %d", len(store.inserted))
	}
}

func TestEvaluateQuietBelowSensitivity(t *testing.T) {
	store := &stubAnomalies{}
	det := NewDetector(publishedManager(t), store, nil, nil, nil, nil, Options{Sensitivity: 2.5})

	sample := domain.MetricSample{EntityKey: "svc:checkout", MetricType: domain.MetricResponseTime, Value: 124}
	got, err := det.Evaluate(context.Background(), sample)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got != nil {
		t.Fatalf("zscore 2.4 must not fire at sensitivity 2.5, got %+v", got)
	}
	if len(store.inserted) != 0 {
		t.Fatal("no anomaly should be persisted")
	}
}

func TestEvaluateLowClassification(t *testing.T) {
	det := NewDetector(publishedManager(t), &stubAnomalies{}, nil, nil, nil, nil, Options{Sensitivity: 2.5})

	sample := domain.MetricSample{EntityKey: "svc:checkout", MetricType: domain.MetricResponseTime, Value: 60}
	got, err := det.Evaluate(context.Background(), sample)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got == nil || got.Classification != domain.AnomalyLow {
		t.Fatalf("expected LOW classification, got %+v", got)
	}
	// z = 40/10 = 4 -> severity 0.8
	if got.Severity != 0.8 {
		t.Fatalf("expected severity 0.8, got %v", got.Severity)
	}
}

func TestScoreUsesSurrogateWithoutStdDev(t *testing.T) {
	// Cold-start baselines carry the default mean and no stddev, so the
	// spread is approximated as mean*ratio rather than a real deviation.
	mgr := baseline.NewManager(&stubSamples{}, nil, nil, baseline.Options{MinSamples: 100, DefaultMean: 100, Validity: time.Hour})
	det := NewDetector(mgr, &stubAnomalies{}, nil, nil, nil, nil, Options{Sensitivity: 3.0, SurrogateRatio: 0.3})

	bl, published := mgr.Lookup(context.Background(), "svc:new", domain.MetricResponseTime)
	if published {
		t.Fatal("expected cold-start default baseline")
	}
	z := det.Score(200, bl)
	// |200-100| / (100*0.3) = 3.33
	if z < 3.3 || z > 3.4 {
		t.Fatalf("expected surrogate zscore ~3.33, got %v", z)
	}
}
