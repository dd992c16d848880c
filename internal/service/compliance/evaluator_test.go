package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
)

type stubBreaches struct {
	inserted    []domain.Breach
	resolved    []string
	compensated map[string]float64
	open        []domain.Breach
}

func (s *stubBreaches) InsertBreach(_ context.Context, breach *domain.Breach) error {
	s.inserted = append(s.inserted, *breach)
	return nil
}

func (s *stubBreaches) ResolveBreach(_ context.Context, breachID string, _ time.Time, _ int64) error {
	s.resolved = append(s.resolved, breachID)
	return nil
}

func (s *stubBreaches) MarkCompensated(_ context.Context, breachID string, amount float64) error {
	if s.compensated == nil {
		s.compensated = make(map[string]float64)
	}
	s.compensated[breachID] = amount
	return nil
}

func (s *stubBreaches) ListRecentBreaches(context.Context, string, domain.BreachType, int) ([]domain.Breach, error) {
	return nil, nil
}

func (s *stubBreaches) ListOpenBreaches(context.Context, string) ([]domain.Breach, error) {
	return s.open, nil
}

func (s *stubBreaches) CountBreachesBetween(context.Context, string, time.Time, time.Time) (int, error) {
	return 0, nil
}

type stubAlerts struct {
	sent []domain.AlertRequest
}

func (s *stubAlerts) Send(_ context.Context, req domain.AlertRequest) {
	s.sent = append(s.sent, req)
}

func (s *stubAlerts) count(kind string) int {
	n := 0
	for _, req := range s.sent {
		if req.Kind == kind {
			n++
		}
	}
	return n
}

func availabilityContract() domain.ComplianceContract {
	return domain.ComplianceContract{
		ID:                 "contract-1",
		EntityKey:          "checkout",
		AvailabilityTarget: 0.99,
		ResponseTimeP95:    200,
		MaxErrorRate:       0.05,
		MinThroughput:      100,
		PenaltyStructure: map[domain.BreachType]float64{
			domain.BreachAvailability: 1000,
			domain.BreachThroughput:   400,
		},
		Status: domain.ContractActive,
	}
}

func newTestEvaluator(t *testing.T, opts Options) (*Evaluator, *stubBreaches, *stubAlerts) {
	t.Helper()
	breaches := &stubBreaches{}
	alerts := &stubAlerts{}
	if opts.EscalationThreshold == 0 {
		opts.EscalationThreshold = 3
	}
	if opts.ResolutionTolerance == 0 {
		opts.ResolutionTolerance = 0.9
	}
	ev := NewEvaluator(nil, breaches, nil, alerts, nil, nil, opts)
	ev.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	if err := ev.DefineContract(context.Background(), availabilityContract()); err != nil {
		t.Fatalf("define contract: %v", err)
	}
	return ev, breaches, alerts
}

func sample(metric domain.MetricType, value float64) domain.MetricSample {
	return domain.MetricSample{
		EntityKey:  "checkout",
		MetricType: metric,
		Value:      value,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAvailabilitySeverityBands(t *testing.T) {
	cases := []struct {
		name     string
		actual   float64
		severity domain.Severity
	}{
		{"small deviation", 0.90, domain.SeverityLow},
		{"half availability", 0.5, domain.SeverityHigh},
		{"deviation exactly one half", 0.495, domain.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, _, _ := newTestEvaluator(t, Options{})
			breach, err := ev.EvaluateSample(context.Background(), sample(domain.MetricAvailability, tc.actual))
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if breach == nil {
				t.Fatalf("expected breach for availability %v", tc.actual)
			}
			if breach.Severity != tc.severity {
				t.Fatalf("availability %v: severity = %s, want %s", tc.actual, breach.Severity, tc.severity)
			}
			if breach.ExpectedValue != 0.99 {
				t.Fatalf("expected value = %v, want 0.99", breach.ExpectedValue)
			}
		})
	}
}

func TestResponseTimeRatioSeverity(t *testing.T) {
	cases := []struct {
		value    float64
		severity domain.Severity
	}{
		{650, domain.SeverityCritical},
		{450, domain.SeverityHigh},
		{350, domain.SeverityMedium},
		{250, domain.SeverityLow},
	}
	for _, tc := range cases {
		ev, _, _ := newTestEvaluator(t, Options{})
		breach, err := ev.EvaluateSample(context.Background(), sample(domain.MetricResponseTime, tc.value))
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if breach == nil {
			t.Fatalf("expected breach for response time %v over p95 200", tc.value)
		}
		if breach.Severity != tc.severity {
			t.Fatalf("response time %v: severity = %s, want %s", tc.value, breach.Severity, tc.severity)
		}
	}
}

func TestCompliantSampleNoBreach(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{})
	breach, err := ev.EvaluateSample(context.Background(), sample(domain.MetricAvailability, 0.995))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if breach != nil {
		t.Fatalf("unexpected breach: %+v", breach)
	}
	if len(breaches.inserted) != 0 {
		t.Fatalf("inserted %d breaches, want 0", len(breaches.inserted))
	}
}

func TestUnmatchedEntityIgnored(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{})
	s := sample(domain.MetricAvailability, 0.1)
	s.EntityKey = "unknown-entity"
	breach, err := ev.EvaluateSample(context.Background(), s)
	if err != nil || breach != nil {
		t.Fatalf("breach = %v, err = %v, want nil, nil", breach, err)
	}
	if len(breaches.inserted) != 0 {
		t.Fatalf("inserted %d breaches, want 0", len(breaches.inserted))
	}
}

func TestEscalationFiresExactlyOnceOnThirdBreach(t *testing.T) {
	ev, breaches, alerts := newTestEvaluator(t, Options{EscalationThreshold: 3})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := ev.EvaluateSample(ctx, sample(domain.MetricAvailability, 0.5)); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		if got := alerts.count("BREACH_ESCALATION"); i < 2 && got != 0 {
			t.Fatalf("escalated after %d breaches", i+1)
		}
	}
	if got := alerts.count("BREACH_ESCALATION"); got != 1 {
		t.Fatalf("escalation alerts = %d, want exactly 1", got)
	}
	// Escalation is an event, not a breach record.
	if len(breaches.inserted) != 5 {
		t.Fatalf("inserted %d breaches, want 5", len(breaches.inserted))
	}
}

func TestRecoveryResetsEscalationStreak(t *testing.T) {
	ev, _, alerts := newTestEvaluator(t, Options{EscalationThreshold: 3})
	ctx := context.Background()
	values := []float64{0.5, 0.5, 0.995, 0.5, 0.5}
	for _, v := range values {
		if _, err := ev.EvaluateSample(ctx, sample(domain.MetricAvailability, v)); err != nil {
			t.Fatalf("evaluate %v: %v", v, err)
		}
	}
	if got := alerts.count("BREACH_ESCALATION"); got != 0 {
		t.Fatalf("escalation alerts = %d, want 0 after streak reset", got)
	}
}

func TestResolutionHysteresis(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{ResolutionTolerance: 0.9})
	ctx := context.Background()

	breach, err := ev.EvaluateSample(ctx, sample(domain.MetricThroughput, 50))
	if err != nil || breach == nil {
		t.Fatalf("expected breach at throughput 50, got %v, %v", breach, err)
	}

	// 89 is below 90% of the 100 threshold: breach stays open.
	if _, err := ev.EvaluateSample(ctx, sample(domain.MetricThroughput, 89)); err != nil {
		t.Fatalf("evaluate 89: %v", err)
	}
	if len(breaches.resolved) != 0 {
		t.Fatalf("breach resolved at 89, want still open")
	}

	// Recovering to exactly threshold*0.9 resolves.
	if _, err := ev.EvaluateSample(ctx, sample(domain.MetricThroughput, 90)); err != nil {
		t.Fatalf("evaluate 90: %v", err)
	}
	if len(breaches.resolved) != 1 || breaches.resolved[0] != breach.ID {
		t.Fatalf("resolved = %v, want [%s]", breaches.resolved, breach.ID)
	}
}

func TestSuspendedContractIsNoOp(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{})
	ctx := context.Background()

	if err := ev.SuspendContract(ctx, "contract-1"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	breach, err := ev.EvaluateSample(ctx, sample(domain.MetricAvailability, 0.1))
	if err != nil || breach != nil {
		t.Fatalf("suspended contract raised breach %v, err %v", breach, err)
	}
	if len(breaches.inserted) != 0 {
		t.Fatalf("inserted %d breaches while suspended, want 0", len(breaches.inserted))
	}

	if err := ev.ReinstateContract(ctx, "contract-1"); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	breach, err = ev.EvaluateSample(ctx, sample(domain.MetricAvailability, 0.1))
	if err != nil || breach == nil {
		t.Fatalf("reinstated contract did not raise breach: %v, %v", breach, err)
	}
}

func TestAutoCompensation(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{AutoCompensation: true})
	breach, err := ev.EvaluateSample(context.Background(), sample(domain.MetricAvailability, 0.5))
	if err != nil || breach == nil {
		t.Fatalf("expected breach, got %v, %v", breach, err)
	}
	if breach.Severity != domain.SeverityHigh {
		t.Fatalf("severity = %s, want HIGH", breach.Severity)
	}
	amount, ok := breaches.compensated[breach.ID]
	if !ok {
		t.Fatalf("HIGH breach not compensated under auto policy")
	}
	if amount != 1500 {
		t.Fatalf("compensation = %v, want 1000 * 1.5 = 1500", amount)
	}
}

func TestManualCompensationNotDisbursed(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{AutoCompensation: false})
	breach, err := ev.EvaluateSample(context.Background(), sample(domain.MetricAvailability, 0.5))
	if err != nil || breach == nil {
		t.Fatalf("expected breach, got %v, %v", breach, err)
	}
	if len(breaches.compensated) != 0 {
		t.Fatalf("compensation disbursed under manual policy: %v", breaches.compensated)
	}
}

func TestLowSeverityNotCompensated(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{AutoCompensation: true})
	breach, err := ev.EvaluateSample(context.Background(), sample(domain.MetricAvailability, 0.90))
	if err != nil || breach == nil {
		t.Fatalf("expected breach, got %v, %v", breach, err)
	}
	if breach.Severity != domain.SeverityLow {
		t.Fatalf("severity = %s, want LOW", breach.Severity)
	}
	if len(breaches.compensated) != 0 {
		t.Fatalf("LOW breach compensated: %v", breaches.compensated)
	}
}

func TestBreachHistoryCapped(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, Options{})
	ctx := context.Background()
	var ids []string
	for i := 0; i < 120; i++ {
		breach, err := ev.EvaluateSample(ctx, sample(domain.MetricAvailability, 0.5))
		if err != nil || breach == nil {
			t.Fatalf("evaluate %d: %v, %v", i, breach, err)
		}
		ids = append(ids, breach.ID)
	}
	history := ev.History("contract-1")
	if len(history) != 100 {
		t.Fatalf("history length = %d, want 100", len(history))
	}
	if history[0].ID != ids[20] {
		t.Fatalf("oldest retained breach = %s, want %s", history[0].ID, ids[20])
	}
	if history[99].ID != ids[119] {
		t.Fatalf("newest retained breach = %s, want %s", history[99].ID, ids[119])
	}
}

func TestResolveBreachByEvent(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{})
	ctx := context.Background()
	breach, err := ev.EvaluateSample(ctx, sample(domain.MetricAvailability, 0.5))
	if err != nil || breach == nil {
		t.Fatalf("expected breach, got %v, %v", breach, err)
	}

	if err := ev.ResolveBreach(ctx, breach.ID, "ops-console"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(breaches.resolved) != 1 || breaches.resolved[0] != breach.ID {
		t.Fatalf("resolved = %v, want [%s]", breaches.resolved, breach.ID)
	}

	if err := ev.ResolveBreach(ctx, breach.ID, "ops-console"); !errors.Is(err, ErrUnknownBreach) {
		t.Fatalf("second resolve err = %v, want ErrUnknownBreach", err)
	}
}

func TestReportRatesAndReset(t *testing.T) {
	ev, _, alerts := newTestEvaluator(t, Options{})
	ctx := context.Background()
	for i := 0; i < 18; i++ {
		if _, err := ev.EvaluateSample(ctx, sample(domain.MetricAvailability, 0.995)); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := ev.EvaluateSample(ctx, sample(domain.MetricAvailability, 0.5)); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(12 * time.Hour)
	reports := ev.Report(ctx, start, end)
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if got := reports[0].ComplianceRate; got != 0.9 {
		t.Fatalf("compliance rate = %v, want 0.9", got)
	}
	if reports[0].BreachCount != 2 {
		t.Fatalf("breach count = %v, want 2", reports[0].BreachCount)
	}
	// Exactly 0.90 is degraded (MEDIUM band), not severe.
	if got := alerts.count("COMPLIANCE_DEGRADED"); got != 1 {
		t.Fatalf("degraded alerts = %d, want 1", got)
	}
	last := alerts.sent[len(alerts.sent)-1]
	if last.Kind != "COMPLIANCE_DEGRADED" || last.Severity != domain.SeverityMedium {
		t.Fatalf("degraded alert = %+v, want MEDIUM COMPLIANCE_DEGRADED", last)
	}

	// Counters reset after each report.
	reports = ev.Report(ctx, end, end.Add(12*time.Hour))
	if got := reports[0].ComplianceRate; got != 1.0 {
		t.Fatalf("post-reset compliance rate = %v, want 1.0", got)
	}
}

func TestRestoreRehydratesOpenBreaches(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{})
	ctx := context.Background()
	breaches.open = []domain.Breach{{
		ID:            "breach-crash",
		ContractID:    "contract-1",
		EntityKey:     "checkout",
		BreachType:    domain.BreachThroughput,
		ExpectedValue: 100,
		ActualValue:   50,
		Severity:      domain.SeverityHigh,
		DetectedAt:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}}
	if err := ev.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := ev.History("contract-1"); len(got) != 1 || got[0].ID != "breach-crash" {
		t.Fatalf("history = %v, want the restored breach", got)
	}

	// A sample inside the hysteresis band must resolve the restored breach,
	// not leave it orphaned.
	if _, err := ev.EvaluateSample(ctx, sample(domain.MetricThroughput, 90)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(breaches.resolved) != 1 || breaches.resolved[0] != "breach-crash" {
		t.Fatalf("resolved = %v, want [breach-crash]", breaches.resolved)
	}
}

func TestRestoredBreachResolvableByEvent(t *testing.T) {
	ev, breaches, _ := newTestEvaluator(t, Options{})
	ctx := context.Background()
	breaches.open = []domain.Breach{{
		ID:         "breach-crash",
		ContractID: "contract-1",
		EntityKey:  "checkout",
		BreachType: domain.BreachAvailability,
		Severity:   domain.SeverityCritical,
		DetectedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}}
	if err := ev.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if err := ev.ResolveBreach(ctx, "breach-crash", "ops-console"); err != nil {
		t.Fatalf("resolve restored breach: %v", err)
	}
	if len(breaches.resolved) != 1 || breaches.resolved[0] != "breach-crash" {
		t.Fatalf("resolved = %v, want [breach-crash]", breaches.resolved)
	}
}

func TestReplacedContractDroppedFromReports(t *testing.T) {
	ev, _, _ := newTestEvaluator(t, Options{})
	ctx := context.Background()

	replacement := availabilityContract()
	replacement.ID = "contract-2"
	if err := ev.DefineContract(ctx, replacement); err != nil {
		t.Fatalf("define replacement: %v", err)
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	reports := ev.Report(ctx, start, start.Add(12*time.Hour))
	if len(reports) != 1 || reports[0].ContractID != "contract-2" {
		t.Fatalf("reports = %v, want only contract-2", reports)
	}
}
