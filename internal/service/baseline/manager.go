// Package baseline maintains the per-entity expected-performance envelopes.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/domain"
	"github.com/anietieakpan/pulsewatch/internal/repository"
	"github.com/anietieakpan/pulsewatch/internal/stats"
)

// Options tunes baseline recomputation.
type Options struct {
	WindowDays  int
	MinSamples  int
	DefaultMean float64
	Validity    time.Duration
}

// Manager recomputes baselines from the sample log and publishes the current
// generation for lock-free real-time lookup. Lookups never block on
// recomputation; they read whatever is currently published or fall back to
// the configured default.
type Manager struct {
	samples   repository.SampleRepository
	baselines repository.BaselineRepository
	current   sync.Map // "entity|metric" -> domain.Baseline
	opts      Options
	log       *slog.Logger
	now       func() time.Time
}

// NewManager constructs a Manager.
func NewManager(samples repository.SampleRepository, baselines repository.BaselineRepository, log *slog.Logger, opts Options) *Manager {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 7
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 100
	}
	if opts.Validity <= 0 {
		opts.Validity = 2 * time.Hour
	}
	if log != nil {
		log = log.With("component", "baseline_manager")
	}
	return &Manager{
		samples:   samples,
		baselines: baselines,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

func key(entityKey string, metric domain.MetricType) string {
	return entityKey + "|" + string(metric)
}

// Lookup returns the current baseline for an entity metric. When nothing
// usable is in memory it falls through to the last persisted generation, so
// a restart does not discard a still-valid baseline. The second return is
// false when the caller got the cold-start/expired default.
func (m *Manager) Lookup(ctx context.Context, entityKey string, metric domain.MetricType) (domain.Baseline, bool) {
	k := key(entityKey, metric)
	if raw, ok := m.current.Load(k); ok {
		baseline := raw.(domain.Baseline)
		// Expired generations are never used past ValidTo.
		if baseline.ValidAt(m.now()) {
			return baseline, baseline.SampleSize > 0
		}
	}
	return m.recover(ctx, k, entityKey, metric)
}

// recover consults the persisted generations and caches the outcome, default
// included, so misses hit the store at most once per validity window.
func (m *Manager) recover(ctx context.Context, k, entityKey string, metric domain.MetricType) (domain.Baseline, bool) {
	if m.baselines != nil {
		persisted, err := m.baselines.LatestBaseline(ctx, entityKey, metric)
		switch {
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			if m.log != nil {
				m.log.Warn("baseline recovery failed", "entity", entityKey, "metric", string(metric), "error", err)
			}
			return m.defaultBaseline(entityKey, metric), false
		case persisted != nil && persisted.ValidAt(m.now()):
			m.current.Store(k, *persisted)
			if m.log != nil {
				m.log.Info("baseline recovered", "entity", entityKey, "metric", string(metric), "mean", persisted.Mean)
			}
			return *persisted, true
		}
	}
	fallback := m.defaultBaseline(entityKey, metric)
	m.current.Store(k, fallback)
	return fallback, false
}

// Refresh recomputes the baseline for one entity metric from the trailing
// window. Windows with fewer than MinSamples samples publish nothing and the
// previous generation stays in effect until it expires.
func (m *Manager) Refresh(ctx context.Context, entityKey string, metric domain.MetricType) error {
	now := m.now().UTC()
	start := now.AddDate(0, 0, -m.opts.WindowDays)
	samples, err := m.samples.ListSamples(ctx, entityKey, metric, start, now)
	if err != nil {
		return fmt.Errorf("load baseline window for %s/%s: %w", entityKey, metric, err)
	}
	if len(samples) < m.opts.MinSamples {
		if m.log != nil {
			m.log.Debug("baseline window below minimum", "entity", entityKey, "metric", string(metric), "samples", len(samples))
		}
		return nil
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}

	baseline := domain.Baseline{
		EntityKey:  entityKey,
		MetricType: metric,
		Mean:       stats.Mean(values),
		P50:        stats.Percentile(values, 0.50),
		P95:        stats.Percentile(values, 0.95),
		P99:        stats.Percentile(values, 0.99),
		StdDev:     stats.StdDev(values),
		SampleSize: len(values),
		ValidFrom:  now,
		ValidTo:    now.Add(m.opts.Validity),
	}

	if m.baselines != nil {
		if err := m.baselines.InsertBaseline(ctx, baseline); err != nil {
			if m.log != nil {
				m.log.Warn("baseline persist failed", "entity", entityKey, "metric", string(metric), "error", err)
			}
		}
	}

	m.current.Store(key(entityKey, metric), baseline)
	if m.log != nil {
		m.log.Info("baseline published",
			"entity", entityKey,
			"metric", string(metric),
			"mean", baseline.Mean,
			"stddev", baseline.StdDev,
			"samples", baseline.SampleSize)
	}
	return nil
}

func (m *Manager) defaultBaseline(entityKey string, metric domain.MetricType) domain.Baseline {
	now := m.now()
	return domain.Baseline{
		EntityKey:  entityKey,
		MetricType: metric,
		Mean:       m.opts.DefaultMean,
		ValidFrom:  now,
		ValidTo:    now.Add(m.opts.Validity),
	}
}
