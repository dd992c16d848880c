// Package scheduler runs the fixed-cadence analysis work: baseline refresh,
// trend generation, anomaly sweeps, retention cleanup and compliance
// reports. Every tick is failure-isolated; a panicking or failing task never
// stops its own ticker or anyone else's.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anietieakpan/pulsewatch/internal/metrics"
)

// Task is one named unit of periodic work.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler drives a set of tasks on independent tickers.
type Scheduler struct {
	tasks []Task
	reg   *metrics.Registry
	log   *slog.Logger
}

// New constructs an empty Scheduler.
func New(reg *metrics.Registry, log *slog.Logger) *Scheduler {
	if log != nil {
		log = log.With("component", "scheduler")
	}
	return &Scheduler{reg: reg, log: log}
}

// Add registers a task. Tasks with no interval or no body are ignored.
func (s *Scheduler) Add(task Task) {
	if task.Every <= 0 || task.Run == nil {
		return
	}
	s.tasks = append(s.tasks, task)
}

// Run blocks until the context is cancelled, ticking every task on its own
// timer.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, task := range s.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			ticker := time.NewTicker(task.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOnce(ctx, task)
				}
			}
		}(task)
	}
	if s.log != nil {
		s.log.Info("scheduler started", "tasks", len(s.tasks))
	}
	wg.Wait()
	if s.log != nil {
		s.log.Info("scheduler stopped")
	}
}

// runOnce executes one tick with panic and error isolation.
func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Error("task panicked", "task", task.Name, "panic", r)
		}
		if s.reg != nil {
			s.reg.ObserveSweep(task.Name, time.Since(started))
		}
	}()

	if err := task.Run(ctx); err != nil {
		if s.log != nil {
			s.log.Error("task failed", "task", task.Name, "error", err)
		}
		return
	}
	if s.log != nil {
		s.log.Debug("task completed", "task", task.Name, "duration", time.Since(started))
	}
}
