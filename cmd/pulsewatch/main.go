package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/anietieakpan/pulsewatch/internal/app/migrate"
	"github.com/anietieakpan/pulsewatch/internal/broker"
	"github.com/anietieakpan/pulsewatch/internal/config"
	httpx "github.com/anietieakpan/pulsewatch/internal/http"
	"github.com/anietieakpan/pulsewatch/internal/logger"
	"github.com/anietieakpan/pulsewatch/internal/metrics"
	"github.com/anietieakpan/pulsewatch/internal/repository/postgres"
	"github.com/anietieakpan/pulsewatch/internal/service/alert"
	"github.com/anietieakpan/pulsewatch/internal/service/anomaly"
	"github.com/anietieakpan/pulsewatch/internal/service/baseline"
	"github.com/anietieakpan/pulsewatch/internal/service/compliance"
	"github.com/anietieakpan/pulsewatch/internal/service/dedup"
	"github.com/anietieakpan/pulsewatch/internal/service/ingest"
	"github.com/anietieakpan/pulsewatch/internal/service/resilience"
	"github.com/anietieakpan/pulsewatch/internal/service/scheduler"
	"github.com/anietieakpan/pulsewatch/internal/service/state"
	"github.com/anietieakpan/pulsewatch/internal/ws"
)

func main() {
	cfg := config.Load()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("pulsewatch", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	reg := metrics.New()
	hub := ws.NewHub()
	dispatcher := alert.NewDispatcher(hub, log)
	pub := broker.NewPublisher(rdb, cfg.StreamPrefix)

	store := state.NewStore(cfg.HistoryCapacity)
	gate := dedup.NewGate(cfg.DedupTTL, cfg.DedupSweepThreshold)

	baselines := baseline.NewManager(repo, repo, log, baseline.Options{
		WindowDays:  cfg.BaselineWindowDays,
		MinSamples:  cfg.BaselineMinSamples,
		DefaultMean: cfg.DefaultBaseline,
		Validity:    2 * cfg.BaselineRefresh,
	})
	detector := anomaly.NewDetector(baselines, repo, pub, dispatcher, reg, log, anomaly.Options{
		Sensitivity:    cfg.AnomalySensitivity,
		SurrogateRatio: cfg.StdDevSurrogateRatio,
	})
	evaluator := compliance.NewEvaluator(repo, repo, pub, dispatcher, reg, log, compliance.Options{
		EscalationThreshold: cfg.BreachEscalationThreshold,
		ResolutionTolerance: cfg.ResolutionTolerance,
		AutoCompensation:    cfg.AutoCompensation,
	})
	if err := loadContracts(ctx, repo, evaluator); err != nil {
		log.Error("failed to load persisted contracts", "error", err)
		os.Exit(1)
	}
	if err := evaluator.Restore(ctx); err != nil {
		log.Error("failed to restore open breaches", "error", err)
		os.Exit(1)
	}

	handlers := ingest.NewHandlers(store, repo, evaluator, detector, dispatcher, reg, log, cfg.GiniSkewThreshold)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pulsewatch"
	}

	var consumers sync.WaitGroup
	for topic, table := range handlers.Routes() {
		pipeline := resilience.New(topic, repo, pub, dispatcher, reg, log, resilience.Options{
			MaxAttempts:  cfg.RetryMaxAttempts,
			BaseDelay:    cfg.RetryBaseDelay,
			EventTimeout: cfg.EventTimeout,
		})
		stage := ingest.NewStreamConsumer(topic, table, gate, pipeline, reg, log)
		consumer := broker.NewConsumer(rdb, pub.StreamName(topic), topic, cfg.ConsumerGroup,
			fmt.Sprintf("%s-%s", hostname, topic), cfg.ConsumerConcurrency, stage.Handler(), log)

		consumers.Add(1)
		go func(consumer *broker.Consumer, topic string) {
			defer consumers.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error("consumer exited", "topic", topic, "error", err)
			}
		}(consumer, topic)
	}

	sched := scheduler.New(reg, log)
	sched.Add(scheduler.BaselineRefreshTask(cfg.BaselineRefresh, store, baselines, log))
	sched.Add(scheduler.TrendAnalysisTask(cfg.TrendInterval, store, repo, pub, log, scheduler.TrendOptions{
		MinSamples:          3,
		ConfidenceThreshold: cfg.TrendConfidenceThreshold,
		SlopeFloor:          cfg.TrendSlopeFloor,
	}))
	sched.Add(scheduler.AnomalySweepTask(cfg.AnomalyInterval, store, detector))
	sched.Add(scheduler.CleanupTask(cfg.CleanupInterval, cfg.RetentionHorizon, repo, repo, store, log))
	sched.Add(scheduler.ComplianceReportTask(cfg.ReportInterval, evaluator))
	sched.Add(scheduler.Task{
		Name:  "state_flush",
		Every: cfg.FlushInterval,
		Run: func(context.Context) error {
			reg.TrackedEntities.Set(float64(store.EntityCount()))
			return nil
		},
	})
	go sched.Run(ctx)

	router := httpx.NewRouter(log, hub, repo, repo, repo,
		func(ctx context.Context) error { return pool.Ping(ctx) },
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("pulsewatch starting", "addr", cfg.Addr, "topics", len(handlers.Routes()))
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		waitTimeout(&consumers, cfg.ShutdownGrace)
		log.Info("pulsewatch stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// loadContracts restores the contract registry from the durable store so a
// restart does not lose breach evaluation.
func loadContracts(ctx context.Context, repo *postgres.Repository, evaluator *compliance.Evaluator) error {
	contracts, err := repo.ListContracts(ctx)
	if err != nil {
		return err
	}
	for _, contract := range contracts {
		if err := evaluator.DefineContract(ctx, contract); err != nil {
			return err
		}
	}
	return nil
}

// waitTimeout waits for in-flight consumers up to the shutdown grace.
func waitTimeout(wg *sync.WaitGroup, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}
