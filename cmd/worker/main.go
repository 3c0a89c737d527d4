package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iho/payledger/internal/adapter/queue"
	"github.com/iho/payledger/internal/app"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/config"
	"github.com/iho/payledger/internal/infrastructure/eventpublisher"
	"github.com/iho/payledger/internal/infrastructure/logger"
	"github.com/iho/payledger/internal/infrastructure/logging"
	"github.com/iho/payledger/internal/infrastructure/metrics"
	"github.com/iho/payledger/internal/infrastructure/postgres"
	"github.com/iho/payledger/internal/infrastructure/redis"
	"github.com/iho/payledger/internal/usecase"
)

const (
	webhookMaintenanceInterval = time.Minute
	outboxRetention            = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slogger := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if err := run(cfg, slogger); err != nil {
		slogger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, slogger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPoolWithConfig(ctx, postgres.PoolConfig{
		DatabaseURL:    cfg.DatabaseURL,
		MaxConns:       cfg.DatabaseMaxConns,
		MinConns:       cfg.DatabaseMinConns,
		ConnectTimeout: cfg.DatabaseTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	m := metrics.New()
	services := app.Build(app.Deps{
		Config:  cfg,
		Pool:    pool,
		Redis:   redisClient,
		Logger:  logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "payledger-worker"}),
		Slog:    slogger.Logger,
		Metrics: m,
	})

	opts := queue.DefaultWorkerOptions()
	opts.Concurrency = cfg.QueueConcurrency
	opts.MaxAttempts = cfg.QueueMaxAttempts
	worker := queue.NewWorker(services.Queue, opts, slogger.Logger, m)
	(&taskHandlers{
		webhooks: services.Webhooks,
		payouts:  services.Payouts,
		refunds:  services.Refunds,
		retrier:  services.Retrier,
	}).register(worker)

	publisher, closePublisher := newPublisher(cfg, slogger)
	defer closePublisher()
	outbox := eventpublisher.NewEventPublisher(eventpublisher.Config{
		OutboxRepo: services.Outbox,
		Publisher:  publisher,
		Logger:     slogger.Component("event_publisher"),
		Metrics:    m,
		Interval:   cfg.OutboxInterval,
		Retention:  outboxRetention,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(outbox.Start(gctx)) })
	g.Go(func() error {
		runEvery(gctx, cfg.ReconciliationInterval, func(ctx context.Context) {
			reconcile(ctx, services.Reconciliation, cfg, slogger.Component("reconciliation"))
		})
		return nil
	})
	sweeps := newSweeper(services.Queue, services.Payouts, services.Refunds, services.Payments, slogger.Component("sweeper"))
	g.Go(func() error {
		runEvery(gctx, cfg.SweepInterval, sweeps.sweep)
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, webhookMaintenanceInterval, func(ctx context.Context) {
			maintainWebhooks(ctx, services.Webhooks, slogger.Component("webhook_maintenance"))
		})
		return nil
	})

	slogger.Info("worker running", "queue", cfg.QueueName, "kafka", cfg.KafkaEnabled())
	err = g.Wait()
	slogger.Info("worker stopped")
	return err
}

func newPublisher(cfg *config.Config, slogger *logging.Logger) (eventpublisher.Publisher, func()) {
	if !cfg.KafkaEnabled() {
		return eventpublisher.NewLogPublisher(slogger.Component("outbox")), func() {}
	}

	kp := eventpublisher.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	return kp, func() {
		if err := kp.Close(); err != nil {
			slogger.Error("close kafka writer", "error", err)
		}
	}
}

type reconciler interface {
	Run(ctx context.Context, opts usecase.RunOptions) (*domain.ReconciliationRun, error)
}

func reconcile(ctx context.Context, r reconciler, cfg *config.Config, log *slog.Logger) {
	run, err := r.Run(ctx, usecase.RunOptions{
		Lookback:       cfg.ReconciliationLookback,
		StuckThreshold: cfg.ReconciliationStuckThreshold,
	})
	if err != nil {
		if errors.Is(err, domain.ErrReconciliationInProgress) {
			log.Info("reconciliation skipped, another run is active")
			return
		}
		log.Error("reconciliation run failed", "error", err)
		return
	}
	log.Info("reconciliation run finished", "run_id", run.ID, "status", run.Status)
}

type webhookMaintainer interface {
	ResetStuck(ctx context.Context, threshold time.Duration) (int64, error)
	RetryFailed(ctx context.Context) (int, error)
}

func maintainWebhooks(ctx context.Context, w webhookMaintainer, log *slog.Logger) {
	if _, err := w.ResetStuck(ctx, usecase.WebhookStuckThreshold); err != nil {
		log.Error("reset stuck webhooks", "error", err)
	}
	n, err := w.RetryFailed(ctx)
	if err != nil {
		log.Error("retry failed webhooks", "error", err)
	}
	if n > 0 {
		log.Info("re-queued failed webhooks", "count", n)
	}
}

// runEvery calls fn on every tick until ctx ends.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
