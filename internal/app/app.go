// Package app assembles repositories, clients and use cases from config.
// The server and the worker share it so both processes run the same graph.
package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/adapter/queue"
	postgresRepo "github.com/iho/payledger/internal/adapter/repository/postgres"
	redisRepo "github.com/iho/payledger/internal/adapter/repository/redis"
	"github.com/iho/payledger/internal/infrastructure/config"
	"github.com/iho/payledger/internal/infrastructure/metrics"
	"github.com/iho/payledger/internal/infrastructure/processor"
	"github.com/iho/payledger/internal/usecase"
)

// Deps are the process-level resources the graph is built on.
type Deps struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Slog    *slog.Logger
	Metrics *metrics.Metrics
}

// Services is the wired application.
type Services struct {
	Queue       *queue.Queue
	Locks       *redisRepo.LockManager
	Idempotency *redisRepo.IdempotencyStore
	Outbox      *postgresRepo.OutboxRepository
	Retrier     *postgresRepo.Retrier
	Processor   *processor.Client

	Ledger         *usecase.LedgerUseCase
	Payments       *usecase.PaymentUseCase
	Payouts        *usecase.PayoutUseCase
	Refunds        *usecase.RefundUseCase
	Subscriptions  *usecase.SubscriptionUseCase
	Webhooks       *usecase.WebhookUseCase
	Reconciliation *usecase.ReconciliationUseCase
}

// Build wires every use case against Postgres, Redis and the processor.
func Build(d Deps) *Services {
	cfg := d.Config
	log := d.Logger

	txManager := postgresRepo.NewTxManager(d.Pool)
	accountRepo := postgresRepo.NewLedgerAccountRepository(d.Pool)
	entryRepo := postgresRepo.NewLedgerEntryRepository(d.Pool)
	ledgerRepo := postgresRepo.NewLedgerRepository(d.Pool)
	orderRepo := postgresRepo.NewPaymentOrderRepository(d.Pool)
	payoutRepo := postgresRepo.NewPayoutRepository(d.Pool)
	refundRepo := postgresRepo.NewRefundRepository(d.Pool)
	subRepo := postgresRepo.NewSubscriptionRepository(d.Pool)
	webhookRepo := postgresRepo.NewWebhookEventRepository(d.Pool)
	reconRepo := postgresRepo.NewReconciliationRepository(d.Pool)
	outboxRepo := postgresRepo.NewOutboxRepository(d.Pool)
	versions := postgresRepo.NewVersionChecker()
	idGen := postgresRepo.NewULIDGenerator()

	s := &Services{
		Queue:       queue.New(d.Redis, cfg.QueueName),
		Locks:       redisRepo.NewLockManager(d.Redis, redisRepo.WithEntityLockDefaults(cfg.LockTTL, cfg.LockTimeout)),
		Idempotency: redisRepo.NewIdempotencyStore(d.Redis),
		Outbox:      outboxRepo,
		Retrier:     postgresRepo.NewRetrier(d.Slog),
		Processor: processor.NewClient(processor.Config{
			BaseURL: cfg.ProcessorBaseURL,
			APIKey:  cfg.ProcessorAPIKey,
			Timeout: cfg.ProcessorTimeout,
		}, d.Slog, d.Metrics),
	}

	verifier := processor.NewSignatureVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)

	s.Ledger = usecase.NewLedgerUseCase(txManager, accountRepo, entryRepo, ledgerRepo, idGen, cfg.PlatformFeePercent, d.Metrics)
	s.Payments = usecase.NewPaymentUseCase(txManager, orderRepo, payoutRepo, outboxRepo, versions, s.Ledger,
		s.Processor, s.Locks, s.Queue, idGen, log, d.Metrics).WithHoldPeriod(cfg.EscrowHoldPeriod)
	s.Payouts = usecase.NewPayoutUseCase(txManager, payoutRepo, outboxRepo, versions, s.Ledger,
		s.Processor, s.Locks, s.Queue, idGen, log, d.Metrics)
	s.Refunds = usecase.NewRefundUseCase(txManager, orderRepo, refundRepo, payoutRepo, outboxRepo, s.Ledger,
		s.Processor, s.Locks, idGen, log, d.Metrics)
	s.Subscriptions = usecase.NewSubscriptionUseCase(txManager, subRepo, outboxRepo, s.Payments,
		s.Processor, s.Locks, idGen, log, d.Metrics)
	s.Webhooks = usecase.NewWebhookUseCase(webhookRepo, verifier, s.Queue, s.Payments, s.Payouts,
		s.Refunds, s.Subscriptions, idGen, log, d.Metrics)
	s.Reconciliation = usecase.NewReconciliationUseCase(reconRepo, orderRepo, payoutRepo, s.Payments,
		s.Payouts, s.Processor, s.Locks, idGen, log, d.Metrics)

	return s
}
