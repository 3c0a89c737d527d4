package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/metrics"
)

// PayoutUseCase moves recipient balances out to connected accounts.
type PayoutUseCase struct {
	txManager  TransactionManager
	payoutRepo PayoutRepository
	outboxRepo OutboxRepository
	versions   VersionChecker
	ledger     *LedgerUseCase
	processor  ProcessorClient
	locks      LockManager
	queue      TaskQueue
	idGen      IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewPayoutUseCase creates a new PayoutUseCase.
func NewPayoutUseCase(
	txManager TransactionManager,
	payoutRepo PayoutRepository,
	outboxRepo OutboxRepository,
	versions VersionChecker,
	ledger *LedgerUseCase,
	processor ProcessorClient,
	locks LockManager,
	queue TaskQueue,
	idGen IDGenerator,
	logger zerolog.Logger,
	metrics *metrics.Metrics,
) *PayoutUseCase {
	return &PayoutUseCase{
		txManager:  txManager,
		payoutRepo: payoutRepo,
		outboxRepo: outboxRepo,
		versions:   versions,
		ledger:     ledger,
		processor:  processor,
		locks:      locks,
		queue:      queue,
		idGen:      idGen,
		logger:     logger.With().Str("component", "payouts").Logger(),
		metrics:    metrics,
	}
}

// CreatePayoutInput represents input for a standalone payout of a user balance.
type CreatePayoutInput struct {
	RecipientID        string
	DestinationAccount string
	AmountCents        int64
	Currency           string
	PaymentOrderID     string
}

type payoutMutation func(ctx context.Context, tx Transaction, payout *domain.Payout) ([]string, error)

// Create stores a pending payout after checking the recipient can cover it.
func (uc *PayoutUseCase) Create(ctx context.Context, input CreatePayoutInput) (*domain.Payout, error) {
	if err := domain.ValidateAmountCents(input.AmountCents); err != nil {
		return nil, err
	}
	if err := domain.ValidateCurrency(input.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if input.RecipientID == "" || input.DestinationAccount == "" {
		return nil, fmt.Errorf("%w: recipient and destination are required", domain.ErrValidation)
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	currency := domain.NormalizeCurrency(input.Currency)
	balance, err := uc.ledger.UserBalanceTx(txCtx, tx, input.RecipientID, currency)
	if err != nil {
		return nil, err
	}
	if balance < input.AmountCents {
		return nil, domain.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	payout := &domain.Payout{
		ID:                 uc.idGen.Generate(),
		PaymentOrderID:     input.PaymentOrderID,
		RecipientID:        input.RecipientID,
		DestinationAccount: input.DestinationAccount,
		AmountCents:        input.AmountCents,
		Currency:           currency,
		State:              domain.PayoutPending,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := uc.payoutRepo.Create(txCtx, tx, payout); err != nil {
		return nil, err
	}
	if err := writeOutbox(txCtx, uc.outboxRepo, tx, uc.idGen, domain.EntityPayout, payout.ID,
		domain.EventTypePayoutCreated, domain.PayoutEventPayload(payout)); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return payout, nil
}

// Get retrieves a payout by ID.
func (uc *PayoutUseCase) Get(ctx context.Context, id string) (*domain.Payout, error) {
	return uc.payoutRepo.GetByID(ctx, id)
}

// GetByTransferID finds the payout linked to a processor transfer.
func (uc *PayoutUseCase) GetByTransferID(ctx context.Context, transferID string) (*domain.Payout, error) {
	return uc.payoutRepo.GetByProcessorTransferID(ctx, transferID)
}

// Schedule defers a pending payout until at.
func (uc *PayoutUseCase) Schedule(ctx context.Context, id string, at time.Time) (*domain.Payout, error) {
	return uc.mutate(ctx, id, string(domain.PayoutActionSchedule), func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
		if err := p.Schedule(time.Now().UTC(), at.UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePayoutScheduled}, nil
	})
}

// Execute sends a payout to the processor in two phases. The payout is moved
// to processing and committed first, the transfer is created outside any
// transaction and its id stored afterwards. A payout that already has a
// transfer is returned unchanged. Transient processor errors are returned so
// the caller retries; permanent ones fail the payout.
func (uc *PayoutUseCase) Execute(ctx context.Context, id string) (*domain.Payout, error) {
	var result *domain.Payout
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		payout, err := uc.payoutRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case payout.State == domain.PayoutPaid,
			payout.State == domain.PayoutProcessing && payout.ProcessorTransferID != "":
			result = payout
			return nil
		case payout.State == domain.PayoutPending, payout.State == domain.PayoutScheduled:
			payout, err = uc.mutateTx(ctx, id, 0, func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
				if err := p.Process(time.Now().UTC()); err != nil {
					return nil, err
				}
				return []string{domain.EventTypePayoutProcessing}, nil
			})
			if err != nil {
				return err
			}
		case payout.State != domain.PayoutProcessing:
			return &domain.InvalidStateTransitionError{
				Entity: domain.EntityPayout, ID: id, From: string(payout.State), Action: string(domain.PayoutActionProcess),
			}
		}

		transfer, err := uc.processor.CreateTransfer(ctx, CreateTransferParams{
			AmountCents: payout.AmountCents,
			Currency:    payout.Currency,
			Destination: payout.DestinationAccount,
			Metadata: map[string]string{
				"payout_id":        payout.ID,
				"payment_order_id": payout.PaymentOrderID,
			},
		}, domain.IdempotencyKey(domain.EntityPayout, payout.ID, "transfer", payout.Version))
		if err != nil {
			if !domain.IsPermanent(err) {
				return err
			}
			reason := err.Error()
			result, err = uc.mutateTx(ctx, id, 0, func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
				if err := p.Fail(time.Now().UTC(), reason); err != nil {
					return nil, err
				}
				return []string{domain.EventTypePayoutFailed}, nil
			})
			return err
		}

		result, err = uc.mutateTx(ctx, id, 0, func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
			if p.State == domain.PayoutProcessing && p.ProcessorTransferID == "" {
				p.ProcessorTransferID = transfer.ID
				p.UpdatedAt = time.Now().UTC()
			}
			return nil, nil
		})
		if err != nil {
			// The transfer exists at the processor; reconciliation backfills the id.
			uc.logger.Warn().Err(err).Str("payout_id", id).Str("transfer_id", transfer.ID).
				Msg("failed to store transfer id")
			payout.ProcessorTransferID = transfer.ID
			result = payout
		}
		return nil
	})
	uc.observe(string(domain.PayoutActionProcess), err)
	return result, err
}

// Complete marks a payout paid and debits the recipient's balance.
func (uc *PayoutUseCase) Complete(ctx context.Context, id string) (*domain.Payout, *domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	payout, err := uc.mutate(ctx, id, string(domain.PayoutActionComplete), func(ctx context.Context, tx Transaction, p *domain.Payout) ([]string, error) {
		var err error
		entry, err = uc.complete(ctx, tx, p, ActorPayoutService)
		if err != nil {
			return nil, err
		}
		return []string{domain.EventTypePayoutPaid}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return payout, entry, nil
}

func (uc *PayoutUseCase) complete(ctx context.Context, tx Transaction, p *domain.Payout, actor string) (*domain.LedgerEntry, error) {
	if err := p.Complete(time.Now().UTC()); err != nil {
		return nil, err
	}
	return uc.ledger.PostPayout(ctx, tx, p, actor)
}

// CompleteFromProcessor applies a paid transfer. An already paid payout is
// returned without a new entry; a missing transfer id is backfilled.
func (uc *PayoutUseCase) CompleteFromProcessor(ctx context.Context, id, transferID string) (*domain.Payout, *domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	payout, err := uc.mutate(ctx, id, string(domain.PayoutActionComplete), func(ctx context.Context, tx Transaction, p *domain.Payout) ([]string, error) {
		if p.State == domain.PayoutPaid {
			return nil, nil
		}
		if p.ProcessorTransferID == "" {
			p.ProcessorTransferID = transferID
		}
		var err error
		entry, err = uc.complete(ctx, tx, p, ActorPayoutService)
		if err != nil {
			return nil, err
		}
		return []string{domain.EventTypePayoutPaid}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return payout, entry, nil
}

// BackfillTransferID stores transferID on a payout that does not have one yet.
func (uc *PayoutUseCase) BackfillTransferID(ctx context.Context, id, transferID string) (*domain.Payout, error) {
	return uc.mutate(ctx, id, "backfill_transfer", func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
		if p.ProcessorTransferID == "" {
			p.ProcessorTransferID = transferID
			p.UpdatedAt = time.Now().UTC()
		}
		return nil, nil
	})
}

// Fail marks a payout failed with reason.
func (uc *PayoutUseCase) Fail(ctx context.Context, id, reason string) (*domain.Payout, error) {
	return uc.mutate(ctx, id, string(domain.PayoutActionFail), func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
		if err := p.Fail(time.Now().UTC(), reason); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePayoutFailed}, nil
	})
}

// FailFromProcessor fails a payout the processor reports as failed. Payouts
// that cannot fail from their current state are left unchanged.
func (uc *PayoutUseCase) FailFromProcessor(ctx context.Context, id, reason string) (*domain.Payout, error) {
	return uc.mutate(ctx, id, string(domain.PayoutActionFail), func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
		if !p.Can(domain.PayoutActionFail) {
			return nil, nil
		}
		if err := p.Fail(time.Now().UTC(), reason); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePayoutFailed}, nil
	})
}

// Retry returns a failed payout to pending and queues its execution.
func (uc *PayoutUseCase) Retry(ctx context.Context, id string) (*domain.Payout, error) {
	return uc.retry(ctx, id, nil)
}

// RetryFailed retries failed payouts whose failure looks temporary and whose
// retries are not exhausted. It returns how many were queued again.
func (uc *PayoutUseCase) RetryFailed(ctx context.Context, limit int) (int, error) {
	payouts, err := uc.payoutRepo.ListFailed(ctx, limit)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, p := range payouts {
		if err := ctx.Err(); err != nil {
			return retried, err
		}
		if !p.AutoRetryable() {
			continue
		}
		payout, err := uc.retry(ctx, p.ID, (*domain.Payout).AutoRetryable)
		if err != nil {
			uc.logger.Warn().Err(err).Str("payout_id", p.ID).Msg("failed to retry payout")
			continue
		}
		if payout.State == domain.PayoutPending {
			retried++
		}
	}
	return retried, nil
}

// ListDue returns payouts ready for execution at now. Pending payouts must
// have been idle for grace so freshly queued ones are not picked up twice.
func (uc *PayoutUseCase) ListDue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*domain.Payout, error) {
	return uc.payoutRepo.ListDue(ctx, now, now.Add(-grace), limit)
}

// retry moves a failed payout back to pending when eligible (nil means always)
// still holds under the lock, then queues its execution.
func (uc *PayoutUseCase) retry(ctx context.Context, id string, eligible func(*domain.Payout) bool) (*domain.Payout, error) {
	payout, err := uc.mutate(ctx, id, string(domain.PayoutActionRetry), func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
		if eligible != nil && !eligible(p) {
			return nil, nil
		}
		if err := p.Retry(time.Now().UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePayoutRetried}, nil
	})
	if err != nil {
		return nil, err
	}
	if payout.State != domain.PayoutPending {
		return payout, nil
	}

	if err := uc.queue.Enqueue(ctx, TaskExecutePayout, map[string]string{"payout_id": payout.ID}); err != nil {
		uc.logger.Warn().Err(err).Str("payout_id", payout.ID).Msg("failed to enqueue payout execution")
	}
	return payout, nil
}

// Cancel cancels a pending or scheduled payout.
func (uc *PayoutUseCase) Cancel(ctx context.Context, id string) (*domain.Payout, error) {
	return uc.mutate(ctx, id, string(domain.PayoutActionCancel), func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
		if err := p.Cancel(time.Now().UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePayoutCancelled}, nil
	})
}

// HealComplete completes a payout whose transfer reconciliation found paid.
// The stored version must still equal observedVersion.
func (uc *PayoutUseCase) HealComplete(ctx context.Context, id string, observedVersion int64, transferID string) (*domain.Payout, *domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	var payout *domain.Payout
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		var err error
		payout, err = uc.mutateTx(ctx, id, observedVersion, func(ctx context.Context, tx Transaction, p *domain.Payout) ([]string, error) {
			if p.ProcessorTransferID == "" {
				p.ProcessorTransferID = transferID
			}
			e, err := uc.complete(ctx, tx, p, ActorReconciliation)
			if err != nil {
				return nil, err
			}
			entry = e
			return []string{domain.EventTypePayoutPaid}, nil
		})
		return err
	})
	uc.observe("heal_complete", err)
	if err != nil {
		return nil, nil, err
	}
	return payout, entry, nil
}

// HealBackfill stores a transfer id found at the processor on a processing
// payout that lost it.
func (uc *PayoutUseCase) HealBackfill(ctx context.Context, id string, observedVersion int64, transferID string) (*domain.Payout, error) {
	var payout *domain.Payout
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		var err error
		payout, err = uc.mutateTx(ctx, id, observedVersion, func(_ context.Context, _ Transaction, p *domain.Payout) ([]string, error) {
			if p.State != domain.PayoutProcessing {
				return nil, &domain.InvalidStateTransitionError{
					Entity: domain.EntityPayout, ID: id, From: string(p.State), Action: "backfill_transfer",
				}
			}
			p.ProcessorTransferID = transferID
			p.UpdatedAt = time.Now().UTC()
			return nil, nil
		})
		return err
	})
	uc.observe("heal_backfill", err)
	return payout, err
}

func (uc *PayoutUseCase) locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return withLock(ctx, uc.locks, uc.metrics, EntityLockKey(domain.EntityPayout, id), DefaultLockOptions(), fn)
}

func (uc *PayoutUseCase) mutate(ctx context.Context, id, action string, fn payoutMutation) (*domain.Payout, error) {
	var payout *domain.Payout
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		var err error
		payout, err = uc.mutateTx(ctx, id, 0, fn)
		return err
	})
	uc.observe(action, err)
	return payout, err
}

// mutateTx saves the payout only when fn changed it or emitted events.
func (uc *PayoutUseCase) mutateTx(ctx context.Context, id string, expectedVersion int64, fn payoutMutation) (*domain.Payout, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	if expectedVersion > 0 && uc.versions != nil {
		if err := uc.versions.CheckVersion(txCtx, tx, TablePayouts, id, expectedVersion); err != nil {
			return nil, err
		}
	}

	payout, err := uc.payoutRepo.GetByIDForUpdate(txCtx, tx, id)
	if err != nil {
		return nil, err
	}

	before := *payout
	events, err := fn(txCtx, tx, payout)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && *payout == before {
		return payout, nil
	}

	if err := uc.payoutRepo.Update(txCtx, tx, payout, before.Version); err != nil {
		return nil, err
	}

	for _, eventType := range events {
		if err := writeOutbox(txCtx, uc.outboxRepo, tx, uc.idGen, domain.EntityPayout, payout.ID,
			eventType, domain.PayoutEventPayload(payout)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return payout, nil
}

func (uc *PayoutUseCase) observe(action string, err error) {
	if err != nil {
		uc.metrics.RecordTransitionError(domain.EntityPayout, errorType(err))
		return
	}
	uc.metrics.RecordTransition(domain.EntityPayout, action)
}
