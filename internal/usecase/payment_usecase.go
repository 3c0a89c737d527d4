package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/metrics"
)

// PaymentUseCase drives payment orders through their lifecycle.
type PaymentUseCase struct {
	txManager  TransactionManager
	orderRepo  PaymentOrderRepository
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
	holdPeriod time.Duration
}

// NewPaymentUseCase creates a new PaymentUseCase.
func NewPaymentUseCase(
	txManager TransactionManager,
	orderRepo PaymentOrderRepository,
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
) *PaymentUseCase {
	return &PaymentUseCase{
		txManager:  txManager,
		orderRepo:  orderRepo,
		payoutRepo: payoutRepo,
		outboxRepo: outboxRepo,
		versions:   versions,
		ledger:     ledger,
		processor:  processor,
		locks:      locks,
		queue:      queue,
		idGen:      idGen,
		logger:     logger.With().Str("component", "payments").Logger(),
		metrics:    metrics,
		holdPeriod: DefaultEscrowHoldPeriod,
	}
}

// WithHoldPeriod sets how long escrow funds are held before automatic release.
// Zero holds them until released explicitly.
func (uc *PaymentUseCase) WithHoldPeriod(period time.Duration) *PaymentUseCase {
	uc.holdPeriod = period
	return uc
}

// CreatePaymentOrderInput represents input for creating a payment order.
type CreatePaymentOrderInput struct {
	PayerID     string
	RecipientID string
	AmountCents int64
	Currency    string
	Strategy    domain.PaymentStrategy
}

// orderMutation applies transitions to a locked order and returns the outbox
// event types to emit. No events means nothing changed.
type orderMutation func(ctx context.Context, tx Transaction, order *domain.PaymentOrder) ([]string, error)

// Create stores a new draft order.
func (uc *PaymentUseCase) Create(ctx context.Context, input CreatePaymentOrderInput) (*domain.PaymentOrder, error) {
	if err := domain.ValidateAmountCents(input.AmountCents); err != nil {
		return nil, err
	}
	if err := domain.ValidateCurrency(input.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !input.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrValidation, input.Strategy)
	}
	if input.PayerID == "" || input.RecipientID == "" {
		return nil, fmt.Errorf("%w: payer and recipient are required", domain.ErrValidation)
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	order, err := uc.createTx(txCtx, tx, input)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return order, nil
}

func (uc *PaymentUseCase) createTx(ctx context.Context, tx Transaction, input CreatePaymentOrderInput) (*domain.PaymentOrder, error) {
	now := time.Now().UTC()
	order := &domain.PaymentOrder{
		ID:          uc.idGen.Generate(),
		PayerID:     input.PayerID,
		RecipientID: input.RecipientID,
		AmountCents: input.AmountCents,
		Currency:    domain.NormalizeCurrency(input.Currency),
		Strategy:    input.Strategy,
		State:       domain.PaymentOrderDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := uc.orderRepo.Create(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := writeOutbox(ctx, uc.outboxRepo, tx, uc.idGen, domain.EntityPaymentOrder, order.ID,
		domain.EventTypePaymentOrderCreated, domain.PaymentOrderEventPayload(order)); err != nil {
		return nil, err
	}

	return order, nil
}

// Get retrieves a payment order by ID.
func (uc *PaymentUseCase) Get(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return uc.orderRepo.GetByID(ctx, id)
}

// GetByProcessorPaymentID finds the order linked to a processor payment intent.
func (uc *PaymentUseCase) GetByProcessorPaymentID(ctx context.Context, processorID string) (*domain.PaymentOrder, error) {
	return uc.orderRepo.GetByProcessorPaymentID(ctx, processorID)
}

// Submit creates the processor payment intent and moves the order to pending.
func (uc *PaymentUseCase) Submit(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	var result *domain.PaymentOrder
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		order, err := uc.orderRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !order.Can(domain.PaymentActionSubmit) {
			return &domain.InvalidStateTransitionError{
				Entity: domain.EntityPaymentOrder, ID: id, From: string(order.State), Action: string(domain.PaymentActionSubmit),
			}
		}

		intent, err := uc.processor.CreatePaymentIntent(ctx, CreatePaymentIntentParams{
			AmountCents: order.AmountCents,
			Currency:    order.Currency,
			Customer:    order.PayerID,
			Metadata: map[string]string{
				"payment_order_id": order.ID,
				"recipient_id":     order.RecipientID,
				"strategy":         string(order.Strategy),
			},
		}, domain.IdempotencyKey(domain.EntityPaymentOrder, order.ID, string(domain.PaymentActionSubmit), order.Version))
		if err != nil {
			return err
		}

		result, err = uc.mutateTx(ctx, id, order.Version, func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
			if err := o.Submit(time.Now().UTC()); err != nil {
				return nil, err
			}
			o.ProcessorPaymentID = intent.ID
			return []string{domain.EventTypePaymentOrderSubmitted}, nil
		})
		return err
	})
	uc.observe(string(domain.PaymentActionSubmit), err)
	return result, err
}

// Process marks the order as being processed by the processor.
func (uc *PaymentUseCase) Process(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionProcess), func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
		if err := o.Process(time.Now().UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderProcessing}, nil
	})
}

// Capture records captured funds in escrow and returns the capture entry.
func (uc *PaymentUseCase) Capture(ctx context.Context, id string) (*domain.PaymentOrder, *domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	order, err := uc.mutate(ctx, id, string(domain.PaymentActionCapture), func(ctx context.Context, tx Transaction, o *domain.PaymentOrder) ([]string, error) {
		var err error
		entry, err = uc.capture(ctx, tx, o, ActorPaymentService)
		if err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderCaptured}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, entry, nil
}

func (uc *PaymentUseCase) capture(ctx context.Context, tx Transaction, o *domain.PaymentOrder, actor string) (*domain.LedgerEntry, error) {
	if err := o.Capture(time.Now().UTC()); err != nil {
		return nil, err
	}
	return uc.ledger.PostCapture(ctx, tx, o, actor)
}

// Hold parks captured escrow funds until release.
func (uc *PaymentUseCase) Hold(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionHold), func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
		if err := o.HoldFor(time.Now().UTC(), uc.holdPeriod); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderHeld}, nil
	})
}

// Release allocates held escrow funds to the recipient. When destination is
// set a pending payout for the recipient's share is created and queued.
func (uc *PaymentUseCase) Release(ctx context.Context, id, destination string) (*domain.PaymentOrder, error) {
	var payout *domain.Payout
	order, err := uc.mutate(ctx, id, string(domain.PaymentActionRelease), func(ctx context.Context, tx Transaction, o *domain.PaymentOrder) ([]string, error) {
		now := time.Now().UTC()
		if err := o.Release(now); err != nil {
			return nil, err
		}
		entries, err := uc.ledger.PostRelease(ctx, tx, o, ActorPaymentService)
		if err != nil {
			return nil, err
		}
		if destination == "" {
			return []string{domain.EventTypePaymentOrderReleased}, nil
		}

		payout = &domain.Payout{
			ID:                 uc.idGen.Generate(),
			PaymentOrderID:     o.ID,
			RecipientID:        o.RecipientID,
			DestinationAccount: destination,
			AmountCents:        recipientShare(entries),
			Currency:           o.Currency,
			State:              domain.PayoutPending,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if payout.AmountCents == 0 {
			payout = nil
			return []string{domain.EventTypePaymentOrderReleased}, nil
		}
		if err := uc.payoutRepo.Create(ctx, tx, payout); err != nil {
			return nil, err
		}
		if err := writeOutbox(ctx, uc.outboxRepo, tx, uc.idGen, domain.EntityPayout, payout.ID,
			domain.EventTypePayoutCreated, domain.PayoutEventPayload(payout)); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderReleased}, nil
	})
	if err != nil {
		return nil, err
	}

	if payout != nil {
		if err := uc.queue.Enqueue(ctx, TaskExecutePayout, map[string]string{"payout_id": payout.ID}); err != nil {
			uc.logger.Warn().Err(err).Str("payout_id", payout.ID).Msg("failed to enqueue payout execution")
		}
	}

	return order, nil
}

// ReleaseExpiredHolds releases held escrow orders whose hold period ended by
// now into the recipient's balance. Each order is re-checked under its lock.
// It returns how many orders were released; per-order failures are logged.
func (uc *PaymentUseCase) ReleaseExpiredHolds(ctx context.Context, now time.Time, limit int) (int, error) {
	orders, err := uc.orderRepo.ListExpiredHolds(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		order, err := uc.releaseExpired(ctx, o.ID, now)
		if err != nil {
			uc.logger.Warn().Err(err).Str("payment_order_id", o.ID).Msg("failed to release expired hold")
			continue
		}
		if order.State == domain.PaymentOrderReleased {
			released++
		}
	}
	return released, nil
}

func (uc *PaymentUseCase) releaseExpired(ctx context.Context, id string, now time.Time) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionRelease), func(ctx context.Context, tx Transaction, o *domain.PaymentOrder) ([]string, error) {
		if !o.HoldExpired(now) {
			return nil, nil
		}
		if err := o.Release(time.Now().UTC()); err != nil {
			return nil, err
		}
		if _, err := uc.ledger.PostRelease(ctx, tx, o, ActorPaymentService); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderReleased}, nil
	})
}

func recipientShare(entries []*domain.LedgerEntry) int64 {
	for _, e := range entries {
		if e.EntryType == domain.EntryTypePaymentReleased {
			return e.AmountCents
		}
	}
	return 0
}

// Settle finalises an order. Settling straight from captured allocates funds
// to the recipient; settling a released order moves no money.
func (uc *PaymentUseCase) Settle(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionSettle), func(ctx context.Context, tx Transaction, o *domain.PaymentOrder) ([]string, error) {
		return uc.settle(ctx, tx, o, ActorPaymentService)
	})
}

func (uc *PaymentUseCase) settle(ctx context.Context, tx Transaction, o *domain.PaymentOrder, actor string) ([]string, error) {
	fromCaptured := o.State == domain.PaymentOrderCaptured
	if err := o.Settle(time.Now().UTC()); err != nil {
		return nil, err
	}
	if fromCaptured {
		if _, err := uc.ledger.PostRelease(ctx, tx, o, actor); err != nil {
			return nil, err
		}
	}
	return []string{domain.EventTypePaymentOrderSettled}, nil
}

// Fail marks the order failed with reason.
func (uc *PaymentUseCase) Fail(ctx context.Context, id, reason string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionFail), func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
		if err := o.Fail(time.Now().UTC(), reason); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderFailed}, nil
	})
}

// Retry moves a failed order back to pending.
func (uc *PaymentUseCase) Retry(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionRetry), func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
		if err := o.Retry(time.Now().UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderRetried}, nil
	})
}

// Cancel cancels the processor intent, if any, then the order.
func (uc *PaymentUseCase) Cancel(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	var result *domain.PaymentOrder
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		order, err := uc.orderRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !order.Can(domain.PaymentActionCancel) {
			return &domain.InvalidStateTransitionError{
				Entity: domain.EntityPaymentOrder, ID: id, From: string(order.State), Action: string(domain.PaymentActionCancel),
			}
		}

		if order.ProcessorPaymentID != "" {
			key := domain.IdempotencyKey(domain.EntityPaymentOrder, order.ID, string(domain.PaymentActionCancel), order.Version)
			if _, err := uc.processor.CancelPaymentIntent(ctx, order.ProcessorPaymentID, key); err != nil {
				return err
			}
		}

		result, err = uc.mutateTx(ctx, id, order.Version, func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
			if err := o.Cancel(time.Now().UTC()); err != nil {
				return nil, err
			}
			return []string{domain.EventTypePaymentOrderCancelled}, nil
		})
		return err
	})
	uc.observe(string(domain.PaymentActionCancel), err)
	return result, err
}

// CompleteSucceeded advances an order the processor reports as succeeded as
// far as its strategy allows: pending and processing orders are captured,
// then direct and subscription orders settle and escrow orders are held.
// Orders already past capture are left unchanged.
func (uc *PaymentUseCase) CompleteSucceeded(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, "complete_succeeded", func(ctx context.Context, tx Transaction, o *domain.PaymentOrder) ([]string, error) {
		now := time.Now().UTC()
		var events []string

		if o.State == domain.PaymentOrderPending {
			if err := o.Process(now); err != nil {
				return nil, err
			}
			events = append(events, domain.EventTypePaymentOrderProcessing)
		}
		if o.State == domain.PaymentOrderProcessing {
			if _, err := uc.capture(ctx, tx, o, ActorPaymentService); err != nil {
				return nil, err
			}
			events = append(events, domain.EventTypePaymentOrderCaptured)
		}
		if o.State != domain.PaymentOrderCaptured {
			return events, nil
		}

		switch o.Strategy {
		case domain.StrategyEscrow:
			if err := o.HoldFor(now, uc.holdPeriod); err != nil {
				return nil, err
			}
			events = append(events, domain.EventTypePaymentOrderHeld)
		default:
			settled, err := uc.settle(ctx, tx, o, ActorPaymentService)
			if err != nil {
				return nil, err
			}
			events = append(events, settled...)
		}
		return events, nil
	})
}

// FailIfActive fails a pending or processing order and ignores any other state.
func (uc *PaymentUseCase) FailIfActive(ctx context.Context, id, reason string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionFail), func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
		if !o.Can(domain.PaymentActionFail) {
			return nil, nil
		}
		if err := o.Fail(time.Now().UTC(), reason); err != nil {
			return nil, err
		}
		return []string{domain.EventTypePaymentOrderFailed}, nil
	})
}

// CancelFromProcessor mirrors a processor-side cancellation: cancellable
// orders are cancelled, processing orders fail.
func (uc *PaymentUseCase) CancelFromProcessor(ctx context.Context, id, reason string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionCancel), func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
		now := time.Now().UTC()
		switch {
		case o.Can(domain.PaymentActionCancel):
			if err := o.Cancel(now); err != nil {
				return nil, err
			}
			return []string{domain.EventTypePaymentOrderCancelled}, nil
		case o.Can(domain.PaymentActionFail):
			if err := o.Fail(now, "canceled at processor: "+reason); err != nil {
				return nil, err
			}
			return []string{domain.EventTypePaymentOrderFailed}, nil
		}
		return nil, nil
	})
}

// HealCapture captures an order that reconciliation found succeeded at the
// processor. From pending it processes first. The stored version must still
// equal observedVersion.
func (uc *PaymentUseCase) HealCapture(ctx context.Context, id string, observedVersion int64) (*domain.PaymentOrder, *domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	var order *domain.PaymentOrder
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		var err error
		order, err = uc.mutateTx(ctx, id, observedVersion, func(ctx context.Context, tx Transaction, o *domain.PaymentOrder) ([]string, error) {
			var events []string
			if o.State == domain.PaymentOrderPending {
				if err := o.Process(time.Now().UTC()); err != nil {
					return nil, err
				}
				events = append(events, domain.EventTypePaymentOrderProcessing)
			}
			e, err := uc.capture(ctx, tx, o, ActorReconciliation)
			if err != nil {
				return nil, err
			}
			entry = e
			return append(events, domain.EventTypePaymentOrderCaptured), nil
		})
		return err
	})
	uc.observe("heal_capture", err)
	if err != nil {
		return nil, nil, err
	}
	return order, entry, nil
}

// HealFail fails a processing order the processor reports as failed.
func (uc *PaymentUseCase) HealFail(ctx context.Context, id string, observedVersion int64, reason string) (*domain.PaymentOrder, error) {
	var order *domain.PaymentOrder
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		var err error
		order, err = uc.mutateTx(ctx, id, observedVersion, func(_ context.Context, _ Transaction, o *domain.PaymentOrder) ([]string, error) {
			if err := o.Fail(time.Now().UTC(), reason); err != nil {
				return nil, err
			}
			return []string{domain.EventTypePaymentOrderFailed}, nil
		})
		return err
	})
	uc.observe("heal_fail", err)
	return order, err
}

// SettleReleased settles an escrow order once its payout was paid.
func (uc *PaymentUseCase) SettleReleased(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return uc.mutate(ctx, id, string(domain.PaymentActionSettle), func(ctx context.Context, tx Transaction, o *domain.PaymentOrder) ([]string, error) {
		if o.State != domain.PaymentOrderReleased {
			return nil, nil
		}
		return uc.settle(ctx, tx, o, ActorPayoutService)
	})
}

func (uc *PaymentUseCase) locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return withLock(ctx, uc.locks, uc.metrics, EntityLockKey(domain.EntityPaymentOrder, id), DefaultLockOptions(), fn)
}

func (uc *PaymentUseCase) mutate(ctx context.Context, id, action string, fn orderMutation) (*domain.PaymentOrder, error) {
	var order *domain.PaymentOrder
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		var err error
		order, err = uc.mutateTx(ctx, id, 0, fn)
		return err
	})
	uc.observe(action, err)
	return order, err
}

// mutateTx loads the order for update, applies fn and saves it with a
// conditional version update. expectedVersion > 0 is checked before loading.
func (uc *PaymentUseCase) mutateTx(ctx context.Context, id string, expectedVersion int64, fn orderMutation) (*domain.PaymentOrder, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	if expectedVersion > 0 && uc.versions != nil {
		if err := uc.versions.CheckVersion(txCtx, tx, TablePaymentOrders, id, expectedVersion); err != nil {
			return nil, err
		}
	}

	order, err := uc.orderRepo.GetByIDForUpdate(txCtx, tx, id)
	if err != nil {
		return nil, err
	}

	loaded := order.Version
	events, err := fn(txCtx, tx, order)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return order, nil
	}

	if err := uc.orderRepo.Update(txCtx, tx, order, loaded); err != nil {
		return nil, err
	}

	for _, eventType := range events {
		if err := writeOutbox(txCtx, uc.outboxRepo, tx, uc.idGen, domain.EntityPaymentOrder, order.ID,
			eventType, domain.PaymentOrderEventPayload(order)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return order, nil
}

func (uc *PaymentUseCase) observe(action string, err error) {
	if err != nil {
		uc.metrics.RecordTransitionError(domain.EntityPaymentOrder, errorType(err))
		if !errors.Is(err, domain.ErrInvalidStateTransition) {
			uc.logger.Debug().Err(err).Str("action", action).Msg("payment order transition failed")
		}
		return
	}
	uc.metrics.RecordTransition(domain.EntityPaymentOrder, action)
}

// createPaidTx records an order that was already paid at the processor, such
// as a subscription invoice, and drives it from draft to settled inside tx.
func (uc *PaymentUseCase) createPaidTx(ctx context.Context, tx Transaction, input CreatePaymentOrderInput, processorPaymentID, actor string) (*domain.PaymentOrder, error) {
	order, err := uc.createTx(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	created := order.Version
	now := time.Now().UTC()
	if err := order.Submit(now); err != nil {
		return nil, err
	}
	order.ProcessorPaymentID = processorPaymentID
	if err := order.Process(now); err != nil {
		return nil, err
	}
	if _, err := uc.capture(ctx, tx, order, actor); err != nil {
		return nil, err
	}
	if _, err := uc.settle(ctx, tx, order, actor); err != nil {
		return nil, err
	}

	if err := uc.orderRepo.Update(ctx, tx, order, created); err != nil {
		return nil, err
	}
	for _, eventType := range []string{
		domain.EventTypePaymentOrderSubmitted,
		domain.EventTypePaymentOrderProcessing,
		domain.EventTypePaymentOrderCaptured,
		domain.EventTypePaymentOrderSettled,
	} {
		if err := writeOutbox(ctx, uc.outboxRepo, tx, uc.idGen, domain.EntityPaymentOrder, order.ID,
			eventType, domain.PaymentOrderEventPayload(order)); err != nil {
			return nil, err
		}
	}

	return order, nil
}
