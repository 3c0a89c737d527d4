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

// RefundUseCase returns captured money to payers.
type RefundUseCase struct {
	txManager  TransactionManager
	orderRepo  PaymentOrderRepository
	refundRepo RefundRepository
	payoutRepo PayoutRepository
	outboxRepo OutboxRepository
	ledger     *LedgerUseCase
	processor  ProcessorClient
	locks      LockManager
	idGen      IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewRefundUseCase creates a new RefundUseCase.
func NewRefundUseCase(
	txManager TransactionManager,
	orderRepo PaymentOrderRepository,
	refundRepo RefundRepository,
	payoutRepo PayoutRepository,
	outboxRepo OutboxRepository,
	ledger *LedgerUseCase,
	processor ProcessorClient,
	locks LockManager,
	idGen IDGenerator,
	logger zerolog.Logger,
	metrics *metrics.Metrics,
) *RefundUseCase {
	return &RefundUseCase{
		txManager:  txManager,
		orderRepo:  orderRepo,
		refundRepo: refundRepo,
		payoutRepo: payoutRepo,
		outboxRepo: outboxRepo,
		ledger:     ledger,
		processor:  processor,
		locks:      locks,
		idGen:      idGen,
		logger:     logger.With().Str("component", "refunds").Logger(),
		metrics:    metrics,
	}
}

// RequestRefundInput represents input for requesting a refund.
type RequestRefundInput struct {
	PaymentOrderID string
	AmountCents    int64
	Reason         string
}

type refundMutation func(ctx context.Context, tx Transaction, refund *domain.Refund) ([]string, error)

// Request records a refund against an order. The order must be refundable,
// must not have a payout in flight or paid, and the sum of its non-failed
// refunds may not exceed the order amount. Pending or scheduled payouts of
// the order are cancelled.
func (uc *RefundUseCase) Request(ctx context.Context, input RequestRefundInput) (*domain.Refund, error) {
	if err := domain.ValidateAmountCents(input.AmountCents); err != nil {
		return nil, err
	}

	var refund *domain.Refund
	err := uc.lockOrder(ctx, input.PaymentOrderID, func(ctx context.Context) error {
		txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
		defer cancel()

		tx, err := uc.txManager.Begin(txCtx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(txCtx) }()

		refund, err = uc.requestTx(txCtx, tx, input)
		if err != nil {
			return err
		}

		return tx.Commit(txCtx)
	})
	if err != nil {
		uc.metrics.RecordTransitionError(domain.EntityRefund, errorType(err))
		return nil, err
	}
	uc.metrics.RecordTransition(domain.EntityRefund, "request")
	return refund, nil
}

func (uc *RefundUseCase) requestTx(ctx context.Context, tx Transaction, input RequestRefundInput) (*domain.Refund, error) {
	order, err := uc.orderRepo.GetByIDForUpdate(ctx, tx, input.PaymentOrderID)
	if err != nil {
		return nil, err
	}
	if !order.IsRefundable() {
		return nil, fmt.Errorf("%w: order is %s", domain.ErrRefundNotAllowed, order.State)
	}

	if err := uc.cancelOpenPayouts(ctx, tx, order); err != nil {
		return nil, err
	}

	existing, err := uc.refundRepo.ListByPaymentOrder(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	var committed int64
	for _, r := range existing {
		if r.CountsTowardLimit() {
			committed += r.AmountCents
		}
	}
	if committed+input.AmountCents > order.AmountCents {
		return nil, fmt.Errorf("%w: %s already refunded of %s",
			domain.ErrRefundExceedsCapture, domain.FormatCents(committed), domain.FormatCents(order.AmountCents))
	}

	now := time.Now().UTC()
	refund := &domain.Refund{
		ID:             uc.idGen.Generate(),
		PaymentOrderID: order.ID,
		AmountCents:    input.AmountCents,
		Currency:       order.Currency,
		Reason:         input.Reason,
		State:          domain.RefundRequested,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := uc.refundRepo.Create(ctx, tx, refund); err != nil {
		return nil, err
	}
	if err := writeOutbox(ctx, uc.outboxRepo, tx, uc.idGen, domain.EntityRefund, refund.ID,
		domain.EventTypeRefundRequested, domain.RefundEventPayload(refund)); err != nil {
		return nil, err
	}

	return refund, nil
}

func (uc *RefundUseCase) cancelOpenPayouts(ctx context.Context, tx Transaction, order *domain.PaymentOrder) error {
	payouts, err := uc.payoutRepo.ListByPaymentOrder(ctx, tx, order.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, p := range payouts {
		switch p.State {
		case domain.PayoutProcessing, domain.PayoutPaid:
			return fmt.Errorf("%w: payout %s is %s", domain.ErrRefundNotAllowed, p.ID, p.State)
		case domain.PayoutPending, domain.PayoutScheduled:
			expected := p.Version
			if err := p.Cancel(now); err != nil {
				return err
			}
			if err := uc.payoutRepo.Update(ctx, tx, p, expected); err != nil {
				return err
			}
			if err := writeOutbox(ctx, uc.outboxRepo, tx, uc.idGen, domain.EntityPayout, p.ID,
				domain.EventTypePayoutCancelled, domain.PayoutEventPayload(p)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get retrieves a refund by ID.
func (uc *RefundUseCase) Get(ctx context.Context, id string) (*domain.Refund, error) {
	return uc.refundRepo.GetByID(ctx, id)
}

// ListStaleRequested returns refunds left in requested for longer than grace,
// typically because their execution was never queued.
func (uc *RefundUseCase) ListStaleRequested(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*domain.Refund, error) {
	return uc.refundRepo.ListStaleRequested(ctx, now.Add(-grace), limit)
}

// Execute submits a requested refund to the processor and completes it when
// the processor reports it succeeded straight away. A processing refund whose
// processor call never returned is resubmitted with the same idempotency key.
func (uc *RefundUseCase) Execute(ctx context.Context, id string) (*domain.Refund, error) {
	var processorRefund *domain.ProcessorRefund
	var result *domain.Refund
	err := uc.lockRefund(ctx, id, func(ctx context.Context) error {
		refund, err := uc.refundRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		retrying := refund.State == domain.RefundProcessing && refund.ProcessorRefundID == ""
		if refund.State != domain.RefundRequested && !retrying {
			result = refund
			return nil
		}

		order, err := uc.orderRepo.GetByID(ctx, refund.PaymentOrderID)
		if err != nil {
			return err
		}

		if !retrying {
			refund, err = uc.mutateTx(ctx, id, func(_ context.Context, _ Transaction, r *domain.Refund) ([]string, error) {
				if err := r.Process(time.Now().UTC()); err != nil {
					return nil, err
				}
				return []string{domain.EventTypeRefundProcessing}, nil
			})
			if err != nil {
				return err
			}
		}

		if order.ProcessorPaymentID == "" {
			result, err = uc.fail(ctx, id, "payment order has no processor payment")
			return err
		}

		processorRefund, err = uc.processor.CreateRefund(ctx, CreateRefundParams{
			PaymentIntentID: order.ProcessorPaymentID,
			AmountCents:     refund.AmountCents,
			Reason:          refund.Reason,
			Metadata: map[string]string{
				"refund_id":        refund.ID,
				"payment_order_id": order.ID,
			},
		}, domain.IdempotencyKey(domain.EntityRefund, refund.ID, "execute", refund.Version))
		if err != nil {
			if !domain.IsPermanent(err) {
				return err
			}
			result, err = uc.fail(ctx, id, err.Error())
			return err
		}

		result, err = uc.mutateTx(ctx, id, func(_ context.Context, _ Transaction, r *domain.Refund) ([]string, error) {
			if r.ProcessorRefundID == "" {
				r.ProcessorRefundID = processorRefund.ID
				r.UpdatedAt = time.Now().UTC()
			}
			return nil, nil
		})
		return err
	})
	uc.observe(string(domain.RefundActionProcess), err)
	if err != nil {
		return nil, err
	}

	if processorRefund == nil {
		return result, nil
	}
	switch processorRefund.Status {
	case domain.ProcessorRefundSucceeded:
		refund, _, err := uc.Complete(ctx, id)
		return refund, err
	case domain.ProcessorRefundFailed, domain.ProcessorRefundCanceled:
		return uc.Fail(ctx, id, "processor refund "+processorRefund.Status)
	}
	return result, nil
}

// Complete posts the refund to the ledger and moves the order to refunded
// or partially_refunded. Completing a completed refund is a no-op.
func (uc *RefundUseCase) Complete(ctx context.Context, id string) (*domain.Refund, []*domain.LedgerEntry, error) {
	refund, err := uc.refundRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var entries []*domain.LedgerEntry
	err = uc.lockOrder(ctx, refund.PaymentOrderID, func(ctx context.Context) error {
		txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
		defer cancel()

		tx, err := uc.txManager.Begin(txCtx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(txCtx) }()

		refund, entries, err = uc.completeTx(txCtx, tx, id)
		if err != nil {
			return err
		}

		return tx.Commit(txCtx)
	})
	uc.observe(string(domain.RefundActionComplete), err)
	if err != nil {
		return nil, nil, err
	}
	return refund, entries, nil
}

func (uc *RefundUseCase) completeTx(ctx context.Context, tx Transaction, id string) (*domain.Refund, []*domain.LedgerEntry, error) {
	refund, err := uc.refundRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if refund.State == domain.RefundCompleted {
		return refund, nil, nil
	}

	order, err := uc.orderRepo.GetByIDForUpdate(ctx, tx, refund.PaymentOrderID)
	if err != nil {
		return nil, nil, err
	}

	siblings, err := uc.refundRepo.ListByPaymentOrder(ctx, tx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	var previous []int64
	var refunded int64
	for _, r := range siblings {
		if r.ID != refund.ID && r.State == domain.RefundCompleted {
			previous = append(previous, r.AmountCents)
			refunded += r.AmountCents
		}
	}

	now := time.Now().UTC()
	refundVersion := refund.Version
	if err := refund.Complete(now); err != nil {
		return nil, nil, err
	}

	allocated := order.FundsAllocated()
	var feeShare int64
	if allocated {
		feeShare = uc.ledger.RefundFeeShare(order, refund.AmountCents, previous)
	}
	entries, err := uc.ledger.PostRefund(ctx, tx, order, refund, feeShare, allocated, ActorRefundService)
	if err != nil {
		return nil, nil, err
	}

	orderVersion := order.Version
	orderEvent, orderAction := domain.EventTypePaymentOrderPartialRefund, domain.PaymentActionRefundPartial
	if refunded+refund.AmountCents >= order.AmountCents {
		orderEvent, orderAction = domain.EventTypePaymentOrderRefunded, domain.PaymentActionRefundFull
		err = order.RefundFull(now)
	} else {
		err = order.RefundPartial(now)
	}
	if err != nil {
		return nil, nil, err
	}

	if err := uc.refundRepo.Update(ctx, tx, refund, refundVersion); err != nil {
		return nil, nil, err
	}
	if err := uc.orderRepo.Update(ctx, tx, order, orderVersion); err != nil {
		return nil, nil, err
	}

	if err := writeOutbox(ctx, uc.outboxRepo, tx, uc.idGen, domain.EntityRefund, refund.ID,
		domain.EventTypeRefundCompleted, domain.RefundEventPayload(refund)); err != nil {
		return nil, nil, err
	}
	if err := writeOutbox(ctx, uc.outboxRepo, tx, uc.idGen, domain.EntityPaymentOrder, order.ID,
		orderEvent, domain.PaymentOrderEventPayload(order)); err != nil {
		return nil, nil, err
	}

	uc.metrics.RecordTransition(domain.EntityPaymentOrder, string(orderAction))

	return refund, entries, nil
}

// CompleteFromProcessor applies a refund the processor reports as succeeded.
// Refunds created at the processor without a local record are requested,
// linked and completed in one go.
func (uc *RefundUseCase) CompleteFromProcessor(ctx context.Context, order *domain.PaymentOrder, pr *domain.ProcessorRefund) (*domain.Refund, error) {
	refund, err := uc.refundRepo.GetByProcessorRefundID(ctx, pr.ID)
	if errors.Is(err, domain.ErrNotFound) {
		if localID := pr.Metadata["refund_id"]; localID != "" {
			refund, err = uc.refundRepo.GetByID(ctx, localID)
		}
	}
	if errors.Is(err, domain.ErrNotFound) {
		refund, err = uc.Request(ctx, RequestRefundInput{
			PaymentOrderID: order.ID,
			AmountCents:    pr.AmountCents,
			Reason:         "processor_initiated",
		})
	}
	if err != nil {
		return nil, err
	}

	switch refund.State {
	case domain.RefundCompleted:
		return refund, nil
	case domain.RefundFailed:
		return nil, &domain.InvalidStateTransitionError{
			Entity: domain.EntityRefund, ID: refund.ID, From: string(refund.State), Action: string(domain.RefundActionComplete),
		}
	}

	_, err = uc.mutate(ctx, refund.ID, string(domain.RefundActionProcess), func(_ context.Context, _ Transaction, r *domain.Refund) ([]string, error) {
		var events []string
		if r.State == domain.RefundRequested {
			if err := r.Process(time.Now().UTC()); err != nil {
				return nil, err
			}
			events = append(events, domain.EventTypeRefundProcessing)
		}
		if r.ProcessorRefundID == "" {
			r.ProcessorRefundID = pr.ID
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}

	refund, _, err = uc.Complete(ctx, refund.ID)
	return refund, err
}

// Fail marks a processing refund failed. Failed refunds release their
// amount for new refund requests.
func (uc *RefundUseCase) Fail(ctx context.Context, id, reason string) (*domain.Refund, error) {
	var refund *domain.Refund
	err := uc.lockRefund(ctx, id, func(ctx context.Context) error {
		var err error
		refund, err = uc.fail(ctx, id, reason)
		return err
	})
	uc.observe(string(domain.RefundActionFail), err)
	return refund, err
}

func (uc *RefundUseCase) fail(ctx context.Context, id, reason string) (*domain.Refund, error) {
	return uc.mutateTx(ctx, id, func(_ context.Context, _ Transaction, r *domain.Refund) ([]string, error) {
		if err := r.Fail(time.Now().UTC(), reason); err != nil {
			return nil, err
		}
		return []string{domain.EventTypeRefundFailed}, nil
	})
}

func (uc *RefundUseCase) lockOrder(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	return withLock(ctx, uc.locks, uc.metrics, EntityLockKey(domain.EntityPaymentOrder, orderID), DefaultLockOptions(), fn)
}

func (uc *RefundUseCase) lockRefund(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return withLock(ctx, uc.locks, uc.metrics, EntityLockKey(domain.EntityRefund, id), DefaultLockOptions(), fn)
}

func (uc *RefundUseCase) mutate(ctx context.Context, id, action string, fn refundMutation) (*domain.Refund, error) {
	var refund *domain.Refund
	err := uc.lockRefund(ctx, id, func(ctx context.Context) error {
		var err error
		refund, err = uc.mutateTx(ctx, id, fn)
		return err
	})
	uc.observe(action, err)
	return refund, err
}

func (uc *RefundUseCase) mutateTx(ctx context.Context, id string, fn refundMutation) (*domain.Refund, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	refund, err := uc.refundRepo.GetByIDForUpdate(txCtx, tx, id)
	if err != nil {
		return nil, err
	}

	before := *refund
	events, err := fn(txCtx, tx, refund)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && *refund == before {
		return refund, nil
	}

	if err := uc.refundRepo.Update(txCtx, tx, refund, before.Version); err != nil {
		return nil, err
	}
	for _, eventType := range events {
		if err := writeOutbox(txCtx, uc.outboxRepo, tx, uc.idGen, domain.EntityRefund, refund.ID,
			eventType, domain.RefundEventPayload(refund)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return refund, nil
}

func (uc *RefundUseCase) observe(action string, err error) {
	if err != nil {
		uc.metrics.RecordTransitionError(domain.EntityRefund, errorType(err))
		return
	}
	uc.metrics.RecordTransition(domain.EntityRefund, action)
}
