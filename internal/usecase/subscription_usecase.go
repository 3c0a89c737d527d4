package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/metrics"
)

// SubscriptionUseCase mirrors processor subscriptions and books their invoices.
type SubscriptionUseCase struct {
	txManager  TransactionManager
	subRepo    SubscriptionRepository
	outboxRepo OutboxRepository
	payments   *PaymentUseCase
	processor  ProcessorClient
	locks      LockManager
	idGen      IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewSubscriptionUseCase creates a new SubscriptionUseCase.
func NewSubscriptionUseCase(
	txManager TransactionManager,
	subRepo SubscriptionRepository,
	outboxRepo OutboxRepository,
	payments *PaymentUseCase,
	processor ProcessorClient,
	locks LockManager,
	idGen IDGenerator,
	logger zerolog.Logger,
	metrics *metrics.Metrics,
) *SubscriptionUseCase {
	return &SubscriptionUseCase{
		txManager:  txManager,
		subRepo:    subRepo,
		outboxRepo: outboxRepo,
		payments:   payments,
		processor:  processor,
		locks:      locks,
		idGen:      idGen,
		logger:     logger.With().Str("component", "subscriptions").Logger(),
		metrics:    metrics,
	}
}

// CreateSubscriptionInput represents input for mirroring a processor subscription.
type CreateSubscriptionInput struct {
	PayerID                 string
	RecipientID             string
	ProcessorSubscriptionID string
	ProcessorCustomerID     string
	AmountCents             int64
	Currency                string
	BillingInterval         string
}

// InvoicePaidInput describes a paid subscription invoice.
type InvoicePaidInput struct {
	InvoiceID       string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	PaidAt          time.Time
	PeriodStart     *time.Time
	PeriodEnd       *time.Time
}

type subscriptionMutation func(ctx context.Context, tx Transaction, sub *domain.Subscription) ([]string, error)

// Create stores a pending subscription.
func (uc *SubscriptionUseCase) Create(ctx context.Context, input CreateSubscriptionInput) (*domain.Subscription, error) {
	if err := domain.ValidateAmountCents(input.AmountCents); err != nil {
		return nil, err
	}
	if err := domain.ValidateCurrency(input.Currency); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if input.ProcessorSubscriptionID == "" {
		return nil, fmt.Errorf("%w: processor subscription id is required", domain.ErrValidation)
	}

	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:                      uc.idGen.Generate(),
		PayerID:                 input.PayerID,
		RecipientID:             input.RecipientID,
		ProcessorSubscriptionID: input.ProcessorSubscriptionID,
		ProcessorCustomerID:     input.ProcessorCustomerID,
		AmountCents:             input.AmountCents,
		Currency:                domain.NormalizeCurrency(input.Currency),
		BillingInterval:         input.BillingInterval,
		State:                   domain.SubscriptionPending,
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := uc.subRepo.Create(txCtx, tx, sub); err != nil {
		return nil, err
	}
	if err := writeOutbox(txCtx, uc.outboxRepo, tx, uc.idGen, domain.EntitySubscription, sub.ID,
		domain.EventTypeSubscriptionCreated, domain.SubscriptionEventPayload(sub)); err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return sub, nil
}

// Get retrieves a subscription by ID.
func (uc *SubscriptionUseCase) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return uc.subRepo.GetByID(ctx, id)
}

// GetByProcessorSubscriptionID finds a subscription by its processor id.
func (uc *SubscriptionUseCase) GetByProcessorSubscriptionID(ctx context.Context, processorID string) (*domain.Subscription, error) {
	return uc.subRepo.GetByProcessorSubscriptionID(ctx, processorID)
}

// Activate moves a pending subscription to active.
func (uc *SubscriptionUseCase) Activate(ctx context.Context, id string) (*domain.Subscription, error) {
	return uc.mutate(ctx, id, string(domain.SubscriptionActionActivate), func(_ context.Context, _ Transaction, s *domain.Subscription) ([]string, error) {
		if err := s.Activate(time.Now().UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypeSubscriptionActivated}, nil
	})
}

// RecordInvoicePaid books a paid invoice as a settled subscription payment
// order and brings the subscription back to active. An invoice that was
// already recorded returns a nil order.
func (uc *SubscriptionUseCase) RecordInvoicePaid(ctx context.Context, id string, input InvoicePaidInput) (*domain.Subscription, *domain.PaymentOrder, error) {
	var order *domain.PaymentOrder
	sub, err := uc.mutate(ctx, id, "invoice_paid", func(ctx context.Context, tx Transaction, s *domain.Subscription) ([]string, error) {
		if input.InvoiceID != "" && s.LastInvoiceID == input.InvoiceID {
			return nil, nil
		}

		amount, currency := input.AmountCents, input.Currency
		if amount == 0 {
			amount = s.AmountCents
		}
		if currency == "" {
			currency = s.Currency
		}

		var err error
		order, err = uc.payments.createPaidTx(ctx, tx, CreatePaymentOrderInput{
			PayerID:     s.PayerID,
			RecipientID: s.RecipientID,
			AmountCents: amount,
			Currency:    currency,
			Strategy:    domain.StrategySubscription,
		}, input.PaymentIntentID, ActorSubscriptionService)
		if err != nil {
			return nil, err
		}

		paidAt := input.PaidAt
		if paidAt.IsZero() {
			paidAt = time.Now().UTC()
		}
		s.RecordPayment(input.InvoiceID, paidAt, input.PeriodStart, input.PeriodEnd)

		var events []string
		switch s.State {
		case domain.SubscriptionPending:
			if err := s.Activate(paidAt); err != nil {
				return nil, err
			}
			events = append(events, domain.EventTypeSubscriptionActivated)
		case domain.SubscriptionPastDue:
			if err := s.Reactivate(paidAt); err != nil {
				return nil, err
			}
			events = append(events, domain.EventTypeSubscriptionReactivated)
		}
		return events, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, order, nil
}

// MarkPastDue flags an active subscription whose invoice failed. Other
// states are left unchanged.
func (uc *SubscriptionUseCase) MarkPastDue(ctx context.Context, id string) (*domain.Subscription, error) {
	return uc.mutate(ctx, id, string(domain.SubscriptionActionMarkPastDue), func(_ context.Context, _ Transaction, s *domain.Subscription) ([]string, error) {
		if !s.Can(domain.SubscriptionActionMarkPastDue) {
			return nil, nil
		}
		if err := s.MarkPastDue(time.Now().UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypeSubscriptionPastDue}, nil
	})
}

// Cancel cancels the subscription at the processor, then locally.
func (uc *SubscriptionUseCase) Cancel(ctx context.Context, id string) (*domain.Subscription, error) {
	var result *domain.Subscription
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		sub, err := uc.subRepo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !sub.Can(domain.SubscriptionActionCancel) {
			return &domain.InvalidStateTransitionError{
				Entity: domain.EntitySubscription, ID: id, From: string(sub.State), Action: string(domain.SubscriptionActionCancel),
			}
		}

		key := domain.IdempotencyKey(domain.EntitySubscription, sub.ID, string(domain.SubscriptionActionCancel), sub.Version)
		if err := uc.processor.CancelSubscription(ctx, sub.ProcessorSubscriptionID, key); err != nil {
			return err
		}

		result, err = uc.mutateTx(ctx, id, func(_ context.Context, _ Transaction, s *domain.Subscription) ([]string, error) {
			if err := s.Cancel(time.Now().UTC()); err != nil {
				return nil, err
			}
			return []string{domain.EventTypeSubscriptionCancelled}, nil
		})
		return err
	})
	uc.observe(string(domain.SubscriptionActionCancel), err)
	return result, err
}

// CancelFromProcessor mirrors a subscription deleted at the processor.
func (uc *SubscriptionUseCase) CancelFromProcessor(ctx context.Context, id string) (*domain.Subscription, error) {
	return uc.mutate(ctx, id, string(domain.SubscriptionActionCancel), func(_ context.Context, _ Transaction, s *domain.Subscription) ([]string, error) {
		if !s.Can(domain.SubscriptionActionCancel) {
			return nil, nil
		}
		if err := s.Cancel(time.Now().UTC()); err != nil {
			return nil, err
		}
		return []string{domain.EventTypeSubscriptionCancelled}, nil
	})
}

func (uc *SubscriptionUseCase) locked(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return withLock(ctx, uc.locks, uc.metrics, EntityLockKey(domain.EntitySubscription, id), DefaultLockOptions(), fn)
}

func (uc *SubscriptionUseCase) mutate(ctx context.Context, id, action string, fn subscriptionMutation) (*domain.Subscription, error) {
	var sub *domain.Subscription
	err := uc.locked(ctx, id, func(ctx context.Context) error {
		var err error
		sub, err = uc.mutateTx(ctx, id, fn)
		return err
	})
	uc.observe(action, err)
	return sub, err
}

func (uc *SubscriptionUseCase) mutateTx(ctx context.Context, id string, fn subscriptionMutation) (*domain.Subscription, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	sub, err := uc.subRepo.GetByIDForUpdate(txCtx, tx, id)
	if err != nil {
		return nil, err
	}

	before := *sub
	events, err := fn(txCtx, tx, sub)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && *sub == before {
		return sub, nil
	}

	if err := uc.subRepo.Update(txCtx, tx, sub, before.Version); err != nil {
		return nil, err
	}
	for _, eventType := range events {
		if err := writeOutbox(txCtx, uc.outboxRepo, tx, uc.idGen, domain.EntitySubscription, sub.ID,
			eventType, domain.SubscriptionEventPayload(sub)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return sub, nil
}

func (uc *SubscriptionUseCase) observe(action string, err error) {
	if err != nil {
		uc.metrics.RecordTransitionError(domain.EntitySubscription, errorType(err))
		return
	}
	uc.metrics.RecordTransition(domain.EntitySubscription, action)
}
