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

type webhookHandler func(ctx context.Context, event *domain.ProcessorEvent) error

// WebhookUseCase ingests processor notifications exactly once and applies
// them to local state.
type WebhookUseCase struct {
	repo          WebhookEventRepository
	verifier      SignatureVerifier
	queue         TaskQueue
	payments      *PaymentUseCase
	payouts       *PayoutUseCase
	refunds       *RefundUseCase
	subscriptions *SubscriptionUseCase
	idGen         IDGenerator
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	handlers      map[string]webhookHandler
}

// NewWebhookUseCase creates a new WebhookUseCase.
func NewWebhookUseCase(
	repo WebhookEventRepository,
	verifier SignatureVerifier,
	queue TaskQueue,
	payments *PaymentUseCase,
	payouts *PayoutUseCase,
	refunds *RefundUseCase,
	subscriptions *SubscriptionUseCase,
	idGen IDGenerator,
	logger zerolog.Logger,
	metrics *metrics.Metrics,
) *WebhookUseCase {
	uc := &WebhookUseCase{
		repo:          repo,
		verifier:      verifier,
		queue:         queue,
		payments:      payments,
		payouts:       payouts,
		refunds:       refunds,
		subscriptions: subscriptions,
		idGen:         idGen,
		logger:        logger.With().Str("component", "webhooks").Logger(),
		metrics:       metrics,
	}
	uc.handlers = map[string]webhookHandler{
		domain.EventPaymentIntentSucceeded: uc.handleIntentSucceeded,
		domain.EventPaymentIntentFailed:    uc.handleIntentFailed,
		domain.EventPaymentIntentCanceled:  uc.handleIntentCanceled,
		domain.EventTransferCreated:        uc.handleTransferCreated,
		domain.EventTransferPaid:           uc.handleTransferPaid,
		domain.EventTransferFailed:         uc.handleTransferFailed,
		domain.EventChargeRefunded:         uc.handleChargeRefunded,
		domain.EventInvoicePaid:            uc.handleInvoicePaid,
		domain.EventInvoicePaymentFailed:   uc.handleInvoicePaymentFailed,
		domain.EventSubscriptionDeleted:    uc.handleSubscriptionDeleted,
	}
	return uc
}

// ReceiveResult reports what happened to an incoming webhook.
type ReceiveResult struct {
	Event     *domain.WebhookEvent
	Duplicate bool
	Enqueued  bool
}

// Receive authenticates and stores a webhook, then queues it for processing.
// Redelivered events are recognised by their external id; processed ones
// are not queued again. A queue failure is logged and does not fail the call.
func (uc *WebhookUseCase) Receive(ctx context.Context, payload []byte, signature string) (*ReceiveResult, error) {
	if err := uc.verifier.Verify(payload, signature); err != nil {
		uc.metrics.RecordWebhook("unknown", "rejected")
		return nil, err
	}

	evt, err := domain.ParseProcessorEvent(payload)
	if err != nil {
		uc.metrics.RecordWebhook("unknown", "malformed")
		return nil, err
	}

	now := time.Now().UTC()
	stored, created, err := uc.repo.GetOrCreate(ctx, &domain.WebhookEvent{
		ID:         uc.idGen.Generate(),
		ExternalID: evt.ID,
		EventType:  evt.Type,
		Payload:    payload,
		Status:     domain.WebhookPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	result := &ReceiveResult{Event: stored, Duplicate: !created}
	if stored.IsProcessed() {
		uc.metrics.RecordWebhook(evt.Type, "duplicate")
		return result, nil
	}

	if err := uc.queue.Enqueue(ctx, TaskProcessWebhook, map[string]string{"webhook_event_id": stored.ID}); err != nil {
		uc.logger.Error().Err(err).Str("webhook_event_id", stored.ID).Str("event_type", evt.Type).
			Msg("failed to enqueue webhook event")
	} else {
		result.Enqueued = true
	}

	if created {
		uc.metrics.RecordWebhook(evt.Type, "received")
	} else {
		uc.metrics.RecordWebhook(evt.Type, "redelivered")
	}
	return result, nil
}

// Process applies a stored webhook event. Processed events are skipped and
// unknown event types are marked processed without effect. The handler error
// is returned so the queue can decide whether to retry.
func (uc *WebhookUseCase) Process(ctx context.Context, eventID string) error {
	start := time.Now()
	defer uc.metrics.ObserveWebhookDuration(start)

	stored, err := uc.repo.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if stored.IsProcessed() {
		return nil
	}

	stored.MarkProcessing(time.Now().UTC())
	if err := uc.repo.Update(ctx, stored); err != nil {
		return err
	}

	err = uc.dispatch(ctx, stored)
	if err != nil {
		stored.MarkFailed(time.Now().UTC(), err.Error())
		if updateErr := uc.repo.Update(ctx, stored); updateErr != nil {
			uc.logger.Error().Err(updateErr).Str("webhook_event_id", stored.ID).Msg("failed to record webhook failure")
		}
		uc.metrics.RecordWebhook(stored.EventType, "failed")
		uc.logger.Warn().Err(err).
			Str("webhook_event_id", stored.ID).
			Str("event_type", stored.EventType).
			Int("retry_count", stored.RetryCount).
			Msg("webhook processing failed")
		return err
	}

	stored.MarkProcessed(time.Now().UTC())
	if err := uc.repo.Update(ctx, stored); err != nil {
		return err
	}
	uc.metrics.RecordWebhook(stored.EventType, "processed")
	return nil
}

func (uc *WebhookUseCase) dispatch(ctx context.Context, stored *domain.WebhookEvent) error {
	evt, err := domain.ParseProcessorEvent(stored.Payload)
	if err != nil {
		return err
	}

	handler, ok := uc.handlers[evt.Type]
	if !ok {
		uc.logger.Debug().Str("event_type", evt.Type).Msg("ignoring unhandled webhook event type")
		return nil
	}
	return handler(ctx, evt)
}

// RetryFailed re-enqueues failed events that still have attempts left.
func (uc *WebhookUseCase) RetryFailed(ctx context.Context) (int, error) {
	events, err := uc.repo.ListRetryable(ctx, domain.MaxWebhookRetries, WebhookRetryBatchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, e := range events {
		if err := uc.queue.Enqueue(ctx, TaskProcessWebhook, map[string]string{"webhook_event_id": e.ID}); err != nil {
			return enqueued, fmt.Errorf("enqueue webhook event %s: %w", e.ID, err)
		}
		enqueued++
	}
	return enqueued, nil
}

// ResetStuck fails events that have been processing for longer than
// threshold so RetryFailed picks them up.
func (uc *WebhookUseCase) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	n, err := uc.repo.FailStuck(ctx, time.Now().UTC().Add(-threshold), "processing timed out")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		uc.logger.Warn().Int64("count", n).Msg("reset stuck webhook events")
	}
	return n, nil
}

func (uc *WebhookUseCase) orderForIntent(ctx context.Context, obj domain.EventObject, intentID string) (*domain.PaymentOrder, error) {
	order, err := uc.payments.GetByProcessorPaymentID(ctx, intentID)
	if errors.Is(err, domain.ErrNotFound) && obj.Metadata["payment_order_id"] != "" {
		return uc.payments.Get(ctx, obj.Metadata["payment_order_id"])
	}
	return order, err
}

func (uc *WebhookUseCase) payoutForTransfer(ctx context.Context, obj domain.EventObject) (*domain.Payout, error) {
	if id := obj.Metadata["payout_id"]; id != "" {
		return uc.payouts.Get(ctx, id)
	}
	return uc.payouts.GetByTransferID(ctx, obj.ID)
}

func (uc *WebhookUseCase) handleIntentSucceeded(ctx context.Context, evt *domain.ProcessorEvent) error {
	order, err := uc.orderForIntent(ctx, evt.Data.Object, evt.Data.Object.ID)
	if err != nil {
		return err
	}
	_, err = uc.payments.CompleteSucceeded(ctx, order.ID)
	return err
}

func (uc *WebhookUseCase) handleIntentFailed(ctx context.Context, evt *domain.ProcessorEvent) error {
	order, err := uc.orderForIntent(ctx, evt.Data.Object, evt.Data.Object.ID)
	if err != nil {
		return err
	}
	_, err = uc.payments.FailIfActive(ctx, order.ID, evt.Data.Object.FailureText())
	return err
}

func (uc *WebhookUseCase) handleIntentCanceled(ctx context.Context, evt *domain.ProcessorEvent) error {
	order, err := uc.orderForIntent(ctx, evt.Data.Object, evt.Data.Object.ID)
	if err != nil {
		return err
	}
	_, err = uc.payments.CancelFromProcessor(ctx, order.ID, evt.Data.Object.CancellationReason)
	return err
}

func (uc *WebhookUseCase) handleTransferCreated(ctx context.Context, evt *domain.ProcessorEvent) error {
	payout, err := uc.payoutForTransfer(ctx, evt.Data.Object)
	if err != nil {
		return err
	}
	_, err = uc.payouts.BackfillTransferID(ctx, payout.ID, evt.Data.Object.ID)
	return err
}

func (uc *WebhookUseCase) handleTransferPaid(ctx context.Context, evt *domain.ProcessorEvent) error {
	payout, err := uc.payoutForTransfer(ctx, evt.Data.Object)
	if err != nil {
		return err
	}
	payout, _, err = uc.payouts.CompleteFromProcessor(ctx, payout.ID, evt.Data.Object.ID)
	if err != nil {
		return err
	}
	if payout.PaymentOrderID == "" {
		return nil
	}
	_, err = uc.payments.SettleReleased(ctx, payout.PaymentOrderID)
	return err
}

func (uc *WebhookUseCase) handleTransferFailed(ctx context.Context, evt *domain.ProcessorEvent) error {
	payout, err := uc.payoutForTransfer(ctx, evt.Data.Object)
	if err != nil {
		return err
	}
	_, err = uc.payouts.FailFromProcessor(ctx, payout.ID, evt.Data.Object.FailureText())
	return err
}

func (uc *WebhookUseCase) handleChargeRefunded(ctx context.Context, evt *domain.ProcessorEvent) error {
	obj := evt.Data.Object
	order, err := uc.orderForIntent(ctx, obj, obj.PaymentIntent)
	if err != nil {
		return err
	}

	for _, r := range obj.Refunds.Data {
		if r.Status != domain.ProcessorRefundSucceeded {
			continue
		}
		if _, err := uc.refunds.CompleteFromProcessor(ctx, order, &domain.ProcessorRefund{
			ID:            r.ID,
			Status:        r.Status,
			AmountCents:   r.Amount,
			PaymentIntent: obj.PaymentIntent,
			Metadata:      r.Metadata,
		}); err != nil {
			return fmt.Errorf("refund %s: %w", r.ID, err)
		}
	}
	return nil
}

func (uc *WebhookUseCase) handleInvoicePaid(ctx context.Context, evt *domain.ProcessorEvent) error {
	obj := evt.Data.Object
	sub, err := uc.subscriptions.GetByProcessorSubscriptionID(ctx, obj.Subscription)
	if err != nil {
		return err
	}

	var paidAt time.Time
	if evt.Created > 0 {
		paidAt = time.Unix(evt.Created, 0).UTC()
	}
	start, end := obj.Period()
	_, _, err = uc.subscriptions.RecordInvoicePaid(ctx, sub.ID, InvoicePaidInput{
		InvoiceID:       obj.ID,
		PaymentIntentID: obj.PaymentIntent,
		AmountCents:     obj.AmountPaid,
		Currency:        domain.NormalizeCurrency(obj.Currency),
		PaidAt:          paidAt,
		PeriodStart:     start,
		PeriodEnd:       end,
	})
	return err
}

func (uc *WebhookUseCase) handleInvoicePaymentFailed(ctx context.Context, evt *domain.ProcessorEvent) error {
	sub, err := uc.subscriptions.GetByProcessorSubscriptionID(ctx, evt.Data.Object.Subscription)
	if err != nil {
		return err
	}
	_, err = uc.subscriptions.MarkPastDue(ctx, sub.ID)
	return err
}

func (uc *WebhookUseCase) handleSubscriptionDeleted(ctx context.Context, evt *domain.ProcessorEvent) error {
	sub, err := uc.subscriptions.GetByProcessorSubscriptionID(ctx, evt.Data.Object.ID)
	if err != nil {
		return err
	}
	_, err = uc.subscriptions.CancelFromProcessor(ctx, sub.ID)
	return err
}
