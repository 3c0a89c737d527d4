package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iho/payledger/internal/adapter/queue"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

type webhookProcessor interface {
	Process(ctx context.Context, eventID string) error
}

type payoutExecutor interface {
	Execute(ctx context.Context, id string) (*domain.Payout, error)
}

type refundExecutor interface {
	Execute(ctx context.Context, id string) (*domain.Refund, error)
}

type retrier interface {
	Retry(ctx context.Context, operation func() error) error
}

// taskHandlers binds queue task names to use case calls.
type taskHandlers struct {
	webhooks webhookProcessor
	payouts  payoutExecutor
	refunds  refundExecutor
	retrier  retrier
}

func (h *taskHandlers) register(w *queue.Worker) {
	w.Handle(usecase.TaskProcessWebhook, h.processWebhook)
	w.Handle(usecase.TaskExecutePayout, h.executePayout)
	w.Handle(usecase.TaskExecuteRefund, h.executeRefund)
}

func (h *taskHandlers) processWebhook(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		WebhookEventID string `json:"webhook_event_id"`
	}
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if p.WebhookEventID == "" {
		return queue.Permanent(errors.New("webhook_event_id is required"))
	}
	return classify(h.webhooks.Process(ctx, p.WebhookEventID))
}

func (h *taskHandlers) executePayout(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		PayoutID string `json:"payout_id"`
	}
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if p.PayoutID == "" {
		return queue.Permanent(errors.New("payout_id is required"))
	}
	err := h.retrier.Retry(ctx, func() error {
		_, err := h.payouts.Execute(ctx, p.PayoutID)
		return err
	})
	return classify(err)
}

func (h *taskHandlers) executeRefund(ctx context.Context, payload json.RawMessage) error {
	var p struct {
		RefundID string `json:"refund_id"`
	}
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if p.RefundID == "" {
		return queue.Permanent(errors.New("refund_id is required"))
	}
	err := h.retrier.Retry(ctx, func() error {
		_, err := h.refunds.Execute(ctx, p.RefundID)
		return err
	})
	return classify(err)
}

func decodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// classify marks errors that another attempt cannot fix.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case domain.IsPermanent(err),
		errors.Is(err, domain.ErrRefundNotAllowed),
		errors.Is(err, domain.ErrRefundExceedsCapture):
		return queue.Permanent(err)
	default:
		return err
	}
}
