package domain

import "time"

// Event types
const (
	EventTypePaymentOrderCreated        = "payment_order.created"
	EventTypePaymentOrderSubmitted      = "payment_order.submitted"
	EventTypePaymentOrderProcessing     = "payment_order.processing"
	EventTypePaymentOrderCaptured       = "payment_order.captured"
	EventTypePaymentOrderHeld           = "payment_order.held"
	EventTypePaymentOrderReleased       = "payment_order.released"
	EventTypePaymentOrderSettled        = "payment_order.settled"
	EventTypePaymentOrderFailed         = "payment_order.failed"
	EventTypePaymentOrderRetried        = "payment_order.retried"
	EventTypePaymentOrderCancelled      = "payment_order.cancelled"
	EventTypePaymentOrderRefunded       = "payment_order.refunded"
	EventTypePaymentOrderPartialRefund  = "payment_order.partially_refunded"
	EventTypePayoutCreated              = "payout.created"
	EventTypePayoutScheduled            = "payout.scheduled"
	EventTypePayoutProcessing           = "payout.processing"
	EventTypePayoutPaid                 = "payout.paid"
	EventTypePayoutFailed               = "payout.failed"
	EventTypePayoutRetried              = "payout.retried"
	EventTypePayoutCancelled            = "payout.cancelled"
	EventTypeRefundRequested            = "refund.requested"
	EventTypeRefundProcessing           = "refund.processing"
	EventTypeRefundCompleted            = "refund.completed"
	EventTypeRefundFailed               = "refund.failed"
	EventTypeSubscriptionCreated        = "subscription.created"
	EventTypeSubscriptionActivated      = "subscription.activated"
	EventTypeSubscriptionPastDue        = "subscription.past_due"
	EventTypeSubscriptionReactivated    = "subscription.reactivated"
	EventTypeSubscriptionCancelled      = "subscription.cancelled"
	EventTypeDiscrepancyDetected        = "reconciliation.discrepancy_detected"
	EventTypeReconciliationRunCompleted = "reconciliation.run_completed"
)

// OutboxEvent is written in the same transaction as the change it describes
// and published asynchronously.
type OutboxEvent struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       map[string]any
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Published     bool
}

// PaymentOrderEventPayload is the body of every payment_order.* event.
func PaymentOrderEventPayload(o *PaymentOrder) map[string]any {
	payload := map[string]any{
		"payment_order_id": o.ID,
		"payer_id":         o.PayerID,
		"recipient_id":     o.RecipientID,
		"amount":           FormatCents(o.AmountCents),
		"amount_cents":     o.AmountCents,
		"currency":         o.Currency,
		"strategy":         string(o.Strategy),
		"state":            string(o.State),
		"version":          o.Version,
	}
	if o.FailureReason != "" {
		payload["failure_reason"] = o.FailureReason
	}
	return payload
}

func PayoutEventPayload(p *Payout) map[string]any {
	payload := map[string]any{
		"payout_id":    p.ID,
		"recipient_id": p.RecipientID,
		"amount":       FormatCents(p.AmountCents),
		"amount_cents": p.AmountCents,
		"currency":     p.Currency,
		"state":        string(p.State),
		"version":      p.Version,
	}
	if p.ProcessorTransferID != "" {
		payload["transfer_id"] = p.ProcessorTransferID
	}
	if p.FailureReason != "" {
		payload["failure_reason"] = p.FailureReason
	}
	return payload
}

func RefundEventPayload(r *Refund) map[string]any {
	return map[string]any{
		"refund_id":        r.ID,
		"payment_order_id": r.PaymentOrderID,
		"amount":           FormatCents(r.AmountCents),
		"amount_cents":     r.AmountCents,
		"currency":         r.Currency,
		"state":            string(r.State),
		"version":          r.Version,
	}
}

func SubscriptionEventPayload(s *Subscription) map[string]any {
	return map[string]any{
		"subscription_id":           s.ID,
		"processor_subscription_id": s.ProcessorSubscriptionID,
		"payer_id":                  s.PayerID,
		"recipient_id":              s.RecipientID,
		"state":                     string(s.State),
		"version":                   s.Version,
	}
}
