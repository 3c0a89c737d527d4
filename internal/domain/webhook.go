package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type WebhookEventStatus string

const (
	WebhookPending    WebhookEventStatus = "pending"
	WebhookProcessing WebhookEventStatus = "processing"
	WebhookProcessed  WebhookEventStatus = "processed"
	WebhookFailed     WebhookEventStatus = "failed"
)

// MaxWebhookRetries bounds how often a failed event is re-enqueued.
const MaxWebhookRetries = 5

// Processor event types handled by the webhook dispatcher.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
	EventPaymentIntentCanceled  = "payment_intent.canceled"
	EventTransferCreated        = "transfer.created"
	EventTransferPaid           = "transfer.paid"
	EventTransferFailed         = "transfer.failed"
	EventChargeRefunded         = "charge.refunded"
	EventInvoicePaid            = "invoice.paid"
	EventInvoicePaymentFailed   = "invoice.payment_failed"
	EventSubscriptionDeleted    = "customer.subscription.deleted"
)

// WebhookEvent is a stored processor notification. ExternalID is unique.
type WebhookEvent struct {
	ID           string
	ExternalID   string
	EventType    string
	Payload      json.RawMessage
	Status       WebhookEventStatus
	RetryCount   int
	ErrorMessage string
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (e *WebhookEvent) IsProcessed() bool {
	return e.Status == WebhookProcessed
}

func (e *WebhookEvent) CanRetry() bool {
	return e.Status == WebhookFailed && e.RetryCount < MaxWebhookRetries
}

// MarkProcessing starts an attempt.
func (e *WebhookEvent) MarkProcessing(now time.Time) {
	e.Status = WebhookProcessing
	e.RetryCount++
	e.UpdatedAt = now
}

func (e *WebhookEvent) MarkProcessed(now time.Time) {
	e.Status = WebhookProcessed
	e.ProcessedAt = &now
	e.ErrorMessage = ""
	e.UpdatedAt = now
}

func (e *WebhookEvent) MarkFailed(now time.Time, message string) {
	e.Status = WebhookFailed
	e.ErrorMessage = message
	e.UpdatedAt = now
}

// ProcessorEvent is the envelope every processor notification arrives in.
type ProcessorEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object EventObject `json:"object"`
	} `json:"data"`
}

// EventObject is the union of the object fields the handlers read.
type EventObject struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Status             string            `json:"status"`
	Amount             int64             `json:"amount"`
	AmountReceived     int64             `json:"amount_received"`
	AmountRefunded     int64             `json:"amount_refunded"`
	AmountPaid         int64             `json:"amount_paid"`
	Currency           string            `json:"currency"`
	PaymentIntent      string            `json:"payment_intent"`
	Subscription       string            `json:"subscription"`
	Customer           string            `json:"customer"`
	FailureMessage     string            `json:"failure_message"`
	CancellationReason string            `json:"cancellation_reason"`
	PeriodStart        int64             `json:"period_start"`
	PeriodEnd          int64             `json:"period_end"`
	Metadata           map[string]string `json:"metadata"`
	LastPaymentError   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
	Refunds struct {
		Data []EventRefund `json:"data"`
	} `json:"refunds"`
}

type EventRefund struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// ParseProcessorEvent decodes a raw payload and checks the envelope fields.
func ParseProcessorEvent(payload []byte) (*ProcessorEvent, error) {
	var evt ProcessorEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}
	return &evt, nil
}

// FailureText picks the most specific failure text on the object.
func (o EventObject) FailureText() string {
	if o.LastPaymentError != nil && o.LastPaymentError.Message != "" {
		return o.LastPaymentError.Message
	}
	if o.FailureMessage != "" {
		return o.FailureMessage
	}
	return "processor reported failure"
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// Period returns the billing period carried by invoice objects.
func (o EventObject) Period() (start, end *time.Time) {
	return unixPtr(o.PeriodStart), unixPtr(o.PeriodEnd)
}
