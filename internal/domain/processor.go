package domain

import (
	"fmt"
	"time"
)

// Processor-side payment intent statuses.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresConfirmation  = "requires_confirmation"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
	IntentRequiresCapture       = "requires_capture"
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
)

// Processor-side transfer statuses.
const (
	TransferPending   = "pending"
	TransferInTransit = "in_transit"
	TransferPaid      = "paid"
	TransferFailed    = "failed"
	TransferCanceled  = "canceled"
)

// Processor-side refund statuses.
const (
	ProcessorRefundPending   = "pending"
	ProcessorRefundSucceeded = "succeeded"
	ProcessorRefundFailed    = "failed"
	ProcessorRefundCanceled  = "canceled"
)

// PaymentIntent is the processor's view of a charge.
type PaymentIntent struct {
	ID                 string
	Status             string
	AmountCents        int64
	AmountReceived     int64
	Currency           string
	LastPaymentError   string
	CancellationReason string
	Metadata           map[string]string
	CreatedAt          time.Time
}

// IsFailed reports a definitive failure: the intent needs a new payment
// method after an attempt was rejected.
func (p *PaymentIntent) IsFailed() bool {
	return p.Status == IntentRequiresPaymentMethod && p.LastPaymentError != ""
}

// Transfer is the processor's view of a payout to a connected account.
type Transfer struct {
	ID             string
	Status         string
	AmountCents    int64
	Currency       string
	Destination    string
	FailureMessage string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ProcessorRefund is the processor's view of a refund.
type ProcessorRefund struct {
	ID            string
	Status        string
	AmountCents   int64
	PaymentIntent string
	Metadata      map[string]string
}

// IdempotencyKey builds the key sent with every mutating processor call.
// Retries of one transition share a key; the next version gets a new one.
func IdempotencyKey(entity, id, transition string, version int64) string {
	return fmt.Sprintf("%s:%s:%s:v%d", entity, id, transition, version)
}
