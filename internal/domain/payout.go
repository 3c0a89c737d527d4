package domain

import (
	"strings"
	"time"
)

// MaxPayoutRetries bounds automatic retries of a failed payout.
const MaxPayoutRetries = 5

// retryableFailures are failure reason fragments worth another attempt.
var retryableFailures = []string{"rate_limit", "api_unavailable", "timeout", "connection_error", "temporary_error"}

type PayoutState string

const (
	PayoutPending    PayoutState = "pending"
	PayoutScheduled  PayoutState = "scheduled"
	PayoutProcessing PayoutState = "processing"
	PayoutPaid       PayoutState = "paid"
	PayoutFailed     PayoutState = "failed"
	PayoutCancelled  PayoutState = "cancelled"
)

type PayoutAction string

const (
	PayoutActionSchedule     PayoutAction = "schedule"
	PayoutActionProcess      PayoutAction = "process"
	PayoutActionMarkSchedule PayoutAction = "mark_scheduled"
	PayoutActionComplete     PayoutAction = "complete"
	PayoutActionFail         PayoutAction = "fail"
	PayoutActionRetry        PayoutAction = "retry"
	PayoutActionCancel       PayoutAction = "cancel"
)

var PayoutTransitions = TransitionTable[PayoutState, PayoutAction]{
	PayoutActionSchedule:     {From: []PayoutState{PayoutPending}, To: PayoutScheduled},
	PayoutActionProcess:      {From: []PayoutState{PayoutPending, PayoutScheduled}, To: PayoutProcessing},
	PayoutActionMarkSchedule: {From: []PayoutState{PayoutProcessing}, To: PayoutScheduled},
	PayoutActionComplete:     {From: []PayoutState{PayoutProcessing, PayoutScheduled}, To: PayoutPaid},
	PayoutActionFail:         {From: []PayoutState{PayoutProcessing, PayoutScheduled}, To: PayoutFailed},
	PayoutActionRetry:        {From: []PayoutState{PayoutFailed}, To: PayoutPending},
	PayoutActionCancel:       {From: []PayoutState{PayoutPending, PayoutScheduled}, To: PayoutCancelled},
}

// Payout moves a recipient's balance out to their connected account at the processor.
type Payout struct {
	ID                  string
	PaymentOrderID      string
	RecipientID         string
	DestinationAccount  string
	AmountCents         int64
	Currency            string
	State               PayoutState
	ProcessorTransferID string
	Version             int64
	ScheduledFor        *time.Time
	PaidAt              *time.Time
	FailedAt            *time.Time
	FailureReason       string
	RetryCount          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (p *Payout) Can(action PayoutAction) bool {
	return PayoutTransitions.Allowed(p.State, action)
}

func (p *Payout) apply(action PayoutAction, now time.Time) error {
	next, err := PayoutTransitions.Next(EntityPayout, p.ID, p.State, action)
	if err != nil {
		return err
	}
	p.State = next
	p.UpdatedAt = now
	return nil
}

func (p *Payout) Schedule(now, at time.Time) error {
	if err := p.apply(PayoutActionSchedule, now); err != nil {
		return err
	}
	p.ScheduledFor = &at
	return nil
}

func (p *Payout) Process(now time.Time) error {
	return p.apply(PayoutActionProcess, now)
}

// MarkScheduled records that the processor accepted the transfer for a later date.
func (p *Payout) MarkScheduled(now, at time.Time) error {
	if err := p.apply(PayoutActionMarkSchedule, now); err != nil {
		return err
	}
	p.ScheduledFor = &at
	return nil
}

func (p *Payout) Complete(now time.Time) error {
	if err := p.apply(PayoutActionComplete, now); err != nil {
		return err
	}
	p.PaidAt = &now
	return nil
}

func (p *Payout) Fail(now time.Time, reason string) error {
	if err := p.apply(PayoutActionFail, now); err != nil {
		return err
	}
	p.FailedAt = &now
	p.FailureReason = reason
	return nil
}

// Retry returns a failed payout to pending. The transfer id is cleared so the
// next attempt creates a new transfer.
func (p *Payout) Retry(now time.Time) error {
	if err := p.apply(PayoutActionRetry, now); err != nil {
		return err
	}
	p.FailedAt = nil
	p.FailureReason = ""
	p.ProcessorTransferID = ""
	p.RetryCount++
	return nil
}

// AutoRetryable reports whether a failed payout may be retried without an
// operator: the failure looks temporary and retries are not exhausted.
func (p *Payout) AutoRetryable() bool {
	if p.State != PayoutFailed || p.RetryCount >= MaxPayoutRetries {
		return false
	}
	reason := strings.ToLower(p.FailureReason)
	for _, fragment := range retryableFailures {
		if strings.Contains(reason, fragment) {
			return true
		}
	}
	return false
}

// Due reports whether a payout waiting for execution may be sent at now.
// Scheduled payouts that already carry a transfer are waiting on the processor.
func (p *Payout) Due(now time.Time) bool {
	switch p.State {
	case PayoutPending:
		return p.ScheduledFor == nil || !now.Before(*p.ScheduledFor)
	case PayoutScheduled:
		return p.ProcessorTransferID == "" && p.ScheduledFor != nil && !now.Before(*p.ScheduledFor)
	}
	return false
}

func (p *Payout) Cancel(now time.Time) error {
	return p.apply(PayoutActionCancel, now)
}
