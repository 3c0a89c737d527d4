package domain

import "time"

// Entity names used in lock keys, errors, outbox aggregates and discrepancies.
const (
	EntityPaymentOrder = "payment_order"
	EntityPayout       = "payout"
	EntityRefund       = "refund"
	EntitySubscription = "subscription"
)

// PaymentStrategy decides how captured funds flow to the recipient.
type PaymentStrategy string

const (
	StrategyDirect       PaymentStrategy = "direct"
	StrategyEscrow       PaymentStrategy = "escrow"
	StrategySubscription PaymentStrategy = "subscription"
)

func (s PaymentStrategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyEscrow, StrategySubscription:
		return true
	}
	return false
}

type PaymentOrderState string

const (
	PaymentOrderDraft             PaymentOrderState = "draft"
	PaymentOrderPending           PaymentOrderState = "pending"
	PaymentOrderProcessing        PaymentOrderState = "processing"
	PaymentOrderCaptured          PaymentOrderState = "captured"
	PaymentOrderHeld              PaymentOrderState = "held"
	PaymentOrderReleased          PaymentOrderState = "released"
	PaymentOrderSettled           PaymentOrderState = "settled"
	PaymentOrderFailed            PaymentOrderState = "failed"
	PaymentOrderCancelled         PaymentOrderState = "cancelled"
	PaymentOrderRefunded          PaymentOrderState = "refunded"
	PaymentOrderPartiallyRefunded PaymentOrderState = "partially_refunded"
)

type PaymentOrderAction string

const (
	PaymentActionSubmit        PaymentOrderAction = "submit"
	PaymentActionProcess       PaymentOrderAction = "process"
	PaymentActionCapture       PaymentOrderAction = "capture"
	PaymentActionHold          PaymentOrderAction = "hold"
	PaymentActionRelease       PaymentOrderAction = "release"
	PaymentActionSettle        PaymentOrderAction = "settle"
	PaymentActionFail          PaymentOrderAction = "fail"
	PaymentActionRetry         PaymentOrderAction = "retry"
	PaymentActionCancel        PaymentOrderAction = "cancel"
	PaymentActionRefundFull    PaymentOrderAction = "refund_full"
	PaymentActionRefundPartial PaymentOrderAction = "refund_partial"
)

var refundableStates = []PaymentOrderState{
	PaymentOrderCaptured,
	PaymentOrderHeld,
	PaymentOrderReleased,
	PaymentOrderSettled,
	PaymentOrderPartiallyRefunded,
}

// InFlight reports states still waiting on the processor's outcome.
func (s PaymentOrderState) InFlight() bool {
	return s == PaymentOrderPending || s == PaymentOrderProcessing
}

// Collected reports states that assume the processor took the payer's money.
func (s PaymentOrderState) Collected() bool {
	switch s {
	case PaymentOrderCaptured, PaymentOrderHeld, PaymentOrderReleased, PaymentOrderSettled:
		return true
	}
	return false
}

// PaymentOrderTransitions is the complete lifecycle of a payment order.
var PaymentOrderTransitions = TransitionTable[PaymentOrderState, PaymentOrderAction]{
	PaymentActionSubmit:        {From: []PaymentOrderState{PaymentOrderDraft}, To: PaymentOrderPending},
	PaymentActionProcess:       {From: []PaymentOrderState{PaymentOrderPending}, To: PaymentOrderProcessing},
	PaymentActionCapture:       {From: []PaymentOrderState{PaymentOrderProcessing}, To: PaymentOrderCaptured},
	PaymentActionHold:          {From: []PaymentOrderState{PaymentOrderCaptured}, To: PaymentOrderHeld},
	PaymentActionRelease:       {From: []PaymentOrderState{PaymentOrderHeld}, To: PaymentOrderReleased},
	PaymentActionSettle:        {From: []PaymentOrderState{PaymentOrderCaptured, PaymentOrderReleased}, To: PaymentOrderSettled},
	PaymentActionFail:          {From: []PaymentOrderState{PaymentOrderPending, PaymentOrderProcessing}, To: PaymentOrderFailed},
	PaymentActionRetry:         {From: []PaymentOrderState{PaymentOrderFailed}, To: PaymentOrderPending},
	PaymentActionCancel:        {From: []PaymentOrderState{PaymentOrderDraft, PaymentOrderPending}, To: PaymentOrderCancelled},
	PaymentActionRefundFull:    {From: refundableStates, To: PaymentOrderRefunded},
	PaymentActionRefundPartial: {From: refundableStates, To: PaymentOrderPartiallyRefunded},
}

// PaymentOrder tracks a single payment from a payer to a recipient.
type PaymentOrder struct {
	ID                 string
	PayerID            string
	RecipientID        string
	AmountCents        int64
	Currency           string
	Strategy           PaymentStrategy
	State              PaymentOrderState
	ProcessorPaymentID string
	Version            int64
	FailureReason      string
	CapturedAt         *time.Time
	HeldAt             *time.Time
	ReleasedAt         *time.Time
	SettledAt          *time.Time
	FailedAt           *time.Time
	CancelledAt        *time.Time
	RefundedAt         *time.Time
	HoldExpiresAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsTerminal reports whether no further forward transition is expected.
func (o *PaymentOrder) IsTerminal() bool {
	switch o.State {
	case PaymentOrderSettled, PaymentOrderCancelled, PaymentOrderRefunded:
		return true
	}
	return false
}

// IsRefundable reports whether a refund may be requested in the current state.
func (o *PaymentOrder) IsRefundable() bool {
	return PaymentOrderTransitions.Allowed(o.State, PaymentActionRefundPartial)
}

// Can reports whether action is allowed from the current state.
func (o *PaymentOrder) Can(action PaymentOrderAction) bool {
	return PaymentOrderTransitions.Allowed(o.State, action)
}

func (o *PaymentOrder) apply(action PaymentOrderAction, now time.Time) error {
	next, err := PaymentOrderTransitions.Next(EntityPaymentOrder, o.ID, o.State, action)
	if err != nil {
		return err
	}
	o.State = next
	o.UpdatedAt = now
	return nil
}

func (o *PaymentOrder) Submit(now time.Time) error {
	return o.apply(PaymentActionSubmit, now)
}

func (o *PaymentOrder) Process(now time.Time) error {
	return o.apply(PaymentActionProcess, now)
}

func (o *PaymentOrder) Capture(now time.Time) error {
	if err := o.apply(PaymentActionCapture, now); err != nil {
		return err
	}
	o.CapturedAt = &now
	return nil
}

func (o *PaymentOrder) Hold(now time.Time) error {
	if err := o.apply(PaymentActionHold, now); err != nil {
		return err
	}
	o.HeldAt = &now
	return nil
}

// HoldFor holds the order until now+period, after which it may be released
// automatically. A non-positive period holds it indefinitely.
func (o *PaymentOrder) HoldFor(now time.Time, period time.Duration) error {
	if err := o.Hold(now); err != nil {
		return err
	}
	if period > 0 {
		expires := now.Add(period)
		o.HoldExpiresAt = &expires
	}
	return nil
}

// HoldExpired reports whether a held order's hold period has ended.
func (o *PaymentOrder) HoldExpired(now time.Time) bool {
	return o.State == PaymentOrderHeld && o.HoldExpiresAt != nil && !now.Before(*o.HoldExpiresAt)
}

func (o *PaymentOrder) Release(now time.Time) error {
	if err := o.apply(PaymentActionRelease, now); err != nil {
		return err
	}
	o.ReleasedAt = &now
	return nil
}

func (o *PaymentOrder) Settle(now time.Time) error {
	if err := o.apply(PaymentActionSettle, now); err != nil {
		return err
	}
	o.SettledAt = &now
	return nil
}

func (o *PaymentOrder) Fail(now time.Time, reason string) error {
	if err := o.apply(PaymentActionFail, now); err != nil {
		return err
	}
	o.FailedAt = &now
	o.FailureReason = reason
	return nil
}

// Retry moves a failed order back to pending and clears the failure.
func (o *PaymentOrder) Retry(now time.Time) error {
	if err := o.apply(PaymentActionRetry, now); err != nil {
		return err
	}
	o.FailedAt = nil
	o.FailureReason = ""
	return nil
}

func (o *PaymentOrder) Cancel(now time.Time) error {
	if err := o.apply(PaymentActionCancel, now); err != nil {
		return err
	}
	o.CancelledAt = &now
	return nil
}

func (o *PaymentOrder) RefundFull(now time.Time) error {
	if err := o.apply(PaymentActionRefundFull, now); err != nil {
		return err
	}
	o.RefundedAt = &now
	return nil
}

// RefundPartial keeps the first refund timestamp across repeated partial refunds.
func (o *PaymentOrder) RefundPartial(now time.Time) error {
	if err := o.apply(PaymentActionRefundPartial, now); err != nil {
		return err
	}
	if o.RefundedAt == nil {
		o.RefundedAt = &now
	}
	return nil
}

// FundsAllocated reports whether captured funds already moved from escrow to the recipient.
func (o *PaymentOrder) FundsAllocated() bool {
	switch o.State {
	case PaymentOrderReleased, PaymentOrderSettled:
		return true
	case PaymentOrderPartiallyRefunded:
		return o.ReleasedAt != nil || o.SettledAt != nil
	}
	return false
}
