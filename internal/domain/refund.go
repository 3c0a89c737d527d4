package domain

import "time"

type RefundState string

const (
	RefundRequested  RefundState = "requested"
	RefundProcessing RefundState = "processing"
	RefundCompleted  RefundState = "completed"
	RefundFailed     RefundState = "failed"
)

type RefundAction string

const (
	RefundActionProcess  RefundAction = "process"
	RefundActionComplete RefundAction = "complete"
	RefundActionFail     RefundAction = "fail"
)

var RefundTransitions = TransitionTable[RefundState, RefundAction]{
	RefundActionProcess:  {From: []RefundState{RefundRequested}, To: RefundProcessing},
	RefundActionComplete: {From: []RefundState{RefundProcessing}, To: RefundCompleted},
	RefundActionFail:     {From: []RefundState{RefundProcessing}, To: RefundFailed},
}

// Refund returns part or all of a captured payment to the payer.
type Refund struct {
	ID                string
	PaymentOrderID    string
	AmountCents       int64
	Currency          string
	Reason            string
	State             RefundState
	ProcessorRefundID string
	Version           int64
	CompletedAt       *time.Time
	FailedAt          *time.Time
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r *Refund) apply(action RefundAction, now time.Time) error {
	next, err := RefundTransitions.Next(EntityRefund, r.ID, r.State, action)
	if err != nil {
		return err
	}
	r.State = next
	r.UpdatedAt = now
	return nil
}

func (r *Refund) Process(now time.Time) error {
	return r.apply(RefundActionProcess, now)
}

func (r *Refund) Complete(now time.Time) error {
	if err := r.apply(RefundActionComplete, now); err != nil {
		return err
	}
	r.CompletedAt = &now
	return nil
}

func (r *Refund) Fail(now time.Time, reason string) error {
	if err := r.apply(RefundActionFail, now); err != nil {
		return err
	}
	r.FailedAt = &now
	r.FailureReason = reason
	return nil
}

// CountsTowardLimit reports whether the refund consumes refundable amount.
func (r *Refund) CountsTowardLimit() bool {
	return r.State != RefundFailed
}
