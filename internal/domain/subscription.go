package domain

import "time"

type SubscriptionState string

const (
	SubscriptionPending   SubscriptionState = "pending"
	SubscriptionActive    SubscriptionState = "active"
	SubscriptionPastDue   SubscriptionState = "past_due"
	SubscriptionCancelled SubscriptionState = "cancelled"
)

type SubscriptionAction string

const (
	SubscriptionActionActivate    SubscriptionAction = "activate"
	SubscriptionActionMarkPastDue SubscriptionAction = "mark_past_due"
	SubscriptionActionReactivate  SubscriptionAction = "reactivate"
	SubscriptionActionCancel      SubscriptionAction = "cancel"
)

var SubscriptionTransitions = TransitionTable[SubscriptionState, SubscriptionAction]{
	SubscriptionActionActivate:    {From: []SubscriptionState{SubscriptionPending}, To: SubscriptionActive},
	SubscriptionActionMarkPastDue: {From: []SubscriptionState{SubscriptionActive}, To: SubscriptionPastDue},
	SubscriptionActionReactivate:  {From: []SubscriptionState{SubscriptionPastDue}, To: SubscriptionActive},
	SubscriptionActionCancel:      {From: []SubscriptionState{SubscriptionActive, SubscriptionPastDue}, To: SubscriptionCancelled},
}

// Subscription is a recurring payment mirrored from the processor.
type Subscription struct {
	ID                      string
	PayerID                 string
	RecipientID             string
	ProcessorSubscriptionID string
	ProcessorCustomerID     string
	AmountCents             int64
	Currency                string
	BillingInterval         string
	State                   SubscriptionState
	CurrentPeriodStart      *time.Time
	CurrentPeriodEnd        *time.Time
	CancelAtPeriodEnd       bool
	CancelledAt             *time.Time
	LastInvoiceID           string
	LastPaymentAt           *time.Time
	Version                 int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (s *Subscription) Can(action SubscriptionAction) bool {
	return SubscriptionTransitions.Allowed(s.State, action)
}

func (s *Subscription) apply(action SubscriptionAction, now time.Time) error {
	next, err := SubscriptionTransitions.Next(EntitySubscription, s.ID, s.State, action)
	if err != nil {
		return err
	}
	s.State = next
	s.UpdatedAt = now
	return nil
}

func (s *Subscription) Activate(now time.Time) error {
	return s.apply(SubscriptionActionActivate, now)
}

func (s *Subscription) MarkPastDue(now time.Time) error {
	return s.apply(SubscriptionActionMarkPastDue, now)
}

func (s *Subscription) Reactivate(now time.Time) error {
	return s.apply(SubscriptionActionReactivate, now)
}

func (s *Subscription) Cancel(now time.Time) error {
	if err := s.apply(SubscriptionActionCancel, now); err != nil {
		return err
	}
	s.CancelledAt = &now
	return nil
}

// RecordPayment stores the invoice and billing period of a successful charge.
func (s *Subscription) RecordPayment(invoiceID string, paidAt time.Time, periodStart, periodEnd *time.Time) {
	s.LastInvoiceID = invoiceID
	s.LastPaymentAt = &paidAt
	if periodStart != nil {
		s.CurrentPeriodStart = periodStart
	}
	if periodEnd != nil {
		s.CurrentPeriodEnd = periodEnd
	}
	s.UpdatedAt = paidAt
}
