package domain

import (
	"errors"
	"testing"
	"time"
)

func TestPayout_Lifecycle(t *testing.T) {
	now := time.Now().UTC()
	at := now.Add(24 * time.Hour)

	p := &Payout{ID: "po-1", State: PayoutPending}
	if err := p.Process(now); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.MarkScheduled(now, at); err != nil {
		t.Fatalf("mark scheduled: %v", err)
	}
	if p.ScheduledFor == nil || !p.ScheduledFor.Equal(at) {
		t.Fatalf("expected scheduled_for %v, got %v", at, p.ScheduledFor)
	}
	if err := p.Complete(now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p.State != PayoutPaid || p.PaidAt == nil {
		t.Fatalf("expected paid with timestamp, got %s %v", p.State, p.PaidAt)
	}

	if err := p.Cancel(now); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected cancel of paid payout to fail, got %v", err)
	}
}

func TestPayout_RetryClearsTransfer(t *testing.T) {
	now := time.Now()
	p := &Payout{ID: "po-1", State: PayoutProcessing, ProcessorTransferID: "tr_1"}

	if err := p.Fail(now, "account closed"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := p.Retry(now); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if p.State != PayoutPending || p.ProcessorTransferID != "" || p.FailureReason != "" {
		t.Fatalf("unexpected payout after retry: %+v", p)
	}
}

func TestPayout_AutoRetryable(t *testing.T) {
	tests := []struct {
		name    string
		state   PayoutState
		reason  string
		retries int
		want    bool
	}{
		{"timeout", PayoutFailed, "Processor Timeout", 0, true},
		{"rate limited", PayoutFailed, "rate_limit", MaxPayoutRetries - 1, true},
		{"exhausted", PayoutFailed, "api_unavailable", MaxPayoutRetries, false},
		{"permanent failure", PayoutFailed, "account closed", 0, false},
		{"not failed", PayoutPending, "timeout", 0, false},
	}
	for _, tt := range tests {
		p := &Payout{State: tt.state, FailureReason: tt.reason, RetryCount: tt.retries}
		if got := p.AutoRetryable(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestPayout_Due(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	tests := []struct {
		name string
		p    Payout
		want bool
	}{
		{"pending unscheduled", Payout{State: PayoutPending}, true},
		{"pending scheduled later", Payout{State: PayoutPending, ScheduledFor: &future}, false},
		{"scheduled and due", Payout{State: PayoutScheduled, ScheduledFor: &past}, true},
		{"scheduled exactly now", Payout{State: PayoutScheduled, ScheduledFor: &now}, true},
		{"scheduled later", Payout{State: PayoutScheduled, ScheduledFor: &future}, false},
		{"scheduled with transfer", Payout{State: PayoutScheduled, ScheduledFor: &past, ProcessorTransferID: "tr_1"}, false},
		{"processing", Payout{State: PayoutProcessing}, false},
	}
	for _, tt := range tests {
		if got := tt.p.Due(now); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestRefund_Transitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		from    RefundState
		act     func(r *Refund) error
		want    RefundState
		wantErr error
	}{
		{"process requested", RefundRequested, func(r *Refund) error { return r.Process(now) }, RefundProcessing, nil},
		{"complete processing", RefundProcessing, func(r *Refund) error { return r.Complete(now) }, RefundCompleted, nil},
		{"fail processing", RefundProcessing, func(r *Refund) error { return r.Fail(now, "x") }, RefundFailed, nil},
		{"complete requested", RefundRequested, func(r *Refund) error { return r.Complete(now) }, RefundRequested, ErrInvalidStateTransition},
		{"process completed", RefundCompleted, func(r *Refund) error { return r.Process(now) }, RefundCompleted, ErrInvalidStateTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Refund{ID: "rf-1", State: tt.from}
			err := tt.act(r)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if r.State != tt.want {
				t.Fatalf("expected state %s, got %s", tt.want, r.State)
			}
		})
	}

	if (&Refund{State: RefundFailed}).CountsTowardLimit() {
		t.Fatalf("failed refunds must not count toward the refundable amount")
	}
	if !(&Refund{State: RefundProcessing}).CountsTowardLimit() {
		t.Fatalf("processing refunds must count toward the refundable amount")
	}
}

func TestSubscription_Lifecycle(t *testing.T) {
	now := time.Now()
	s := &Subscription{ID: "sub-1", State: SubscriptionPending}

	if err := s.MarkPastDue(now); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected pending subscription to reject past_due, got %v", err)
	}
	if err := s.Activate(now); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := s.MarkPastDue(now); err != nil {
		t.Fatalf("mark past due: %v", err)
	}
	if err := s.Reactivate(now); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if err := s.Cancel(now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.State != SubscriptionCancelled || s.CancelledAt == nil {
		t.Fatalf("expected cancelled with timestamp, got %s", s.State)
	}
}

func TestWebhookEvent_Retry(t *testing.T) {
	now := time.Now()
	e := &WebhookEvent{Status: WebhookPending}

	for i := 0; i < MaxWebhookRetries; i++ {
		e.MarkProcessing(now)
		e.MarkFailed(now, "boom")
	}
	if e.RetryCount != MaxWebhookRetries {
		t.Fatalf("expected retry count %d, got %d", MaxWebhookRetries, e.RetryCount)
	}
	if e.CanRetry() {
		t.Fatalf("expected retries to be exhausted")
	}

	e.MarkProcessed(now)
	if !e.IsProcessed() || e.ErrorMessage != "" || e.ProcessedAt == nil {
		t.Fatalf("unexpected processed event: %+v", e)
	}
}

func TestParseProcessorEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","status":"succeeded","amount":1000,"metadata":{"payment_order_id":"po-1"}}}}`)

	evt, err := ParseProcessorEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Data.Object.ID != "pi_1" || evt.Data.Object.Metadata["payment_order_id"] != "po-1" {
		t.Fatalf("unexpected object: %+v", evt.Data.Object)
	}

	if _, err := ParseProcessorEvent([]byte(`{not json`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := ParseProcessorEvent([]byte(`{"id":"evt_1"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for missing type, got %v", err)
	}
}
