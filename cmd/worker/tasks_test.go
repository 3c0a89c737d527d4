package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/adapter/queue"
	"github.com/iho/payledger/internal/domain"
)

type fakeWebhooks struct {
	processed []string
	err       error
}

func (f *fakeWebhooks) Process(ctx context.Context, eventID string) error {
	f.processed = append(f.processed, eventID)
	return f.err
}

type fakePayouts struct {
	calls int
	err   error
}

func (f *fakePayouts) Execute(ctx context.Context, id string) (*domain.Payout, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Payout{ID: id}, nil
}

type fakeRefunds struct {
	calls int
	err   error
}

func (f *fakeRefunds) Execute(ctx context.Context, id string) (*domain.Refund, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Refund{ID: id}, nil
}

// onceRetrier runs the operation a single time.
type onceRetrier struct{ calls int }

func (r *onceRetrier) Retry(ctx context.Context, operation func() error) error {
	r.calls++
	return operation()
}

func newTestHandlers() (*taskHandlers, *fakeWebhooks, *fakePayouts, *fakeRefunds, *onceRetrier) {
	w, p, r, rt := &fakeWebhooks{}, &fakePayouts{}, &fakeRefunds{}, &onceRetrier{}
	return &taskHandlers{webhooks: w, payouts: p, refunds: r, retrier: rt}, w, p, r, rt
}

func TestProcessWebhook_DispatchesEventID(t *testing.T) {
	h, webhooks, _, _, _ := newTestHandlers()

	err := h.processWebhook(context.Background(), json.RawMessage(`{"webhook_event_id":"we_1"}`))

	require.NoError(t, err)
	assert.Equal(t, []string{"we_1"}, webhooks.processed)
}

func TestProcessWebhook_TransientErrorIsRetryable(t *testing.T) {
	h, webhooks, _, _, _ := newTestHandlers()
	webhooks.err = errors.New("connection reset")

	err := h.processWebhook(context.Background(), json.RawMessage(`{"webhook_event_id":"we_1"}`))

	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestProcessWebhook_BadPayloadIsPermanent(t *testing.T) {
	h, webhooks, _, _, _ := newTestHandlers()

	err := h.processWebhook(context.Background(), json.RawMessage(`not json`))
	assert.True(t, queue.IsPermanent(err))

	err = h.processWebhook(context.Background(), json.RawMessage(`{}`))
	assert.True(t, queue.IsPermanent(err))
	assert.Empty(t, webhooks.processed)
}

func TestExecutePayout_UsesRetrier(t *testing.T) {
	h, _, payouts, _, retrier := newTestHandlers()

	err := h.executePayout(context.Background(), json.RawMessage(`{"payout_id":"pay_1"}`))

	require.NoError(t, err)
	assert.Equal(t, 1, payouts.calls)
	assert.Equal(t, 1, retrier.calls)
}

func TestExecutePayout_ProcessorRejectionIsPermanent(t *testing.T) {
	h, _, payouts, _, _ := newTestHandlers()
	payouts.err = fmt.Errorf("create transfer: %w", domain.ErrProcessorPermanent)

	err := h.executePayout(context.Background(), json.RawMessage(`{"payout_id":"pay_1"}`))

	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrProcessorPermanent)
}

func TestExecuteRefund_TransientProcessorErrorRetries(t *testing.T) {
	h, _, _, refunds, _ := newTestHandlers()
	refunds.err = fmt.Errorf("create refund: %w", domain.ErrProcessorTransient)

	err := h.executeRefund(context.Background(), json.RawMessage(`{"refund_id":"rf_1"}`))

	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, 1, refunds.calls)
}

func TestExecuteRefund_MissingIDIsPermanent(t *testing.T) {
	h, _, _, refunds, _ := newTestHandlers()

	err := h.executeRefund(context.Background(), json.RawMessage(`{"refund_id":""}`))

	assert.True(t, queue.IsPermanent(err))
	assert.Zero(t, refunds.calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{domain.ErrPayoutNotFound, true},
		{domain.ErrInvalidStateTransition, true},
		{domain.ErrRefundExceedsCapture, true},
		{domain.ErrProcessorTransient, false},
		{domain.ErrStaleRecord, false},
		{errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.permanent, queue.IsPermanent(classify(tt.err)))
		})
	}
	assert.NoError(t, classify(nil))
}
