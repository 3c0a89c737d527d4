package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

func createSubscription(t *testing.T, h *harness) *domain.Subscription {
	t.Helper()
	sub, err := h.subscriptionUC.Create(context.Background(), usecase.CreateSubscriptionInput{
		PayerID:                 "payer-1",
		RecipientID:             "recipient-1",
		ProcessorSubscriptionID: "sub_" + h.idGen.Generate(),
		AmountCents:             10000,
		Currency:                "usd",
		BillingInterval:         "month",
	})
	require.NoError(t, err)
	return sub
}

func TestSubscriptionCreate(t *testing.T) {
	h := newHarness(t)

	sub := createSubscription(t, h)

	assert.Equal(t, domain.SubscriptionPending, sub.State)
	assert.Equal(t, "USD", sub.Currency)
	assert.Equal(t, int64(1), sub.Version)
	assert.Contains(t, h.outbox.EventTypes(), domain.EventTypeSubscriptionCreated)
}

func TestSubscriptionCreate_RequiresProcessorID(t *testing.T) {
	h := newHarness(t)

	_, err := h.subscriptionUC.Create(context.Background(), usecase.CreateSubscriptionInput{
		AmountCents: 1000,
		Currency:    "USD",
	})

	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubscriptionRecordInvoicePaid_ActivatesAndSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := createSubscription(t, h)

	updated, order, err := h.subscriptionUC.RecordInvoicePaid(ctx, sub.ID, usecase.InvoicePaidInput{
		InvoiceID:       "in_1",
		PaymentIntentID: "pi_in_1",
		PaidAt:          time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotNil(t, order)

	assert.Equal(t, domain.SubscriptionActive, updated.State)
	assert.Equal(t, "in_1", updated.LastInvoiceID)
	assert.Equal(t, domain.PaymentOrderSettled, order.State)
	assert.Equal(t, domain.StrategySubscription, order.Strategy)
	assert.Equal(t, "pi_in_1", order.ProcessorPaymentID)

	assert.Equal(t, int64(8500), h.balance(domain.AccountTypeUserBalance, "recipient-1"))
	assert.Equal(t, int64(1500), h.balance(domain.AccountTypePlatformRevenue, ""))
	assert.Contains(t, h.outbox.EventTypes(), domain.EventTypeSubscriptionActivated)
}

func TestSubscriptionRecordInvoicePaid_SameInvoiceIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := createSubscription(t, h)
	input := usecase.InvoicePaidInput{InvoiceID: "in_1", PaymentIntentID: "pi_in_1"}

	_, _, err := h.subscriptionUC.RecordInvoicePaid(ctx, sub.ID, input)
	require.NoError(t, err)

	_, order, err := h.subscriptionUC.RecordInvoicePaid(ctx, sub.ID, input)
	require.NoError(t, err)
	assert.Nil(t, order)
	assert.Equal(t, int64(8500), h.balance(domain.AccountTypeUserBalance, "recipient-1"))
}

func TestSubscriptionRecordInvoicePaid_ReactivatesPastDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := createSubscription(t, h)

	_, _, err := h.subscriptionUC.RecordInvoicePaid(ctx, sub.ID, usecase.InvoicePaidInput{InvoiceID: "in_1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	pastDue, err := h.subscriptionUC.MarkPastDue(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionPastDue, pastDue.State)

	active, _, err := h.subscriptionUC.RecordInvoicePaid(ctx, sub.ID, usecase.InvoicePaidInput{InvoiceID: "in_2", PaymentIntentID: "pi_2"})
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionActive, active.State)
	assert.Contains(t, h.outbox.EventTypes(), domain.EventTypeSubscriptionReactivated)
}

func TestSubscriptionMarkPastDue_IgnoresPending(t *testing.T) {
	h := newHarness(t)
	sub := createSubscription(t, h)

	got, err := h.subscriptionUC.MarkPastDue(context.Background(), sub.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionPending, got.State)
	assert.Equal(t, sub.Version, got.Version)
}

func TestSubscriptionCancel_CancelsAtProcessorFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := createSubscription(t, h)
	active, err := h.subscriptionUC.Activate(ctx, sub.ID)
	require.NoError(t, err)

	key := domain.IdempotencyKey(domain.EntitySubscription, sub.ID, string(domain.SubscriptionActionCancel), active.Version)
	h.processor.EXPECT().CancelSubscription(gomock.Any(), sub.ProcessorSubscriptionID, key).Return(nil)

	cancelled, err := h.subscriptionUC.Cancel(ctx, sub.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionCancelled, cancelled.State)
	assert.Contains(t, h.outbox.EventTypes(), domain.EventTypeSubscriptionCancelled)
}

func TestSubscriptionCancel_ProcessorFailureLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := createSubscription(t, h)
	_, err := h.subscriptionUC.Activate(ctx, sub.ID)
	require.NoError(t, err)

	h.processor.EXPECT().CancelSubscription(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.ErrProcessorTransient)

	_, err = h.subscriptionUC.Cancel(ctx, sub.ID)
	require.ErrorIs(t, err, domain.ErrProcessorTransient)

	stored, err := h.subscriptions.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, stored.State)
}

func TestSubscriptionCancel_PendingIsInvalid(t *testing.T) {
	h := newHarness(t)
	sub := createSubscription(t, h)

	_, err := h.subscriptionUC.Cancel(context.Background(), sub.ID)

	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestSubscriptionCancelFromProcessor_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := createSubscription(t, h)
	_, err := h.subscriptionUC.Activate(ctx, sub.ID)
	require.NoError(t, err)

	first, err := h.subscriptionUC.CancelFromProcessor(ctx, sub.ID)
	require.NoError(t, err)
	second, err := h.subscriptionUC.CancelFromProcessor(ctx, sub.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionCancelled, second.State)
	assert.Equal(t, first.Version, second.Version)
}
