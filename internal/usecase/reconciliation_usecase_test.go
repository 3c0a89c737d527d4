package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

func TestReconciliationUseCase_PaymentOrders(t *testing.T) {
	tests := []struct {
		name             string
		state            domain.PaymentOrderState
		age              time.Duration
		intent           *domain.PaymentIntent
		expectType       domain.DiscrepancyType
		expectResolution domain.Resolution
		expectState      domain.PaymentOrderState
		expectEntry      bool
	}{
		{
			name:             "succeeded while processing is captured",
			state:            domain.PaymentOrderProcessing,
			intent:           &domain.PaymentIntent{Status: domain.IntentSucceeded, AmountReceived: 10000},
			expectType:       domain.DiscrepancyProcessorSucceededLocalProcessing,
			expectResolution: domain.ResolutionAutoHealed,
			expectState:      domain.PaymentOrderCaptured,
			expectEntry:      true,
		},
		{
			name:             "succeeded while pending is processed and captured",
			state:            domain.PaymentOrderPending,
			intent:           &domain.PaymentIntent{Status: domain.IntentSucceeded, AmountReceived: 10000},
			expectType:       domain.DiscrepancyProcessorSucceededLocalPending,
			expectResolution: domain.ResolutionAutoHealed,
			expectState:      domain.PaymentOrderCaptured,
			expectEntry:      true,
		},
		{
			name:             "failed at processor fails the order",
			state:            domain.PaymentOrderProcessing,
			intent:           &domain.PaymentIntent{Status: domain.IntentRequiresPaymentMethod, LastPaymentError: "card declined"},
			expectType:       domain.DiscrepancyProcessorFailedLocalProcessing,
			expectResolution: domain.ResolutionAutoHealed,
			expectState:      domain.PaymentOrderFailed,
		},
		{
			name:             "canceled at processor is flagged",
			state:            domain.PaymentOrderPending,
			intent:           &domain.PaymentIntent{Status: domain.IntentCanceled, CancellationReason: "abandoned"},
			expectType:       domain.DiscrepancyProcessorCanceledLocalActive,
			expectResolution: domain.ResolutionFlaggedForReview,
			expectState:      domain.PaymentOrderPending,
		},
		{
			name:             "failed at processor while settled is flagged",
			state:            domain.PaymentOrderSettled,
			intent:           &domain.PaymentIntent{Status: domain.IntentRequiresPaymentMethod, LastPaymentError: "card declined"},
			expectType:       domain.DiscrepancyProcessorFailedLocalSucceeded,
			expectResolution: domain.ResolutionFlaggedForReview,
			expectState:      domain.PaymentOrderSettled,
		},
		{
			name:             "canceled at processor while captured is flagged",
			state:            domain.PaymentOrderCaptured,
			intent:           &domain.PaymentIntent{Status: domain.IntentCanceled, CancellationReason: "duplicate"},
			expectType:       domain.DiscrepancyProcessorFailedLocalSucceeded,
			expectResolution: domain.ResolutionFlaggedForReview,
			expectState:      domain.PaymentOrderCaptured,
		},
		{
			name:        "succeeded while held has no discrepancy",
			state:       domain.PaymentOrderHeld,
			intent:      &domain.PaymentIntent{Status: domain.IntentSucceeded, AmountReceived: 10000},
			expectState: domain.PaymentOrderHeld,
		},
		{
			name:             "stuck in processing is flagged",
			state:            domain.PaymentOrderProcessing,
			age:              3 * time.Hour,
			intent:           &domain.PaymentIntent{Status: domain.IntentProcessing},
			expectType:       domain.DiscrepancyPaymentStuckInProcessing,
			expectResolution: domain.ResolutionFlaggedForReview,
			expectState:      domain.PaymentOrderProcessing,
		},
		{
			name:        "matching state has no discrepancy",
			state:       domain.PaymentOrderProcessing,
			intent:      &domain.PaymentIntent{Status: domain.IntentProcessing},
			expectState: domain.PaymentOrderProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			order := h.order(domain.StrategyDirect, tt.state, "pi_1")
			if tt.age > 0 {
				order.UpdatedAt = time.Now().UTC().Add(-tt.age)
				h.orders.Put(order)
			}

			tt.intent.ID = "pi_1"
			h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), "pi_1").Return(tt.intent, nil)

			run, err := h.reconUC.Run(ctx, usecase.RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, domain.RunCompleted, run.Status)
			assert.Equal(t, 1, run.PaymentOrdersChecked)

			stored, err := h.orders.GetByID(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.expectState, stored.State)

			found, err := h.reconUC.ListDiscrepancies(ctx, domain.DiscrepancyFilter{RunID: run.ID})
			require.NoError(t, err)
			if tt.expectType == "" {
				assert.Empty(t, found)
				assert.Equal(t, 0, run.DiscrepanciesFound)
				return
			}

			require.Len(t, found, 1)
			d := found[0]
			assert.Equal(t, tt.expectType, d.Type)
			assert.Equal(t, tt.expectResolution, d.Resolution)
			assert.Equal(t, string(tt.state), d.LocalState)
			assert.Equal(t, tt.intent.Status, d.ProcessorState)
			assert.Equal(t, tt.expectEntry, d.LedgerEntryID != "")
			assert.Equal(t, 1, run.DiscrepanciesFound)
		})
	}
}

func TestReconciliationUseCase_TerminalOrderMatchingIntent(t *testing.T) {
	tests := []struct {
		name   string
		state  domain.PaymentOrderState
		intent *domain.PaymentIntent
	}{
		{"canceled both sides", domain.PaymentOrderCancelled, &domain.PaymentIntent{Status: domain.IntentCanceled, CancellationReason: "requested_by_customer"}},
		{"failed both sides", domain.PaymentOrderFailed, &domain.PaymentIntent{Status: domain.IntentRequiresPaymentMethod, LastPaymentError: "card declined"}},
		{"refunded after success", domain.PaymentOrderRefunded, &domain.PaymentIntent{Status: domain.IntentSucceeded, AmountReceived: 10000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			order := h.order(domain.StrategyDirect, tt.state, "pi_1")

			tt.intent.ID = "pi_1"
			h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), "pi_1").Return(tt.intent, nil)

			d, err := h.reconUC.ReconcilePaymentOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Nil(t, d)

			found, err := h.reconUC.ListDiscrepancies(ctx, domain.DiscrepancyFilter{})
			require.NoError(t, err)
			assert.Empty(t, found)
		})
	}
}

func TestReconciliationUseCase_FailedIntentOnSettledOrderIsNotHealed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.settledOrder(t)
	recipient := h.balance(domain.AccountTypeUserBalance, "recipient-1")
	revenue := h.balance(domain.AccountTypePlatformRevenue, "")

	h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), order.ProcessorPaymentID).
		Return(&domain.PaymentIntent{ID: order.ProcessorPaymentID, Status: domain.IntentRequiresPaymentMethod, LastPaymentError: "card declined"}, nil)

	d, err := h.reconUC.ReconcilePaymentOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.DiscrepancyProcessorFailedLocalSucceeded, d.Type)
	assert.Equal(t, domain.ResolutionFlaggedForReview, d.Resolution)
	assert.Equal(t, "card declined", d.Details["failure_reason"])
	assert.Empty(t, d.LedgerEntryID)

	stored, err := h.orders.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentOrderSettled, stored.State)
	assert.Equal(t, order.Version, stored.Version)
	assert.Equal(t, recipient, h.balance(domain.AccountTypeUserBalance, "recipient-1"))
	assert.Equal(t, revenue, h.balance(domain.AccountTypePlatformRevenue, ""))
}

func TestReconciliationUseCase_HealCaptureUsesReconciliationActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(domain.StrategyEscrow, domain.PaymentOrderProcessing, "pi_1")

	h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), "pi_1").
		Return(&domain.PaymentIntent{ID: "pi_1", Status: domain.IntentSucceeded}, nil)

	d, err := h.reconUC.ReconcilePaymentOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Empty(t, d.RunID)

	entries := h.entries.All()
	require.Len(t, entries, 1)
	assert.Equal(t, usecase.ActorReconciliation, entries[0].CreatedBy)
	assert.Equal(t, entries[0].ID, d.LedgerEntryID)
	assert.Equal(t, int64(10000), h.balance(domain.AccountTypePlatformEscrow, ""))
}

func TestReconciliationUseCase_HealLockHeldIsFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(domain.StrategyDirect, domain.PaymentOrderProcessing, "pi_1")
	h.locks.Hold("reconciliation:heal:" + domain.EntityPaymentOrder + ":" + order.ID)

	h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), "pi_1").
		Return(&domain.PaymentIntent{ID: "pi_1", Status: domain.IntentSucceeded}, nil)

	d, err := h.reconUC.ReconcilePaymentOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionFlaggedForReview, d.Resolution)
	assert.NotEmpty(t, d.ErrorMessage)

	stored, err := h.orders.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentOrderProcessing, stored.State)
	assert.Empty(t, h.entries.All())
}

func TestReconciliationUseCase_StaleHeal(t *testing.T) {
	tests := []struct {
		name             string
		moveOrder        bool
		expectResolution domain.Resolution
	}{
		{name: "order moved by another writer", moveOrder: true, expectResolution: domain.ResolutionAutoHealed},
		{name: "version bumped without state change", expectResolution: domain.ResolutionFailedToHeal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			order := h.order(domain.StrategyDirect, domain.PaymentOrderProcessing, "pi_1")

			h.versions.CheckVersionFunc = func(ctx context.Context, tx usecase.Transaction, table, id string, expected int64) error {
				moved := *order
				moved.Version = expected + 1
				if tt.moveOrder {
					moved.State = domain.PaymentOrderCaptured
				}
				h.orders.Put(&moved)
				return &domain.StaleRecordError{Entity: table, ID: id, ExpectedVersion: expected, CurrentVersion: expected + 1}
			}
			h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), "pi_1").
				Return(&domain.PaymentIntent{ID: "pi_1", Status: domain.IntentSucceeded}, nil)

			d, err := h.reconUC.ReconcilePaymentOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.expectResolution, d.Resolution)
			assert.Empty(t, h.entries.All())
		})
	}
}

func TestReconciliationUseCase_Payouts(t *testing.T) {
	tests := []struct {
		name             string
		state            domain.PayoutState
		transferID       string
		age              time.Duration
		setupMocks       func(h *harness, payout *domain.Payout)
		expectType       domain.DiscrepancyType
		expectResolution domain.Resolution
		expectState      domain.PayoutState
		expectTransferID string
	}{
		{
			name:       "paid transfer completes processing payout",
			state:      domain.PayoutProcessing,
			transferID: "tr_1",
			setupMocks: func(h *harness, _ *domain.Payout) {
				h.processor.EXPECT().RetrieveTransfer(gomock.Any(), "tr_1").
					Return(&domain.Transfer{ID: "tr_1", Status: domain.TransferPaid, AmountCents: 8500}, nil)
			},
			expectType:       domain.DiscrepancyTransferPaidLocalProcessing,
			expectResolution: domain.ResolutionAutoHealed,
			expectState:      domain.PayoutPaid,
			expectTransferID: "tr_1",
		},
		{
			name:       "paid transfer completes scheduled payout",
			state:      domain.PayoutScheduled,
			transferID: "tr_1",
			setupMocks: func(h *harness, _ *domain.Payout) {
				h.processor.EXPECT().RetrieveTransfer(gomock.Any(), "tr_1").
					Return(&domain.Transfer{ID: "tr_1", Status: domain.TransferPaid, AmountCents: 8500}, nil)
			},
			expectType:       domain.DiscrepancyTransferPaidLocalScheduled,
			expectResolution: domain.ResolutionAutoHealed,
			expectState:      domain.PayoutPaid,
			expectTransferID: "tr_1",
		},
		{
			name:       "failed transfer is flagged",
			state:      domain.PayoutProcessing,
			transferID: "tr_1",
			setupMocks: func(h *harness, _ *domain.Payout) {
				h.processor.EXPECT().RetrieveTransfer(gomock.Any(), "tr_1").
					Return(&domain.Transfer{ID: "tr_1", Status: domain.TransferFailed, FailureMessage: "account closed"}, nil)
			},
			expectType:       domain.DiscrepancyTransferFailedLocalProcessing,
			expectResolution: domain.ResolutionFlaggedForReview,
			expectState:      domain.PayoutProcessing,
			expectTransferID: "tr_1",
		},
		{
			name:  "missing transfer id is backfilled",
			state: domain.PayoutProcessing,
			setupMocks: func(h *harness, payout *domain.Payout) {
				h.processor.EXPECT().ListTransfers(gomock.Any(), gomock.Any(), gomock.Any()).
					Return([]*domain.Transfer{
						{ID: "tr_other", Status: domain.TransferInTransit, Metadata: map[string]string{"payout_id": "someone-else"}},
						{ID: "tr_found", Status: domain.TransferInTransit, Metadata: map[string]string{"payout_id": payout.ID}},
					}, nil)
			},
			expectType:       domain.DiscrepancyTransferExistsLocalNoID,
			expectResolution: domain.ResolutionAutoHealed,
			expectState:      domain.PayoutProcessing,
			expectTransferID: "tr_found",
		},
		{
			name:  "missing transfer paid is backfilled and completed",
			state: domain.PayoutProcessing,
			setupMocks: func(h *harness, payout *domain.Payout) {
				h.processor.EXPECT().ListTransfers(gomock.Any(), gomock.Any(), gomock.Any()).
					Return([]*domain.Transfer{
						{ID: "tr_found", Status: domain.TransferPaid, Metadata: map[string]string{"payout_id": payout.ID}},
					}, nil)
			},
			expectType:       domain.DiscrepancyTransferExistsLocalNoID,
			expectResolution: domain.ResolutionAutoHealed,
			expectState:      domain.PayoutPaid,
			expectTransferID: "tr_found",
		},
		{
			name:  "no transfer and stuck is flagged",
			state: domain.PayoutProcessing,
			age:   3 * time.Hour,
			setupMocks: func(h *harness, _ *domain.Payout) {
				h.processor.EXPECT().ListTransfers(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
			},
			expectType:       domain.DiscrepancyPayoutStuckInProcessing,
			expectResolution: domain.ResolutionFlaggedForReview,
			expectState:      domain.PayoutProcessing,
		},
		{
			name:        "scheduled payout without transfer is skipped",
			state:       domain.PayoutScheduled,
			expectState: domain.PayoutScheduled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.settledOrder(t)

			payout := h.payout(tt.state, tt.transferID)
			if tt.age > 0 {
				payout.UpdatedAt = time.Now().UTC().Add(-tt.age)
				h.payouts.Put(payout)
			}
			if tt.setupMocks != nil {
				tt.setupMocks(h, payout)
			}

			d, err := h.reconUC.ReconcilePayout(ctx, payout.ID)
			require.NoError(t, err)

			stored, err := h.payouts.GetByID(ctx, payout.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.expectState, stored.State)
			assert.Equal(t, tt.expectTransferID, stored.ProcessorTransferID)

			if tt.expectType == "" {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.Equal(t, tt.expectType, d.Type)
			assert.Equal(t, tt.expectResolution, d.Resolution)
			if tt.expectState == domain.PayoutPaid {
				assert.NotEmpty(t, d.LedgerEntryID)
				assert.Equal(t, int64(0), h.balance(domain.AccountTypeUserBalance, "recipient-1"))
			}
		})
	}
}

func TestReconciliationUseCase_HealedPayoutSettlesReleasedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order := h.capturedOrder(t, domain.StrategyEscrow)
	_, err := h.payments.Hold(ctx, order.ID)
	require.NoError(t, err)
	h.queue.EXPECT().Enqueue(gomock.Any(), usecase.TaskExecutePayout, gomock.Any()).Return(nil)
	_, err = h.payments.Release(ctx, order.ID, "acct_1")
	require.NoError(t, err)

	payouts, err := h.payouts.ListByPaymentOrder(ctx, nil, order.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	p := payouts[0]
	p.State = domain.PayoutProcessing
	p.ProcessorTransferID = "tr_1"
	h.payouts.Put(p)

	h.processor.EXPECT().RetrieveTransfer(gomock.Any(), "tr_1").
		Return(&domain.Transfer{ID: "tr_1", Status: domain.TransferPaid}, nil)

	d, err := h.reconUC.ReconcilePayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionAutoHealed, d.Resolution)

	settled, err := h.orders.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentOrderSettled, settled.State)
}

func TestReconciliationUseCase_RunSkipsProcessorErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.order(domain.StrategyDirect, domain.PaymentOrderProcessing, "pi_1")
	h.order(domain.StrategyDirect, domain.PaymentOrderPending, "")
	h.payout(domain.PayoutProcessing, "tr_1")

	h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), "pi_1").
		Return(nil, &domain.ProcessorError{Op: "retrieve_payment_intent", StatusCode: 500, Message: "boom"})
	h.processor.EXPECT().RetrieveTransfer(gomock.Any(), "tr_1").
		Return(nil, errors.New("connection reset"))

	run, err := h.reconUC.Run(ctx, usecase.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 2, run.PaymentOrdersChecked)
	assert.Equal(t, 1, run.PayoutsChecked)
	assert.Equal(t, 0, run.DiscrepanciesFound)
	require.NotNil(t, run.CompletedAt)

	stored, err := h.reconUC.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.Status)
}

func TestReconciliationUseCase_RunLookbackExcludesOldRecords(t *testing.T) {
	h := newHarness(t)
	order := h.order(domain.StrategyDirect, domain.PaymentOrderProcessing, "pi_1")
	order.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	h.orders.Put(order)

	run, err := h.reconUC.Run(context.Background(), usecase.RunOptions{Lookback: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 0, run.PaymentOrdersChecked)
	assert.Equal(t, time.Hour, run.Lookback)
	assert.Equal(t, usecase.DefaultReconcileStuckThreshold, run.StuckThreshold)
}

func TestReconciliationUseCase_RunInProgress(t *testing.T) {
	h := newHarness(t)
	h.locks.Hold("reconciliation:run")

	_, err := h.reconUC.Run(context.Background(), usecase.RunOptions{})
	assert.ErrorIs(t, err, domain.ErrReconciliationInProgress)
}

func TestReconciliationUseCase_ResolveDiscrepancy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(domain.StrategyDirect, domain.PaymentOrderPending, "pi_1")

	h.processor.EXPECT().RetrievePaymentIntent(gomock.Any(), "pi_1").
		Return(&domain.PaymentIntent{ID: "pi_1", Status: domain.IntentCanceled}, nil)

	d, err := h.reconUC.ReconcilePaymentOrder(ctx, order.ID)
	require.NoError(t, err)

	queue, err := h.reconUC.ListDiscrepancies(ctx, domain.DiscrepancyFilter{
		Resolution:     domain.ResolutionFlaggedForReview,
		UnreviewedOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, queue, 1)

	_, err = h.reconUC.ResolveDiscrepancy(ctx, d.ID, "", "notes")
	assert.ErrorIs(t, err, domain.ErrValidation)

	resolved, err := h.reconUC.ResolveDiscrepancy(ctx, d.ID, "ops@example.com", "cancelled order manually")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionManuallyResolved, resolved.Resolution)
	assert.True(t, resolved.Reviewed)
	assert.Equal(t, "ops@example.com", resolved.ReviewedBy)

	queue, err = h.reconUC.ListDiscrepancies(ctx, domain.DiscrepancyFilter{UnreviewedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, err = h.reconUC.ResolveDiscrepancy(ctx, "missing", "ops@example.com", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
