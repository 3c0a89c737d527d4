package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
	"github.com/iho/payledger/internal/usecase/mocks"
)

// harness wires every use case over the in-memory repositories.
type harness struct {
	ctrl *gomock.Controller

	entries       *mocks.MockLedgerEntryRepository
	accounts      *mocks.MockLedgerAccountRepository
	orders        *mocks.MockPaymentOrderRepository
	payouts       *mocks.MockPayoutRepository
	refunds       *mocks.MockRefundRepository
	subscriptions *mocks.MockSubscriptionRepository
	webhooks      *mocks.MockWebhookEventRepository
	recon         *mocks.MockReconciliationRepository
	outbox        *mocks.MockOutboxRepository
	versions      *mocks.MockVersionChecker
	tx            *mocks.MockTransactionManager
	idGen         *mocks.MockIDGenerator
	locks         *mocks.MockLockManager

	processor *mocks.MockProcessorClient
	queue     *mocks.MockTaskQueue
	verifier  *mocks.MockSignatureVerifier

	ledger         *usecase.LedgerUseCase
	payments       *usecase.PaymentUseCase
	payoutsUC      *usecase.PayoutUseCase
	refundsUC      *usecase.RefundUseCase
	subscriptionUC *usecase.SubscriptionUseCase
	webhookUC      *usecase.WebhookUseCase
	reconUC        *usecase.ReconciliationUseCase
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := &harness{
		ctrl:          ctrl,
		entries:       mocks.NewMockLedgerEntryRepository(),
		orders:        mocks.NewMockPaymentOrderRepository(),
		payouts:       mocks.NewMockPayoutRepository(),
		refunds:       mocks.NewMockRefundRepository(),
		subscriptions: mocks.NewMockSubscriptionRepository(),
		webhooks:      mocks.NewMockWebhookEventRepository(),
		recon:         mocks.NewMockReconciliationRepository(),
		outbox:        mocks.NewMockOutboxRepository(),
		tx:            mocks.NewMockTransactionManager(),
		idGen:         mocks.NewMockIDGenerator(),
		locks:         mocks.NewMockLockManager(),
		processor:     mocks.NewMockProcessorClient(ctrl),
		queue:         mocks.NewMockTaskQueue(ctrl),
		verifier:      mocks.NewMockSignatureVerifier(ctrl),
	}
	h.accounts = mocks.NewMockLedgerAccountRepository(h.entries)
	h.versions = &mocks.MockVersionChecker{Orders: h.orders, Payouts: h.payouts}

	logger := zerolog.Nop()
	ledgerRepo := mocks.NewMockLedgerRepository(h.accounts, h.entries)

	h.ledger = usecase.NewLedgerUseCase(h.tx, h.accounts, h.entries, ledgerRepo, h.idGen, usecase.DefaultPlatformFeePercent, nil)
	h.payments = usecase.NewPaymentUseCase(h.tx, h.orders, h.payouts, h.outbox, h.versions, h.ledger,
		h.processor, h.locks, h.queue, h.idGen, logger, nil)
	h.payoutsUC = usecase.NewPayoutUseCase(h.tx, h.payouts, h.outbox, h.versions, h.ledger,
		h.processor, h.locks, h.queue, h.idGen, logger, nil)
	h.refundsUC = usecase.NewRefundUseCase(h.tx, h.orders, h.refunds, h.payouts, h.outbox, h.ledger,
		h.processor, h.locks, h.idGen, logger, nil)
	h.subscriptionUC = usecase.NewSubscriptionUseCase(h.tx, h.subscriptions, h.outbox, h.payments,
		h.processor, h.locks, h.idGen, logger, nil)
	h.webhookUC = usecase.NewWebhookUseCase(h.webhooks, h.verifier, h.queue, h.payments, h.payoutsUC,
		h.refundsUC, h.subscriptionUC, h.idGen, logger, nil)
	h.reconUC = usecase.NewReconciliationUseCase(h.recon, h.orders, h.payouts, h.payments, h.payoutsUC,
		h.processor, h.locks, h.idGen, logger, nil)

	return h
}

// balance returns the derived USD balance of an account.
func (h *harness) balance(accountType domain.AccountType, owner string) int64 {
	return h.accounts.Balance(accountType, owner, "USD")
}

// order stores a USD payment order in state with the given processor id.
func (h *harness) order(strategy domain.PaymentStrategy, state domain.PaymentOrderState, processorID string) *domain.PaymentOrder {
	o := &domain.PaymentOrder{
		ID:                 h.idGen.Generate(),
		PayerID:            "payer-1",
		RecipientID:        "recipient-1",
		AmountCents:        10000,
		Currency:           "USD",
		Strategy:           strategy,
		State:              state,
		ProcessorPaymentID: processorID,
		Version:            1,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	h.orders.Put(o)
	return o
}

// capturedOrder creates an order and drives it to captured through the use case.
func (h *harness) capturedOrder(t *testing.T, strategy domain.PaymentStrategy) *domain.PaymentOrder {
	t.Helper()
	ctx := context.Background()

	o := h.order(strategy, domain.PaymentOrderProcessing, "pi_"+h.idGen.Generate())
	captured, _, err := h.payments.Capture(ctx, o.ID)
	require.NoError(t, err)
	return captured
}

// settledOrder creates a direct order and drives it to settled.
func (h *harness) settledOrder(t *testing.T) *domain.PaymentOrder {
	t.Helper()
	o := h.capturedOrder(t, domain.StrategyDirect)
	settled, err := h.payments.Settle(context.Background(), o.ID)
	require.NoError(t, err)
	return settled
}

// payout stores a USD payout in state.
func (h *harness) payout(state domain.PayoutState, transferID string) *domain.Payout {
	p := &domain.Payout{
		ID:                  h.idGen.Generate(),
		RecipientID:         "recipient-1",
		DestinationAccount:  "acct_1",
		AmountCents:         8500,
		Currency:            "USD",
		State:               state,
		ProcessorTransferID: transferID,
		Version:             1,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	h.payouts.Put(p)
	return p
}
