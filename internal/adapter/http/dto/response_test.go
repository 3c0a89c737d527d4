package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

func TestBalanceFromDomain(t *testing.T) {
	acct := &domain.LedgerAccount{ID: "la_1", Type: domain.AccountTypeUserBalance, OwnerID: "user_1", Currency: "USD"}

	resp := BalanceFromDomain(acct, 8550)

	assert.Equal(t, int64(8550), resp.BalanceCents)
	assert.Equal(t, "85.5", resp.Balance.String())
	assert.Equal(t, "user_balance", resp.AccountType)
}

func TestEntryFromDomain(t *testing.T) {
	now := time.Now()
	entry := &domain.LedgerEntry{
		ID:              "le_1",
		DebitAccountID:  "la_escrow",
		CreditAccountID: "la_user",
		AmountCents:     10000,
		Currency:        "USD",
		EntryType:       domain.EntryTypePaymentReleased,
		ReferenceType:   "payment_order",
		ReferenceID:     "po_1",
		CreatedBy:       "payment_service",
		CreatedAt:       now,
	}

	resp := EntriesFromDomain([]*domain.LedgerEntry{entry})
	require.Len(t, resp, 1)
	assert.Equal(t, "100", resp[0].Amount.String())
	assert.Equal(t, "payment_released", resp[0].EntryType)
	assert.Equal(t, now, resp[0].CreatedAt)
}

func TestConsistencyFromReport(t *testing.T) {
	report := &usecase.ConsistencyReport{
		Totals: []domain.CurrencyTotals{
			{Currency: "USD", TotalDebits: 1000, TotalCredits: 1000, EntryCount: 2},
			{Currency: "EUR", TotalDebits: 500, TotalCredits: 400, EntryCount: 1},
		},
		Consistent: false,
	}

	resp := ConsistencyFromReport(report)

	assert.Equal(t, "inconsistent", resp.Status)
	require.Len(t, resp.Currencies, 2)
	assert.True(t, resp.Currencies[0].Balanced)
	assert.False(t, resp.Currencies[1].Balanced)
	assert.Equal(t, "5", resp.Currencies[1].TotalDebits.String())
	assert.NotNil(t, resp.NegativeAccounts)
}

func TestRunFromDomain(t *testing.T) {
	run := &domain.ReconciliationRun{
		ID:             "run_1",
		Status:         domain.RunCompleted,
		Lookback:       24 * time.Hour,
		StuckThreshold: 2 * time.Hour,
		AutoHealed:     3,
	}

	resp := RunFromDomain(run)

	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "24h0m0s", resp.Lookback)
	assert.Equal(t, 3, resp.AutoHealed)
}

func TestRefundFromDomain(t *testing.T) {
	refund := &domain.Refund{ID: "rf_1", PaymentOrderID: "po_1", AmountCents: 1999, Currency: "USD", State: domain.RefundCompleted}

	resp := RefundFromDomain(refund)

	assert.Equal(t, "19.99", resp.Amount.String())
	assert.Equal(t, "completed", resp.State)
}

func TestDiscrepanciesFromDomain(t *testing.T) {
	d := &domain.ReconciliationDiscrepancy{
		ID:         "rd_1",
		EntityType: "payout",
		EntityID:   "po_1",
		Type:       domain.DiscrepancyTransferPaidLocalProcessing,
		Resolution: domain.ResolutionAutoHealed,
	}

	resp := DiscrepanciesFromDomain([]*domain.ReconciliationDiscrepancy{d})
	require.Len(t, resp, 1)
	assert.Equal(t, "auto_healed", resp[0].Resolution)
	assert.Equal(t, "transfer_paid_local_processing", resp[0].Type)
}
