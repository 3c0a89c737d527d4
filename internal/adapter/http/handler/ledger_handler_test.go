package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/adapter/http/dto"
	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

type ledgerServiceStub struct {
	account    *domain.LedgerAccount
	accountErr error
	balance    int64
	entries    []*domain.LedgerEntry
	report     *usecase.ConsistencyReport
	reportErr  error

	gotLimit, gotOffset int
}

func (s *ledgerServiceStub) GetAccount(ctx context.Context, id string) (*domain.LedgerAccount, error) {
	return s.account, s.accountErr
}

func (s *ledgerServiceStub) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return s.balance, nil
}

func (s *ledgerServiceStub) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	s.gotLimit, s.gotOffset = limit, offset
	return s.entries, nil
}

func (s *ledgerServiceStub) Report(ctx context.Context) (*usecase.ConsistencyReport, error) {
	return s.report, s.reportErr
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestLedgerHandler_GetBalance(t *testing.T) {
	stub := &ledgerServiceStub{
		account: &domain.LedgerAccount{ID: "la_1", Type: domain.AccountTypeUserBalance, OwnerID: "seller_1", Currency: "USD"},
		balance: 8500,
	}
	h := NewLedgerHandler(stub)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/accounts/la_1/balance", nil), "id", "la_1")
	rec := httptest.NewRecorder()
	h.GetBalance(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp dto.BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(8500), resp.BalanceCents)
	assert.Equal(t, "85", resp.Balance.String())
	assert.Equal(t, "seller_1", resp.OwnerID)
}

func TestLedgerHandler_GetBalanceNotFound(t *testing.T) {
	h := NewLedgerHandler(&ledgerServiceStub{accountErr: domain.ErrAccountNotFound})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/accounts/missing/balance", nil), "id", "missing")
	rec := httptest.NewRecorder()
	h.GetBalance(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerHandler_RejectsMalformedAccountID(t *testing.T) {
	stub := &ledgerServiceStub{accountErr: errors.New("must not be called")}
	h := NewLedgerHandler(stub)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "id", "la_1:entries")
	rec := httptest.NewRecorder()
	h.GetBalance(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ListEntries(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, stub.gotLimit)
}

func TestLedgerHandler_ListEntriesPassesPaging(t *testing.T) {
	stub := &ledgerServiceStub{entries: []*domain.LedgerEntry{{ID: "le_1", AmountCents: 100, EntryType: domain.EntryTypePayout}}}
	h := NewLedgerHandler(stub)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/accounts/la_1/entries?limit=10&offset=20", nil), "id", "la_1")
	rec := httptest.NewRecorder()
	h.ListEntries(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, stub.gotLimit)
	assert.Equal(t, 20, stub.gotOffset)

	var resp []dto.EntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "payout", resp[0].EntryType)
}

func TestLedgerHandler_CheckConsistency(t *testing.T) {
	tests := []struct {
		name   string
		stub   *ledgerServiceStub
		status int
	}{
		{
			name:   "consistent",
			stub:   &ledgerServiceStub{report: &usecase.ConsistencyReport{Consistent: true}},
			status: http.StatusOK,
		},
		{
			name: "inconsistent",
			stub: &ledgerServiceStub{report: &usecase.ConsistencyReport{
				Totals: []domain.CurrencyTotals{{Currency: "USD", TotalDebits: 10, TotalCredits: 5}},
			}},
			status: http.StatusConflict,
		},
		{
			name:   "error",
			stub:   &ledgerServiceStub{reportErr: errors.New("db down")},
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewLedgerHandler(tt.stub).CheckConsistency(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/consistency", nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
