package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// BalanceResponse is the derived balance of one ledger account.
type BalanceResponse struct {
	AccountID    string          `json:"account_id"`
	AccountType  string          `json:"account_type"`
	OwnerID      string          `json:"owner_id,omitempty"`
	Currency     string          `json:"currency"`
	BalanceCents int64           `json:"balance_cents"`
	Balance      decimal.Decimal `json:"balance"`
}

// BalanceFromDomain builds a balance response.
func BalanceFromDomain(a *domain.LedgerAccount, cents int64) *BalanceResponse {
	return &BalanceResponse{
		AccountID:    a.ID,
		AccountType:  string(a.Type),
		OwnerID:      a.OwnerID,
		Currency:     a.Currency,
		BalanceCents: cents,
		Balance:      domain.CentsToDecimal(cents),
	}
}

// EntryResponse represents a ledger entry in API responses.
type EntryResponse struct {
	ID              string          `json:"id"`
	DebitAccountID  string          `json:"debit_account_id"`
	CreditAccountID string          `json:"credit_account_id"`
	AmountCents     int64           `json:"amount_cents"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	EntryType       string          `json:"entry_type"`
	ReferenceType   string          `json:"reference_type,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EntryFromDomain converts a domain entry to a response.
func EntryFromDomain(e *domain.LedgerEntry) *EntryResponse {
	return &EntryResponse{
		ID:              e.ID,
		DebitAccountID:  e.DebitAccountID,
		CreditAccountID: e.CreditAccountID,
		AmountCents:     e.AmountCents,
		Amount:          domain.CentsToDecimal(e.AmountCents),
		Currency:        e.Currency,
		EntryType:       string(e.EntryType),
		ReferenceType:   e.ReferenceType,
		ReferenceID:     e.ReferenceID,
		Description:     e.Description,
		CreatedBy:       e.CreatedBy,
		CreatedAt:       e.CreatedAt,
	}
}

// EntriesFromDomain converts domain entries to responses.
func EntriesFromDomain(entries []*domain.LedgerEntry) []*EntryResponse {
	result := make([]*EntryResponse, len(entries))
	for i, e := range entries {
		result[i] = EntryFromDomain(e)
	}
	return result
}

// CurrencyTotalsResponse holds ledger sums for one currency.
type CurrencyTotalsResponse struct {
	Currency     string          `json:"currency"`
	TotalDebits  decimal.Decimal `json:"total_debits"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	EntryCount   int64           `json:"entry_count"`
	Balanced     bool            `json:"balanced"`
}

// ConsistencyResponse is the ledger audit result.
type ConsistencyResponse struct {
	Status             string                    `json:"status"`
	Consistent         bool                      `json:"consistent"`
	Currencies         []*CurrencyTotalsResponse `json:"currencies"`
	CurrencyMismatches int64                     `json:"currency_mismatches"`
	NegativeAccounts   []string                  `json:"negative_accounts"`
	CheckedAt          time.Time                 `json:"checked_at"`
}

// ConsistencyFromReport converts a consistency report to a response.
func ConsistencyFromReport(r *usecase.ConsistencyReport) *ConsistencyResponse {
	resp := &ConsistencyResponse{
		Status:             "consistent",
		Consistent:         r.Consistent,
		Currencies:         make([]*CurrencyTotalsResponse, len(r.Totals)),
		CurrencyMismatches: r.CurrencyMismatches,
		NegativeAccounts:   r.NegativeAccounts,
		CheckedAt:          r.CheckedAt,
	}
	if !r.Consistent {
		resp.Status = "inconsistent"
	}
	if resp.NegativeAccounts == nil {
		resp.NegativeAccounts = []string{}
	}
	for i, t := range r.Totals {
		resp.Currencies[i] = &CurrencyTotalsResponse{
			Currency:     t.Currency,
			TotalDebits:  domain.CentsToDecimal(t.TotalDebits),
			TotalCredits: domain.CentsToDecimal(t.TotalCredits),
			EntryCount:   t.EntryCount,
			Balanced:     t.Balanced(),
		}
	}
	return resp
}

// RunResponse represents a reconciliation run.
type RunResponse struct {
	ID                   string     `json:"id"`
	Status               string     `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	Lookback             string     `json:"lookback"`
	StuckThreshold       string     `json:"stuck_threshold"`
	PaymentOrdersChecked int        `json:"payment_orders_checked"`
	PayoutsChecked       int        `json:"payouts_checked"`
	DiscrepanciesFound   int        `json:"discrepancies_found"`
	AutoHealed           int        `json:"auto_healed"`
	FlaggedForReview     int        `json:"flagged_for_review"`
	FailedToHeal         int        `json:"failed_to_heal"`
	ErrorMessage         string     `json:"error_message,omitempty"`
}

// RunFromDomain converts a run to a response.
func RunFromDomain(r *domain.ReconciliationRun) *RunResponse {
	return &RunResponse{
		ID:                   r.ID,
		Status:               string(r.Status),
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
		Lookback:             r.Lookback.String(),
		StuckThreshold:       r.StuckThreshold.String(),
		PaymentOrdersChecked: r.PaymentOrdersChecked,
		PayoutsChecked:       r.PayoutsChecked,
		DiscrepanciesFound:   r.DiscrepanciesFound,
		AutoHealed:           r.AutoHealed,
		FlaggedForReview:     r.FlaggedForReview,
		FailedToHeal:         r.FailedToHeal,
		ErrorMessage:         r.ErrorMessage,
	}
}

// DiscrepancyResponse represents a reconciliation discrepancy.
type DiscrepancyResponse struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id,omitempty"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	ProcessorID    string         `json:"processor_id,omitempty"`
	Type           string         `json:"type"`
	LocalState     string         `json:"local_state"`
	ProcessorState string         `json:"processor_state"`
	Details        map[string]any `json:"details,omitempty"`
	Resolution     string         `json:"resolution"`
	ActionTaken    string         `json:"action_taken,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Reviewed       bool           `json:"reviewed"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	ReviewedBy     string         `json:"reviewed_by,omitempty"`
	ReviewNotes    string         `json:"review_notes,omitempty"`
	LedgerEntryID  string         `json:"ledger_entry_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DiscrepancyFromDomain converts a discrepancy to a response.
func DiscrepancyFromDomain(d *domain.ReconciliationDiscrepancy) *DiscrepancyResponse {
	return &DiscrepancyResponse{
		ID:             d.ID,
		RunID:          d.RunID,
		EntityType:     d.EntityType,
		EntityID:       d.EntityID,
		ProcessorID:    d.ProcessorID,
		Type:           string(d.Type),
		LocalState:     d.LocalState,
		ProcessorState: d.ProcessorState,
		Details:        d.Details,
		Resolution:     string(d.Resolution),
		ActionTaken:    d.ActionTaken,
		ErrorMessage:   d.ErrorMessage,
		Reviewed:       d.Reviewed,
		ReviewedAt:     d.ReviewedAt,
		ReviewedBy:     d.ReviewedBy,
		ReviewNotes:    d.ReviewNotes,
		LedgerEntryID:  d.LedgerEntryID,
		CreatedAt:      d.CreatedAt,
	}
}

// DiscrepanciesFromDomain converts discrepancies to responses.
func DiscrepanciesFromDomain(ds []*domain.ReconciliationDiscrepancy) []*DiscrepancyResponse {
	result := make([]*DiscrepancyResponse, len(ds))
	for i, d := range ds {
		result[i] = DiscrepancyFromDomain(d)
	}
	return result
}

// RefundResponse represents a refund.
type RefundResponse struct {
	ID                string          `json:"id"`
	PaymentOrderID    string          `json:"payment_order_id"`
	AmountCents       int64           `json:"amount_cents"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
	State             string          `json:"state"`
	ProcessorRefundID string          `json:"processor_refund_id,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RefundFromDomain converts a refund to a response.
func RefundFromDomain(r *domain.Refund) *RefundResponse {
	return &RefundResponse{
		ID:                r.ID,
		PaymentOrderID:    r.PaymentOrderID,
		AmountCents:       r.AmountCents,
		Amount:            domain.CentsToDecimal(r.AmountCents),
		Currency:          r.Currency,
		Reason:            r.Reason,
		State:             string(r.State),
		ProcessorRefundID: r.ProcessorRefundID,
		FailureReason:     r.FailureReason,
		CompletedAt:       r.CompletedAt,
		CreatedAt:         r.CreatedAt,
	}
}

// WebhookAckResponse acknowledges a processor notification.
type WebhookAckResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}
