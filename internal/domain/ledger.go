package domain

import "time"

// AccountType classifies ledger accounts.
type AccountType string

const (
	AccountTypeUserBalance       AccountType = "user_balance"
	AccountTypePlatformEscrow    AccountType = "platform_escrow"
	AccountTypePlatformRevenue   AccountType = "platform_revenue"
	AccountTypeExternalProcessor AccountType = "external_processor"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeUserBalance, AccountTypePlatformEscrow, AccountTypePlatformRevenue, AccountTypeExternalProcessor:
		return true
	}
	return false
}

// EntryType classifies ledger entries.
type EntryType string

const (
	EntryTypePaymentReceived EntryType = "payment_received"
	EntryTypePaymentReleased EntryType = "payment_released"
	EntryTypeFeeCollected    EntryType = "fee_collected"
	EntryTypePayout          EntryType = "payout"
	EntryTypeRefund          EntryType = "refund"
	EntryTypeAdjustment      EntryType = "adjustment"
	EntryTypeTransfer        EntryType = "transfer"
)

// LedgerAccount is a bucket money moves between. Its balance is never stored.
type LedgerAccount struct {
	ID            string
	Type          AccountType
	OwnerID       string
	Currency      string
	AllowNegative bool
	IsActive      bool
	CreatedAt     time.Time
}

// CanDebit checks whether debiting amount from a balance keeps the account valid.
func (a *LedgerAccount) CanDebit(balance, amount int64) error {
	if !a.IsActive {
		return ErrAccountInactive
	}
	if !a.AllowNegative && balance-amount < 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// LedgerEntry is an immutable double-entry record: one debit leg, one credit leg.
type LedgerEntry struct {
	ID              string
	DebitAccountID  string
	CreditAccountID string
	AmountCents     int64
	Currency        string
	EntryType       EntryType
	IdempotencyKey  string
	ReferenceType   string
	ReferenceID     string
	Description     string
	CreatedBy       string
	CreatedAt       time.Time
}

// Validate checks the invariants that hold for any entry regardless of accounts.
func (e *LedgerEntry) Validate() error {
	if e.AmountCents <= 0 {
		return ErrInvalidAmount
	}
	if e.DebitAccountID == e.CreditAccountID {
		return ErrSameAccount
	}
	return nil
}

// CurrencyTotals holds ledger-wide sums for one currency.
type CurrencyTotals struct {
	Currency     string
	TotalDebits  int64
	TotalCredits int64
	EntryCount   int64
}

// Balanced reports whether debits equal credits.
func (c CurrencyTotals) Balanced() bool {
	return c.TotalDebits == c.TotalCredits
}
