package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/metrics"
)

var (
	// ErrInconsistentLedger is returned when the ledger is not balanced.
	ErrInconsistentLedger = errors.New("ledger is inconsistent: debits do not equal credits")
)

// LedgerUseCase records double-entry postings and answers balance queries.
type LedgerUseCase struct {
	txManager   TransactionManager
	accountRepo LedgerAccountRepository
	entryRepo   LedgerEntryRepository
	ledgerRepo  LedgerRepository
	idGen       IDGenerator
	feePercent  int
	metrics     *metrics.Metrics
}

// NewLedgerUseCase creates a new LedgerUseCase.
func NewLedgerUseCase(
	txManager TransactionManager,
	accountRepo LedgerAccountRepository,
	entryRepo LedgerEntryRepository,
	ledgerRepo LedgerRepository,
	idGen IDGenerator,
	feePercent int,
	metrics *metrics.Metrics,
) *LedgerUseCase {
	return &LedgerUseCase{
		txManager:   txManager,
		accountRepo: accountRepo,
		entryRepo:   entryRepo,
		ledgerRepo:  ledgerRepo,
		idGen:       idGen,
		feePercent:  feePercent,
		metrics:     metrics,
	}
}

// RecordEntryInput represents input for recording a ledger entry.
type RecordEntryInput struct {
	DebitAccountID  string
	CreditAccountID string
	AmountCents     int64
	Currency        string
	EntryType       domain.EntryType
	IdempotencyKey  string
	ReferenceType   string
	ReferenceID     string
	Description     string
	CreatedBy       string
}

// RecordEntry records one entry in its own transaction.
func (uc *LedgerUseCase) RecordEntry(ctx context.Context, input RecordEntryInput) (*domain.LedgerEntry, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTransactionTimeout)
	defer cancel()

	tx, err := uc.txManager.Begin(txCtx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	entry, err := uc.RecordEntryTx(txCtx, tx, input)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, err
	}

	return entry, nil
}

// RecordEntryTx records one entry inside tx. Replaying an idempotency key
// returns the stored entry without touching balances.
func (uc *LedgerUseCase) RecordEntryTx(ctx context.Context, tx Transaction, input RecordEntryInput) (*domain.LedgerEntry, error) {
	if input.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}

	existing, err := uc.entryRepo.GetByIdempotencyKey(ctx, tx, input.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrEntryNotFound) {
		return nil, err
	}

	entry := &domain.LedgerEntry{
		ID:              uc.idGen.Generate(),
		DebitAccountID:  input.DebitAccountID,
		CreditAccountID: input.CreditAccountID,
		AmountCents:     input.AmountCents,
		Currency:        domain.NormalizeCurrency(input.Currency),
		EntryType:       input.EntryType,
		IdempotencyKey:  input.IdempotencyKey,
		ReferenceType:   input.ReferenceType,
		ReferenceID:     input.ReferenceID,
		Description:     input.Description,
		CreatedBy:       input.CreatedBy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	// Lock both accounts in sorted order (DEADLOCK PREVENTION)
	ids := []string{entry.DebitAccountID, entry.CreditAccountID}
	slices.Sort(ids)

	accounts, err := uc.accountRepo.GetByIDsForUpdate(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	var debit, credit *domain.LedgerAccount
	for _, a := range accounts {
		switch a.ID {
		case entry.DebitAccountID:
			debit = a
		case entry.CreditAccountID:
			credit = a
		}
	}
	if debit == nil || credit == nil {
		return nil, domain.ErrAccountNotFound
	}

	if debit.Currency != entry.Currency || credit.Currency != entry.Currency {
		return nil, domain.ErrCurrencyMismatch
	}
	if !credit.IsActive {
		return nil, domain.ErrAccountInactive
	}

	balance, err := uc.accountRepo.GetBalanceTx(ctx, tx, debit.ID)
	if err != nil {
		return nil, err
	}
	if err := debit.CanDebit(balance, entry.AmountCents); err != nil {
		return nil, err
	}

	inserted, err := uc.entryRepo.Insert(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost a race on the idempotency key; the winner's row is authoritative.
		return uc.entryRepo.GetByIdempotencyKey(ctx, tx, entry.IdempotencyKey)
	}

	uc.metrics.RecordLedgerEntry(entry)

	return entry, nil
}

// GetOrCreateAccount returns the account for (type, owner, currency), creating it if needed.
func (uc *LedgerUseCase) GetOrCreateAccount(
	ctx context.Context,
	tx Transaction,
	accountType domain.AccountType,
	ownerID, currency string,
	allowNegative bool,
) (*domain.LedgerAccount, error) {
	if !accountType.Valid() {
		return nil, fmt.Errorf("%w: unknown account type %q", domain.ErrValidation, accountType)
	}
	if err := domain.ValidateCurrency(currency); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	return uc.accountRepo.GetOrCreate(ctx, tx, &domain.LedgerAccount{
		ID:            uc.idGen.Generate(),
		Type:          accountType,
		OwnerID:       ownerID,
		Currency:      domain.NormalizeCurrency(currency),
		AllowNegative: allowNegative,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	})
}

// GetAccount retrieves an account by ID.
func (uc *LedgerUseCase) GetAccount(ctx context.Context, id string) (*domain.LedgerAccount, error) {
	return uc.accountRepo.GetByID(ctx, id)
}

// GetBalance derives the balance of an account from its entries.
func (uc *LedgerUseCase) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if _, err := uc.accountRepo.GetByID(ctx, accountID); err != nil {
		return 0, err
	}
	return uc.accountRepo.GetBalance(ctx, accountID)
}

// ListEntries lists entries touching an account, newest first.
func (uc *LedgerUseCase) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	limit, offset, _ = domain.ValidatePagination(limit, offset)
	return uc.entryRepo.ListByAccount(ctx, accountID, limit, offset)
}

// ConsistencyReport is the result of a full ledger audit.
type ConsistencyReport struct {
	Totals             []domain.CurrencyTotals
	CurrencyMismatches int64
	NegativeAccounts   []string
	Consistent         bool
	CheckedAt          time.Time
}

// Report audits the ledger: per currency debits equal credits, every entry
// matches its accounts' currency and no non-negative account is below zero.
func (uc *LedgerUseCase) Report(ctx context.Context) (*ConsistencyReport, error) {
	totals, err := uc.ledgerRepo.TotalsByCurrency(ctx)
	if err != nil {
		return nil, err
	}

	mismatches, err := uc.ledgerRepo.CountCurrencyMismatches(ctx)
	if err != nil {
		return nil, err
	}

	negative, err := uc.ledgerRepo.ListNegativeBalances(ctx)
	if err != nil {
		return nil, err
	}

	report := &ConsistencyReport{
		Totals:             totals,
		CurrencyMismatches: mismatches,
		NegativeAccounts:   negative,
		Consistent:         mismatches == 0 && len(negative) == 0,
		CheckedAt:          time.Now().UTC(),
	}
	for _, t := range totals {
		if !t.Balanced() {
			report.Consistent = false
		}
	}

	return report, nil
}

// CheckConsistency verifies that the ledger is balanced.
func (uc *LedgerUseCase) CheckConsistency(ctx context.Context) (bool, error) {
	report, err := uc.Report(ctx)
	if err != nil {
		return false, err
	}

	if !report.Consistent {
		return false, ErrInconsistentLedger
	}

	return true, nil
}

func (uc *LedgerUseCase) platformAccounts(ctx context.Context, tx Transaction, currency string) (escrow, revenue, external *domain.LedgerAccount, err error) {
	escrow, err = uc.GetOrCreateAccount(ctx, tx, domain.AccountTypePlatformEscrow, "", currency, false)
	if err != nil {
		return nil, nil, nil, err
	}
	revenue, err = uc.GetOrCreateAccount(ctx, tx, domain.AccountTypePlatformRevenue, "", currency, false)
	if err != nil {
		return nil, nil, nil, err
	}
	external, err = uc.GetOrCreateAccount(ctx, tx, domain.AccountTypeExternalProcessor, "", currency, true)
	if err != nil {
		return nil, nil, nil, err
	}
	return escrow, revenue, external, nil
}

// PostCapture moves a captured charge from the processor into escrow.
func (uc *LedgerUseCase) PostCapture(ctx context.Context, tx Transaction, order *domain.PaymentOrder, actor string) (*domain.LedgerEntry, error) {
	escrow, _, external, err := uc.platformAccounts(ctx, tx, order.Currency)
	if err != nil {
		return nil, err
	}

	return uc.RecordEntryTx(ctx, tx, RecordEntryInput{
		DebitAccountID:  external.ID,
		CreditAccountID: escrow.ID,
		AmountCents:     order.AmountCents,
		Currency:        order.Currency,
		EntryType:       domain.EntryTypePaymentReceived,
		IdempotencyKey:  fmt.Sprintf("payment:%s:received", order.ID),
		ReferenceType:   domain.EntityPaymentOrder,
		ReferenceID:     order.ID,
		Description:     fmt.Sprintf("Payment received for order %s", order.ID),
		CreatedBy:       actor,
	})
}

// PostRelease allocates escrowed funds to the recipient minus the platform fee.
func (uc *LedgerUseCase) PostRelease(ctx context.Context, tx Transaction, order *domain.PaymentOrder, actor string) ([]*domain.LedgerEntry, error) {
	escrow, revenue, _, err := uc.platformAccounts(ctx, tx, order.Currency)
	if err != nil {
		return nil, err
	}
	recipient, err := uc.GetOrCreateAccount(ctx, tx, domain.AccountTypeUserBalance, order.RecipientID, order.Currency, false)
	if err != nil {
		return nil, err
	}

	fee := domain.PlatformFee(order.AmountCents, uc.feePercent)
	net := order.AmountCents - fee

	var entries []*domain.LedgerEntry
	if net > 0 {
		entry, err := uc.RecordEntryTx(ctx, tx, RecordEntryInput{
			DebitAccountID:  escrow.ID,
			CreditAccountID: recipient.ID,
			AmountCents:     net,
			Currency:        order.Currency,
			EntryType:       domain.EntryTypePaymentReleased,
			IdempotencyKey:  fmt.Sprintf("payment:%s:released", order.ID),
			ReferenceType:   domain.EntityPaymentOrder,
			ReferenceID:     order.ID,
			Description:     fmt.Sprintf("Payment released to recipient %s", order.RecipientID),
			CreatedBy:       actor,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if fee > 0 {
		entry, err := uc.RecordEntryTx(ctx, tx, RecordEntryInput{
			DebitAccountID:  escrow.ID,
			CreditAccountID: revenue.ID,
			AmountCents:     fee,
			Currency:        order.Currency,
			EntryType:       domain.EntryTypeFeeCollected,
			IdempotencyKey:  fmt.Sprintf("payment:%s:fee", order.ID),
			ReferenceType:   domain.EntityPaymentOrder,
			ReferenceID:     order.ID,
			Description:     fmt.Sprintf("Platform fee for order %s", order.ID),
			CreatedBy:       actor,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// PostPayout moves a paid payout out of the recipient's balance.
func (uc *LedgerUseCase) PostPayout(ctx context.Context, tx Transaction, payout *domain.Payout, actor string) (*domain.LedgerEntry, error) {
	_, _, external, err := uc.platformAccounts(ctx, tx, payout.Currency)
	if err != nil {
		return nil, err
	}
	recipient, err := uc.GetOrCreateAccount(ctx, tx, domain.AccountTypeUserBalance, payout.RecipientID, payout.Currency, false)
	if err != nil {
		return nil, err
	}

	return uc.RecordEntryTx(ctx, tx, RecordEntryInput{
		DebitAccountID:  recipient.ID,
		CreditAccountID: external.ID,
		AmountCents:     payout.AmountCents,
		Currency:        payout.Currency,
		EntryType:       domain.EntryTypePayout,
		IdempotencyKey:  fmt.Sprintf("payout:%s:completion", payout.ID),
		ReferenceType:   domain.EntityPayout,
		ReferenceID:     payout.ID,
		Description:     fmt.Sprintf("Payout to %s", payout.DestinationAccount),
		CreatedBy:       actor,
	})
}

// PostRefund returns refunded money to the processor. When the order's funds
// were already allocated, the recipient share and the fee share are first
// pulled back into escrow, so escrow always holds the full refund before it
// leaves and never goes negative.
func (uc *LedgerUseCase) PostRefund(
	ctx context.Context,
	tx Transaction,
	order *domain.PaymentOrder,
	refund *domain.Refund,
	feeShare int64,
	allocated bool,
	actor string,
) ([]*domain.LedgerEntry, error) {
	escrow, revenue, external, err := uc.platformAccounts(ctx, tx, order.Currency)
	if err != nil {
		return nil, err
	}

	var entries []*domain.LedgerEntry
	if allocated {
		recipient, err := uc.GetOrCreateAccount(ctx, tx, domain.AccountTypeUserBalance, order.RecipientID, order.Currency, false)
		if err != nil {
			return nil, err
		}

		if share := refund.AmountCents - feeShare; share > 0 {
			entry, err := uc.RecordEntryTx(ctx, tx, RecordEntryInput{
				DebitAccountID:  recipient.ID,
				CreditAccountID: escrow.ID,
				AmountCents:     share,
				Currency:        order.Currency,
				EntryType:       domain.EntryTypeRefund,
				IdempotencyKey:  fmt.Sprintf("refund:%s:allocation_reversal", refund.ID),
				ReferenceType:   domain.EntityRefund,
				ReferenceID:     refund.ID,
				Description:     fmt.Sprintf("Allocation reversal for refund %s", refund.ID),
				CreatedBy:       actor,
			})
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}

		if feeShare > 0 {
			entry, err := uc.RecordEntryTx(ctx, tx, RecordEntryInput{
				DebitAccountID:  revenue.ID,
				CreditAccountID: escrow.ID,
				AmountCents:     feeShare,
				Currency:        order.Currency,
				EntryType:       domain.EntryTypeRefund,
				IdempotencyKey:  fmt.Sprintf("refund:%s:fee_reversal", refund.ID),
				ReferenceType:   domain.EntityRefund,
				ReferenceID:     refund.ID,
				Description:     fmt.Sprintf("Fee reversal for refund %s", refund.ID),
				CreatedBy:       actor,
			})
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}

	entry, err := uc.RecordEntryTx(ctx, tx, RecordEntryInput{
		DebitAccountID:  escrow.ID,
		CreditAccountID: external.ID,
		AmountCents:     refund.AmountCents,
		Currency:        order.Currency,
		EntryType:       domain.EntryTypeRefund,
		IdempotencyKey:  fmt.Sprintf("refund:%s:reversal", refund.ID),
		ReferenceType:   domain.EntityRefund,
		ReferenceID:     refund.ID,
		Description:     fmt.Sprintf("Refund to customer for order %s", order.ID),
		CreatedBy:       actor,
	})
	if err != nil {
		return nil, err
	}

	return append(entries, entry), nil
}

// RefundFeeShare is the part of a refund taken back from platform revenue.
// The refund that exhausts the order takes whatever fee is left, so the
// shares always sum to the fee that was collected.
func (uc *LedgerUseCase) RefundFeeShare(order *domain.PaymentOrder, refundAmount int64, previousRefunds []int64) int64 {
	fee := domain.PlatformFee(order.AmountCents, uc.feePercent)

	var refunded, taken int64
	for _, amount := range previousRefunds {
		refunded += amount
		taken += domain.PlatformFee(amount, uc.feePercent)
	}

	if refunded+refundAmount >= order.AmountCents {
		return max(fee-taken, 0)
	}
	return min(domain.PlatformFee(refundAmount, uc.feePercent), max(fee-taken, 0))
}

// UserBalanceTx returns the current balance of an owner's user_balance
// account in currency, creating the account if it does not exist yet.
func (uc *LedgerUseCase) UserBalanceTx(ctx context.Context, tx Transaction, ownerID, currency string) (int64, error) {
	account, err := uc.GetOrCreateAccount(ctx, tx, domain.AccountTypeUserBalance, ownerID, currency, false)
	if err != nil {
		return 0, err
	}
	return uc.accountRepo.GetBalanceTx(ctx, tx, account.ID)
}
