package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/iho/payledger/internal/domain"
)

// LedgerRepository implements usecase.LedgerRepository.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// TotalsByCurrency sums both legs of every entry grouped by the currency of
// the account each leg posts to.
func (r *LedgerRepository) TotalsByCurrency(ctx context.Context) ([]domain.CurrencyTotals, error) {
	rows, err := r.db.Query(ctx, `
		WITH legs AS (
			SELECT a.currency, e.amount_cents AS debit, 0::BIGINT AS credit
			FROM ledger_entries e JOIN ledger_accounts a ON a.id = e.debit_account_id
			UNION ALL
			SELECT a.currency, 0::BIGINT, e.amount_cents
			FROM ledger_entries e JOIN ledger_accounts a ON a.id = e.credit_account_id
		)
		SELECT currency,
		       COALESCE(SUM(debit), 0)::BIGINT,
		       COALESCE(SUM(credit), 0)::BIGINT,
		       COUNT(*) FILTER (WHERE debit > 0)
		FROM legs
		GROUP BY currency
		ORDER BY currency`)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CurrencyTotals, error) {
		var t domain.CurrencyTotals
		err := row.Scan(&t.Currency, &t.TotalDebits, &t.TotalCredits, &t.EntryCount)
		return t, err
	})
}

// CountCurrencyMismatches counts entries whose currency differs from either account.
func (r *LedgerRepository) CountCurrencyMismatches(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM ledger_entries e
		JOIN ledger_accounts d ON d.id = e.debit_account_id
		JOIN ledger_accounts c ON c.id = e.credit_account_id
		WHERE d.currency <> e.currency OR c.currency <> e.currency`).Scan(&n)
	return n, err
}

// ListNegativeBalances returns non-negative accounts whose derived balance is below zero.
func (r *LedgerRepository) ListNegativeBalances(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id
		FROM ledger_accounts a
		WHERE NOT a.allow_negative
		  AND COALESCE((SELECT SUM(amount_cents) FROM ledger_entries WHERE credit_account_id = a.id), 0)
		    - COALESCE((SELECT SUM(amount_cents) FROM ledger_entries WHERE debit_account_id = a.id), 0) < 0
		ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
