package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

const accountColumns = `id, account_type, owner_id, currency, allow_negative, is_active, created_at`

// balanceQuery derives a balance as credits minus debits.
const balanceQuery = `
	SELECT COALESCE(SUM(CASE WHEN credit_account_id = $1 THEN amount_cents ELSE -amount_cents END), 0)::BIGINT
	FROM ledger_entries
	WHERE debit_account_id = $1 OR credit_account_id = $1`

// LedgerAccountRepository implements usecase.LedgerAccountRepository.
type LedgerAccountRepository struct {
	db DBTX
}

// NewLedgerAccountRepository creates a new LedgerAccountRepository.
func NewLedgerAccountRepository(db DBTX) *LedgerAccountRepository {
	return &LedgerAccountRepository{db: db}
}

// GetOrCreate inserts account unless (type, owner, currency) exists and
// returns the stored row either way.
func (r *LedgerAccountRepository) GetOrCreate(ctx context.Context, tx usecase.Transaction, account *domain.LedgerAccount) (*domain.LedgerAccount, error) {
	db := txConn(tx)

	_, err := db.Exec(ctx, `
		INSERT INTO ledger_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_type, owner_id, currency) DO NOTHING`,
		account.ID, string(account.Type), account.OwnerID, account.Currency,
		account.AllowNegative, account.IsActive, account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	row := db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM ledger_accounts
		WHERE account_type = $1 AND owner_id = $2 AND currency = $3`,
		string(account.Type), account.OwnerID, account.Currency,
	)
	return scanAccount(row)
}

// GetByID retrieves an account by ID.
func (r *LedgerAccountRepository) GetByID(ctx context.Context, id string) (*domain.LedgerAccount, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetByIDsForUpdate locks the accounts in id order.
func (r *LedgerAccountRepository) GetByIDsForUpdate(ctx context.Context, tx usecase.Transaction, ids []string) ([]*domain.LedgerAccount, error) {
	rows, err := txConn(tx).Query(ctx, `
		SELECT `+accountColumns+`
		FROM ledger_accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.LedgerAccount, error) {
		return scanAccount(row)
	})
}

// GetBalance derives the balance of an account from its entries.
func (r *LedgerAccountRepository) GetBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, balanceQuery, id).Scan(&balance)
	return balance, err
}

// GetBalanceTx derives the balance inside tx, after the caller locked the account.
func (r *LedgerAccountRepository) GetBalanceTx(ctx context.Context, tx usecase.Transaction, id string) (int64, error) {
	var balance int64
	err := txConn(tx).QueryRow(ctx, balanceQuery, id).Scan(&balance)
	return balance, err
}

// List returns accounts ordered by creation.
func (r *LedgerAccountRepository) List(ctx context.Context, limit, offset int) ([]*domain.LedgerAccount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM ledger_accounts
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.LedgerAccount, error) {
		return scanAccount(row)
	})
}

func scanAccount(row pgx.Row) (*domain.LedgerAccount, error) {
	var a domain.LedgerAccount
	var accountType string
	err := row.Scan(&a.ID, &accountType, &a.OwnerID, &a.Currency, &a.AllowNegative, &a.IsActive, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = domain.AccountType(accountType)
	return &a, nil
}
