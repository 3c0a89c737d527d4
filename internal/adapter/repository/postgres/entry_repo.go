package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

const entryColumns = `id, debit_account_id, credit_account_id, amount_cents, currency, entry_type,
	idempotency_key, reference_type, reference_id, description, created_by, created_at`

// LedgerEntryRepository implements usecase.LedgerEntryRepository. Entries
// are only ever inserted.
type LedgerEntryRepository struct {
	db DBTX
}

// NewLedgerEntryRepository creates a new LedgerEntryRepository.
func NewLedgerEntryRepository(db DBTX) *LedgerEntryRepository {
	return &LedgerEntryRepository{db: db}
}

// Insert stores entry. It returns false when the idempotency key is taken.
func (r *LedgerEntryRepository) Insert(ctx context.Context, tx usecase.Transaction, entry *domain.LedgerEntry) (bool, error) {
	tag, err := txConn(tx).Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.ID, entry.DebitAccountID, entry.CreditAccountID, entry.AmountCents, entry.Currency,
		string(entry.EntryType), entry.IdempotencyKey, entry.ReferenceType, entry.ReferenceID,
		entry.Description, entry.CreatedBy, entry.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetByIdempotencyKey looks up an entry inside tx.
func (r *LedgerEntryRepository) GetByIdempotencyKey(ctx context.Context, tx usecase.Transaction, key string) (*domain.LedgerEntry, error) {
	row := txConn(tx).QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
	return scanEntry(row)
}

// GetByID retrieves an entry by ID.
func (r *LedgerEntryRepository) GetByID(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	return scanEntry(row)
}

// ListByAccount returns entries touching accountID on either side, newest first.
func (r *LedgerEntryRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE debit_account_id = $1 OR credit_account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListByReference returns entries written for one business object.
func (r *LedgerEntryRepository) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at, id`, referenceType, referenceID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*domain.LedgerEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.LedgerEntry, error) {
		return scanEntry(row)
	})
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var entryType string
	err := row.Scan(
		&e.ID, &e.DebitAccountID, &e.CreditAccountID, &e.AmountCents, &e.Currency, &entryType,
		&e.IdempotencyKey, &e.ReferenceType, &e.ReferenceID, &e.Description, &e.CreatedBy, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.EntryType = domain.EntryType(entryType)
	return &e, nil
}
