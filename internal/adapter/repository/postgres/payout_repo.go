package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

const payoutColumns = `id, COALESCE(payment_order_id, ''), recipient_id, destination_account, amount_cents, currency,
	state, COALESCE(processor_transfer_id, ''), version, scheduled_for, paid_at, failed_at, failure_reason,
	retry_count, created_at, updated_at`

// PayoutRepository implements usecase.PayoutRepository.
type PayoutRepository struct {
	db DBTX
}

// NewPayoutRepository creates a new PayoutRepository.
func NewPayoutRepository(db DBTX) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// Create inserts a new payout.
func (r *PayoutRepository) Create(ctx context.Context, tx usecase.Transaction, p *domain.Payout) error {
	_, err := txConn(tx).Exec(ctx, `
		INSERT INTO payouts (
			id, payment_order_id, recipient_id, destination_account, amount_cents, currency, state,
			processor_transfer_id, version, scheduled_for, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, nullString(p.PaymentOrderID), p.RecipientID, p.DestinationAccount, p.AmountCents, p.Currency,
		string(p.State), nullString(p.ProcessorTransferID), p.Version, timePtrToPg(p.ScheduledFor),
		p.FailureReason, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateProcessorID
	}
	return err
}

// GetByID retrieves a payout by ID.
func (r *PayoutRepository) GetByID(ctx context.Context, id string) (*domain.Payout, error) {
	return scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves and row-locks a payout.
func (r *PayoutRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.Payout, error) {
	return scanPayout(txConn(tx).QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
}

// GetByProcessorTransferID finds the payout owning a transfer.
func (r *PayoutRepository) GetByProcessorTransferID(ctx context.Context, transferID string) (*domain.Payout, error) {
	return scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE processor_transfer_id = $1`, transferID))
}

// ListByPaymentOrder returns and locks the payouts funded by an order.
func (r *PayoutRepository) ListByPaymentOrder(ctx context.Context, tx usecase.Transaction, paymentOrderID string) ([]*domain.Payout, error) {
	rows, err := txConn(tx).Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE payment_order_id = $1
		ORDER BY created_at, id
		FOR UPDATE`, paymentOrderID)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

// Update writes p when the stored version equals expectedVersion.
func (r *PayoutRepository) Update(ctx context.Context, tx usecase.Transaction, p *domain.Payout, expectedVersion int64) error {
	db := txConn(tx)
	tag, err := db.Exec(ctx, `
		UPDATE payouts SET
			state = $3, processor_transfer_id = $4, scheduled_for = $5, paid_at = $6,
			failed_at = $7, failure_reason = $8, retry_count = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2`,
		p.ID, expectedVersion, string(p.State), nullString(p.ProcessorTransferID),
		timePtrToPg(p.ScheduledFor), timePtrToPg(p.PaidAt), timePtrToPg(p.FailedAt),
		p.FailureReason, p.RetryCount, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateProcessorID
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, db, usecase.TablePayouts, p.ID, expectedVersion)
	}

	p.Version = expectedVersion + 1
	return nil
}

// ListByStates returns payouts in states created since createdSince, oldest first.
func (r *PayoutRepository) ListByStates(ctx context.Context, states []domain.PayoutState, createdSince time.Time, limit int) ([]*domain.Payout, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE state = ANY($1) AND created_at >= $2
		ORDER BY created_at, id
		LIMIT $3`, names, createdSince, limit)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

// ListDue returns payouts ready for execution at now: pending payouts not
// touched since staleBefore, whose schedule (if any) has passed, and scheduled
// payouts without a transfer whose date has come.
func (r *PayoutRepository) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.Payout, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE (state = 'pending' AND updated_at <= $2 AND (scheduled_for IS NULL OR scheduled_for <= $1))
		   OR (state = 'scheduled' AND processor_transfer_id IS NULL AND scheduled_for <= $1)
		ORDER BY created_at, id
		LIMIT $3`, now, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

// ListFailed returns failed payouts, oldest failure first.
func (r *PayoutRepository) ListFailed(ctx context.Context, limit int) ([]*domain.Payout, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE state = 'failed'
		ORDER BY failed_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

func collectPayouts(rows pgx.Rows) ([]*domain.Payout, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Payout, error) {
		return scanPayout(row)
	})
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var (
		p                          domain.Payout
		state                      string
		scheduledFor, paid, failed pgtype.Timestamptz
	)
	err := row.Scan(
		&p.ID, &p.PaymentOrderID, &p.RecipientID, &p.DestinationAccount, &p.AmountCents, &p.Currency,
		&state, &p.ProcessorTransferID, &p.Version, &scheduledFor, &paid, &failed, &p.FailureReason,
		&p.RetryCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}

	p.State = domain.PayoutState(state)
	p.ScheduledFor = pgToTimePtr(scheduledFor)
	p.PaidAt = pgToTimePtr(paid)
	p.FailedAt = pgToTimePtr(failed)
	return &p, nil
}
