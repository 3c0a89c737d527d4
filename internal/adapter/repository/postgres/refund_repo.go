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

const refundColumns = `id, payment_order_id, amount_cents, currency, reason, state,
	COALESCE(processor_refund_id, ''), version, completed_at, failed_at, failure_reason,
	created_at, updated_at`

// RefundRepository implements usecase.RefundRepository.
type RefundRepository struct {
	db DBTX
}

// NewRefundRepository creates a new RefundRepository.
func NewRefundRepository(db DBTX) *RefundRepository {
	return &RefundRepository{db: db}
}

// Create inserts a new refund.
func (r *RefundRepository) Create(ctx context.Context, tx usecase.Transaction, rf *domain.Refund) error {
	_, err := txConn(tx).Exec(ctx, `
		INSERT INTO refunds (
			id, payment_order_id, amount_cents, currency, reason, state,
			processor_refund_id, version, completed_at, failed_at, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rf.ID, rf.PaymentOrderID, rf.AmountCents, rf.Currency, rf.Reason, string(rf.State),
		nullString(rf.ProcessorRefundID), rf.Version, timePtrToPg(rf.CompletedAt), timePtrToPg(rf.FailedAt),
		rf.FailureReason, rf.CreatedAt, rf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateProcessorID
	}
	return err
}

// GetByID retrieves a refund by ID.
func (r *RefundRepository) GetByID(ctx context.Context, id string) (*domain.Refund, error) {
	return scanRefund(r.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves and row-locks a refund.
func (r *RefundRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.Refund, error) {
	return scanRefund(txConn(tx).QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1 FOR UPDATE`, id))
}

// GetByProcessorRefundID finds a refund by its processor id.
func (r *RefundRepository) GetByProcessorRefundID(ctx context.Context, processorRefundID string) (*domain.Refund, error) {
	return scanRefund(r.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE processor_refund_id = $1`, processorRefundID))
}

// ListByPaymentOrder returns and locks every refund of an order.
func (r *RefundRepository) ListByPaymentOrder(ctx context.Context, tx usecase.Transaction, paymentOrderID string) ([]*domain.Refund, error) {
	rows, err := txConn(tx).Query(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE payment_order_id = $1
		ORDER BY created_at, id
		FOR UPDATE`, paymentOrderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Refund, error) {
		return scanRefund(row)
	})
}

// ListStaleRequested returns refunds still requested and untouched since
// before, oldest first.
func (r *RefundRepository) ListStaleRequested(ctx context.Context, before time.Time, limit int) ([]*domain.Refund, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE state = $1 AND updated_at <= $2
		ORDER BY created_at, id
		LIMIT $3`, string(domain.RefundRequested), before, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Refund, error) {
		return scanRefund(row)
	})
}

// Update writes rf when the stored version equals expectedVersion.
func (r *RefundRepository) Update(ctx context.Context, tx usecase.Transaction, rf *domain.Refund, expectedVersion int64) error {
	db := txConn(tx)
	tag, err := db.Exec(ctx, `
		UPDATE refunds SET
			state = $3, processor_refund_id = $4, completed_at = $5, failed_at = $6,
			failure_reason = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $2`,
		rf.ID, expectedVersion, string(rf.State), nullString(rf.ProcessorRefundID),
		timePtrToPg(rf.CompletedAt), timePtrToPg(rf.FailedAt), rf.FailureReason, rf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateProcessorID
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, db, usecase.TableRefunds, rf.ID, expectedVersion)
	}

	rf.Version = expectedVersion + 1
	return nil
}

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var (
		rf                domain.Refund
		state             string
		completed, failed pgtype.Timestamptz
	)
	err := row.Scan(
		&rf.ID, &rf.PaymentOrderID, &rf.AmountCents, &rf.Currency, &rf.Reason, &state,
		&rf.ProcessorRefundID, &rf.Version, &completed, &failed, &rf.FailureReason,
		&rf.CreatedAt, &rf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}

	rf.State = domain.RefundState(state)
	rf.CompletedAt = pgToTimePtr(completed)
	rf.FailedAt = pgToTimePtr(failed)
	return &rf, nil
}
