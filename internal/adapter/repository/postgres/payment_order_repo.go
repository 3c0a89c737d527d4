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

const paymentOrderColumns = `id, payer_id, recipient_id, amount_cents, currency, strategy, state,
	COALESCE(processor_payment_id, ''), version, failure_reason,
	captured_at, held_at, released_at, settled_at, failed_at, cancelled_at, refunded_at,
	hold_expires_at, created_at, updated_at`

// PaymentOrderRepository implements usecase.PaymentOrderRepository.
type PaymentOrderRepository struct {
	db DBTX
}

// NewPaymentOrderRepository creates a new PaymentOrderRepository.
func NewPaymentOrderRepository(db DBTX) *PaymentOrderRepository {
	return &PaymentOrderRepository{db: db}
}

// Create inserts a new payment order.
func (r *PaymentOrderRepository) Create(ctx context.Context, tx usecase.Transaction, o *domain.PaymentOrder) error {
	_, err := txConn(tx).Exec(ctx, `
		INSERT INTO payment_orders (
			id, payer_id, recipient_id, amount_cents, currency, strategy, state,
			processor_payment_id, version, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.PayerID, o.RecipientID, o.AmountCents, o.Currency, string(o.Strategy), string(o.State),
		nullString(o.ProcessorPaymentID), o.Version, o.FailureReason, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateProcessorID
	}
	return err
}

// GetByID retrieves a payment order by ID.
func (r *PaymentOrderRepository) GetByID(ctx context.Context, id string) (*domain.PaymentOrder, error) {
	return scanPaymentOrder(r.db.QueryRow(ctx, `SELECT `+paymentOrderColumns+` FROM payment_orders WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves and row-locks a payment order.
func (r *PaymentOrderRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.PaymentOrder, error) {
	return scanPaymentOrder(txConn(tx).QueryRow(ctx, `SELECT `+paymentOrderColumns+` FROM payment_orders WHERE id = $1 FOR UPDATE`, id))
}

// GetByProcessorPaymentID finds the order owning a payment intent.
func (r *PaymentOrderRepository) GetByProcessorPaymentID(ctx context.Context, processorID string) (*domain.PaymentOrder, error) {
	return scanPaymentOrder(r.db.QueryRow(ctx, `SELECT `+paymentOrderColumns+` FROM payment_orders WHERE processor_payment_id = $1`, processorID))
}

// Update writes o when the stored version equals expectedVersion.
func (r *PaymentOrderRepository) Update(ctx context.Context, tx usecase.Transaction, o *domain.PaymentOrder, expectedVersion int64) error {
	db := txConn(tx)
	tag, err := db.Exec(ctx, `
		UPDATE payment_orders SET
			state = $3, processor_payment_id = $4, failure_reason = $5,
			captured_at = $6, held_at = $7, released_at = $8, settled_at = $9,
			failed_at = $10, cancelled_at = $11, refunded_at = $12,
			hold_expires_at = $13, updated_at = $14, version = version + 1
		WHERE id = $1 AND version = $2`,
		o.ID, expectedVersion, string(o.State), nullString(o.ProcessorPaymentID), o.FailureReason,
		timePtrToPg(o.CapturedAt), timePtrToPg(o.HeldAt), timePtrToPg(o.ReleasedAt), timePtrToPg(o.SettledAt),
		timePtrToPg(o.FailedAt), timePtrToPg(o.CancelledAt), timePtrToPg(o.RefundedAt),
		timePtrToPg(o.HoldExpiresAt), o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateProcessorID
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, db, usecase.TablePaymentOrders, o.ID, expectedVersion)
	}

	o.Version = expectedVersion + 1
	return nil
}

// ListByStates returns orders in states created since createdSince, oldest first.
func (r *PaymentOrderRepository) ListByStates(ctx context.Context, states []domain.PaymentOrderState, createdSince time.Time, limit int) ([]*domain.PaymentOrder, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+paymentOrderColumns+`
		FROM payment_orders
		WHERE state = ANY($1) AND created_at >= $2
		ORDER BY created_at, id
		LIMIT $3`, names, createdSince, limit)
	if err != nil {
		return nil, err
	}
	return collectPaymentOrders(rows)
}

// ListExpiredHolds returns held orders whose hold ended at or before now,
// earliest expiry first.
func (r *PaymentOrderRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentOrder, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentOrderColumns+`
		FROM payment_orders
		WHERE state = $1 AND hold_expires_at <= $2
		ORDER BY hold_expires_at, id
		LIMIT $3`, string(domain.PaymentOrderHeld), now, limit)
	if err != nil {
		return nil, err
	}
	return collectPaymentOrders(rows)
}

func collectPaymentOrders(rows pgx.Rows) ([]*domain.PaymentOrder, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.PaymentOrder, error) {
		return scanPaymentOrder(row)
	})
}

func scanPaymentOrder(row pgx.Row) (*domain.PaymentOrder, error) {
	var (
		o                                                    domain.PaymentOrder
		strategy, state                                      string
		captured, held, released, settled, failed, cancelled pgtype.Timestamptz
		refunded, holdExpires                                pgtype.Timestamptz
	)
	err := row.Scan(
		&o.ID, &o.PayerID, &o.RecipientID, &o.AmountCents, &o.Currency, &strategy, &state,
		&o.ProcessorPaymentID, &o.Version, &o.FailureReason,
		&captured, &held, &released, &settled, &failed, &cancelled, &refunded,
		&holdExpires, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPaymentOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Strategy = domain.PaymentStrategy(strategy)
	o.State = domain.PaymentOrderState(state)
	o.CapturedAt = pgToTimePtr(captured)
	o.HeldAt = pgToTimePtr(held)
	o.ReleasedAt = pgToTimePtr(released)
	o.SettledAt = pgToTimePtr(settled)
	o.FailedAt = pgToTimePtr(failed)
	o.CancelledAt = pgToTimePtr(cancelled)
	o.RefundedAt = pgToTimePtr(refunded)
	o.HoldExpiresAt = pgToTimePtr(holdExpires)
	return &o, nil
}
