package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

const subscriptionColumns = `id, payer_id, recipient_id, processor_subscription_id, processor_customer_id,
	amount_cents, currency, billing_interval, state, current_period_start, current_period_end,
	cancel_at_period_end, cancelled_at, last_invoice_id, last_payment_at, version, created_at, updated_at`

// SubscriptionRepository implements usecase.SubscriptionRepository.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a new subscription.
func (r *SubscriptionRepository) Create(ctx context.Context, tx usecase.Transaction, s *domain.Subscription) error {
	_, err := txConn(tx).Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.ID, s.PayerID, s.RecipientID, s.ProcessorSubscriptionID, s.ProcessorCustomerID,
		s.AmountCents, s.Currency, s.BillingInterval, string(s.State),
		timePtrToPg(s.CurrentPeriodStart), timePtrToPg(s.CurrentPeriodEnd), s.CancelAtPeriodEnd,
		timePtrToPg(s.CancelledAt), s.LastInvoiceID, timePtrToPg(s.LastPaymentAt),
		s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateProcessorID
	}
	return err
}

// GetByID retrieves a subscription by ID.
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	return scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves and row-locks a subscription.
func (r *SubscriptionRepository) GetByIDForUpdate(ctx context.Context, tx usecase.Transaction, id string) (*domain.Subscription, error) {
	return scanSubscription(txConn(tx).QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
}

// GetByProcessorSubscriptionID finds a subscription by its processor id.
func (r *SubscriptionRepository) GetByProcessorSubscriptionID(ctx context.Context, processorID string) (*domain.Subscription, error) {
	return scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE processor_subscription_id = $1`, processorID))
}

// Update writes s when the stored version equals expectedVersion.
func (r *SubscriptionRepository) Update(ctx context.Context, tx usecase.Transaction, s *domain.Subscription, expectedVersion int64) error {
	db := txConn(tx)
	tag, err := db.Exec(ctx, `
		UPDATE subscriptions SET
			state = $3, current_period_start = $4, current_period_end = $5,
			cancel_at_period_end = $6, cancelled_at = $7, last_invoice_id = $8,
			last_payment_at = $9, updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2`,
		s.ID, expectedVersion, string(s.State),
		timePtrToPg(s.CurrentPeriodStart), timePtrToPg(s.CurrentPeriodEnd),
		s.CancelAtPeriodEnd, timePtrToPg(s.CancelledAt), s.LastInvoiceID,
		timePtrToPg(s.LastPaymentAt), s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return staleOrMissing(ctx, db, usecase.TableSubscriptions, s.ID, expectedVersion)
	}

	s.Version = expectedVersion + 1
	return nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		s                                              domain.Subscription
		state                                          string
		periodStart, periodEnd, cancelled, lastPayment pgtype.Timestamptz
	)
	err := row.Scan(
		&s.ID, &s.PayerID, &s.RecipientID, &s.ProcessorSubscriptionID, &s.ProcessorCustomerID,
		&s.AmountCents, &s.Currency, &s.BillingInterval, &state, &periodStart, &periodEnd,
		&s.CancelAtPeriodEnd, &cancelled, &s.LastInvoiceID, &lastPayment, &s.Version,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	s.State = domain.SubscriptionState(state)
	s.CurrentPeriodStart = pgToTimePtr(periodStart)
	s.CurrentPeriodEnd = pgToTimePtr(periodEnd)
	s.CancelledAt = pgToTimePtr(cancelled)
	s.LastPaymentAt = pgToTimePtr(lastPayment)
	return &s, nil
}
