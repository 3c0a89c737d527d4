package usecase

import (
	"context"
	"time"

	"github.com/iho/payledger/internal/domain"
)

// LedgerAccountRepository defines data access for ledger accounts.
type LedgerAccountRepository interface {
	// GetOrCreate upserts on (type, owner, currency) and returns the stored account.
	GetOrCreate(ctx context.Context, tx Transaction, account *domain.LedgerAccount) (*domain.LedgerAccount, error)
	GetByID(ctx context.Context, id string) (*domain.LedgerAccount, error)
	GetByIDsForUpdate(ctx context.Context, tx Transaction, ids []string) ([]*domain.LedgerAccount, error)
	GetBalance(ctx context.Context, id string) (int64, error)
	GetBalanceTx(ctx context.Context, tx Transaction, id string) (int64, error)
	List(ctx context.Context, limit, offset int) ([]*domain.LedgerAccount, error)
}

// LedgerEntryRepository defines data access for ledger entries.
type LedgerEntryRepository interface {
	// Insert stores entry unless its idempotency key already exists.
	Insert(ctx context.Context, tx Transaction, entry *domain.LedgerEntry) (bool, error)
	GetByIdempotencyKey(ctx context.Context, tx Transaction, key string) (*domain.LedgerEntry, error)
	GetByID(ctx context.Context, id string) (*domain.LedgerEntry, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.LedgerEntry, error)
	ListByReference(ctx context.Context, referenceType, referenceID string) ([]*domain.LedgerEntry, error)
}

// LedgerRepository defines data access for ledger-wide operations.
type LedgerRepository interface {
	TotalsByCurrency(ctx context.Context) ([]domain.CurrencyTotals, error)
	CountCurrencyMismatches(ctx context.Context) (int64, error)
	ListNegativeBalances(ctx context.Context) ([]string, error)
}

// VersionChecker verifies an optimistic lock inside a transaction.
type VersionChecker interface {
	CheckVersion(ctx context.Context, tx Transaction, table, id string, expected int64) error
}

// PaymentOrderRepository defines data access for payment orders.
type PaymentOrderRepository interface {
	Create(ctx context.Context, tx Transaction, order *domain.PaymentOrder) error
	GetByID(ctx context.Context, id string) (*domain.PaymentOrder, error)
	GetByIDForUpdate(ctx context.Context, tx Transaction, id string) (*domain.PaymentOrder, error)
	GetByProcessorPaymentID(ctx context.Context, processorID string) (*domain.PaymentOrder, error)
	// Update saves order if its stored version still equals expectedVersion
	// and bumps order.Version on success.
	Update(ctx context.Context, tx Transaction, order *domain.PaymentOrder, expectedVersion int64) error
	ListByStates(ctx context.Context, states []domain.PaymentOrderState, createdSince time.Time, limit int) ([]*domain.PaymentOrder, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentOrder, error)
}

// PayoutRepository defines data access for payouts.
type PayoutRepository interface {
	Create(ctx context.Context, tx Transaction, payout *domain.Payout) error
	GetByID(ctx context.Context, id string) (*domain.Payout, error)
	GetByIDForUpdate(ctx context.Context, tx Transaction, id string) (*domain.Payout, error)
	GetByProcessorTransferID(ctx context.Context, transferID string) (*domain.Payout, error)
	ListByPaymentOrder(ctx context.Context, tx Transaction, paymentOrderID string) ([]*domain.Payout, error)
	Update(ctx context.Context, tx Transaction, payout *domain.Payout, expectedVersion int64) error
	ListByStates(ctx context.Context, states []domain.PayoutState, createdSince time.Time, limit int) ([]*domain.Payout, error)
	ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.Payout, error)
	ListFailed(ctx context.Context, limit int) ([]*domain.Payout, error)
}

// RefundRepository defines data access for refunds.
type RefundRepository interface {
	Create(ctx context.Context, tx Transaction, refund *domain.Refund) error
	GetByID(ctx context.Context, id string) (*domain.Refund, error)
	GetByIDForUpdate(ctx context.Context, tx Transaction, id string) (*domain.Refund, error)
	GetByProcessorRefundID(ctx context.Context, processorRefundID string) (*domain.Refund, error)
	ListByPaymentOrder(ctx context.Context, tx Transaction, paymentOrderID string) ([]*domain.Refund, error)
	Update(ctx context.Context, tx Transaction, refund *domain.Refund, expectedVersion int64) error
	ListStaleRequested(ctx context.Context, before time.Time, limit int) ([]*domain.Refund, error)
}

// SubscriptionRepository defines data access for subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, tx Transaction, sub *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetByIDForUpdate(ctx context.Context, tx Transaction, id string) (*domain.Subscription, error)
	GetByProcessorSubscriptionID(ctx context.Context, processorID string) (*domain.Subscription, error)
	Update(ctx context.Context, tx Transaction, sub *domain.Subscription, expectedVersion int64) error
}

// WebhookEventRepository defines data access for stored webhook events.
type WebhookEventRepository interface {
	// GetOrCreate inserts event unless its external id is known and returns
	// the stored row plus whether it was created by this call.
	GetOrCreate(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error)
	GetByID(ctx context.Context, id string) (*domain.WebhookEvent, error)
	Update(ctx context.Context, event *domain.WebhookEvent) error
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*domain.WebhookEvent, error)
	FailStuck(ctx context.Context, olderThan time.Time, message string) (int64, error)
}

// ReconciliationRepository defines data access for runs and discrepancies.
type ReconciliationRepository interface {
	CreateRun(ctx context.Context, run *domain.ReconciliationRun) error
	UpdateRun(ctx context.Context, run *domain.ReconciliationRun) error
	GetRun(ctx context.Context, id string) (*domain.ReconciliationRun, error)
	CreateDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (*domain.ReconciliationDiscrepancy, error)
	UpdateDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error
	ListDiscrepancies(ctx context.Context, filter domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error)
}

// OutboxRepository defines data access for outbox events.
type OutboxRepository interface {
	Create(ctx context.Context, tx Transaction, event *domain.OutboxEvent) error
	GetUnpublished(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, publishedAt time.Time) error
	GetByAggregate(ctx context.Context, aggregateType, aggregateID string, limit, offset int) ([]*domain.OutboxEvent, error)
	DeletePublished(ctx context.Context, before time.Time) error
}

// Transaction represents a database transaction.
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionManager handles transaction lifecycle.
type TransactionManager interface {
	Begin(ctx context.Context) (Transaction, error)
}

// IDGenerator generates unique IDs.
type IDGenerator interface {
	Generate() string
}

// LockOptions configures a distributed lock.
type LockOptions struct {
	TTL      time.Duration
	Blocking bool
	Timeout  time.Duration
}

// DefaultLockOptions returns a blocking lock with a 30s TTL and 10s wait.
func DefaultLockOptions() LockOptions {
	return LockOptions{TTL: DefaultLockTTL, Blocking: true, Timeout: DefaultLockTimeout}
}

// DistributedLock is a single named lock owned by one holder token.
type DistributedLock interface {
	Key() string
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

// LockManager creates distributed locks.
type LockManager interface {
	NewLock(key string, opts LockOptions) DistributedLock
}

// TaskQueue schedules background work.
type TaskQueue interface {
	Enqueue(ctx context.Context, task string, payload any) error
}

// SignatureVerifier authenticates raw webhook bodies.
type SignatureVerifier interface {
	Verify(payload []byte, header string) error
}

// CreatePaymentIntentParams describes a new processor charge.
type CreatePaymentIntentParams struct {
	AmountCents int64
	Currency    string
	Customer    string
	Metadata    map[string]string
}

// CreateTransferParams describes a transfer to a connected account.
type CreateTransferParams struct {
	AmountCents int64
	Currency    string
	Destination string
	Metadata    map[string]string
}

// CreateRefundParams describes a refund against a payment intent.
type CreateRefundParams struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	Metadata        map[string]string
}

// ProcessorClient is the narrow view of the external payment processor the
// core needs. Mutating calls take an idempotency key.
type ProcessorClient interface {
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams, idempotencyKey string) (*domain.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, id, idempotencyKey string) (*domain.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id, idempotencyKey string) (*domain.PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*domain.PaymentIntent, error)
	CreateTransfer(ctx context.Context, params CreateTransferParams, idempotencyKey string) (*domain.Transfer, error)
	RetrieveTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, createdSince time.Time, limit int) ([]*domain.Transfer, error)
	CreateRefund(ctx context.Context, params CreateRefundParams, idempotencyKey string) (*domain.ProcessorRefund, error)
	CancelSubscription(ctx context.Context, id, idempotencyKey string) error
}

// IdempotencyStore handles idempotency key storage.
type IdempotencyStore interface {
	// CheckAndSet atomically checks if key exists, sets if not.
	// Returns (exists, existingValue, error).
	CheckAndSet(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error)
	// Update updates an existing key with the final response.
	Update(ctx context.Context, key string, response []byte, ttl time.Duration) error
	// Release drops a claim so the key can be used again.
	Release(ctx context.Context, key string) error
}
