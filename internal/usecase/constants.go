package usecase

import "time"

const (
	// DefaultTransactionTimeout is the maximum duration for a database transaction
	// This prevents long-running transactions from blocking tables
	DefaultTransactionTimeout = 10 * time.Second

	// IdempotencyKeyTTL is how long idempotency keys are cached
	IdempotencyKeyTTL = 24 * time.Hour

	// DefaultPlatformFeePercent is taken from every released payment.
	DefaultPlatformFeePercent = 15

	DefaultLockTTL     = 30 * time.Second
	DefaultLockTimeout = 10 * time.Second

	// Reconciliation defaults
	DefaultReconcileLookback       = 24 * time.Hour
	DefaultReconcileStuckThreshold = 2 * time.Hour
	DefaultReconcileMaxRecords     = 500
	ReconcileRunLockTTL            = time.Hour
	ReconcileRunLockTimeout        = 5 * time.Second
	ReconcileHealLockTTL           = 60 * time.Second
	ReconcileHealLockTimeout       = 5 * time.Second

	// DefaultEscrowHoldPeriod is how long escrow funds stay held before they
	// are released to the recipient automatically.
	DefaultEscrowHoldPeriod = 42 * 24 * time.Hour

	// Sweeper defaults
	SweepBatchSize = 100
	SweepIdleGrace = 5 * time.Minute

	// Webhook maintenance defaults
	WebhookStuckThreshold = 30 * time.Minute
	WebhookRetryBatchSize = 100
)

// Queue task names.
const (
	TaskProcessWebhook = "webhook.process"
	TaskExecutePayout  = "payout.execute"
	TaskExecuteRefund  = "refund.execute"
)

// Ledger posting actors recorded in entry.created_by.
const (
	ActorPaymentService      = "payment_service"
	ActorPayoutService       = "payout_service"
	ActorRefundService       = "refund_service"
	ActorReconciliation      = "reconciliation"
	ActorSubscriptionService = "subscription_service"
)
