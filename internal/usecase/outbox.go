package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/iho/payledger/internal/domain"
)

// Table names accepted by VersionChecker.
const (
	TablePaymentOrders = "payment_orders"
	TablePayouts       = "payouts"
	TableRefunds       = "refunds"
	TableSubscriptions = "subscriptions"
)

func writeOutbox(ctx context.Context, repo OutboxRepository, tx Transaction, idGen IDGenerator, aggregateType, aggregateID, eventType string, payload map[string]any) error {
	return repo.Create(ctx, tx, &domain.OutboxEvent{
		ID:            idGen.Generate(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		Published:     false,
	})
}

// errorType buckets an error for metric labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrStaleRecord):
		return "stale_record"
	case errors.Is(err, domain.ErrLockAcquisition):
		return "lock"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrProcessorPermanent):
		return "processor_permanent"
	case errors.Is(err, domain.ErrProcessorTransient):
		return "processor_transient"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "internal"
}
