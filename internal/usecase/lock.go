package usecase

import (
	"context"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/metrics"
)

// EntityLockKey is the distributed lock key guarding one entity.
func EntityLockKey(entity, id string) string {
	return entity + ":" + id
}

// withLock runs fn while holding the named distributed lock. A non-blocking
// lock that is already held yields a LockAcquisitionError with zero timeout.
func withLock(ctx context.Context, locks LockManager, m *metrics.Metrics, key string, opts LockOptions, fn func(ctx context.Context) error) error {
	lock := locks.NewLock(key, opts)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		m.RecordLock("timeout")
		return err
	}
	if !acquired {
		m.RecordLock("contended")
		return &domain.LockAcquisitionError{Key: key}
	}
	m.RecordLock("acquired")

	defer func() {
		// Release must run even if the caller's context was cancelled.
		_, _ = lock.Release(context.WithoutCancel(ctx))
	}()

	return fn(ctx)
}
