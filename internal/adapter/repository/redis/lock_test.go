package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

func nonBlocking() usecase.LockOptions {
	return usecase.LockOptions{TTL: 30 * time.Second}
}

func TestLock_AcquireAndRelease(t *testing.T) {
	client, mr := newTestRedisClient(t)
	manager := NewLockManager(client)
	ctx := context.Background()

	lock := manager.NewLock("payment_order:po_1", nonBlocking())
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, mr.Exists("lock:payment_order:po_1"))
	assert.Equal(t, 30*time.Second, mr.TTL("lock:payment_order:po_1"))

	released, err := lock.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("lock:payment_order:po_1"))
}

func TestLock_NonBlockingContention(t *testing.T) {
	client, _ := newTestRedisClient(t)
	manager := NewLockManager(client)
	ctx := context.Background()

	first := manager.NewLock("payout:p_1", nonBlocking())
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	second := manager.NewLock("payout:p_1", nonBlocking())
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := second.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released, "a non-holder must not release")

	extended, err := second.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended, "a non-holder must not extend")
}

func TestLock_BlockingTimesOut(t *testing.T) {
	client, _ := newTestRedisClient(t)
	manager := NewLockManager(client)
	ctx := context.Background()

	holder := manager.NewLock("reconciliation:run", nonBlocking())
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	waiter := manager.NewLock("reconciliation:run", usecase.LockOptions{TTL: time.Second, Blocking: true, Timeout: 150 * time.Millisecond})
	start := time.Now()
	ok, err = waiter.Acquire(ctx)

	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrLockAcquisition)
	var lockErr *domain.LockAcquisitionError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "reconciliation:run", lockErr.Key)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestLock_BlockingAcquiresAfterRelease(t *testing.T) {
	client, _ := newTestRedisClient(t)
	manager := NewLockManager(client)
	ctx := context.Background()

	holder := manager.NewLock("refund:r_1", nonBlocking())
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = holder.Release(context.Background())
	}()

	waiter := manager.NewLock("refund:r_1", usecase.LockOptions{TTL: time.Second, Blocking: true, Timeout: 2 * time.Second})
	ok, err = waiter.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_BlockingHonoursContext(t *testing.T) {
	client, _ := newTestRedisClient(t)
	manager := NewLockManager(client)

	holder := manager.NewLock("subscription:s_1", nonBlocking())
	ok, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	waiter := manager.NewLock("subscription:s_1", usecase.LockOptions{TTL: time.Second, Blocking: true, Timeout: 5 * time.Second})
	ok, err = waiter.Acquire(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLock_ExpiredLockCanBeTaken(t *testing.T) {
	client, mr := newTestRedisClient(t)
	manager := NewLockManager(client)
	ctx := context.Background()

	first := manager.NewLock("payout:p_2", usecase.LockOptions{TTL: time.Second})
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	second := manager.NewLock("payout:p_2", nonBlocking())
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := first.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released, "stale holder must not free the new owner's lock")
	assert.True(t, mr.Exists("lock:payout:p_2"))
}

func TestLock_Extend(t *testing.T) {
	client, mr := newTestRedisClient(t)
	manager := NewLockManager(client)
	ctx := context.Background()

	lock := manager.NewLock("payment_order:po_2", usecase.LockOptions{TTL: time.Second})
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := lock.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, time.Minute, mr.TTL("lock:payment_order:po_2"))
}

func TestLockManager_EntityLockDefaults(t *testing.T) {
	client, mr := newTestRedisClient(t)
	manager := NewLockManager(client, WithEntityLockDefaults(45*time.Second, time.Second))
	ctx := context.Background()

	lock := manager.NewLock("payout:pay_1", usecase.DefaultLockOptions())
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, mr.TTL("lock:payout:pay_1"))

	// Explicit options are left alone.
	other := manager.NewLock("run", usecase.LockOptions{TTL: 5 * time.Second})
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, mr.TTL("lock:run"))
}
