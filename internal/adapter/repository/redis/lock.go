package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

const (
	lockPrefix       = "lock:"
	lockPollInterval = 50 * time.Millisecond
)

// Deletes or extends the key only while it still holds our token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// LockManager implements usecase.LockManager on Redis.
type LockManager struct {
	client      *redis.Client
	defaultOpts usecase.LockOptions
}

// LockManagerOption configures a LockManager.
type LockManagerOption func(*LockManager)

// WithEntityLockDefaults replaces the TTL and wait used for entity locks,
// i.e. requests made with usecase.DefaultLockOptions.
func WithEntityLockDefaults(ttl, timeout time.Duration) LockManagerOption {
	return func(m *LockManager) {
		if ttl > 0 {
			m.defaultOpts.TTL = ttl
		}
		if timeout > 0 {
			m.defaultOpts.Timeout = timeout
		}
	}
}

// NewLockManager creates a new LockManager.
func NewLockManager(client *redis.Client, opts ...LockManagerOption) *LockManager {
	m := &LockManager{client: client, defaultOpts: usecase.DefaultLockOptions()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewLock returns an unacquired lock on key with a fresh holder token.
func (m *LockManager) NewLock(key string, opts usecase.LockOptions) usecase.DistributedLock {
	if opts == usecase.DefaultLockOptions() {
		opts = m.defaultOpts
	}
	if opts.TTL <= 0 {
		opts.TTL = m.defaultOpts.TTL
	}
	return &Lock{
		client: m.client,
		key:    key,
		token:  uuid.NewString(),
		opts:   opts,
	}
}

// Lock is a single SET NX lock owned by token.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	opts   usecase.LockOptions
}

// Key returns the unprefixed lock name.
func (l *Lock) Key() string {
	return l.key
}

// Acquire takes the lock. Non-blocking locks return false when it is held
// elsewhere; blocking locks poll until Timeout and then fail with a
// LockAcquisitionError.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.tryAcquire(ctx)
	if err != nil || ok || !l.opts.Blocking {
		return ok, err
	}

	deadline := time.NewTimer(l.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, &domain.LockAcquisitionError{Key: l.key, Timeout: l.opts.Timeout}
		case <-ticker.C:
			ok, err := l.tryAcquire(ctx)
			if err != nil || ok {
				return ok, err
			}
		}
	}
}

func (l *Lock) tryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, lockPrefix+l.key, l.token, l.opts.TTL).Result()
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{lockPrefix + l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Extend resets the TTL if this holder still owns the lock.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{lockPrefix + l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
