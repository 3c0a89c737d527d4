package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStore_CheckAndSet(t *testing.T) {
	tests := []struct {
		name         string
		existing     string
		response     []byte
		expectExists bool
		expectValue  string
		expectStored string
	}{
		{
			name:         "new key stores pending marker",
			expectStored: pendingResponse,
		},
		{
			name:         "new key stores given response",
			response:     []byte(`{"ok":true}`),
			expectStored: `{"ok":true}`,
		},
		{
			name:         "existing key returns stored value",
			existing:     `{"status":201}`,
			expectExists: true,
			expectValue:  `{"status":201}`,
			expectStored: `{"status":201}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mr := newTestRedisClient(t)
			store := NewIdempotencyStore(client)
			ctx := context.Background()

			if tt.existing != "" {
				require.NoError(t, mr.Set(store.prefix+"key", tt.existing))
			}

			exists, value, err := store.CheckAndSet(ctx, "key", tt.response, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.expectExists, exists)
			if tt.expectValue != "" {
				assert.Equal(t, tt.expectValue, string(value))
			} else {
				assert.Nil(t, value)
			}

			stored, err := mr.Get(store.prefix + "key")
			require.NoError(t, err)
			assert.Equal(t, tt.expectStored, stored)
		})
	}
}

func TestIdempotencyStore_SecondClaimSeesPending(t *testing.T) {
	client, _ := newTestRedisClient(t)
	store := NewIdempotencyStore(client)
	ctx := context.Background()

	exists, _, err := store.CheckAndSet(ctx, "refund-1", nil, time.Minute)
	require.NoError(t, err)
	require.False(t, exists)

	exists, value, err := store.CheckAndSet(ctx, "refund-1", nil, time.Minute)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, IsPending(value))
}

func TestIdempotencyStore_Update(t *testing.T) {
	client, mr := newTestRedisClient(t)
	store := NewIdempotencyStore(client)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "complete", []byte("done"), time.Minute))

	val, err := mr.Get(store.prefix + "complete")
	require.NoError(t, err)
	assert.Equal(t, "done", val)
	assert.Equal(t, time.Minute, mr.TTL(store.prefix+"complete"))
}

func TestIdempotencyStore_ReleaseFreesKey(t *testing.T) {
	client, mr := newTestRedisClient(t)
	store := NewIdempotencyStore(client)
	ctx := context.Background()

	exists, _, err := store.CheckAndSet(ctx, "refund-2", nil, time.Minute)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, store.Release(ctx, "refund-2"))
	assert.False(t, mr.Exists(store.prefix+"refund-2"))

	exists, _, err = store.CheckAndSet(ctx, "refund-2", nil, time.Minute)
	require.NoError(t, err)
	assert.False(t, exists)
}
