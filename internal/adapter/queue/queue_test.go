package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookPayload struct {
	WebhookEventID string `json:"webhook_event_id"`
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test"), mr
}

func newTestWorker(q *Queue, maxAttempts int) *Worker {
	return NewWorker(q, WorkerOptions{
		Concurrency:     1,
		MaxAttempts:     maxAttempts,
		PollTimeout:     time.Second,
		PromoteInterval: 20 * time.Millisecond,
	}, nil, nil)
}

func stats(t *testing.T, q *Queue) (int64, int64, int64) {
	t.Helper()
	ready, delayed, dead, err := q.Stats(context.Background())
	require.NoError(t, err)
	return ready, delayed, dead
}

func TestWorker_DispatchesPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	w := newTestWorker(q, 5)
	ctx := context.Background()

	var got webhookPayload
	w.Handle("webhook.process", func(_ context.Context, payload json.RawMessage) error {
		return json.Unmarshal(payload, &got)
	})

	require.NoError(t, q.Enqueue(ctx, "webhook.process", webhookPayload{WebhookEventID: "whe_1"}))

	took, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, took)
	assert.Equal(t, "whe_1", got.WebhookEventID)

	ready, delayed, dead := stats(t, q)
	assert.Zero(t, ready+delayed+dead)
}

func TestWorker_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		task          string
		maxAttempts   int
		handlerErr    error
		panics        bool
		expectDelayed int64
		expectDead    int64
	}{
		{name: "transient error is delayed", task: "payout.execute", maxAttempts: 5, handlerErr: errors.New("processor timeout"), expectDelayed: 1},
		{name: "panic is delayed", task: "payout.execute", maxAttempts: 5, panics: true, expectDelayed: 1},
		{name: "permanent error is buried", task: "payout.execute", maxAttempts: 5, handlerErr: Permanent(errors.New("bad payload")), expectDead: 1},
		{name: "last attempt is buried", task: "payout.execute", maxAttempts: 1, handlerErr: errors.New("processor timeout"), expectDead: 1},
		{name: "unknown task is buried", task: "nobody.listens", maxAttempts: 5, expectDead: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(t)
			w := newTestWorker(q, tt.maxAttempts)
			ctx := context.Background()

			w.Handle("payout.execute", func(context.Context, json.RawMessage) error {
				if tt.panics {
					panic("boom")
				}
				return tt.handlerErr
			})
			require.NoError(t, q.Enqueue(ctx, tt.task, map[string]string{"payout_id": "p_1"}))

			took, err := w.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, took)

			ready, delayed, dead := stats(t, q)
			assert.Zero(t, ready)
			assert.Equal(t, tt.expectDelayed, delayed)
			assert.Equal(t, tt.expectDead, dead)
		})
	}
}

func TestWorker_RetryIsPromotedAndSucceeds(t *testing.T) {
	q, _ := newTestQueue(t)
	w := newTestWorker(q, 5)
	ctx := context.Background()

	var attempts []int
	w.Handle("webhook.process", func(context.Context, json.RawMessage) error {
		attempts = append(attempts, len(attempts)+1)
		if len(attempts) == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})
	require.NoError(t, q.Enqueue(ctx, "webhook.process", webhookPayload{WebhookEventID: "whe_2"}))

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)

	moved, err := q.PromoteDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, moved, "retry is not due yet")

	moved, err = q.PromoteDue(ctx, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)

	ready, delayed, dead := stats(t, q)
	assert.Zero(t, ready+delayed+dead)
}

func TestWorker_RetryDelay(t *testing.T) {
	q, _ := newTestQueue(t)
	w := NewWorker(q, WorkerOptions{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil, nil)

	assert.Equal(t, time.Second, w.retryDelay(1))
	assert.Equal(t, 2*time.Second, w.retryDelay(2))
	assert.Equal(t, 4*time.Second, w.retryDelay(3))
	assert.Equal(t, 5*time.Second, w.retryDelay(4))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	w := newTestWorker(q, 5)

	done := make(chan struct{})
	w.Handle("webhook.process", func(context.Context, json.RawMessage) error {
		close(done)
		return nil
	})
	require.NoError(t, q.Enqueue(context.Background(), "webhook.process", webhookPayload{WebhookEventID: "whe_3"}))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task was not processed")
	}
	cancel()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("invalid signature")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
