package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

type enqueued struct {
	task    string
	payload map[string]string
}

type fakeQueue struct {
	tasks []enqueued
	fail  map[string]bool
}

func (f *fakeQueue) Enqueue(ctx context.Context, task string, payload any) error {
	p := payload.(map[string]string)
	for _, id := range p {
		if f.fail[id] {
			return errors.New("redis unavailable")
		}
	}
	f.tasks = append(f.tasks, enqueued{task: task, payload: p})
	return nil
}

type fakePayoutSweeper struct {
	due      []*domain.Payout
	dueErr   error
	now      time.Time
	grace    time.Duration
	retried  int
	retryErr error
}

func (f *fakePayoutSweeper) ListDue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*domain.Payout, error) {
	f.now, f.grace = now, grace
	return f.due, f.dueErr
}

func (f *fakePayoutSweeper) RetryFailed(ctx context.Context, limit int) (int, error) {
	return f.retried, f.retryErr
}

type fakeRefundSweeper struct {
	stale []*domain.Refund
}

func (f *fakeRefundSweeper) ListStaleRequested(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*domain.Refund, error) {
	return f.stale, nil
}

type fakeHoldReleaser struct {
	calls int
	now   time.Time
}

func (f *fakeHoldReleaser) ReleaseExpiredHolds(ctx context.Context, now time.Time, limit int) (int, error) {
	f.calls++
	f.now = now
	return 1, nil
}

func newTestSweeper(now time.Time) (*sweeper, *fakeQueue, *fakePayoutSweeper, *fakeRefundSweeper, *fakeHoldReleaser) {
	q := &fakeQueue{fail: map[string]bool{}}
	payouts := &fakePayoutSweeper{}
	refunds := &fakeRefundSweeper{}
	holds := &fakeHoldReleaser{}
	s := newSweeper(q, payouts, refunds, holds, discardLogger())
	s.now = func() time.Time { return now }
	return s, q, payouts, refunds, holds
}

func TestSweep_QueuesDuePayoutsAndStaleRefunds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, q, payouts, refunds, holds := newTestSweeper(now)
	payouts.due = []*domain.Payout{{ID: "po_scheduled"}, {ID: "po_orphaned"}}
	refunds.stale = []*domain.Refund{{ID: "rf_1"}}

	s.sweep(context.Background())

	assert.Equal(t, []enqueued{
		{task: usecase.TaskExecutePayout, payload: map[string]string{"payout_id": "po_scheduled"}},
		{task: usecase.TaskExecutePayout, payload: map[string]string{"payout_id": "po_orphaned"}},
		{task: usecase.TaskExecuteRefund, payload: map[string]string{"refund_id": "rf_1"}},
	}, q.tasks)
	assert.Equal(t, now, payouts.now)
	assert.Equal(t, usecase.SweepIdleGrace, payouts.grace)
	assert.Equal(t, 1, holds.calls)
	assert.Equal(t, now, holds.now)
}

func TestSweep_EnqueueFailureSkipsOnlyThatItem(t *testing.T) {
	s, q, payouts, _, _ := newTestSweeper(time.Now().UTC())
	payouts.due = []*domain.Payout{{ID: "po_1"}, {ID: "po_2"}}
	q.fail["po_1"] = true

	s.sweep(context.Background())

	assert.Len(t, q.tasks, 1)
	assert.Equal(t, "po_2", q.tasks[0].payload["payout_id"])
}

func TestSweep_ListFailureDoesNotStopOtherPasses(t *testing.T) {
	s, q, payouts, refunds, holds := newTestSweeper(time.Now().UTC())
	payouts.dueErr = errors.New("db down")
	payouts.retryErr = errors.New("db down")
	refunds.stale = []*domain.Refund{{ID: "rf_1"}}

	s.sweep(context.Background())

	assert.Len(t, q.tasks, 1)
	assert.Equal(t, usecase.TaskExecuteRefund, q.tasks[0].task)
	assert.Equal(t, 1, holds.calls)
}
