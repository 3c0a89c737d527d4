package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

type enqueuer interface {
	Enqueue(ctx context.Context, task string, payload any) error
}

type payoutSweeper interface {
	ListDue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*domain.Payout, error)
	RetryFailed(ctx context.Context, limit int) (int, error)
}

type refundSweeper interface {
	ListStaleRequested(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*domain.Refund, error)
}

type holdReleaser interface {
	ReleaseExpiredHolds(ctx context.Context, now time.Time, limit int) (int, error)
}

// sweeper re-queues work whose task was never enqueued or was lost, and
// releases escrow holds that ran out.
type sweeper struct {
	queue   enqueuer
	payouts payoutSweeper
	refunds refundSweeper
	holds   holdReleaser
	log     *slog.Logger
	now     func() time.Time
	grace   time.Duration
	batch   int
}

func newSweeper(q enqueuer, payouts payoutSweeper, refunds refundSweeper, holds holdReleaser, log *slog.Logger) *sweeper {
	return &sweeper{
		queue:   q,
		payouts: payouts,
		refunds: refunds,
		holds:   holds,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		grace:   usecase.SweepIdleGrace,
		batch:   usecase.SweepBatchSize,
	}
}

// sweep runs every pass; a failing pass does not stop the others.
func (s *sweeper) sweep(ctx context.Context) {
	now := s.now()
	s.duePayouts(ctx, now)
	s.failedPayouts(ctx)
	s.staleRefunds(ctx, now)
	s.expiredHolds(ctx, now)
}

func (s *sweeper) duePayouts(ctx context.Context, now time.Time) {
	payouts, err := s.payouts.ListDue(ctx, now, s.grace, s.batch)
	if err != nil {
		s.log.Error("list due payouts", "error", err)
		return
	}
	queued := 0
	for _, p := range payouts {
		if err := s.queue.Enqueue(ctx, usecase.TaskExecutePayout, map[string]string{"payout_id": p.ID}); err != nil {
			s.log.Error("enqueue payout", "payout_id", p.ID, "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		s.log.Info("queued due payouts", "count", queued)
	}
}

func (s *sweeper) failedPayouts(ctx context.Context) {
	n, err := s.payouts.RetryFailed(ctx, s.batch)
	if err != nil {
		s.log.Error("retry failed payouts", "error", err)
	}
	if n > 0 {
		s.log.Info("retried failed payouts", "count", n)
	}
}

func (s *sweeper) staleRefunds(ctx context.Context, now time.Time) {
	refunds, err := s.refunds.ListStaleRequested(ctx, now, s.grace, s.batch)
	if err != nil {
		s.log.Error("list stale refunds", "error", err)
		return
	}
	queued := 0
	for _, r := range refunds {
		if err := s.queue.Enqueue(ctx, usecase.TaskExecuteRefund, map[string]string{"refund_id": r.ID}); err != nil {
			s.log.Error("enqueue refund", "refund_id", r.ID, "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		s.log.Info("queued stale refunds", "count", queued)
	}
}

func (s *sweeper) expiredHolds(ctx context.Context, now time.Time) {
	n, err := s.holds.ReleaseExpiredHolds(ctx, now, s.batch)
	if err != nil {
		s.log.Error("release expired holds", "error", err)
	}
	if n > 0 {
		s.log.Info("released expired holds", "count", n)
	}
}
