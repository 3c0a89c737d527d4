package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iho/payledger/internal/infrastructure/logging"
	"github.com/iho/payledger/internal/infrastructure/metrics"
)

// ErrUnknownTask is returned for tasks with no registered handler.
var ErrUnknownTask = errors.New("no handler registered for task")

// Handler processes one task payload. Returning an error wrapped with
// Permanent stops retries.
type Handler func(ctx context.Context, payload json.RawMessage) error

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Concurrency     int
	MaxAttempts     int
	PollTimeout     time.Duration
	PromoteInterval time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// DefaultWorkerOptions returns the production defaults.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:     4,
		MaxAttempts:     5,
		PollTimeout:     2 * time.Second,
		PromoteInterval: time.Second,
		InitialBackoff:  time.Second,
		MaxBackoff:      5 * time.Minute,
	}
}

// Worker pops tasks from a Queue and dispatches them to handlers.
type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	opts     WorkerOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewWorker creates a Worker. Zero option fields take their defaults.
func NewWorker(q *Queue, opts WorkerOptions, logger *slog.Logger, m *metrics.Metrics) *Worker {
	defaults := DefaultWorkerOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaults.PollTimeout
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = defaults.PromoteInterval
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaults.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:    q,
		handlers: make(map[string]Handler),
		opts:     opts,
		logger:   logger.With("component", "queue_worker", "queue", q.name),
		metrics:  m,
		now:      time.Now,
	}
}

// Handle registers h for task. Not safe to call after Run.
func (w *Worker) Handle(task string, h Handler) {
	w.handlers[task] = h
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.opts.Concurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := w.ProcessNext(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("queue poll failed", "error", err)
					sleep(ctx, w.opts.PollTimeout)
				}
			}
		}()
	}

	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, w.now(), 100); err != nil && ctx.Err() == nil {
				w.logger.Error("promote delayed tasks failed", "error", err)
			}
		}
	}
}

// ProcessNext handles at most one task. It reports whether a task was taken.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.queue.pop(ctx, w.opts.PollTimeout)
	if err != nil || task == nil {
		return false, err
	}

	w.execute(ctx, task)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, task *Task) {
	start := time.Now()
	task.Attempt++
	logger := w.logger.With("task", task.Name, "attempt", task.Attempt)

	err := w.dispatch(context.WithValue(ctx, logging.TaskKey, task.Name), task)
	if err == nil {
		w.metrics.RecordTask(task.Name, "success", start)
		logger.Debug("task completed")
		return
	}

	task.LastError = err.Error()
	switch {
	case IsPermanent(err) || errors.Is(err, ErrUnknownTask):
		w.metrics.RecordTask(task.Name, "permanent_failure", start)
		logger.Warn("task failed permanently", "error", err)
		w.deadLetter(ctx, task, logger)
	case task.Attempt >= w.opts.MaxAttempts:
		w.metrics.RecordTask(task.Name, "exhausted", start)
		logger.Error("task exhausted retries", "error", err)
		w.deadLetter(ctx, task, logger)
	default:
		delay := w.retryDelay(task.Attempt)
		w.metrics.RecordTask(task.Name, "retry", start)
		logger.Warn("task failed, scheduling retry", "error", err, "delay", delay)
		if err := w.queue.schedule(context.WithoutCancel(ctx), *task, w.now().Add(delay)); err != nil {
			logger.Error("schedule retry failed", "error", err)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, task *Task) (err error) {
	h, ok := w.handlers[task.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return h(ctx, task.Payload)
}

func (w *Worker) deadLetter(ctx context.Context, task *Task, logger *slog.Logger) {
	if err := w.queue.bury(context.WithoutCancel(ctx), *task); err != nil {
		logger.Error("dead-letter task failed", "error", err)
	}
}

// retryDelay is the exponential backoff interval after the given attempt.
func (w *Worker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.InitialBackoff
	b.MaxInterval = w.opts.MaxBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
