package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/infrastructure/metrics"
)

const (
	reconcileRunLockKey   = "reconciliation:run"
	transferSearchWindow  = 48 * time.Hour
	transferSearchLimit   = 100
	actionAlreadyHandled  = "State already transitioned"
	actionFlaggedByPolicy = "Flagged for manual review"
)

// reconciledOrderStates are the order states checked against the processor:
// in-flight orders may need healing, collected ones may hide an unsafe mismatch.
var reconciledOrderStates = []domain.PaymentOrderState{
	domain.PaymentOrderPending,
	domain.PaymentOrderProcessing,
	domain.PaymentOrderCaptured,
	domain.PaymentOrderHeld,
	domain.PaymentOrderReleased,
	domain.PaymentOrderSettled,
}

// ReconciliationUseCase compares local payment state with the processor and
// heals the mismatches that are safe to heal automatically.
type ReconciliationUseCase struct {
	repo       ReconciliationRepository
	orderRepo  PaymentOrderRepository
	payoutRepo PayoutRepository
	payments   *PaymentUseCase
	payouts    *PayoutUseCase
	processor  ProcessorClient
	locks      LockManager
	idGen      IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewReconciliationUseCase creates a new ReconciliationUseCase.
func NewReconciliationUseCase(
	repo ReconciliationRepository,
	orderRepo PaymentOrderRepository,
	payoutRepo PayoutRepository,
	payments *PaymentUseCase,
	payouts *PayoutUseCase,
	processor ProcessorClient,
	locks LockManager,
	idGen IDGenerator,
	logger zerolog.Logger,
	metrics *metrics.Metrics,
) *ReconciliationUseCase {
	return &ReconciliationUseCase{
		repo:       repo,
		orderRepo:  orderRepo,
		payoutRepo: payoutRepo,
		payments:   payments,
		payouts:    payouts,
		processor:  processor,
		locks:      locks,
		idGen:      idGen,
		logger:     logger.With().Str("component", "reconciliation").Logger(),
		metrics:    metrics,
	}
}

// RunOptions bounds one reconciliation pass. Zero values take the defaults.
type RunOptions struct {
	Lookback       time.Duration
	StuckThreshold time.Duration
	MaxRecords     int
}

func (o RunOptions) withDefaults() RunOptions {
	if o.Lookback <= 0 {
		o.Lookback = DefaultReconcileLookback
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = DefaultReconcileStuckThreshold
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = DefaultReconcileMaxRecords
	}
	return o
}

// Run performs a full reconciliation pass over recent payment orders and
// payouts. Only one pass runs at a time.
func (uc *ReconciliationUseCase) Run(ctx context.Context, opts RunOptions) (*domain.ReconciliationRun, error) {
	opts = opts.withDefaults()

	var run *domain.ReconciliationRun
	lockOpts := LockOptions{TTL: ReconcileRunLockTTL, Blocking: true, Timeout: ReconcileRunLockTimeout}
	err := withLock(ctx, uc.locks, uc.metrics, reconcileRunLockKey, lockOpts, func(ctx context.Context) error {
		var err error
		run, err = uc.run(ctx, opts)
		return err
	})
	if errors.Is(err, domain.ErrLockAcquisition) {
		return nil, fmt.Errorf("%w: %v", domain.ErrReconciliationInProgress, err)
	}
	return run, err
}

func (uc *ReconciliationUseCase) run(ctx context.Context, opts RunOptions) (*domain.ReconciliationRun, error) {
	start := time.Now()
	run := &domain.ReconciliationRun{
		ID:             uc.idGen.Generate(),
		StartedAt:      start.UTC(),
		Lookback:       opts.Lookback,
		StuckThreshold: opts.StuckThreshold,
		Status:         domain.RunRunning,
	}
	if err := uc.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	log := uc.logger.With().Str("run_id", run.ID).Logger()
	log.Info().Dur("lookback", opts.Lookback).Int("max_records", opts.MaxRecords).Msg("reconciliation started")

	if err := uc.reconcile(ctx, run, opts); err != nil {
		run.Fail(time.Now().UTC(), err.Error())
		if updateErr := uc.repo.UpdateRun(context.WithoutCancel(ctx), run); updateErr != nil {
			log.Error().Err(updateErr).Msg("failed to record failed run")
		}
		uc.metrics.RecordReconciliationRun(string(domain.RunFailed), start)
		log.Error().Err(err).Msg("reconciliation failed")
		return run, err
	}

	run.Complete(time.Now().UTC())
	if err := uc.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	uc.metrics.RecordReconciliationRun(string(domain.RunCompleted), start)

	log.Info().
		Int("payment_orders_checked", run.PaymentOrdersChecked).
		Int("payouts_checked", run.PayoutsChecked).
		Int("discrepancies", run.DiscrepanciesFound).
		Int("auto_healed", run.AutoHealed).
		Int("flagged", run.FlaggedForReview).
		Int("failed_to_heal", run.FailedToHeal).
		Msg("reconciliation completed")

	return run, nil
}

func (uc *ReconciliationUseCase) reconcile(ctx context.Context, run *domain.ReconciliationRun, opts RunOptions) error {
	since := run.StartedAt.Add(-opts.Lookback)

	orders, err := uc.orderRepo.ListByStates(ctx, reconciledOrderStates, since, opts.MaxRecords)
	if err != nil {
		return fmt.Errorf("list payment orders: %w", err)
	}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		run.PaymentOrdersChecked++

		d, err := uc.checkPaymentOrder(ctx, order, opts.StuckThreshold)
		if err != nil {
			uc.logger.Warn().Err(err).Str("payment_order_id", order.ID).Msg("skipping payment order")
			continue
		}
		if d == nil {
			continue
		}
		uc.record(ctx, run, d)
	}

	payouts, err := uc.payoutRepo.ListByStates(ctx,
		[]domain.PayoutState{domain.PayoutProcessing, domain.PayoutScheduled}, since, opts.MaxRecords)
	if err != nil {
		return fmt.Errorf("list payouts: %w", err)
	}
	for _, payout := range payouts {
		if err := ctx.Err(); err != nil {
			return err
		}
		run.PayoutsChecked++

		d, err := uc.checkPayout(ctx, payout, opts.StuckThreshold)
		if err != nil {
			uc.logger.Warn().Err(err).Str("payout_id", payout.ID).Msg("skipping payout")
			continue
		}
		if d == nil {
			continue
		}
		uc.record(ctx, run, d)
	}

	return nil
}

// record persists d. Storage errors are logged so one bad row does not abort the pass.
func (uc *ReconciliationUseCase) record(ctx context.Context, run *domain.ReconciliationRun, d *domain.ReconciliationDiscrepancy) {
	if run != nil {
		d.RunID = run.ID
		run.Count(d.Resolution)
	}
	uc.metrics.RecordDiscrepancy(string(d.Type), string(d.Resolution))

	if err := uc.repo.CreateDiscrepancy(ctx, d); err != nil {
		uc.logger.Error().Err(err).Str("entity_id", d.EntityID).Str("type", string(d.Type)).
			Msg("failed to store discrepancy")
	}
}

// ReconcilePaymentOrder checks and heals a single order outside of a run.
func (uc *ReconciliationUseCase) ReconcilePaymentOrder(ctx context.Context, id string) (*domain.ReconciliationDiscrepancy, error) {
	order, err := uc.orderRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d, err := uc.checkPaymentOrder(ctx, order, DefaultReconcileStuckThreshold)
	if err != nil || d == nil {
		return nil, err
	}
	uc.record(ctx, nil, d)
	return d, nil
}

// ReconcilePayout checks and heals a single payout outside of a run.
func (uc *ReconciliationUseCase) ReconcilePayout(ctx context.Context, id string) (*domain.ReconciliationDiscrepancy, error) {
	payout, err := uc.payoutRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d, err := uc.checkPayout(ctx, payout, DefaultReconcileStuckThreshold)
	if err != nil || d == nil {
		return nil, err
	}
	uc.record(ctx, nil, d)
	return d, nil
}

// GetRun retrieves a run by ID.
func (uc *ReconciliationUseCase) GetRun(ctx context.Context, id string) (*domain.ReconciliationRun, error) {
	return uc.repo.GetRun(ctx, id)
}

// ListDiscrepancies returns the review queue.
func (uc *ReconciliationUseCase) ListDiscrepancies(ctx context.Context, filter domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error) {
	filter.Limit, filter.Offset, _ = domain.ValidatePagination(filter.Limit, filter.Offset)
	return uc.repo.ListDiscrepancies(ctx, filter)
}

// ResolveDiscrepancy records a manual resolution.
func (uc *ReconciliationUseCase) ResolveDiscrepancy(ctx context.Context, id, reviewer, notes string) (*domain.ReconciliationDiscrepancy, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", domain.ErrValidation)
	}

	d, err := uc.repo.GetDiscrepancy(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Resolve(time.Now().UTC(), reviewer, notes)
	if err := uc.repo.UpdateDiscrepancy(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (uc *ReconciliationUseCase) newDiscrepancy(
	t domain.DiscrepancyType,
	entityType, entityID, processorID, localState, processorState string,
	details map[string]any,
) *domain.ReconciliationDiscrepancy {
	return &domain.ReconciliationDiscrepancy{
		ID:             uc.idGen.Generate(),
		EntityType:     entityType,
		EntityID:       entityID,
		ProcessorID:    processorID,
		Type:           t,
		LocalState:     localState,
		ProcessorState: processorState,
		Details:        details,
		CreatedAt:      time.Now().UTC(),
	}
}

func (uc *ReconciliationUseCase) checkPaymentOrder(ctx context.Context, order *domain.PaymentOrder, stuck time.Duration) (*domain.ReconciliationDiscrepancy, error) {
	if order.ProcessorPaymentID == "" {
		return nil, nil
	}

	intent, err := uc.processor.RetrievePaymentIntent(ctx, order.ProcessorPaymentID)
	if err != nil {
		return nil, err
	}

	newD := func(t domain.DiscrepancyType, details map[string]any) *domain.ReconciliationDiscrepancy {
		return uc.newDiscrepancy(t, domain.EntityPaymentOrder, order.ID, order.ProcessorPaymentID,
			string(order.State), intent.Status, details)
	}

	switch {
	case intent.Status == domain.IntentSucceeded && order.State == domain.PaymentOrderProcessing:
		d := newD(domain.DiscrepancyProcessorSucceededLocalProcessing, map[string]any{"captured_amount": intent.AmountReceived})
		uc.healOrder(ctx, d, order, "Transitioned payment order from processing to captured")
		return d, nil

	case intent.Status == domain.IntentSucceeded && order.State == domain.PaymentOrderPending:
		d := newD(domain.DiscrepancyProcessorSucceededLocalPending, map[string]any{"captured_amount": intent.AmountReceived})
		uc.healOrder(ctx, d, order, "Transitioned payment order from pending to captured via processing")
		return d, nil

	case intent.IsFailed() && order.State == domain.PaymentOrderProcessing:
		d := newD(domain.DiscrepancyProcessorFailedLocalProcessing, map[string]any{"failure_reason": intent.LastPaymentError})
		uc.healOrder(ctx, d, order, "Transitioned payment order from processing to failed")
		return d, nil

	case intent.Status == domain.IntentCanceled && order.State.InFlight():
		d := newD(domain.DiscrepancyProcessorCanceledLocalActive, map[string]any{"cancellation_reason": intent.CancellationReason})
		flag(d)
		return d, nil

	// Money was booked locally but the processor never collected it. Never auto-corrected.
	case (intent.IsFailed() || intent.Status == domain.IntentCanceled) && order.State.Collected():
		d := newD(domain.DiscrepancyProcessorFailedLocalSucceeded, map[string]any{
			"failure_reason":      intent.LastPaymentError,
			"cancellation_reason": intent.CancellationReason,
		})
		flag(d)
		return d, nil

	case order.State == domain.PaymentOrderProcessing && time.Since(order.UpdatedAt) > stuck:
		d := newD(domain.DiscrepancyPaymentStuckInProcessing, map[string]any{
			"stuck_since": order.UpdatedAt.Format(time.RFC3339),
			"hours_stuck": time.Since(order.UpdatedAt).Hours(),
		})
		flag(d)
		return d, nil
	}

	return nil, nil
}

func (uc *ReconciliationUseCase) checkPayout(ctx context.Context, payout *domain.Payout, stuck time.Duration) (*domain.ReconciliationDiscrepancy, error) {
	newD := func(t domain.DiscrepancyType, processorID, processorState string, details map[string]any) *domain.ReconciliationDiscrepancy {
		return uc.newDiscrepancy(t, domain.EntityPayout, payout.ID, processorID, string(payout.State), processorState, details)
	}

	if payout.ProcessorTransferID == "" {
		if payout.State != domain.PayoutProcessing {
			return nil, nil
		}

		transfer, err := uc.findTransfer(ctx, payout)
		if err != nil {
			return nil, err
		}
		if transfer != nil {
			d := newD(domain.DiscrepancyTransferExistsLocalNoID, transfer.ID, transfer.Status, map[string]any{
				"transfer_id":      transfer.ID,
				"transfer_status":  transfer.Status,
				"payment_order_id": payout.PaymentOrderID,
			})
			uc.healPayout(ctx, d, payout, transfer)
			return d, nil
		}

		if time.Since(payout.UpdatedAt) > stuck {
			d := newD(domain.DiscrepancyPayoutStuckInProcessing, "", "", map[string]any{
				"stuck_since":    payout.UpdatedAt.Format(time.RFC3339),
				"hours_stuck":    time.Since(payout.UpdatedAt).Hours(),
				"no_transfer_id": true,
			})
			flag(d)
			return d, nil
		}
		return nil, nil
	}

	transfer, err := uc.processor.RetrieveTransfer(ctx, payout.ProcessorTransferID)
	if err != nil {
		return nil, err
	}

	switch {
	case transfer.Status == domain.TransferPaid && payout.State == domain.PayoutProcessing:
		d := newD(domain.DiscrepancyTransferPaidLocalProcessing, transfer.ID, transfer.Status, map[string]any{"amount": transfer.AmountCents})
		uc.healPayout(ctx, d, payout, transfer)
		return d, nil

	case transfer.Status == domain.TransferPaid && payout.State == domain.PayoutScheduled:
		d := newD(domain.DiscrepancyTransferPaidLocalScheduled, transfer.ID, transfer.Status, map[string]any{"amount": transfer.AmountCents})
		uc.healPayout(ctx, d, payout, transfer)
		return d, nil

	case transfer.Status == domain.TransferFailed && payout.State == domain.PayoutProcessing:
		d := newD(domain.DiscrepancyTransferFailedLocalProcessing, transfer.ID, transfer.Status, map[string]any{"failure_reason": transfer.FailureMessage})
		flag(d)
		return d, nil

	case payout.State == domain.PayoutProcessing && time.Since(payout.UpdatedAt) > stuck:
		d := newD(domain.DiscrepancyPayoutStuckInProcessing, transfer.ID, transfer.Status, map[string]any{
			"stuck_since": payout.UpdatedAt.Format(time.RFC3339),
			"hours_stuck": time.Since(payout.UpdatedAt).Hours(),
		})
		flag(d)
		return d, nil
	}

	return nil, nil
}

// findTransfer looks for a transfer created for payout whose id was never stored.
func (uc *ReconciliationUseCase) findTransfer(ctx context.Context, payout *domain.Payout) (*domain.Transfer, error) {
	transfers, err := uc.processor.ListTransfers(ctx, time.Now().Add(-transferSearchWindow), transferSearchLimit)
	if err != nil {
		return nil, err
	}
	for _, t := range transfers {
		if t.Metadata["payout_id"] == payout.ID {
			return t, nil
		}
	}
	return nil, nil
}

func flag(d *domain.ReconciliationDiscrepancy) {
	d.Resolution = domain.ResolutionFlaggedForReview
	d.ActionTaken = actionFlaggedByPolicy
}

func healLockKey(entityType, id string) string {
	return "reconciliation:heal:" + entityType + ":" + id
}

// healUnderLock runs heal while holding the entity's heal lock. A lock that
// cannot be taken leaves the discrepancy flagged for review.
func (uc *ReconciliationUseCase) healUnderLock(ctx context.Context, d *domain.ReconciliationDiscrepancy, heal func(ctx context.Context) error) {
	opts := LockOptions{TTL: ReconcileHealLockTTL, Blocking: true, Timeout: ReconcileHealLockTimeout}
	err := withLock(ctx, uc.locks, uc.metrics, healLockKey(d.EntityType, d.EntityID), opts, heal)
	if errors.Is(err, domain.ErrLockAcquisition) {
		d.Resolution = domain.ResolutionFlaggedForReview
		d.ErrorMessage = err.Error()
		return
	}
	if err != nil && d.Resolution == "" {
		d.Resolution = domain.ResolutionFailedToHeal
		d.ErrorMessage = err.Error()
	}
}

func (uc *ReconciliationUseCase) healOrder(ctx context.Context, d *domain.ReconciliationDiscrepancy, observed *domain.PaymentOrder, action string) {
	uc.healUnderLock(ctx, d, func(ctx context.Context) error {
		current, err := uc.orderRepo.GetByID(ctx, observed.ID)
		if err != nil {
			return err
		}
		if current.State != observed.State {
			d.Resolution = domain.ResolutionAutoHealed
			d.ActionTaken = actionAlreadyHandled
			return nil
		}

		var entry *domain.LedgerEntry
		switch d.Type {
		case domain.DiscrepancyProcessorFailedLocalProcessing:
			reason := "processor reported failure"
			if msg, _ := d.Details["failure_reason"].(string); msg != "" {
				reason = msg
			}
			_, err = uc.payments.HealFail(ctx, current.ID, current.Version, reason)
		default:
			_, entry, err = uc.payments.HealCapture(ctx, current.ID, current.Version)
		}

		if errors.Is(err, domain.ErrStaleRecord) {
			return uc.resolveStale(ctx, d, func(ctx context.Context) (string, error) {
				o, err := uc.orderRepo.GetByID(ctx, observed.ID)
				if err != nil {
					return "", err
				}
				return string(o.State), nil
			})
		}
		if err != nil {
			return err
		}

		d.Resolution = domain.ResolutionAutoHealed
		d.ActionTaken = action
		if entry != nil {
			d.LedgerEntryID = entry.ID
		}
		return nil
	})
}

func (uc *ReconciliationUseCase) healPayout(ctx context.Context, d *domain.ReconciliationDiscrepancy, observed *domain.Payout, transfer *domain.Transfer) {
	uc.healUnderLock(ctx, d, func(ctx context.Context) error {
		current, err := uc.payoutRepo.GetByID(ctx, observed.ID)
		if err != nil {
			return err
		}
		if current.State != observed.State || current.ProcessorTransferID != observed.ProcessorTransferID {
			d.Resolution = domain.ResolutionAutoHealed
			d.ActionTaken = actionAlreadyHandled
			return nil
		}

		var entry *domain.LedgerEntry
		var action string
		switch {
		case transfer.Status == domain.TransferPaid:
			_, entry, err = uc.payouts.HealComplete(ctx, current.ID, current.Version, transfer.ID)
			action = fmt.Sprintf("Transitioned payout from %s to paid", current.State)
			if current.ProcessorTransferID == "" {
				action = fmt.Sprintf("Backfilled transfer id %s; %s", transfer.ID, action)
			}
		default:
			_, err = uc.payouts.HealBackfill(ctx, current.ID, current.Version, transfer.ID)
			action = fmt.Sprintf("Backfilled transfer id %s", transfer.ID)
		}

		if errors.Is(err, domain.ErrStaleRecord) {
			return uc.resolveStale(ctx, d, func(ctx context.Context) (string, error) {
				p, err := uc.payoutRepo.GetByID(ctx, observed.ID)
				if err != nil {
					return "", err
				}
				return string(p.State), nil
			})
		}
		if err != nil {
			return err
		}

		d.Resolution = domain.ResolutionAutoHealed
		d.ActionTaken = action
		if entry != nil {
			d.LedgerEntryID = entry.ID
		}

		if entry != nil && current.PaymentOrderID != "" {
			if _, err := uc.payments.SettleReleased(ctx, current.PaymentOrderID); err != nil {
				uc.logger.Warn().Err(err).Str("payment_order_id", current.PaymentOrderID).
					Msg("payout healed but order settlement failed")
			}
		}
		return nil
	})
}

// resolveStale decides a heal that lost an optimistic lock race. If another
// writer already moved the entity the discrepancy is considered handled.
func (uc *ReconciliationUseCase) resolveStale(ctx context.Context, d *domain.ReconciliationDiscrepancy, state func(ctx context.Context) (string, error)) error {
	current, err := state(ctx)
	if err != nil {
		return err
	}
	if current != d.LocalState {
		d.Resolution = domain.ResolutionAutoHealed
		d.ActionTaken = actionAlreadyHandled
		return nil
	}
	d.Resolution = domain.ResolutionFailedToHeal
	d.ErrorMessage = "record changed during healing"
	return nil
}
