package domain

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// DiscrepancyType names a specific mismatch between local and processor state.
type DiscrepancyType string

const (
	DiscrepancyProcessorSucceededLocalProcessing DiscrepancyType = "processor_succeeded_local_processing"
	DiscrepancyProcessorSucceededLocalPending    DiscrepancyType = "processor_succeeded_local_pending"
	DiscrepancyProcessorFailedLocalProcessing    DiscrepancyType = "processor_failed_local_processing"
	DiscrepancyProcessorCanceledLocalActive      DiscrepancyType = "processor_canceled_local_active"
	DiscrepancyProcessorFailedLocalSucceeded     DiscrepancyType = "processor_failed_local_succeeded"
	DiscrepancyPaymentStuckInProcessing          DiscrepancyType = "payment_stuck_in_processing"
	DiscrepancyTransferExistsLocalNoID           DiscrepancyType = "transfer_exists_local_processing_no_id"
	DiscrepancyTransferPaidLocalProcessing       DiscrepancyType = "transfer_paid_local_processing"
	DiscrepancyTransferPaidLocalScheduled        DiscrepancyType = "transfer_paid_local_scheduled"
	DiscrepancyTransferFailedLocalProcessing     DiscrepancyType = "transfer_failed_local_processing"
	DiscrepancyPayoutStuckInProcessing           DiscrepancyType = "payout_stuck_in_processing"
)

type Resolution string

const (
	ResolutionAutoHealed       Resolution = "auto_healed"
	ResolutionFlaggedForReview Resolution = "flagged_for_review"
	ResolutionManuallyResolved Resolution = "manually_resolved"
	ResolutionFailedToHeal     Resolution = "failed_to_heal"
)

// ReconciliationRun is the audit record of one reconciliation pass.
type ReconciliationRun struct {
	ID                   string
	StartedAt            time.Time
	CompletedAt          *time.Time
	Lookback             time.Duration
	StuckThreshold       time.Duration
	PaymentOrdersChecked int
	PayoutsChecked       int
	DiscrepanciesFound   int
	AutoHealed           int
	FlaggedForReview     int
	FailedToHeal         int
	Status               RunStatus
	ErrorMessage         string
}

// Count tallies a discrepancy into the run counters.
func (r *ReconciliationRun) Count(res Resolution) {
	r.DiscrepanciesFound++
	switch res {
	case ResolutionAutoHealed:
		r.AutoHealed++
	case ResolutionFlaggedForReview:
		r.FlaggedForReview++
	case ResolutionFailedToHeal:
		r.FailedToHeal++
	}
}

func (r *ReconciliationRun) Complete(now time.Time) {
	r.Status = RunCompleted
	r.CompletedAt = &now
}

func (r *ReconciliationRun) Fail(now time.Time, message string) {
	r.Status = RunFailed
	r.CompletedAt = &now
	r.ErrorMessage = message
}

// ReconciliationDiscrepancy records one mismatch and what was done about it.
type ReconciliationDiscrepancy struct {
	ID             string
	RunID          string
	EntityType     string
	EntityID       string
	ProcessorID    string
	Type           DiscrepancyType
	LocalState     string
	ProcessorState string
	Details        map[string]any
	Resolution     Resolution
	ActionTaken    string
	ErrorMessage   string
	Reviewed       bool
	ReviewedAt     *time.Time
	ReviewedBy     string
	ReviewNotes    string
	LedgerEntryID  string
	CreatedAt      time.Time
}

// Resolve closes a flagged discrepancy after human review.
func (d *ReconciliationDiscrepancy) Resolve(now time.Time, reviewer, notes string) {
	d.Resolution = ResolutionManuallyResolved
	d.Reviewed = true
	d.ReviewedAt = &now
	d.ReviewedBy = reviewer
	d.ReviewNotes = notes
}

// DiscrepancyFilter narrows the review queue.
type DiscrepancyFilter struct {
	RunID          string
	Resolution     Resolution
	UnreviewedOnly bool
	Limit          int
	Offset         int
}
