package dto

import (
	"fmt"
	"strings"
	"time"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

// CreateRefundRequest asks for part or all of a captured payment back.
type CreateRefundRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason,omitempty"`
}

// ToUseCaseInput converts to use case input.
func (r *CreateRefundRequest) ToUseCaseInput(paymentOrderID string) usecase.RequestRefundInput {
	return usecase.RequestRefundInput{
		PaymentOrderID: paymentOrderID,
		AmountCents:    r.AmountCents,
		Reason:         strings.TrimSpace(r.Reason),
	}
}

// RunReconciliationRequest starts a reconciliation pass. Durations use Go
// syntax ("24h", "90m"); empty values take the server defaults.
type RunReconciliationRequest struct {
	Lookback       string `json:"lookback,omitempty"`
	StuckThreshold string `json:"stuck_threshold,omitempty"`
	MaxRecords     int    `json:"max_records,omitempty"`
}

// ToRunOptions parses the request into run options.
func (r *RunReconciliationRequest) ToRunOptions() (usecase.RunOptions, error) {
	var opts usecase.RunOptions

	lookback, err := parseOptionalDuration("lookback", r.Lookback)
	if err != nil {
		return opts, err
	}
	stuck, err := parseOptionalDuration("stuck_threshold", r.StuckThreshold)
	if err != nil {
		return opts, err
	}
	if r.MaxRecords < 0 {
		return opts, fmt.Errorf("%w: max_records must not be negative", domain.ErrValidation)
	}

	opts.Lookback = lookback
	opts.StuckThreshold = stuck
	opts.MaxRecords = r.MaxRecords
	return opts, nil
}

// ResolveDiscrepancyRequest closes a flagged discrepancy after review.
type ResolveDiscrepancyRequest struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

// Validate checks required fields.
func (r *ResolveDiscrepancyRequest) Validate() error {
	if strings.TrimSpace(r.Reviewer) == "" {
		return fmt.Errorf("%w: reviewer is required", domain.ErrValidation)
	}
	return nil
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrValidation, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", domain.ErrValidation, field)
	}
	return d, nil
}
