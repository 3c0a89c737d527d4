package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Generic errors
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrStaleRecord            = errors.New("record was modified by another process")
	ErrLockAcquisition        = errors.New("could not acquire lock")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// Ledger errors
	ErrAccountNotFound     = fmt.Errorf("ledger account %w", ErrNotFound)
	ErrEntryNotFound       = fmt.Errorf("ledger entry %w", ErrNotFound)
	ErrAccountInactive     = errors.New("ledger account is inactive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSameAccount         = errors.New("debit and credit accounts must differ")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrCurrencyMismatch    = errors.New("entry currency does not match account currency")

	// Entity lookups
	ErrPaymentOrderNotFound = fmt.Errorf("payment order %w", ErrNotFound)
	ErrPayoutNotFound       = fmt.Errorf("payout %w", ErrNotFound)
	ErrRefundNotFound       = fmt.Errorf("refund %w", ErrNotFound)
	ErrSubscriptionNotFound = fmt.Errorf("subscription %w", ErrNotFound)
	ErrWebhookEventNotFound = fmt.Errorf("webhook event %w", ErrNotFound)
	ErrRunNotFound          = fmt.Errorf("reconciliation run %w", ErrNotFound)
	ErrDiscrepancyNotFound  = fmt.Errorf("discrepancy %w", ErrNotFound)

	// Refund policy
	ErrRefundNotAllowed     = errors.New("payment order is not refundable")
	ErrRefundExceedsCapture = errors.New("refund total would exceed captured amount")

	// Webhooks
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// Reconciliation
	ErrReconciliationInProgress = errors.New("another reconciliation run is in progress")

	// Processor
	ErrProcessorPermanent = errors.New("processor rejected the request")
	ErrProcessorTransient = errors.New("processor temporarily unavailable")

	// ErrDuplicateProcessorID means a processor id is already bound to another record.
	ErrDuplicateProcessorID = errors.New("processor id already in use")
)

// StaleRecordError reports an optimistic locking conflict.
type StaleRecordError struct {
	Entity          string
	ID              string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *StaleRecordError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, current version %d",
		e.Entity, e.ID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *StaleRecordError) Is(target error) bool {
	return target == ErrStaleRecord
}

// InvalidStateTransitionError is returned when an action is not allowed from the current state.
type InvalidStateTransitionError struct {
	Entity string
	ID     string
	From   string
	Action string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s from state %q", e.Action, e.Entity, e.ID, e.From)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// LockAcquisitionError is returned when a blocking lock acquire times out.
type LockAcquisitionError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("could not acquire lock %s within %s", e.Key, e.Timeout)
}

func (e *LockAcquisitionError) Is(target error) bool {
	return target == ErrLockAcquisition
}

// ProcessorError wraps a failed call to the external payment processor.
type ProcessorError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Permanent  bool
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor %s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("processor %s: %s", e.Op, e.Message)
}

func (e *ProcessorError) Unwrap() error {
	if e.Permanent {
		return ErrProcessorPermanent
	}
	return ErrProcessorTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrProcessorPermanent),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrNotFound):
		return true
	}
	return false
}
