package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iho/payledger/internal/domain"
)

const defaultDiscrepancyPageSize = 100

const runColumns = `id, started_at, completed_at, lookback_seconds, stuck_threshold_seconds,
	payment_orders_checked, payouts_checked, discrepancies_found, auto_healed,
	flagged_for_review, failed_to_heal, status, error_message`

const discrepancyColumns = `id, COALESCE(run_id, ''), entity_type, entity_id, processor_id, discrepancy_type,
	local_state, processor_state, details, resolution, action_taken, error_message,
	reviewed, reviewed_at, reviewed_by, review_notes, COALESCE(ledger_entry_id, ''), created_at`

// ReconciliationRepository implements usecase.ReconciliationRepository.
type ReconciliationRepository struct {
	db DBTX
}

// NewReconciliationRepository creates a new ReconciliationRepository.
func NewReconciliationRepository(db DBTX) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// CreateRun inserts a run record.
func (r *ReconciliationRepository) CreateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reconciliation_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.StartedAt, timePtrToPg(run.CompletedAt),
		int64(run.Lookback/time.Second), int64(run.StuckThreshold/time.Second),
		run.PaymentOrdersChecked, run.PayoutsChecked, run.DiscrepanciesFound, run.AutoHealed,
		run.FlaggedForReview, run.FailedToHeal, string(run.Status), run.ErrorMessage,
	)
	return err
}

// UpdateRun saves counters and status.
func (r *ReconciliationRepository) UpdateRun(ctx context.Context, run *domain.ReconciliationRun) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reconciliation_runs SET
			completed_at = $2, payment_orders_checked = $3, payouts_checked = $4,
			discrepancies_found = $5, auto_healed = $6, flagged_for_review = $7,
			failed_to_heal = $8, status = $9, error_message = $10
		WHERE id = $1`,
		run.ID, timePtrToPg(run.CompletedAt), run.PaymentOrdersChecked, run.PayoutsChecked,
		run.DiscrepanciesFound, run.AutoHealed, run.FlaggedForReview, run.FailedToHeal,
		string(run.Status), run.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *ReconciliationRepository) GetRun(ctx context.Context, id string) (*domain.ReconciliationRun, error) {
	var (
		run             domain.ReconciliationRun
		completed       pgtype.Timestamptz
		lookback, stuck int64
		status          string
	)
	err := r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM reconciliation_runs WHERE id = $1`, id).Scan(
		&run.ID, &run.StartedAt, &completed, &lookback, &stuck,
		&run.PaymentOrdersChecked, &run.PayoutsChecked, &run.DiscrepanciesFound, &run.AutoHealed,
		&run.FlaggedForReview, &run.FailedToHeal, &status, &run.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	run.CompletedAt = pgToTimePtr(completed)
	run.Lookback = time.Duration(lookback) * time.Second
	run.StuckThreshold = time.Duration(stuck) * time.Second
	run.Status = domain.RunStatus(status)
	return &run, nil
}

// CreateDiscrepancy inserts a discrepancy. An empty RunID or LedgerEntryID is stored as NULL.
func (r *ReconciliationRepository) CreateDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error {
	details, err := marshalDetails(d.Details)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO reconciliation_discrepancies (
			id, run_id, entity_type, entity_id, processor_id, discrepancy_type,
			local_state, processor_state, details, resolution, action_taken, error_message,
			reviewed, reviewed_at, reviewed_by, review_notes, ledger_entry_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, nullString(d.RunID), d.EntityType, d.EntityID, d.ProcessorID, string(d.Type),
		d.LocalState, d.ProcessorState, details, string(d.Resolution), d.ActionTaken, d.ErrorMessage,
		d.Reviewed, timePtrToPg(d.ReviewedAt), d.ReviewedBy, d.ReviewNotes, nullString(d.LedgerEntryID), d.CreatedAt,
	)
	return err
}

// GetDiscrepancy retrieves a discrepancy by ID.
func (r *ReconciliationRepository) GetDiscrepancy(ctx context.Context, id string) (*domain.ReconciliationDiscrepancy, error) {
	return scanDiscrepancy(r.db.QueryRow(ctx, `SELECT `+discrepancyColumns+` FROM reconciliation_discrepancies WHERE id = $1`, id))
}

// UpdateDiscrepancy saves the resolution and review fields.
func (r *ReconciliationRepository) UpdateDiscrepancy(ctx context.Context, d *domain.ReconciliationDiscrepancy) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reconciliation_discrepancies SET
			resolution = $2, action_taken = $3, error_message = $4, reviewed = $5,
			reviewed_at = $6, reviewed_by = $7, review_notes = $8, ledger_entry_id = $9
		WHERE id = $1`,
		d.ID, string(d.Resolution), d.ActionTaken, d.ErrorMessage, d.Reviewed,
		timePtrToPg(d.ReviewedAt), d.ReviewedBy, d.ReviewNotes, nullString(d.LedgerEntryID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDiscrepancyNotFound
	}
	return nil
}

// ListDiscrepancies returns discrepancies matching filter, newest first.
func (r *ReconciliationRepository) ListDiscrepancies(ctx context.Context, filter domain.DiscrepancyFilter) ([]*domain.ReconciliationDiscrepancy, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.Resolution != "" {
		args = append(args, string(filter.Resolution))
		conds = append(conds, fmt.Sprintf("resolution = $%d", len(args)))
	}
	if filter.UnreviewedOnly {
		conds = append(conds, "NOT reviewed")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDiscrepancyPageSize
	}

	query := `SELECT ` + discrepancyColumns + ` FROM reconciliation_discrepancies`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.ReconciliationDiscrepancy, error) {
		return scanDiscrepancy(row)
	})
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(details)
}

func scanDiscrepancy(row pgx.Row) (*domain.ReconciliationDiscrepancy, error) {
	var (
		d                           domain.ReconciliationDiscrepancy
		discrepancyType, resolution string
		details                     []byte
		reviewedAt                  pgtype.Timestamptz
	)
	err := row.Scan(
		&d.ID, &d.RunID, &d.EntityType, &d.EntityID, &d.ProcessorID, &discrepancyType,
		&d.LocalState, &d.ProcessorState, &details, &resolution, &d.ActionTaken, &d.ErrorMessage,
		&d.Reviewed, &reviewedAt, &d.ReviewedBy, &d.ReviewNotes, &d.LedgerEntryID, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDiscrepancyNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(details) > 0 {
		if err := json.Unmarshal(details, &d.Details); err != nil {
			return nil, fmt.Errorf("decode discrepancy details: %w", err)
		}
	}
	d.Type = domain.DiscrepancyType(discrepancyType)
	d.Resolution = domain.Resolution(resolution)
	d.ReviewedAt = pgToTimePtr(reviewedAt)
	return &d, nil
}
