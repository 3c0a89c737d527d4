package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iho/payledger/internal/domain"
)

const webhookColumns = `id, external_id, event_type, payload, status, retry_count, error_message,
	processed_at, created_at, updated_at`

// WebhookEventRepository implements usecase.WebhookEventRepository.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a new WebhookEventRepository.
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// GetOrCreate stores e unless its external id exists. The bool reports
// whether this call inserted the row.
func (r *WebhookEventRepository) GetOrCreate(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO webhook_events (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING `+webhookColumns,
		e.ID, e.ExternalID, e.EventType, []byte(e.Payload), string(e.Status), e.RetryCount,
		e.ErrorMessage, timePtrToPg(e.ProcessedAt), e.CreatedAt, e.UpdatedAt,
	)
	created, err := scanWebhookEvent(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, domain.ErrWebhookEventNotFound) {
		return nil, false, err
	}

	existing, err := scanWebhookEvent(r.db.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE external_id = $1`, e.ExternalID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID retrieves an event by ID.
func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	return scanWebhookEvent(r.db.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
}

// Update saves processing status fields.
func (r *WebhookEventRepository) Update(ctx context.Context, e *domain.WebhookEvent) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events SET
			status = $2, retry_count = $3, error_message = $4, processed_at = $5, updated_at = $6
		WHERE id = $1`,
		e.ID, string(e.Status), e.RetryCount, e.ErrorMessage, timePtrToPg(e.ProcessedAt), e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookEventNotFound
	}
	return nil
}

// ListRetryable returns failed events below the retry ceiling, oldest first.
func (r *WebhookEventRepository) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE status = $1 AND retry_count < $2
		ORDER BY updated_at, id
		LIMIT $3`, string(domain.WebhookFailed), maxRetries, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.WebhookEvent, error) {
		return scanWebhookEvent(row)
	})
}

// FailStuck marks events left in processing since before olderThan as failed.
func (r *WebhookEventRepository) FailStuck(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events SET status = $1, error_message = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < $4`,
		string(domain.WebhookFailed), message, string(domain.WebhookProcessing), olderThan,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var (
		e         domain.WebhookEvent
		payload   []byte
		status    string
		processed pgtype.Timestamptz
	)
	err := row.Scan(
		&e.ID, &e.ExternalID, &e.EventType, &payload, &status, &e.RetryCount, &e.ErrorMessage,
		&processed, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWebhookEventNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Payload = payload
	e.Status = domain.WebhookEventStatus(status)
	e.ProcessedAt = pgToTimePtr(processed)
	return &e, nil
}
