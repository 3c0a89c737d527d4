package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/domain"
)

func TestRefundRepository_ListStaleRequested(t *testing.T) {
	mockPool := newMockPool(t)
	repo := NewRefundRepository(mockPool)
	before := time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC)
	created := before.Add(-time.Hour)
	null := pgtype.Timestamptz{}

	rows := pgxmock.NewRows([]string{
		"id", "payment_order_id", "amount_cents", "currency", "reason", "state",
		"processor_refund_id", "version", "completed_at", "failed_at", "failure_reason",
		"created_at", "updated_at",
	}).AddRow(
		"rf_1", "po_1", int64(2500), "USD", "damaged", "requested",
		"", int64(1), null, null, "",
		created, created,
	)
	mockPool.ExpectQuery(regexp.QuoteMeta("WHERE state = $1 AND updated_at <= $2")).
		WithArgs("requested", before, 100).
		WillReturnRows(rows)

	refunds, err := repo.ListStaleRequested(context.Background(), before, 100)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, "rf_1", refunds[0].ID)
	assert.Equal(t, domain.RefundRequested, refunds[0].State)
	assert.Nil(t, refunds[0].CompletedAt)

	assertExpectations(t, mockPool)
}
