package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

func TestVersionChecker_CheckVersion(t *testing.T) {
	tests := []struct {
		name        string
		table       string
		rows        *pgxmock.Rows
		expectError error
	}{
		{name: "matching", table: usecase.TablePayouts, rows: pgxmock.NewRows([]string{"version"}).AddRow(int64(4))},
		{name: "mismatch", table: usecase.TablePayouts, rows: pgxmock.NewRows([]string{"version"}).AddRow(int64(5)), expectError: domain.ErrStaleRecord},
		{name: "missing", table: usecase.TableRefunds, rows: pgxmock.NewRows([]string{"version"}), expectError: domain.ErrRefundNotFound},
		{name: "unknown table", table: "ledger_entries", expectError: domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockPool := newMockPool(t)
			tx := beginMockTx(t, mockPool)
			if tt.rows != nil {
				mockPool.ExpectQuery(regexp.QuoteMeta("SELECT version FROM " + tt.table + " WHERE id = $1 FOR UPDATE")).
					WithArgs("id_1").
					WillReturnRows(tt.rows)
			}

			err := NewVersionChecker().CheckVersion(context.Background(), tx, tt.table, "id_1", 4)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				assert.NoError(t, err)
			}
			assertExpectations(t, mockPool)
		})
	}
}

func TestVersionChecker_StaleReportsVersions(t *testing.T) {
	mockPool := newMockPool(t)
	tx := beginMockTx(t, mockPool)

	mockPool.ExpectQuery(regexp.QuoteMeta("SELECT version FROM payouts WHERE id = $1 FOR UPDATE")).
		WithArgs("po_1").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(5)))

	err := NewVersionChecker().CheckVersion(context.Background(), tx, usecase.TablePayouts, "po_1", 4)
	require.ErrorIs(t, err, domain.ErrStaleRecord)

	var stale *domain.StaleRecordError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, domain.EntityPayout, stale.Entity)
	assert.Equal(t, "po_1", stale.ID)
	assert.Equal(t, int64(4), stale.ExpectedVersion)
	assert.Equal(t, int64(5), stale.CurrentVersion)
	assertExpectations(t, mockPool)
}
