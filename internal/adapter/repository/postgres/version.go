package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/iho/payledger/internal/domain"
	"github.com/iho/payledger/internal/usecase"
)

// versionedTables maps table names to the entity reported in errors. Only
// these tables may be interpolated into version queries.
var versionedTables = map[string]struct {
	entity   string
	notFound error
}{
	usecase.TablePaymentOrders: {domain.EntityPaymentOrder, domain.ErrPaymentOrderNotFound},
	usecase.TablePayouts:       {domain.EntityPayout, domain.ErrPayoutNotFound},
	usecase.TableRefunds:       {domain.EntityRefund, domain.ErrRefundNotFound},
	usecase.TableSubscriptions: {domain.EntitySubscription, domain.ErrSubscriptionNotFound},
}

// VersionChecker implements usecase.VersionChecker.
type VersionChecker struct{}

// NewVersionChecker creates a new VersionChecker.
func NewVersionChecker() *VersionChecker {
	return &VersionChecker{}
}

// CheckVersion locks the row and verifies its version equals expected.
func (c *VersionChecker) CheckVersion(ctx context.Context, tx usecase.Transaction, table, id string, expected int64) error {
	meta, ok := versionedTables[table]
	if !ok {
		return fmt.Errorf("%w: table %q is not versioned", domain.ErrValidation, table)
	}

	var current int64
	err := txConn(tx).QueryRow(ctx, "SELECT version FROM "+table+" WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return meta.notFound
	}
	if err != nil {
		return err
	}

	if current != expected {
		return &domain.StaleRecordError{
			Entity:          meta.entity,
			ID:              id,
			ExpectedVersion: expected,
			CurrentVersion:  current,
		}
	}
	return nil
}

// staleOrMissing explains an optimistic update that touched no rows.
func staleOrMissing(ctx context.Context, db DBTX, table, id string, expected int64) error {
	meta := versionedTables[table]

	var current int64
	err := db.QueryRow(ctx, "SELECT version FROM "+table+" WHERE id = $1", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return meta.notFound
	}
	if err != nil {
		return err
	}
	return &domain.StaleRecordError{
		Entity:          meta.entity,
		ID:              id,
		ExpectedVersion: expected,
		CurrentVersion:  current,
	}
}
