// Package testutil provides a migrated Postgres database for integration
// tests. Tests are skipped unless TEST_DATABASE_URL is set.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/iho/payledger/internal/infrastructure/postgres"
)

// DatabaseURLEnv names the variable holding the test database DSN.
const DatabaseURLEnv = "TEST_DATABASE_URL"

// TestDB provides a connection to a migrated test database.
type TestDB struct {
	Pool *pgxpool.Pool
	t    *testing.T
}

// NewTestDB migrates the database and connects to it. The pool is closed
// when the test ends.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dbURL := os.Getenv(DatabaseURLEnv)
	if dbURL == "" {
		t.Skipf("%s not set", DatabaseURLEnv)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := postgres.RunMigrations(dbURL, logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.NewPoolWithConfig(ctx, postgres.PoolConfig{DatabaseURL: dbURL, MaxConns: 10})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	db := &TestDB{Pool: pool, t: t}
	db.TruncateAll(ctx)
	return db
}

// TruncateAll removes all rows from every application table.
func (db *TestDB) TruncateAll(ctx context.Context) {
	db.t.Helper()

	_, err := db.Pool.Exec(ctx, `
		TRUNCATE TABLE
			reconciliation_discrepancies,
			reconciliation_runs,
			webhook_events,
			subscriptions,
			refunds,
			payouts,
			payment_orders,
			outbox_events,
			ledger_entries,
			ledger_accounts
		CASCADE`)
	if err != nil {
		db.t.Fatalf("failed to truncate tables: %v", err)
	}
}

// GenerateID generates a new ULID.
func GenerateID() string {
	return ulid.Make().String()
}
