package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlUserBalances holds per-user talk time. Both second buckets carry a
// non-negative check so a broken debit can never drive them below zero.
const ddlUserBalances = `
CREATE TABLE IF NOT EXISTS user_balances (
    user_id           TEXT PRIMARY KEY,
    remaining_seconds BIGINT NOT NULL DEFAULT 0 CHECK (remaining_seconds >= 0),
    permanent_seconds BIGINT NOT NULL DEFAULT 0 CHECK (permanent_seconds >= 0),
    tariff            TEXT   NOT NULL DEFAULT 'free',
    status            TEXT   NOT NULL DEFAULT 'active',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate creates the balance table if it does not exist. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUserBalances); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
