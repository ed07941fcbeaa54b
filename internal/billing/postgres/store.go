package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicelayer/voxgate/internal/billing"
)

// Compile-time interface check.
var _ billing.Balances = (*Store)(nil)

// Store is the PostgreSQL-backed user-balance store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at
// dsn, verifies connectivity, and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("balance store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("balance store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("balance store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("balance store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Get implements [billing.Balances].
func (s *Store) Get(ctx context.Context, userID string) (billing.Balance, error) {
	const q = `
		SELECT user_id, remaining_seconds, permanent_seconds, tariff, status
		FROM   user_balances
		WHERE  user_id = $1`

	var b billing.Balance
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&b.UserID,
		&b.RemainingSeconds,
		&b.PermanentSeconds,
		&b.Tariff,
		&b.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Balance{}, billing.ErrNotFound
		}
		return billing.Balance{}, fmt.Errorf("balance store: get %s: %w", userID, err)
	}
	return b, nil
}

// EnsureGuest implements [billing.Balances]. The no-op conflict update
// makes the insert return the existing row on repeat contact.
func (s *Store) EnsureGuest(ctx context.Context, userID string, grant int) (billing.Balance, error) {
	const q = `
		INSERT INTO user_balances (user_id, remaining_seconds)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = excluded.user_id
		RETURNING user_id, remaining_seconds, permanent_seconds, tariff, status`

	var b billing.Balance
	err := s.pool.QueryRow(ctx, q, userID, grant).Scan(
		&b.UserID,
		&b.RemainingSeconds,
		&b.PermanentSeconds,
		&b.Tariff,
		&b.Status,
	)
	if err != nil {
		return billing.Balance{}, fmt.Errorf("balance store: ensure guest %s: %w", userID, err)
	}
	return b, nil
}

// Deduct implements [billing.Balances]. The debit is a single statement:
// a CTE computes how much each bucket absorbs, the update drains the
// remaining bucket first and overflows into the permanent one, and the
// returning clause reports the new total.
func (s *Store) Deduct(ctx context.Context, userID string, seconds int) (int, error) {
	if seconds <= 0 {
		b, err := s.Get(ctx, userID)
		if err != nil {
			return 0, err
		}
		return b.TotalSeconds(), nil
	}

	const q = `
		WITH spend AS (
		    SELECT user_id,
		           LEAST(remaining_seconds, $2::bigint)                           AS from_remaining,
		           LEAST(permanent_seconds, GREATEST($2::bigint - remaining_seconds, 0)) AS from_permanent
		    FROM   user_balances
		    WHERE  user_id = $1
		)
		UPDATE user_balances b
		SET    remaining_seconds = b.remaining_seconds - s.from_remaining,
		       permanent_seconds = b.permanent_seconds - s.from_permanent,
		       updated_at        = now()
		FROM   spend s
		WHERE  b.user_id = s.user_id
		RETURNING b.remaining_seconds + b.permanent_seconds`

	var total int
	err := s.pool.QueryRow(ctx, q, userID, seconds).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, billing.ErrNotFound
		}
		return 0, fmt.Errorf("balance store: deduct from %s: %w", userID, err)
	}
	return total, nil
}

// Ping reports whether the database is reachable. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
