// Package billing tracks per-user talk time. Balances live in Postgres,
// completed dialogue turns are charged by the [Accountant], and upstream
// token usage is appended to a plain-text [Ledger].
package billing

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a user has no balance row.
var ErrNotFound = errors.New("billing: user not found")

// Balance is a user's spendable talk time, split into a refillable bucket
// and a permanent one. Debits drain Remaining first and overflow into
// Permanent; both are clamped at zero.
type Balance struct {
	UserID           string
	RemainingSeconds int
	PermanentSeconds int
	Tariff           string
	Status           string
}

// TotalSeconds is the user's full spendable time.
func (b Balance) TotalSeconds() int {
	return b.RemainingSeconds + b.PermanentSeconds
}

// MinutesLeft converts a second total to whole minutes, rounding up so a
// user with any time left never sees zero.
func MinutesLeft(totalSeconds int) int {
	if totalSeconds <= 0 {
		return 0
	}
	return (totalSeconds + 59) / 60
}

// Balances is the user-balance backend.
type Balances interface {
	// Get returns the balance for userID, or [ErrNotFound].
	Get(ctx context.Context, userID string) (Balance, error)

	// EnsureGuest returns the balance for userID, creating it with grant
	// remaining seconds on first contact.
	EnsureGuest(ctx context.Context, userID string, grant int) (Balance, error)

	// Deduct atomically debits seconds from the user's balance, remaining
	// bucket first, clamped at zero, and returns the new total.
	Deduct(ctx context.Context, userID string, seconds int) (int, error)
}
