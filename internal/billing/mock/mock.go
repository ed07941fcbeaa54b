// Package mock provides an in-memory test double for the billing.Balances
// interface. Debits follow the real bucket semantics (remaining first,
// overflow into permanent, clamped at zero) so accountant tests exercise
// genuine arithmetic.
package mock

import (
	"context"
	"sync"

	"github.com/voicelayer/voxgate/internal/billing"
)

// Ensure Store implements billing.Balances at compile time.
var _ billing.Balances = (*Store)(nil)

// DeductCall records a single invocation of Deduct.
type DeductCall struct {
	UserID  string
	Seconds int
}

// Store is a mock implementation of billing.Balances.
type Store struct {
	mu sync.Mutex

	// Balances maps user id to balance. Seed it directly in tests.
	Balances map[string]billing.Balance

	// GetErr, EnsureGuestErr and DeductErr, if non-nil, are returned by
	// the corresponding method.
	GetErr         error
	EnsureGuestErr error
	DeductErr      error

	// DeductCalls and EnsureGuestCalls record every call in order.
	DeductCalls      []DeductCall
	EnsureGuestCalls []string
}

// Get returns the seeded balance for userID, or billing.ErrNotFound.
func (s *Store) Get(_ context.Context, userID string) (billing.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return billing.Balance{}, s.GetErr
	}
	b, ok := s.Balances[userID]
	if !ok {
		return billing.Balance{}, billing.ErrNotFound
	}
	return b, nil
}

// EnsureGuest records the call and creates the user with grant remaining
// seconds if absent.
func (s *Store) EnsureGuest(_ context.Context, userID string, grant int) (billing.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EnsureGuestCalls = append(s.EnsureGuestCalls, userID)
	if s.EnsureGuestErr != nil {
		return billing.Balance{}, s.EnsureGuestErr
	}
	if s.Balances == nil {
		s.Balances = make(map[string]billing.Balance)
	}
	b, ok := s.Balances[userID]
	if !ok {
		b = billing.Balance{
			UserID:           userID,
			RemainingSeconds: grant,
			Tariff:           "free",
			Status:           "active",
		}
		s.Balances[userID] = b
	}
	return b, nil
}

// Deduct records the call and debits seconds with the real bucket
// semantics, returning the new total.
func (s *Store) Deduct(_ context.Context, userID string, seconds int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeductCalls = append(s.DeductCalls, DeductCall{UserID: userID, Seconds: seconds})
	if s.DeductErr != nil {
		return 0, s.DeductErr
	}
	b, ok := s.Balances[userID]
	if !ok {
		return 0, billing.ErrNotFound
	}
	if seconds > 0 {
		fromRemaining := min(b.RemainingSeconds, seconds)
		fromPermanent := min(b.PermanentSeconds, seconds-fromRemaining)
		b.RemainingSeconds -= fromRemaining
		b.PermanentSeconds -= fromPermanent
		s.Balances[userID] = b
	}
	return b.TotalSeconds(), nil
}

// CallCount returns the number of Deduct invocations so far. Thread-safe.
func (s *Store) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.DeductCalls)
}

// GuestCalls returns a copy of the recorded EnsureGuest user ids. Thread-safe.
func (s *Store) GuestCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.EnsureGuestCalls...)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeductCalls = nil
	s.EnsureGuestCalls = nil
}
