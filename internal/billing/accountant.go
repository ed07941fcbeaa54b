package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelayer/voxgate/internal/session"
)

// Client-facing billing messages.
const (
	// MinutesLeftFormat is sent after each charged turn while time remains.
	MinutesLeftFormat = "<b>Minutes left:</b> %d"

	// OutOfTimeMessage is the terminal notice sent before a session is
	// closed for an exhausted balance.
	OutOfTimeMessage = "Unfortunately, your time is up. Top up your balance to keep talking."
)

// Accountant charges completed dialogue turns against user balances and
// reports the remaining time back to the client. A session whose balance
// reaches zero gets the terminal notice and a policy-violation close.
type Accountant struct {
	balances Balances
	ledger   *Ledger
}

// NewAccountant creates an Accountant. ledger may be nil to disable token
// logging.
func NewAccountant(balances Balances, ledger *Ledger) *Accountant {
	return &Accountant{balances: balances, ledger: ledger}
}

// RecordUsage appends one upstream token count to the ledger, if any.
func (a *Accountant) RecordUsage(userID string, in, out, total int64) {
	a.ledger.Record(userID, in, out, total)
}

// ChargeRequest settles the in-flight turn with the given request id:
// it pops the turn's timings from the session, debits
// round(voice + processing + response) seconds and notifies the client.
// Turns may settle out of submission order. Returns the charged seconds.
//
// A missing session or request id charges nothing; a turn that was already
// popped is not double-billed.
func (a *Accountant) ChargeRequest(ctx context.Context, store *session.Store, sessionID, requestID string) (int, error) {
	rt := store.PopRequest(sessionID, requestID)
	if rt == nil {
		return 0, nil
	}
	seconds := BilledSeconds(rt.VoiceDuration, rt.ProcessingDuration, rt.ResponseDuration)
	return a.charge(ctx, store, sessionID, seconds)
}

// ChargeFlat settles a turn from explicit phase durations. Used by the
// push-to-talk flow, which has a single in-flight turn by construction.
func (a *Accountant) ChargeFlat(ctx context.Context, store *session.Store, sessionID string, voice, processing, response time.Duration) (int, error) {
	return a.charge(ctx, store, sessionID, BilledSeconds(voice, processing, response))
}

func (a *Accountant) charge(ctx context.Context, store *session.Store, sessionID string, seconds int) (int, error) {
	userID := store.UserID(sessionID)
	if userID == "" {
		return 0, nil
	}

	total, err := a.balances.Deduct(ctx, userID, seconds)
	if err != nil {
		return 0, fmt.Errorf("billing: deduct %ds from %s: %w", seconds, userID, err)
	}
	slog.Debug("charged dialogue turn",
		"session_id", sessionID,
		"user_id", userID,
		"seconds", seconds,
		"total_left", total,
	)

	if total <= 0 {
		_ = store.SendText(sessionID, OutOfTimeMessage)
		store.DisconnectWith(sessionID, websocket.StatusPolicyViolation, "balance exhausted")
		return seconds, nil
	}
	_ = store.SendText(sessionID, fmt.Sprintf(MinutesLeftFormat, MinutesLeft(total)))
	return seconds, nil
}

// BilledSeconds is the charge for one turn: the summed phases rounded to
// the nearest whole second.
func BilledSeconds(voice, processing, response time.Duration) int {
	return int(math.Round((voice + processing + response).Seconds()))
}
