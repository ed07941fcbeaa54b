package billing

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Ledger appends upstream token usage to a plain-text file, one line per
// completed response:
//
//	[2025-01-02T15:04:05Z] user_203_0_113_7 432 187 619
//
// Columns are user id, input tokens, output tokens, total tokens. Write
// failures are logged and never fatal. A nil Ledger discards records, so
// callers do not need to guard the optional wiring.
type Ledger struct {
	mu sync.Mutex
	f  *os.File
}

// NewLedger opens (creating if needed) the ledger file for appending.
func NewLedger(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("billing: open token ledger: %w", err)
	}
	return &Ledger{f: f}, nil
}

// Record appends one usage line.
func (l *Ledger) Record(userID string, in, out, total int64) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s %d %d %d\n",
		time.Now().UTC().Format(time.RFC3339), userID, in, out, total)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(line); err != nil {
		slog.Warn("token ledger write failed", "user_id", userID, "err", err)
	}
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
