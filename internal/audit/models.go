package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Attempt is one terminal strike outcome for an opportunity fingerprint.
// The log is append-only: one row per terminal outcome, written once.
type Attempt struct {
	ID          int64
	Fingerprint string
	WorkerID    string
	ResourceID  string
	Source      string
	Listing     string
	Category    string
	Price       decimal.Decimal
	Outcome     string // won | lost | error
	Token       *string
	Error       *string
	StartedAt   time.Time
	FinishedAt  time.Time
	CreatedAt   time.Time
}

const (
	OutcomeWon   = "won"
	OutcomeLost  = "lost"
	OutcomeError = "error"
)
