// Package ledger meters usage against prepaid credit balances. The debit path
// is a single guarded statement so concurrent readers never observe a partial
// debit.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientCredits is returned when a debit would take a balance
// negative. It is distinct from infrastructure failures so callers can tell
// "not enough money" apart from "the ledger is broken".
var ErrInsufficientCredits = errors.New("insufficient credits")

// Transaction is one append-only ledger entry. Amount is signed: debits are
// negative, grants positive.
type Transaction struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Amount       float64   `json:"amount"`
	Reason       string    `json:"reason"`
	BalanceAfter float64   `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger is the credit balance collaborator. Debit must be atomic: either the
// full amount is taken and recorded, or nothing changes.
type Ledger interface {
	Balance(ctx context.Context, userID string) (float64, error)
	Debit(ctx context.Context, userID string, amount float64, reason string) (newBalance float64, err error)
	Grant(ctx context.Context, userID string, amount float64, reason string) (newBalance float64, err error)
	History(ctx context.Context, userID string, limit int) ([]Transaction, error)
}
