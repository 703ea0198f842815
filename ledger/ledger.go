package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Typed ledger failures. The processor maps these to opaque reason strings
// before they cross the asynchronous boundary.
var (
	// ErrAccountNotFound means the account id does not exist in the ledger.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountNotActive means the account exists but cannot transact.
	ErrAccountNotActive = errors.New("account is not active")
	// ErrInsufficientFunds means a debit would take the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnavailable means the ledger store could not be reached or answered
	// with a server error; the outcome of the call is unknown.
	ErrUnavailable = errors.New("ledger store unavailable")
)

// Client is the debit/credit contract owned by the external account layer.
//
// A debit accepted by the ledger must never take the balance negative; that
// invariant is enforced on the ledger side, surfacing here as
// ErrInsufficientFunds.
type Client interface {
	// Debit removes amount from the account's balance.
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, description string) error

	// Credit adds amount to the account's balance.
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, description string) error
}
