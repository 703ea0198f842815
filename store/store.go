package store

import (
	"context"
	"errors"
	"time"

	"github.com/paygrid/paygrid/transaction"
)

var (
	// ErrNotFound is returned when no transaction row exists for the id.
	ErrNotFound = errors.New("transaction not found")
	// ErrDuplicateID is returned when creating a transaction whose id or
	// reference id already exists.
	ErrDuplicateID = errors.New("transaction already exists")
	// ErrInvalidTransition is returned when a settle update would leave the
	// monotone state machine (the row is no longer PENDING).
	ErrInvalidTransition = errors.New("invalid transaction status transition")
)

// TransactionStore is the row CRUD contract against the ledger store.
type TransactionStore interface {
	// Create inserts a new PENDING transaction row.
	Create(ctx context.Context, tx transaction.Transaction) error

	// Get loads a transaction by id.
	Get(ctx context.Context, id string) (transaction.Transaction, error)

	// Settle moves a PENDING transaction to a terminal status, stamping the
	// failure reason and completion time where applicable. It must refuse to
	// touch rows that already left PENDING so redeliveries stay idempotent.
	Settle(ctx context.Context, id string, status transaction.Status, reason string, completedAt *time.Time) error
}
