package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/paygrid/paygrid/transaction"
)

// Schema is the DDL for the transactions table. Schema ownership sits with
// the account/ledger deployment; this constant is shipped for operators.
const Schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id              TEXT PRIMARY KEY,
    from_account_id TEXT NOT NULL,
    to_account_id   TEXT NOT NULL,
    amount          NUMERIC(20, 4) NOT NULL CHECK (amount > 0),
    currency        CHAR(3) NOT NULL,
    transaction_type TEXT NOT NULL,
    status          TEXT NOT NULL,
    reference_id    TEXT NOT NULL UNIQUE,
    description     TEXT,
    failure_reason  TEXT,
    node_id         TEXT,
    partition_key   TEXT,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status);
CREATE INDEX IF NOT EXISTS idx_transactions_from_account ON transactions (from_account_id);
`

// DBTX is implemented by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres is the production TransactionStore backed by the ledger database.
type Postgres struct {
	db DBTX
}

// NewPostgres creates a store over an open database handle.
func NewPostgres(db DBTX) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("database handle is nil")
	}

	return &Postgres{db: db}, nil
}

const insertSQL = `
INSERT INTO transactions (
    id, from_account_id, to_account_id, amount, currency, transaction_type,
    status, reference_id, description, node_id, partition_key, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`

const getSQL = `
SELECT id, from_account_id, to_account_id, amount, currency, transaction_type,
       status, reference_id, COALESCE(description, ''), COALESCE(failure_reason, ''),
       COALESCE(node_id, ''), COALESCE(partition_key, ''), created_at, updated_at, completed_at
FROM transactions
WHERE id = $1;`

// settleSQL guards the monotone state machine in the store itself: the
// update only applies while the row is still PENDING, so concurrent or
// redelivered settles collapse to one winner.
const settleSQL = `
UPDATE transactions
SET status = $2, failure_reason = NULLIF($3, ''), completed_at = $4, updated_at = $5
WHERE id = $1 AND status = $6;`

// Create inserts a new PENDING transaction row.
func (p *Postgres) Create(ctx context.Context, tx transaction.Transaction) error {
	_, err := p.db.ExecContext(ctx, insertSQL,
		tx.ID, tx.FromAccountID, tx.ToAccountID, tx.Amount, tx.Currency, string(tx.Type),
		string(tx.Status), tx.ReferenceID, nullableString(tx.Description),
		nullableString(tx.OwnerNodeID), nullableString(tx.PartitionKey),
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", ErrDuplicateID, tx.ID)
		}

		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

// Get loads a transaction by id.
func (p *Postgres) Get(ctx context.Context, id string) (transaction.Transaction, error) {
	var (
		tx          transaction.Transaction
		txType      string
		status      string
		completedAt sql.NullTime
	)

	err := p.db.QueryRowContext(ctx, getSQL, id).Scan(
		&tx.ID, &tx.FromAccountID, &tx.ToAccountID, &tx.Amount, &tx.Currency, &txType,
		&status, &tx.ReferenceID, &tx.Description, &tx.FailureReason,
		&tx.OwnerNodeID, &tx.PartitionKey, &tx.CreatedAt, &tx.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transaction.Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return transaction.Transaction{}, fmt.Errorf("load transaction: %w", err)
	}

	tx.Type = transaction.Type(txType)
	tx.Status = transaction.Status(status)

	if completedAt.Valid {
		completed := completedAt.Time

		tx.CompletedAt = &completed
	}

	return tx, nil
}

// Settle moves a PENDING transaction to a terminal status.
func (p *Postgres) Settle(ctx context.Context, id string, status transaction.Status, reason string, completedAt *time.Time) error {
	if !transaction.StatusPending.CanTransitionTo(status) {
		return fmt.Errorf("%w: PENDING -> %s", ErrInvalidTransition, status)
	}

	result, err := p.db.ExecContext(ctx, settleSQL,
		id, string(status), reason, completedAt, time.Now().UTC(), string(transaction.StatusPending))
	if err != nil {
		return fmt.Errorf("settle transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle transaction rows: %w", err)
	}

	if affected == 0 {
		// Row missing or already terminal; distinguish for the caller.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}

		return ErrInvalidTransition
	}

	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

var _ TransactionStore = (*Postgres)(nil)
