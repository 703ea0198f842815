package store

import (
	"context"
	"sync"
	"time"

	"github.com/paygrid/paygrid/transaction"
)

// Memory is an in-process TransactionStore used by tests and single-node
// development mode. It enforces the same monotone settle semantics as the
// Postgres implementation.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]transaction.Transaction
	refs map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rows: make(map[string]transaction.Transaction),
		refs: make(map[string]struct{}),
	}
}

// Create inserts a new PENDING transaction row.
func (m *Memory) Create(_ context.Context, tx transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[tx.ID]; ok {
		return ErrDuplicateID
	}

	if _, ok := m.refs[tx.ReferenceID]; ok {
		return ErrDuplicateID
	}

	m.rows[tx.ID] = tx
	m.refs[tx.ReferenceID] = struct{}{}

	return nil
}

// Get loads a transaction by id.
func (m *Memory) Get(_ context.Context, id string) (transaction.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.rows[id]
	if !ok {
		return transaction.Transaction{}, ErrNotFound
	}

	return tx, nil
}

// Settle moves a PENDING transaction to a terminal status.
func (m *Memory) Settle(_ context.Context, id string, status transaction.Status, reason string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}

	if !tx.Status.CanTransitionTo(status) {
		return ErrInvalidTransition
	}

	tx.Status = status
	tx.FailureReason = reason
	tx.CompletedAt = completedAt
	tx.UpdatedAt = time.Now().UTC()
	m.rows[id] = tx

	return nil
}

var _ TransactionStore = (*Memory)(nil)
