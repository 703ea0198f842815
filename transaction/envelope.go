package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types published on the terminal events topic.
const (
	EventCompleted = "transaction_completed"
	EventFailed    = "transaction_failed"
)

// Terminal failure reasons. These cross the asynchronous boundary as opaque
// strings; submitters never see typed errors.
const (
	// ReasonDebitFailed records a rejected or unavailable debit leg.
	ReasonDebitFailed = "failed to debit source account"
	// ReasonCreditFailed records a rejected credit leg whose debit was
	// successfully compensated.
	ReasonCreditFailed = "failed to credit destination account"
	// ReasonCompensationFailed prefixes the most severe failure class: the
	// debit applied, the credit failed, and the compensating credit back to
	// the source also failed. Funds are debited with no completed
	// transaction. The prefix is deliberately distinguishable from ordinary
	// ledger failures so reconciliation tooling can flag it.
	ReasonCompensationFailed = "compensation failed: source account remains debited, manual reconciliation required"
)

// Envelope is the message published on the transactions topic at submission
// time, keyed by the partition key.
type Envelope struct {
	TransactionID string          `json:"transaction_id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Type          Type            `json:"transaction_type"`
	ReferenceID   string          `json:"reference_id"`
	Description   string          `json:"description,omitempty"`
	PartitionKey  string          `json:"partition_key"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	SourceNodeID  string          `json:"source_node_id,omitempty"`
}

// NewEnvelope builds the submission envelope for a transaction.
func NewEnvelope(tx Transaction) Envelope {
	return Envelope{
		TransactionID: tx.ID,
		FromAccountID: tx.FromAccountID,
		ToAccountID:   tx.ToAccountID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Type:          tx.Type,
		ReferenceID:   tx.ReferenceID,
		Description:   tx.Description,
		PartitionKey:  tx.PartitionKey,
		SubmittedAt:   time.Now().UTC(),
		SourceNodeID:  tx.OwnerNodeID,
	}
}

// Event is the terminal message published on the transaction events topic
// once a transaction settles. Downstream collaborators (notifications,
// audit) subscribe to these.
type Event struct {
	EventType     string          `json:"event_type"`
	TransactionID string          `json:"transaction_id"`
	ReferenceID   string          `json:"reference_id"`
	FromAccountID string          `json:"from_account_id,omitempty"`
	ToAccountID   string          `json:"to_account_id,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// CompletedEvent builds the terminal event for a settled transaction.
func CompletedEvent(tx Transaction) Event {
	return Event{
		EventType:     EventCompleted,
		TransactionID: tx.ID,
		ReferenceID:   tx.ReferenceID,
		FromAccountID: tx.FromAccountID,
		ToAccountID:   tx.ToAccountID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		CompletedAt:   tx.CompletedAt,
	}
}

// FailedEvent builds the terminal event for a failed transaction.
func FailedEvent(tx Transaction, reason string) Event {
	return Event{
		EventType:     EventFailed,
		TransactionID: tx.ID,
		ReferenceID:   tx.ReferenceID,
		Reason:        reason,
	}
}
