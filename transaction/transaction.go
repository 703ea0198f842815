package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a transaction.
//
// Transitions are monotone:
//
//	PENDING → COMPLETED | FAILED
//	COMPLETED → REVERSED (administrative reversal only)
//
// FAILED and REVERSED are terminal. No transition out of a terminal state is
// permitted.
type Status string

const (
	// StatusPending marks a transaction submitted but not yet settled.
	StatusPending Status = "PENDING"
	// StatusCompleted marks a transaction whose debit and credit legs both applied.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks a transaction that was rejected or rolled back.
	StatusFailed Status = "FAILED"
	// StatusReversed marks a completed transaction undone by an administrative reversal.
	StatusReversed Status = "REVERSED"
)

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		// Reachable only via an out-of-band administrative reversal.
		return next == StatusReversed
	default:
		return false
	}
}

// Terminal reports whether the status admits no further processing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// Type classifies the business intent of a transaction.
type Type string

const (
	TypeTransfer   Type = "TRANSFER"
	TypePayment    Type = "PAYMENT"
	TypeDeposit    Type = "DEPOSIT"
	TypeWithdrawal Type = "WITHDRAWAL"
	TypeRefund     Type = "REFUND"
)

// Validation errors for transaction construction.
var (
	ErrInvalidAmount   = errors.New("transaction amount must be positive")
	ErrInvalidCurrency = errors.New("transaction currency must be a 3-letter ISO code")
	ErrMissingAccount  = errors.New("transaction requires both source and destination accounts")
	ErrSameAccount     = errors.New("transaction source and destination accounts must differ")
)

// Transaction is the append-only record of one money movement. It is created
// PENDING by the submission layer, mutated exclusively by the processor, and
// never deleted.
type Transaction struct {
	ID            string          `json:"id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Type          Type            `json:"transaction_type"`
	Status        Status          `json:"status"`
	ReferenceID   string          `json:"reference_id"`
	Description   string          `json:"description,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	OwnerNodeID   string          `json:"node_id,omitempty"`
	PartitionKey  string          `json:"partition_key,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// New creates a PENDING transaction. The partition key defaults to the source
// account so all movements out of one account share channel ordering and ring
// ownership.
func New(fromAccountID, toAccountID string, amount decimal.Decimal, currency string, txType Type, description, ownerNodeID string) (Transaction, error) {
	if fromAccountID == "" || toAccountID == "" {
		return Transaction{}, ErrMissingAccount
	}

	if fromAccountID == toAccountID {
		return Transaction{}, ErrSameAccount
	}

	if !amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !validCurrency(currency) {
		return Transaction{}, ErrInvalidCurrency
	}

	if txType == "" {
		txType = TypeTransfer
	}

	now := time.Now().UTC()

	return Transaction{
		ID:            uuid.NewString(),
		FromAccountID: fromAccountID,
		ToAccountID:   toAccountID,
		Amount:        amount,
		Currency:      currency,
		Type:          txType,
		Status:        StatusPending,
		ReferenceID:   NewReferenceID(),
		Description:   description,
		OwnerNodeID:   ownerNodeID,
		PartitionKey:  fromAccountID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NewReferenceID generates a human-auditable unique reference such as
// "TXN-9F2C41AB03D7".
func NewReferenceID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")

	return fmt.Sprintf("TXN-%s", strings.ToUpper(raw[:12]))
}

func validCurrency(currency string) bool {
	if len(currency) != 3 {
		return false
	}

	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return false
		}
	}

	return true
}
