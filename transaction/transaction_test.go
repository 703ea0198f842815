package transaction

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidTransaction(t *testing.T) {
	t.Parallel()

	tx, err := New("acc-a", "acc-b", decimal.NewFromInt(100), "usd", TypeTransfer, "rent", "node1")
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, "USD", tx.Currency, "currency is normalized to upper case")
	assert.Equal(t, "acc-a", tx.PartitionKey, "partition key defaults to source account")
	assert.Equal(t, "node1", tx.OwnerNodeID)
	assert.True(t, strings.HasPrefix(tx.ReferenceID, "TXN-"))
	assert.Len(t, tx.ReferenceID, len("TXN-")+12)
	assert.Nil(t, tx.CompletedAt)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from     string
		to       string
		amount   decimal.Decimal
		currency string
		wantErr  error
	}{
		{name: "zero amount", from: "a", to: "b", amount: decimal.Zero, currency: "USD", wantErr: ErrInvalidAmount},
		{name: "negative amount", from: "a", to: "b", amount: decimal.NewFromInt(-5), currency: "USD", wantErr: ErrInvalidAmount},
		{name: "bad currency", from: "a", to: "b", amount: decimal.NewFromInt(5), currency: "US", wantErr: ErrInvalidCurrency},
		{name: "numeric currency", from: "a", to: "b", amount: decimal.NewFromInt(5), currency: "U5D", wantErr: ErrInvalidCurrency},
		{name: "missing source", from: "", to: "b", amount: decimal.NewFromInt(5), currency: "USD", wantErr: ErrMissingAccount},
		{name: "same account", from: "a", to: "a", amount: decimal.NewFromInt(5), currency: "USD", wantErr: ErrSameAccount},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.from, tt.to, tt.amount, tt.currency, TypeTransfer, "", "node1")
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusReversed, false},
		{StatusPending, StatusPending, false},
		{StatusCompleted, StatusReversed, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusPending, false},
		{StatusReversed, StatusCompleted, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusReversed.Terminal())
}

func TestEnvelopeCarriesOrderingKey(t *testing.T) {
	t.Parallel()

	tx, err := New("acc-a", "acc-b", decimal.RequireFromString("100.00"), "USD", TypePayment, "", "node2")
	require.NoError(t, err)

	env := NewEnvelope(tx)

	assert.Equal(t, tx.ID, env.TransactionID)
	assert.Equal(t, tx.PartitionKey, env.PartitionKey)
	assert.Equal(t, "node2", env.SourceNodeID)
	assert.False(t, env.SubmittedAt.IsZero())
}

func TestTerminalEvents(t *testing.T) {
	t.Parallel()

	tx, err := New("acc-a", "acc-b", decimal.RequireFromString("42.50"), "EUR", TypeTransfer, "", "node1")
	require.NoError(t, err)

	completed := CompletedEvent(tx)
	assert.Equal(t, EventCompleted, completed.EventType)
	assert.Equal(t, tx.ReferenceID, completed.ReferenceID)
	assert.True(t, completed.Amount.Equal(tx.Amount))

	failed := FailedEvent(tx, ReasonDebitFailed)
	assert.Equal(t, EventFailed, failed.EventType)
	assert.Equal(t, ReasonDebitFailed, failed.Reason)
	assert.Empty(t, failed.FromAccountID, "failure events omit leg fields")
}
