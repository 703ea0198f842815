package processor

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygrid/paygrid/store"
	"github.com/paygrid/paygrid/transaction"
)

type fakeSubmissionPublisher struct {
	mu        sync.Mutex
	envelopes []transaction.Envelope
	err       error
}

func (f *fakeSubmissionPublisher) PublishSubmission(_ context.Context, env transaction.Envelope) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}

	f.envelopes = append(f.envelopes, env)

	return 3, nil
}

func (f *fakeSubmissionPublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.envelopes)
}

func TestSubmitCreatesPendingRowAndPublishes(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	pub := &fakeSubmissionPublisher{}

	sub, err := NewSubmitter(mem, pub, "node1", nil)
	require.NoError(t, err)

	tx, err := sub.Submit(context.Background(), "acc-a", "acc-b", decimal.NewFromInt(250), "EUR", transaction.TypePayment, "invoice 88")
	require.NoError(t, err)

	assert.Equal(t, transaction.StatusPending, tx.Status)
	assert.Equal(t, "node1", tx.OwnerNodeID)
	assert.Equal(t, "acc-a", tx.PartitionKey)

	loaded, err := mem.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPending, loaded.Status)

	require.Equal(t, 1, pub.count())
	assert.Equal(t, tx.ID, pub.envelopes[0].TransactionID)
	assert.Equal(t, tx.PartitionKey, pub.envelopes[0].PartitionKey)
}

func TestSubmitRejectsInvalidTransaction(t *testing.T) {
	t.Parallel()

	sub, err := NewSubmitter(store.NewMemory(), &fakeSubmissionPublisher{}, "node1", nil)
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), "acc-a", "acc-a", decimal.NewFromInt(10), "USD", transaction.TypeTransfer, "")
	require.ErrorIs(t, err, transaction.ErrSameAccount)

	_, err = sub.Submit(context.Background(), "acc-a", "acc-b", decimal.NewFromInt(-10), "USD", transaction.TypeTransfer, "")
	require.ErrorIs(t, err, transaction.ErrInvalidAmount)
}

func TestSubmitPublishFailureLeavesRecoverableRow(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	pub := &fakeSubmissionPublisher{err: assert.AnError}

	sub, err := NewSubmitter(mem, pub, "node1", nil)
	require.NoError(t, err)

	tx, err := sub.Submit(context.Background(), "acc-a", "acc-b", decimal.NewFromInt(50), "USD", transaction.TypeTransfer, "")
	require.Error(t, err)

	// The PENDING row survived the failed publish.
	loaded, getErr := mem.Get(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, transaction.StatusPending, loaded.Status)

	// Resubmit recovers once the channel is back.
	pub.err = nil
	require.NoError(t, sub.Resubmit(context.Background(), tx.ID))
	assert.Equal(t, 1, pub.count())
}

func TestResubmitRejectsSettledTransaction(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	pub := &fakeSubmissionPublisher{}

	sub, err := NewSubmitter(mem, pub, "node1", nil)
	require.NoError(t, err)

	tx, err := sub.Submit(context.Background(), "acc-a", "acc-b", decimal.NewFromInt(50), "USD", transaction.TypeTransfer, "")
	require.NoError(t, err)

	require.NoError(t, mem.Settle(context.Background(), tx.ID, transaction.StatusCompleted, "", nil))

	err = sub.Resubmit(context.Background(), tx.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestResubmitMissingTransaction(t *testing.T) {
	t.Parallel()

	sub, err := NewSubmitter(store.NewMemory(), &fakeSubmissionPublisher{}, "node1", nil)
	require.NoError(t, err)

	require.ErrorIs(t, sub.Resubmit(context.Background(), "nope"), store.ErrNotFound)
}
