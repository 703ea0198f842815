package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paygrid/paygrid/log"
	"github.com/paygrid/paygrid/store"
	"github.com/paygrid/paygrid/telemetry"
	"github.com/paygrid/paygrid/transaction"
)

// SubmissionPublisher routes a submission envelope to its partition queue.
// The stream publisher satisfies it.
type SubmissionPublisher interface {
	PublishSubmission(ctx context.Context, env transaction.Envelope) (int, error)
}

// Submitter creates the PENDING record and hands the transaction to the
// event channel. The record is written before the envelope is published so
// the processor's idempotency gate always has a row to load.
type Submitter struct {
	store     store.TransactionStore
	publisher SubmissionPublisher
	nodeID    string
	logger    log.Logger
}

// NewSubmitter creates a submitter for one node.
func NewSubmitter(txStore store.TransactionStore, publisher SubmissionPublisher, nodeID string, logger log.Logger) (*Submitter, error) {
	switch {
	case txStore == nil:
		return nil, ErrNilStore
	case publisher == nil:
		return nil, ErrNilPublisher
	case nodeID == "":
		return nil, ErrEmptyNodeID
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Submitter{
		store:     txStore,
		publisher: publisher,
		nodeID:    nodeID,
		logger:    logger,
	}, nil
}

// Submit validates and records a new transfer, then publishes its envelope.
// The returned transaction is PENDING; the submitter observes settlement
// only through the status field on later reads.
func (s *Submitter) Submit(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal, currency string, txType transaction.Type, description string) (transaction.Transaction, error) {
	tx, err := transaction.New(fromAccountID, toAccountID, amount, currency, txType, description, s.nodeID)
	if err != nil {
		return transaction.Transaction{}, err
	}

	return tx, s.publish(ctx, tx, true)
}

// Resubmit republishes the envelope of an existing PENDING transaction,
// for recovery after a submit whose publish leg failed.
func (s *Submitter) Resubmit(ctx context.Context, id string) error {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if tx.Status != transaction.StatusPending {
		return fmt.Errorf("transaction %s is already %s: %w", id, tx.Status, store.ErrInvalidTransition)
	}

	return s.publish(ctx, tx, false)
}

func (s *Submitter) publish(ctx context.Context, tx transaction.Transaction, create bool) error {
	tracer := otel.Tracer(telemetry.TracerProcessor)

	ctx, span := tracer.Start(ctx, "processor.submit")
	defer span.End()

	span.SetAttributes(attribute.String(telemetry.AttrTransactionID, tx.ID))

	if create {
		if err := s.store.Create(ctx, tx); err != nil && !errors.Is(err, store.ErrDuplicateID) {
			telemetry.HandleSpanError(span, "failed to create transaction record", err)

			return fmt.Errorf("create transaction record: %w", err)
		}
	}

	partition, err := s.publisher.PublishSubmission(ctx, transaction.NewEnvelope(tx))
	if err != nil {
		telemetry.HandleSpanError(span, "failed to publish submission", err)

		// The PENDING row exists; Resubmit recovers it.
		return fmt.Errorf("publish submission for %s: %w", tx.ID, err)
	}

	s.logger.Log(ctx, log.LevelInfo, "transaction submitted",
		log.String("transaction_id", tx.ID),
		log.String("reference_id", tx.ReferenceID),
		log.Int("partition", partition))

	return nil
}
