package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paygrid/paygrid/ledger"
	"github.com/paygrid/paygrid/lock"
	"github.com/paygrid/paygrid/log"
	"github.com/paygrid/paygrid/store"
	"github.com/paygrid/paygrid/stream"
	"github.com/paygrid/paygrid/telemetry"
	"github.com/paygrid/paygrid/transaction"
)

// Construction errors.
var (
	ErrNilRing      = errors.New("owner resolver is nil")
	ErrNilLocks     = errors.New("lock manager is nil")
	ErrNilStore     = errors.New("transaction store is nil")
	ErrNilLedger    = errors.New("ledger client is nil")
	ErrNilPublisher = errors.New("event publisher is nil")
	ErrEmptyNodeID  = errors.New("node id cannot be empty")
)

// DefaultLockTTL bounds how long a crashed processor can block the
// transaction and its source account. It must comfortably exceed the worst
// case of two ledger calls plus compensation.
const DefaultLockTTL = 30 * time.Second

// OwnerResolver answers which node owns a key. The hash ring satisfies it.
type OwnerResolver interface {
	Owner(key string) (string, error)
}

// EventPublisher emits terminal events. The stream publisher satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event transaction.Event) error
}

// Processor settles transactions delivered from the event channel.
type Processor struct {
	ring    OwnerResolver
	locks   *lock.Manager
	store   store.TransactionStore
	ledger  ledger.Client
	events  EventPublisher
	nodeID  string
	lockTTL time.Duration
	logger  log.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLockTTL overrides the lock TTL used for both lock scopes.
func WithLockTTL(ttl time.Duration) Option {
	return func(p *Processor) {
		if ttl > 0 {
			p.lockTTL = ttl
		}
	}
}

// WithLogger sets a structured logger for the processor.
func WithLogger(logger log.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a processor for one node.
func New(
	ring OwnerResolver,
	locks *lock.Manager,
	txStore store.TransactionStore,
	ledgerClient ledger.Client,
	events EventPublisher,
	nodeID string,
	opts ...Option,
) (*Processor, error) {
	switch {
	case ring == nil:
		return nil, ErrNilRing
	case locks == nil:
		return nil, ErrNilLocks
	case txStore == nil:
		return nil, ErrNilStore
	case ledgerClient == nil:
		return nil, ErrNilLedger
	case events == nil:
		return nil, ErrNilPublisher
	case nodeID == "":
		return nil, ErrEmptyNodeID
	}

	proc := &Processor{
		ring:    ring,
		locks:   locks,
		store:   txStore,
		ledger:  ledgerClient,
		events:  events,
		nodeID:  nodeID,
		lockTTL: DefaultLockTTL,
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(proc)
		}
	}

	return proc, nil
}

// Handle processes one delivered envelope. It is the stream.Handler wired
// into the consumer. A nil return acks the delivery; stream.ErrRequeue puts
// it back on the partition queue.
func (p *Processor) Handle(ctx context.Context, partition int, env transaction.Envelope) error {
	tracer := otel.Tracer(telemetry.TracerProcessor)

	ctx, span := tracer.Start(ctx, "processor.handle")
	defer span.End()

	span.SetAttributes(
		attribute.String(telemetry.AttrTransactionID, env.TransactionID),
		attribute.Int(telemetry.AttrPartition, partition),
		attribute.String(telemetry.AttrNodeID, p.nodeID),
	)

	// Ownership gate. This resolves the same ring key the consumer's
	// partition assignment does, so the node consuming a partition queue is
	// the node that accepts its deliveries. Assignment can lag ring
	// membership; discarding here stops a node from processing a partition
	// that moved away from it.
	owner, err := p.ring.Owner(stream.PartitionOwnerKey(partition))
	if err != nil {
		telemetry.HandleSpanError(span, "failed to resolve partition owner", err)

		return fmt.Errorf("resolve partition owner: %w", err)
	}

	if owner != p.nodeID {
		telemetry.HandleSpanEvent(span, "delivery discarded: partition not owned",
			attribute.String("owner_node_id", owner))
		p.logger.Log(ctx, log.LevelDebug, "discarding delivery for non-owned partition",
			log.String("transaction_id", env.TransactionID),
			log.Int("partition", partition),
			log.String("owner_node_id", owner))

		return nil
	}

	// Idempotency gate. A terminal row means this delivery is a duplicate.
	tx, err := p.store.Get(ctx, env.TransactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The PENDING row is written before the envelope is published,
			// so a missing row is a read-replica or timing artifact. Requeue
			// rather than losing the transaction.
			p.logger.Log(ctx, log.LevelWarn, "transaction row not yet visible, requeueing",
				log.String("transaction_id", env.TransactionID))

			return stream.ErrRequeue
		}

		telemetry.HandleSpanError(span, "failed to load transaction", err)

		return fmt.Errorf("load transaction: %w", err)
	}

	if tx.Status != transaction.StatusPending {
		telemetry.HandleSpanEvent(span, "delivery discarded: already settled",
			attribute.String("status", string(tx.Status)))
		p.logger.Log(ctx, log.LevelDebug, "duplicate delivery for settled transaction",
			log.String("transaction_id", tx.ID),
			log.String("status", string(tx.Status)))

		return nil
	}

	// Lock scope covers the transaction and its source account, so two
	// transactions draining the same account cannot interleave their legs.
	txLock, acquired, err := p.locks.TryAcquire(ctx, transactionLockKey(tx.ID), p.lockTTL)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to acquire transaction lock", err)

		return fmt.Errorf("acquire transaction lock: %w", err)
	}

	if !acquired {
		return stream.ErrRequeue
	}

	defer p.release(ctx, txLock)

	accountLock, acquired, err := p.locks.TryAcquire(ctx, accountLockKey(tx.FromAccountID), p.lockTTL)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to acquire account lock", err)

		return fmt.Errorf("acquire account lock: %w", err)
	}

	if !acquired {
		return stream.ErrRequeue
	}

	defer p.release(ctx, accountLock)

	return p.execute(ctx, span, tx)
}

// execute runs the two ledger legs under the locks already held. A panic in
// either leg is converted to the same FAILED path as an ordinary leg error,
// with compensation when the debit had already applied.
func (p *Processor) execute(ctx context.Context, span trace.Span, tx transaction.Transaction) (err error) {
	debited := false

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("processing panic: %v", r)
			telemetry.HandleSpanError(span, "panic during ledger legs", panicErr)
			p.logger.Log(ctx, log.LevelError, "panic during ledger legs",
				log.String("transaction_id", tx.ID), log.Err(panicErr))

			if debited {
				err = p.compensateAndFail(ctx, tx, panicErr)

				return
			}

			err = p.fail(ctx, tx, reasonWith(transaction.ReasonDebitFailed, panicErr))
		}
	}()

	description := ledgerDescription(tx)

	if debitErr := p.ledger.Debit(ctx, tx.FromAccountID, tx.Amount, description); debitErr != nil {
		p.logger.Log(ctx, log.LevelInfo, "debit leg failed",
			log.String("transaction_id", tx.ID),
			log.String("account_id", tx.FromAccountID),
			log.Err(debitErr))

		return p.fail(ctx, tx, reasonWith(transaction.ReasonDebitFailed, debitErr))
	}

	debited = true

	if creditErr := p.ledger.Credit(ctx, tx.ToAccountID, tx.Amount, description); creditErr != nil {
		p.logger.Log(ctx, log.LevelInfo, "credit leg failed, compensating",
			log.String("transaction_id", tx.ID),
			log.String("account_id", tx.ToAccountID),
			log.Err(creditErr))

		return p.compensateAndFail(ctx, tx, creditErr)
	}

	return p.complete(ctx, tx)
}

// compensateAndFail undoes an applied debit with a credit back to the source
// account, then settles FAILED. A failed compensation is recorded under a
// distinguished reason so reconciliation tooling can flag it: the source
// account remains debited with no completed transaction.
func (p *Processor) compensateAndFail(ctx context.Context, tx transaction.Transaction, legErr error) error {
	compDescription := fmt.Sprintf("compensation for %s", tx.ReferenceID)

	if compErr := p.ledger.Credit(ctx, tx.FromAccountID, tx.Amount, compDescription); compErr != nil {
		p.logger.Log(ctx, log.LevelError, "compensation failed, manual reconciliation required",
			log.String("transaction_id", tx.ID),
			log.String("account_id", tx.FromAccountID),
			log.Err(compErr))

		return p.fail(ctx, tx, reasonWith(transaction.ReasonCompensationFailed, compErr))
	}

	return p.fail(ctx, tx, reasonWith(transaction.ReasonCreditFailed, legErr))
}

// fail settles the transaction FAILED and publishes the terminal event.
func (p *Processor) fail(ctx context.Context, tx transaction.Transaction, reason string) error {
	if err := p.store.Settle(ctx, tx.ID, transaction.StatusFailed, reason, nil); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Another attempt settled first; its event already went out.
			return nil
		}

		return fmt.Errorf("settle failed transaction: %w", err)
	}

	p.publishEvent(ctx, transaction.FailedEvent(tx, reason))

	return nil
}

// complete settles the transaction COMPLETED and publishes the terminal event.
func (p *Processor) complete(ctx context.Context, tx transaction.Transaction) error {
	completedAt := time.Now().UTC()

	if err := p.store.Settle(ctx, tx.ID, transaction.StatusCompleted, "", &completedAt); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}

		return fmt.Errorf("settle completed transaction: %w", err)
	}

	tx.Status = transaction.StatusCompleted
	tx.CompletedAt = &completedAt

	p.publishEvent(ctx, transaction.CompletedEvent(tx))

	p.logger.Log(ctx, log.LevelInfo, "transaction completed",
		log.String("transaction_id", tx.ID),
		log.String("reference_id", tx.ReferenceID))

	return nil
}

// publishEvent is best-effort: the settle already won, and a redelivery
// would hit the idempotency gate without republishing, so an event publish
// failure is logged rather than failing the delivery.
func (p *Processor) publishEvent(ctx context.Context, event transaction.Event) {
	if err := p.events.PublishEvent(ctx, event); err != nil {
		p.logger.Log(ctx, log.LevelError, "failed to publish terminal event",
			log.String("transaction_id", event.TransactionID),
			log.String("event_type", event.EventType),
			log.Err(err))
	}
}

func (p *Processor) release(ctx context.Context, handle *lock.Handle) {
	if err := handle.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		p.logger.Log(ctx, log.LevelWarn, "failed to release lock", log.Err(err))
	}
}

func transactionLockKey(id string) string {
	return "txn:" + id
}

func accountLockKey(accountID string) string {
	return "account:" + accountID
}

func ledgerDescription(tx transaction.Transaction) string {
	if tx.Description != "" {
		return tx.Description
	}

	return string(tx.Type) + " " + tx.ReferenceID
}

// reasonWith appends the leg error detail to a reason prefix. The prefix is
// what classifies the failure; the detail is for humans reading the row.
func reasonWith(prefix string, err error) string {
	if err == nil {
		return prefix
	}

	return prefix + ": " + err.Error()
}
