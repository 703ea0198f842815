package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paygrid/paygrid/log"
	"github.com/paygrid/paygrid/telemetry"
	"github.com/paygrid/paygrid/transaction"
)

// Publisher errors.
var (
	ErrChannelRequired        = errors.New("broker channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmBuffer sizes the confirmation channel. Publishes are serialized,
	// so a small buffer absorbs the occasional stale confirm.
	confirmBuffer = 16
)

// ConfirmableChannel is the AMQP channel surface the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher writes submission envelopes and terminal events to the broker,
// waiting for a confirm on every publish so an acknowledged submission is
// durably enqueued.
//
// Publish calls are serialized per instance: one publish+confirm flow at a
// time, which keeps confirm ordering without delivery-tag bookkeeping. Shard
// across instances for throughput.
//
// An abandoned confirm wait (timeout or cancellation) retires the instance:
// the channel is closed and further publishes fail with ErrPublisherClosed,
// since a late confirm could otherwise be paired with the wrong publish.
type Publisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	logger         log.Logger
	partitions     int
	confirmTimeout time.Duration

	publishMu sync.Mutex
	mu        sync.RWMutex
	closed    bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets a structured logger for the publisher.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPartitions sets the partition count submissions are hashed into.
func WithPartitions(partitions int) PublisherOption {
	return func(p *Publisher) {
		if partitions > 0 {
			p.partitions = partitions
		}
	}
}

// NewPublisher puts the channel into confirm mode and wires the confirmation
// stream. The channel must be dedicated to this publisher.
func NewPublisher(ch ConfirmableChannel, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub := &Publisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		logger:         log.NewNop(),
		partitions:     DefaultPartitions,
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	go pub.watchClose(closeNotify)

	return pub, nil
}

func (p *Publisher) watchClose(closeNotify chan *amqp.Error) {
	select {
	case amqpErr := <-closeNotify:
		if amqpErr != nil {
			p.logger.Log(context.Background(), log.LevelWarn, "publisher channel closed by broker",
				log.String("reason", amqpErr.Reason))
		}

		p.markClosed()
	case <-p.closedCh:
	}
}

func (p *Publisher) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() { close(p.closedCh) })
}

// PublishSubmission routes a submission envelope to its partition queue and
// waits for the broker confirm. The returned partition index is what the
// envelope's partition key hashed to.
func (p *Publisher) PublishSubmission(ctx context.Context, env transaction.Envelope) (int, error) {
	tracer := otel.Tracer(telemetry.TracerStream)

	ctx, span := tracer.Start(ctx, "stream.publish_submission")
	defer span.End()

	partition := PartitionFor(env.PartitionKey, p.partitions)

	span.SetAttributes(
		attribute.String(telemetry.AttrTransactionID, env.TransactionID),
		attribute.Int(telemetry.AttrPartition, partition),
	)

	body, err := json.Marshal(env)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to marshal submission envelope", err)

		return 0, fmt.Errorf("marshal submission envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.TransactionID,
		Timestamp:    env.SubmittedAt,
		Body:         body,
	}

	if err := p.publishAndWait(ctx, ExchangeTransactions, partitionRoutingKey(partition), msg); err != nil {
		telemetry.HandleSpanError(span, "failed to publish submission", err)

		return 0, err
	}

	p.logger.Log(ctx, log.LevelDebug, "submission published",
		log.String("transaction_id", env.TransactionID),
		log.Int("partition", partition))

	return partition, nil
}

// PublishEvent writes a terminal event to the events exchange, routed by
// outcome, and waits for the broker confirm.
func (p *Publisher) PublishEvent(ctx context.Context, event transaction.Event) error {
	tracer := otel.Tracer(telemetry.TracerStream)

	ctx, span := tracer.Start(ctx, "stream.publish_event")
	defer span.End()

	span.SetAttributes(
		attribute.String(telemetry.AttrTransactionID, event.TransactionID),
		attribute.String("event.type", event.EventType),
	)

	routingKey := RoutingKeyCompleted
	if event.EventType == transaction.EventFailed {
		routingKey = RoutingKeyFailed
	}

	body, err := json.Marshal(event)
	if err != nil {
		telemetry.HandleSpanError(span, "failed to marshal terminal event", err)

		return fmt.Errorf("marshal terminal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.TransactionID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.publishAndWait(ctx, ExchangeEvents, routingKey, msg); err != nil {
		telemetry.HandleSpanError(span, "failed to publish terminal event", err)

		return err
	}

	return nil
}

// publishAndWait sends one message and blocks until the broker confirms it.
func (p *Publisher) publishAndWait(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if p == nil {
		return ErrChannelRequired
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return ErrPublisherClosed
	}

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return p.waitForConfirm(ctx)
}

func (p *Publisher) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-p.closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		p.retireChannel("confirm timeout")

		return ErrConfirmTimeout

	case <-ctx.Done():
		p.retireChannel("confirm wait cancelled")

		return fmt.Errorf("confirm wait cancelled: %w", ctx.Err())
	}
}

// retireChannel closes the publisher after a confirm wait was abandoned. The
// broker may still deliver that confirm; a later publish would pair with it
// and misread the broker's answer, so once the confirm stream is out of step
// the channel cannot be trusted again.
func (p *Publisher) retireChannel(reason string) {
	p.logger.Log(context.Background(), log.LevelWarn, "retiring publisher channel, confirm stream out of step",
		log.String("reason", reason))

	p.markClosed()

	if err := p.ch.Close(); err != nil {
		p.logger.Log(context.Background(), log.LevelWarn, "failed to close retired channel", log.Err(err))
	}
}

// Close shuts the publisher down and closes its channel.
func (p *Publisher) Close() error {
	if p == nil {
		return ErrChannelRequired
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() { close(p.closedCh) })

	if alreadyClosed {
		return nil
	}

	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}
