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

	"github.com/paygrid/paygrid/backoff"
	"github.com/paygrid/paygrid/log"
	"github.com/paygrid/paygrid/telemetry"
	"github.com/paygrid/paygrid/transaction"
)

var (
	// ErrRequeue is returned by a handler to signal that the delivery must go
	// back on its partition queue for a later attempt, typically because a
	// lock is contended. The consumer nacks with requeue and pauses briefly
	// so the redelivery does not spin hot.
	ErrRequeue = errors.New("delivery must be requeued")

	// ErrNilHandler is returned when the consumer is started without a handler.
	ErrNilHandler = errors.New("delivery handler is nil")
	// ErrNoPartitions is returned when this node owns no partitions.
	ErrNoPartitions = errors.New("no partitions assigned to this node")
)

const (
	// defaultPrefetch is per-partition: one unacked delivery at a time keeps
	// partition order strict.
	defaultPrefetch = 1

	// requeuePauseBase seeds the jittered pause after a requeue, so a
	// contended message is not redelivered in a tight loop.
	requeuePauseBase = 200 * time.Millisecond
)

// Handler processes one submission envelope. A nil return acks the delivery;
// ErrRequeue nacks it back onto the queue; any other error also requeues,
// since delivery is at-least-once and the handler is idempotent.
type Handler func(ctx context.Context, partition int, env transaction.Envelope) error

// PartitionOwner resolves which node owns a key. The hash ring satisfies it.
type PartitionOwner interface {
	Owner(key string) (string, error)
}

// ConsumerChannel is the AMQP channel surface the consumer needs.
type ConsumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer pulls submission envelopes from this node's partition queues and
// feeds them to a handler, one in-flight delivery per partition. Deliveries
// are acked only after the handler returns, so a crash mid-handler leaves
// the message on the queue for redelivery.
type Consumer struct {
	ch         ConsumerChannel
	ring       PartitionOwner
	nodeID     string
	partitions int
	prefetch   int
	handler    Handler
	logger     log.Logger

	wg sync.WaitGroup
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets a structured logger for the consumer.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerPartitions sets the total partition count.
func WithConsumerPartitions(partitions int) ConsumerOption {
	return func(c *Consumer) {
		if partitions > 0 {
			c.partitions = partitions
		}
	}
}

// WithPrefetch sets the per-partition unacked delivery window. Values above
// one trade partition-order strictness for throughput.
func WithPrefetch(prefetch int) ConsumerOption {
	return func(c *Consumer) {
		if prefetch > 0 {
			c.prefetch = prefetch
		}
	}
}

// NewConsumer creates a consumer for the given node.
func NewConsumer(ch ConsumerChannel, ring PartitionOwner, nodeID string, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if handler == nil {
		return nil, ErrNilHandler
	}

	consumer := &Consumer{
		ch:         ch,
		ring:       ring,
		nodeID:     nodeID,
		partitions: DefaultPartitions,
		prefetch:   defaultPrefetch,
		handler:    handler,
		logger:     log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	return consumer, nil
}

// Assignment returns the partition indexes this node owns on the ring.
// Partition identity is hashed the same way as any other ring key, so
// assignment moves with membership exactly as data ownership does.
func (c *Consumer) Assignment() ([]int, error) {
	assigned := make([]int, 0, c.partitions)

	for partition := 0; partition < c.partitions; partition++ {
		owner, err := c.ring.Owner(PartitionOwnerKey(partition))
		if err != nil {
			return nil, fmt.Errorf("resolve partition owner: %w", err)
		}

		if owner == c.nodeID {
			assigned = append(assigned, partition)
		}
	}

	return assigned, nil
}

// Start begins consuming from every assigned partition queue. It returns
// after the consumers are registered; processing runs in one goroutine per
// partition until ctx is cancelled. Use Wait to block for the drain.
func (c *Consumer) Start(ctx context.Context) error {
	assigned, err := c.Assignment()
	if err != nil {
		return err
	}

	if len(assigned) == 0 {
		return ErrNoPartitions
	}

	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set channel qos: %w", err)
	}

	c.logger.Log(ctx, log.LevelInfo, "starting partition consumers",
		log.String("node_id", c.nodeID),
		log.Int("assigned_partitions", len(assigned)))

	for _, partition := range assigned {
		deliveries, err := c.ch.ConsumeWithContext(
			ctx,
			PartitionQueue(partition),
			fmt.Sprintf("%s-p%d", c.nodeID, partition),
			false, false, false, false, nil,
		)
		if err != nil {
			return fmt.Errorf("consume partition %d: %w", partition, err)
		}

		c.wg.Add(1)

		go c.consumePartition(ctx, partition, deliveries)
	}

	return nil
}

// Wait blocks until every partition goroutine has finished its in-flight
// delivery and exited. Call after cancelling the Start context.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// consumePartition processes one partition's deliveries in order. The loop
// exits when the delivery channel closes, which happens on context
// cancellation or channel teardown; the in-flight handler always finishes.
func (c *Consumer) consumePartition(ctx context.Context, partition int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	attempt := 0

	for delivery := range deliveries {
		if c.handleDelivery(ctx, partition, delivery) {
			attempt = 0

			continue
		}

		// Requeued: pause with jitter before the broker redelivers, so a
		// contended partition key does not spin.
		attempt++

		pause := backoff.ExponentialWithJitter(requeuePauseBase, attempt)
		if err := backoff.SleepWithContext(ctx, pause); err != nil {
			return
		}
	}
}

// handleDelivery runs the handler for one delivery and settles it with the
// broker. Returns false when the delivery was requeued.
func (c *Consumer) handleDelivery(ctx context.Context, partition int, delivery amqp.Delivery) bool {
	tracer := otel.Tracer(telemetry.TracerStream)

	ctx, span := tracer.Start(ctx, "stream.handle_delivery")
	defer span.End()

	span.SetAttributes(
		attribute.Int(telemetry.AttrPartition, partition),
		attribute.String(telemetry.AttrNodeID, c.nodeID),
	)

	var env transaction.Envelope

	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		// Malformed payloads can never succeed; drop instead of poisoning
		// the partition with endless redeliveries.
		telemetry.HandleSpanError(span, "dropping malformed envelope", err)
		c.logger.Log(ctx, log.LevelError, "dropping malformed envelope",
			log.Int("partition", partition), log.Err(err))

		c.reject(ctx, delivery, false)

		return true
	}

	span.SetAttributes(attribute.String(telemetry.AttrTransactionID, env.TransactionID))

	err := c.handler(ctx, partition, env)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to ack delivery",
				log.String("transaction_id", env.TransactionID), log.Err(ackErr))
		}

		return true
	}

	if errors.Is(err, ErrRequeue) {
		c.logger.Log(ctx, log.LevelDebug, "requeueing delivery",
			log.String("transaction_id", env.TransactionID),
			log.Int("partition", partition))
	} else {
		telemetry.HandleSpanError(span, "handler failed, requeueing delivery", err)
		c.logger.Log(ctx, log.LevelError, "handler failed, requeueing delivery",
			log.String("transaction_id", env.TransactionID),
			log.Int("partition", partition), log.Err(err))
	}

	c.reject(ctx, delivery, true)

	return false
}

func (c *Consumer) reject(ctx context.Context, delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to nack delivery", log.Err(err))
	}
}
