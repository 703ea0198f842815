package stream

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/paygrid/paygrid/hashring"
)

const (
	// ExchangeTransactions receives submission envelopes, fanned into
	// partition queues by routing key.
	ExchangeTransactions = "paygrid.transactions"
	// ExchangeEvents receives terminal events for downstream subscribers.
	ExchangeEvents = "paygrid.transaction.events"

	// QueueEvents is the default terminal-events queue bound for
	// notification/audit collaborators.
	QueueEvents = "transaction_events"

	// RoutingKeyCompleted and RoutingKeyFailed classify terminal events on
	// the topic exchange.
	RoutingKeyCompleted = "transaction.completed"
	RoutingKeyFailed    = "transaction.failed"

	// DefaultPartitions is the fixed partition count. It never changes at
	// runtime; scaling is done by moving partition ownership, not by
	// resizing the hash space.
	DefaultPartitions = 16
)

// PartitionQueue returns the durable queue name for a partition index.
func PartitionQueue(partition int) string {
	return fmt.Sprintf("transactions.p%d", partition)
}

// PartitionFor maps a partition key to its partition index using the same
// hash as ring placement.
func PartitionFor(partitionKey string, partitions int) int {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}

	return int(hashring.Sum64(partitionKey) % uint64(partitions))
}

// partitionRoutingKey is the routing key submissions are published with.
func partitionRoutingKey(partition int) string {
	return fmt.Sprintf("p%d", partition)
}

// PartitionOwnerKey is the ring key a partition's node ownership is resolved
// with. Consumer assignment and the processor's ownership gate both resolve
// this key, so the node consuming a partition queue is the node that accepts
// its deliveries.
func PartitionOwnerKey(partition int) string {
	return fmt.Sprintf("partition:%d", partition)
}

// TopologyChannel is the subset of AMQP channel operations topology
// declaration needs.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// TopologyConfig sizes the channel topology.
type TopologyConfig struct {
	// Partitions is the fixed partition queue count.
	Partitions int
	// EventQueueTTL bounds how long unconsumed terminal events are retained.
	// Zero means no TTL.
	EventQueueTTL time.Duration
}

// DeclareTopology declares the exchanges, partition queues and bindings.
// Declaration is idempotent on the broker side; every node runs it at start.
func DeclareTopology(ch TopologyChannel, cfg TopologyConfig) error {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}

	if err := ch.ExchangeDeclare(ExchangeTransactions, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare transactions exchange: %w", err)
	}

	for partition := 0; partition < cfg.Partitions; partition++ {
		queue := PartitionQueue(partition)

		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare partition queue %s: %w", queue, err)
		}

		if err := ch.QueueBind(queue, partitionRoutingKey(partition), ExchangeTransactions, false, nil); err != nil {
			return fmt.Errorf("bind partition queue %s: %w", queue, err)
		}
	}

	if err := ch.ExchangeDeclare(ExchangeEvents, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare events exchange: %w", err)
	}

	var eventArgs amqp.Table
	if cfg.EventQueueTTL > 0 {
		eventArgs = amqp.Table{"x-message-ttl": cfg.EventQueueTTL.Milliseconds()}
	}

	if _, err := ch.QueueDeclare(QueueEvents, true, false, false, false, eventArgs); err != nil {
		return fmt.Errorf("declare events queue: %w", err)
	}

	if err := ch.QueueBind(QueueEvents, "transaction.*", ExchangeEvents, false, nil); err != nil {
		return fmt.Errorf("bind events queue: %w", err)
	}

	return nil
}
