// Package stream is the durable, partition-ordered event channel connecting
// transaction submission to transaction processing.
//
// Topology: submissions land on a direct exchange fanned into a fixed set of
// partition queues; the partition is derived from the envelope's partition
// key with the same hash the ring uses, so messages sharing a partition key
// are delivered in submission order to a single consumer at a time. Terminal
// events go to a topic exchange that downstream collaborators (notifications,
// audit) bind to.
//
// Delivery is at-least-once: publishers wait for broker confirms, consumers
// ack only after the handler returns, and handlers must be idempotent.
package stream
