// Package processor drives a submitted transaction through its state
// machine: ownership gate, idempotency gate, lock acquisition, the two
// ledger legs with compensation on a failed credit, and terminal settlement.
//
// The processor assumes at-least-once delivery from the event channel. Every
// step before the ledger legs is a gate that turns a duplicate or misrouted
// delivery into a no-op, and the ledger legs themselves run only under a
// cluster-wide lock on the transaction and its source account. The hash ring
// ownership check is duplicate-work reduction only; exclusivity always comes
// from the lock manager.
package processor
