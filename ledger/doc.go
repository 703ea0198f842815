// Package ledger is the boundary to the external account layer's balance
// operations. The processor consumes only the Client contract: a debit and a
// credit that either apply fully or fail with a typed reason.
//
// Both operations must be safe to retry; the processor's idempotency gate and
// locks prevent double application under at-least-once delivery.
package ledger
