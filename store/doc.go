// Package store persists transaction rows at the ledger-store interface
// boundary: create-PENDING, load-by-id, and the monotone settle update the
// processor performs. Rows are never deleted; the table is the audit trail.
package store
