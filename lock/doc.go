// Package lock provides the cluster-wide mutual-exclusion primitive guarding
// transaction processing.
//
// A lock is a (resourceKey -> ownerToken) binding with a TTL held in Redis,
// the shared store reachable by every node. Acquisition is a single atomic
// set-if-absent attempt with no blocking or retry; the caller decides retry
// policy. Release deletes the binding only while the stored token still
// matches the acquirer's, so a holder that outlived its TTL can never destroy
// a successor's exclusivity. The TTL bounds how long a crashed holder can
// block others.
package lock
