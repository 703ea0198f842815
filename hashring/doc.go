// Package hashring implements consistent hashing for routing transactions to
// processing nodes.
//
// Each node is projected onto the ring as a fixed number of replica points to
// smooth load distribution. Ownership is a pure function of the current
// membership set: for a fixed membership, Owner always resolves a key to the
// same node, and a membership change only moves keys whose ring successor
// falls within the changed node's replica points.
//
// The ring never serves as a mutual-exclusion mechanism. It only reduces
// duplicate work; exclusivity is always enforced by the lock package.
package hashring
