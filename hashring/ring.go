package hashring

import (
	"crypto/md5" // #nosec G501 -- distribution hash, not a security boundary
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultReplicas is the number of replica points placed per node.
const DefaultReplicas = 100

// ErrEmptyRing is returned when ownership is requested from a ring with no nodes.
var ErrEmptyRing = errors.New("hash ring is empty")

// Ring distributes keys across cluster nodes using consistent hashing.
//
// Membership changes arrive through explicit AddNode/RemoveNode calls; the
// ring is rebuilt in memory and never persisted. All methods are safe for
// concurrent use.
type Ring struct {
	mu       sync.RWMutex
	replicas int
	points   map[uint64]string
	sorted   []uint64
	members  map[string]struct{}
}

// New creates an empty ring with the given replica count per node.
// Non-positive replica counts fall back to DefaultReplicas.
func New(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}

	return &Ring{
		replicas: replicas,
		points:   make(map[uint64]string),
		members:  make(map[string]struct{}),
	}
}

// NewWithNodes creates a ring pre-populated with the given membership set.
func NewWithNodes(replicas int, nodes []string) *Ring {
	ring := New(replicas)

	for _, node := range nodes {
		ring.AddNode(node)
	}

	return ring
}

// AddNode inserts the node's replica points into the ring.
// Adding a node that is already present re-inserts the same points, so the
// call is idempotent.
func (r *Ring) AddNode(node string) {
	if node == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.replicas; i++ {
		r.points[Sum64(replicaKey(node, i))] = node
	}

	r.members[node] = struct{}{}
	r.rebuildLocked()
}

// RemoveNode deletes all replica points for the node. No-op if absent.
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[node]; !ok {
		return
	}

	for i := 0; i < r.replicas; i++ {
		delete(r.points, Sum64(replicaKey(node, i)))
	}

	delete(r.members, node)
	r.rebuildLocked()
}

// Owner returns the node responsible for the given key: the first replica
// point at or after the key's hash in ring order, wrapping to the smallest
// point when the hash is past the last one.
func (r *Ring) Owner(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sorted) == 0 {
		return "", ErrEmptyRing
	}

	h := Sum64(key)

	// First point with hash >= h, or wrap to index 0.
	idx := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i] >= h
	})
	if idx == len(r.sorted) {
		idx = 0
	}

	return r.points[r.sorted[idx]], nil
}

// Contains reports whether the node is a current ring member.
func (r *Ring) Contains(node string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[node]

	return ok
}

// Nodes returns a snapshot of the current membership set.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.members))
	for node := range r.members {
		nodes = append(nodes, node)
	}

	sort.Strings(nodes)

	return nodes
}

func (r *Ring) rebuildLocked() {
	r.sorted = r.sorted[:0]

	for point := range r.points {
		r.sorted = append(r.sorted, point)
	}

	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i] < r.sorted[j] })
}

func replicaKey(node string, replica int) string {
	return fmt.Sprintf("%s:%d", node, replica)
}

// Sum64 returns the first 8 bytes of the md5 digest as a uint64. It is the
// single hash used for both ring placement and channel partition mapping, so
// the two stay consistent within a process run. md5 is used for its
// distribution only, not as a security boundary.
func Sum64(key string) uint64 {
	sum := md5.Sum([]byte(key)) // #nosec G401

	return binary.BigEndian.Uint64(sum[:8])
}
