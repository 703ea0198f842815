package hashring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerIsDeterministic(t *testing.T) {
	t.Parallel()

	ring := NewWithNodes(DefaultReplicas, []string{"node1", "node2", "node3"})

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("txn-%d", i)

		first, err := ring.Owner(key)
		require.NoError(t, err)

		second, err := ring.Owner(key)
		require.NoError(t, err)

		assert.Equal(t, first, second, "owner must be stable for key %s", key)
	}
}

func TestOwnerDistribution(t *testing.T) {
	t.Parallel()

	ring := NewWithNodes(DefaultReplicas, []string{"node1", "node2", "node3"})

	const keys = 1000

	counts := make(map[string]int)

	for i := 0; i < keys; i++ {
		owner, err := ring.Owner(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)

		counts[owner]++
	}

	assert.Len(t, counts, 3, "every node should own at least one key")

	for node, count := range counts {
		// Distribution sanity, not a strict bound.
		assert.Less(t, count, keys/2, "node %s owns too large a share (%d)", node, count)
	}
}

func TestOwnerEmptyRing(t *testing.T) {
	t.Parallel()

	ring := New(DefaultReplicas)

	_, err := ring.Owner("any-key")
	require.ErrorIs(t, err, ErrEmptyRing)
}

func TestAddNodeIsIdempotent(t *testing.T) {
	t.Parallel()

	ring := NewWithNodes(DefaultReplicas, []string{"node1", "node2"})

	before := make(map[string]string)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		owner, err := ring.Owner(key)
		require.NoError(t, err)

		before[key] = owner
	}

	ring.AddNode("node2")

	for key, owner := range before {
		after, err := ring.Owner(key)
		require.NoError(t, err)
		assert.Equal(t, owner, after)
	}
}

func TestMembershipChangeMovesOnlyAffectedKeys(t *testing.T) {
	t.Parallel()

	ring := NewWithNodes(DefaultReplicas, []string{"node1", "node2", "node3"})

	before := make(map[string]string)

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		owner, err := ring.Owner(key)
		require.NoError(t, err)

		before[key] = owner
	}

	ring.RemoveNode("node3")

	for key, owner := range before {
		after, err := ring.Owner(key)
		require.NoError(t, err)

		if owner != "node3" {
			// Keys not owned by the removed node must not move.
			assert.Equal(t, owner, after, "key %s moved despite unaffected successor", key)
		} else {
			assert.NotEqual(t, "node3", after)
		}
	}
}

func TestRemoveNodeAbsentIsNoop(t *testing.T) {
	t.Parallel()

	ring := NewWithNodes(DefaultReplicas, []string{"node1"})
	ring.RemoveNode("ghost")

	owner, err := ring.Owner("key")
	require.NoError(t, err)
	assert.Equal(t, "node1", owner)
}

func TestNodesSnapshot(t *testing.T) {
	t.Parallel()

	ring := NewWithNodes(DefaultReplicas, []string{"b", "a", "c"})

	assert.Equal(t, []string{"a", "b", "c"}, ring.Nodes())
	assert.True(t, ring.Contains("b"))
	assert.False(t, ring.Contains("d"))
}
