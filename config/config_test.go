package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("PAYGRID_LEDGER_URL", "http://ledger:8080")
	t.Setenv("PAYGRID_POSTGRES_DSN", "postgres://paygrid@localhost/paygrid?sslmode=disable")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "node1", cfg.NodeID)
	assert.Equal(t, []string{"node1"}, cfg.ClusterNodes)
	assert.Equal(t, 16, cfg.Partitions)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PAYGRID_NODE_ID", "node2")
	t.Setenv("PAYGRID_CLUSTER_NODES", "node1, node2 ,node3")
	t.Setenv("PAYGRID_PARTITIONS", "32")
	t.Setenv("PAYGRID_LOCK_TTL", "10s")
	t.Setenv("PAYGRID_LEDGER_URL", "http://ledger:8080")
	t.Setenv("PAYGRID_POSTGRES_DSN", "postgres://paygrid@localhost/paygrid?sslmode=disable")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "node2", cfg.NodeID)
	assert.Equal(t, []string{"node1", "node2", "node3"}, cfg.ClusterNodes)
	assert.Equal(t, 32, cfg.Partitions)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
}

func TestValidateNodeMustBeMember(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.NodeID = "node9"
	cfg.LedgerBaseURL = "http://ledger:8080"
	cfg.PostgresDSN = "postgres://x"

	require.ErrorIs(t, cfg.Validate(), ErrNodeNotInRing)
}

func TestValidateRequiredEndpoints(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.ErrorIs(t, cfg.Validate(), ErrMissingLedger)

	cfg.LedgerBaseURL = "http://ledger:8080"
	require.ErrorIs(t, cfg.Validate(), ErrMissingPostgres)
}

func TestRingMembership(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.ClusterNodes = []string{"node1", "node2"}

	ring := cfg.Ring()
	assert.True(t, ring.Contains("node1"))
	assert.True(t, ring.Contains("node2"))
	assert.False(t, ring.Contains("node3"))
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("PAYGRID_TEST_STR", "  value  ")
	assert.Equal(t, "value", GetenvOrDefault("PAYGRID_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetenvOrDefault("PAYGRID_TEST_UNSET", "fallback"))

	t.Setenv("PAYGRID_TEST_INT", "42")
	assert.Equal(t, 42, GetenvIntOrDefault("PAYGRID_TEST_INT", 7))

	t.Setenv("PAYGRID_TEST_BAD_INT", "nope")
	assert.Equal(t, 7, GetenvIntOrDefault("PAYGRID_TEST_BAD_INT", 7))

	t.Setenv("PAYGRID_TEST_BOOL", "true")
	assert.True(t, GetenvBoolOrDefault("PAYGRID_TEST_BOOL", false))

	t.Setenv("PAYGRID_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, GetenvDurationOrDefault("PAYGRID_TEST_DUR", time.Second))
}
