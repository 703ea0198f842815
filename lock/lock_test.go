package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager, err := NewManager(client)
	require.NoError(t, err)

	return manager, mr
}

func TestNewManagerNilClient(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil)
	require.ErrorIs(t, err, ErrNilClient)
}

func TestTryAcquireValidation(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	_, _, err := manager.TryAcquire(ctx, "  ", time.Second)
	require.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = manager.TryAcquire(ctx, "txn:1", 0)
	require.ErrorIs(t, err, ErrInvalidTTL)
}

func TestTryAcquireAndRelease(t *testing.T) {
	manager, mr := setupManager(t)
	ctx := context.Background()

	handle, acquired, err := manager.TryAcquire(ctx, "txn:abc", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.True(t, mr.Exists("txn:abc"))

	require.NoError(t, handle.Release(ctx))
	assert.False(t, mr.Exists("txn:abc"))
}

func TestTryAcquireContention(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	first, acquired, err := manager.TryAcquire(ctx, "txn:abc", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	defer func() { _ = first.Release(ctx) }()

	second, acquired, err := manager.TryAcquire(ctx, "txn:abc", 10*time.Second)
	require.NoError(t, err, "contention must not surface as an error")
	assert.False(t, acquired)
	assert.Nil(t, second)
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	const contenders = 16

	var (
		wins    atomic.Int32
		start   = make(chan struct{})
		wg      sync.WaitGroup
		handles = make([]*Handle, contenders)
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)

		i := i

		go func() {
			defer wg.Done()
			<-start

			handle, acquired, err := manager.TryAcquire(ctx, "account:42", 10*time.Second)
			assert.NoError(t, err)

			if acquired {
				wins.Add(1)
				handles[i] = handle
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one acquire must win")

	for _, handle := range handles {
		if handle != nil {
			require.NoError(t, handle.Release(ctx))
		}
	}
}

func TestReleaseAfterExpiryDoesNotDeleteNewHolder(t *testing.T) {
	manager, mr := setupManager(t)
	ctx := context.Background()

	first, acquired, err := manager.TryAcquire(ctx, "txn:expiring", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	// Expire the first binding, then let a second party take the lock.
	mr.FastForward(time.Second)

	second, acquired, err := manager.TryAcquire(ctx, "txn:expiring", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired, "lock must be free after TTL expiry")

	err = first.Release(ctx)
	require.ErrorIs(t, err, ErrNotHeld)

	assert.True(t, mr.Exists("txn:expiring"), "stale release must not delete the new holder's binding")

	require.NoError(t, second.Release(ctx))
}

func TestReleaseNilHandle(t *testing.T) {
	t.Parallel()

	var handle *Handle

	require.ErrorIs(t, handle.Release(context.Background()), ErrNilHandle)
}

func TestLockFreedAfterRelease(t *testing.T) {
	manager, _ := setupManager(t)
	ctx := context.Background()

	first, acquired, err := manager.TryAcquire(ctx, "txn:reuse", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, first.Release(ctx))

	second, acquired, err := manager.TryAcquire(ctx, "txn:reuse", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "lock must be acquirable after release")
	require.NoError(t, second.Release(ctx))
}
