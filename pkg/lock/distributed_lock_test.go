package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedLock_SingleInstance(t *testing.T) {
	_, client := newTestClient(t)

	lock := NewRedisDistributedLock(client, "test-lock")
	ctx := context.Background()

	acquired, err := lock.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, lock.IsHeld())

	// re-entering a held lock is granted
	acquired, err = lock.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)

	err = lock.Unlock(ctx)
	assert.NoError(t, err)
	assert.False(t, lock.IsHeld())
}

func TestDistributedLock_MultipleInstances(t *testing.T) {
	_, client := newTestClient(t)

	lock1 := NewRedisDistributedLock(client, "test-lock-multi")
	lock2 := NewRedisDistributedLock(client, "test-lock-multi")
	ctx := context.Background()

	acquired1, err := lock1.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired1)

	acquired2, err := lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.False(t, acquired2, "second lock should not be acquired")

	// releasing a lock we do not hold leaves the holder alone
	assert.NoError(t, lock2.Unlock(ctx))
	assert.True(t, lock1.IsHeld())

	assert.NoError(t, lock1.Unlock(ctx))

	acquired2, err = lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired2, "second lock should be acquired after first release")

	assert.NoError(t, lock2.Unlock(ctx))
}

func TestDistributedLock_AutoExpire(t *testing.T) {
	mr, client := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock1 := NewRedisDistributedLock(client, "test-lock-expire")
	lock2 := NewRedisDistributedLock(client, "test-lock-expire")

	acquired1, err := lock1.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired1)

	mr.FastForward(defaultLockTTL + time.Second)

	acquired2, err := lock2.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired2, "lock should be available after TTL expiration")

	assert.NoError(t, lock2.Unlock(ctx))
}

func TestDistributedLock_RenewDetectsTakeover(t *testing.T) {
	mr, client := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock := NewRedisDistributedLock(client, "test-lock-takeover").WithTTL(300 * time.Millisecond)
	acquired, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, mr.Set("test-lock-takeover", "someone-else"))

	assert.Eventually(t, func() bool { return !lock.IsHeld() }, 2*time.Second, 20*time.Millisecond)
}

func TestDistributedLock_NilClient(t *testing.T) {
	lock := NewRedisDistributedLock(nil, "")
	ctx := context.Background()

	acquired, err := lock.TryLock(ctx)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, lock.IsHeld())

	assert.NoError(t, lock.Unlock(ctx))
	assert.False(t, lock.IsHeld())
}
