package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisClientFrom(client)
}

func TestTasksetNotifier_PublishReachesSubscriber(t *testing.T) {
	_, rc := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := NewTasksetNotifier(rc)

	var mu sync.Mutex
	var received []string
	require.NoError(t, notifier.Subscribe(ctx, func(runDir string) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, runDir)
	}))

	require.NoError(t, notifier.Publish(ctx, "/runs/r1"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "/runs/r1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeRepository_ExpiredNodes(t *testing.T) {
	mr, rc := newTestRedis(t)
	ctx := context.Background()

	repo := NewNodeRepository(rc).WithTTL(time.Minute)

	require.NoError(t, repo.Heartbeat(ctx, "node-a", []string{"/r1/t0"}))
	require.NoError(t, repo.Heartbeat(ctx, "node-b", nil))

	node, err := repo.Get(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, []string{"/r1/t0"}, node.Tasks)

	expired, err := repo.FindExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	mr.FastForward(30 * time.Second)
	require.NoError(t, repo.Heartbeat(ctx, "node-b", nil))
	mr.FastForward(45 * time.Second)

	expired, err = repo.FindExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, expired)

	node, err = repo.Get(ctx, "node-a")
	require.NoError(t, err)
	assert.Nil(t, node)

	require.NoError(t, repo.Forget(ctx, "node-a"))
	expired, err = repo.FindExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestNodeRepository_ForgetExpiredKeepsResumedNode(t *testing.T) {
	mr, rc := newTestRedis(t)
	ctx := context.Background()
	repo := NewNodeRepository(rc).WithTTL(time.Minute)

	require.NoError(t, repo.Heartbeat(ctx, "node-a", nil))
	mr.FastForward(2 * time.Minute)

	alive, err := repo.Alive(ctx, "node-a")
	require.NoError(t, err)
	assert.False(t, alive)

	// heartbeat resumes before the reaper gets to the node
	require.NoError(t, repo.Heartbeat(ctx, "node-a", nil))
	alive, err = repo.Alive(ctx, "node-a")
	require.NoError(t, err)
	assert.True(t, alive)

	forgotten, err := repo.ForgetExpired(ctx, "node-a")
	require.NoError(t, err)
	assert.False(t, forgotten)
	node, err := repo.Get(ctx, "node-a")
	require.NoError(t, err)
	assert.NotNil(t, node)

	mr.FastForward(2 * time.Minute)
	forgotten, err = repo.ForgetExpired(ctx, "node-a")
	require.NoError(t, err)
	assert.True(t, forgotten)
	expired, err := repo.FindExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
