package redis

import (
	"context"
	"fmt"

	"wingman/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const tasksetCreatedChannel = "wingman:taskset-created"

// TasksetNotifier broadcasts "new tasks registered" between processes sharing one ledger.
type TasksetNotifier struct {
	redis *redis.Client
}

// NewTasksetNotifier creates a notifier on the given client
func NewTasksetNotifier(redisClient *RedisClient) *TasksetNotifier {
	return &TasksetNotifier{redis: redisClient.GetClient()}
}

// Publish announces that runDir registered new tasks
func (n *TasksetNotifier) Publish(ctx context.Context, runDir string) error {
	if err := n.redis.Publish(ctx, tasksetCreatedChannel, runDir).Err(); err != nil {
		return fmt.Errorf("failed to publish taskset notification: %w", err)
	}
	return nil
}

// Subscribe calls onCreated for every announcement until ctx is done.
// The subscription is established before Subscribe returns.
func (n *TasksetNotifier) Subscribe(ctx context.Context, onCreated func(runDir string)) error {
	pubsub := n.redis.Subscribe(ctx, tasksetCreatedChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to taskset notifications: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logger.WarnCtx(ctx, "taskset notification channel closed")
					return
				}
				onCreated(msg.Payload)
			}
		}
	}()
	return nil
}
