package lock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"wingman/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const (
	// SchedulerLockKey elects the single replica allowed to submit tasks
	SchedulerLockKey = "wingman:scheduler-lock"

	defaultLockTTL     = 30 * time.Second // expiry protects against a crashed holder
	lockAcquireTimeout = 5 * time.Second
	lockExtendInterval = 10 * time.Second
)

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// DistributedLock is a lease held by at most one process at a time
type DistributedLock interface {
	// TryLock attempts to acquire the lock without waiting for it
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock if this instance holds it
	Unlock(ctx context.Context) error

	// IsHeld reports whether this instance believes it holds the lock
	IsHeld() bool
}

// RedisDistributedLock Redis implementation of DistributedLock. While held, a background
// goroutine renews the lease; if renewal finds the key owned by someone else the lock is
// marked lost.
type RedisDistributedLock struct {
	client       *redis.Client
	lockKey      string
	lockValue    string // unique per instance so one holder never releases another's lock
	ttl          time.Duration
	isHeld       bool
	stopRenew    chan struct{}
	renewStopped bool
	mu           sync.Mutex
}

// NewRedisDistributedLock creates a lock on lockKey. A nil client yields a lock that is
// always granted (single-instance mode).
func NewRedisDistributedLock(client *redis.Client, lockKey string) *RedisDistributedLock {
	if lockKey == "" {
		lockKey = SchedulerLockKey
	}
	return &RedisDistributedLock{
		client:       client,
		lockKey:      lockKey,
		lockValue:    fmt.Sprintf("%s-%d-%d", lockKey, time.Now().UnixNano(), rand.Int63()),
		ttl:          defaultLockTTL,
		stopRenew:    make(chan struct{}),
		renewStopped: true,
	}
}

// WithTTL overrides the lease duration
func (l *RedisDistributedLock) WithTTL(ttl time.Duration) *RedisDistributedLock {
	l.ttl = ttl
	return l
}

// TryLock attempts to acquire the lock. Acquiring a lock that is already held by this
// instance succeeds without touching redis.
func (l *RedisDistributedLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.isHeld {
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()

	if l.client == nil {
		logger.Debug("redis client is nil, skipping distributed lock (running in single-instance mode)")
		l.mu.Lock()
		l.isHeld = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.lockKey, l.lockValue, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "lock %s already held by another instance", l.lockKey)
		return false, nil
	}

	l.mu.Lock()
	l.isHeld = true
	// a fresh channel per acquisition supports repeated TryLock/Unlock cycles
	l.stopRenew = make(chan struct{})
	l.renewStopped = false
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renewLock(ctx, stop)

	logger.InfoCtx(ctx, "lock %s acquired", l.lockKey)
	return true, nil
}

// Unlock releases the lock
func (l *RedisDistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.isHeld {
		l.mu.Unlock()
		return nil
	}
	l.isHeld = false
	if l.client == nil {
		l.mu.Unlock()
		return nil
	}
	if !l.renewStopped {
		l.renewStopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	result, err := l.client.Eval(ctx, releaseScript, []string{l.lockKey}, l.lockValue).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if n, _ := result.(int64); n == 1 {
		logger.DebugCtx(ctx, "lock %s released", l.lockKey)
	} else {
		logger.WarnCtx(ctx, "lock %s was already released or held by another instance", l.lockKey)
	}
	return nil
}

// IsHeld reports whether the lock is held by this instance
func (l *RedisDistributedLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

func (l *RedisDistributedLock) renewLock(ctx context.Context, stop <-chan struct{}) {
	interval := lockExtendInterval
	if l.ttl/3 < interval {
		interval = l.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := l.client.Eval(ctx, renewScript,
				[]string{l.lockKey},
				l.lockValue,
				l.ttl.Milliseconds()).Result()
			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock %s: %v", l.lockKey, err)
				continue
			}
			if n, _ := result.(int64); n == 0 {
				logger.WarnCtx(ctx, "lock %s lost, another instance took over", l.lockKey)
				l.mu.Lock()
				l.isHeld = false
				if !l.renewStopped {
					l.renewStopped = true
					close(l.stopRenew)
				}
				l.mu.Unlock()
				return
			}
		}
	}
}
