package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	nodeKeyPrefix = "node:"       // Live node data, expires without heartbeats
	nodeSetKnown  = "nodes:known" // Every node that has reported, persisted until it is reaped
	nodeDataTTL   = 2 * time.Minute
)

// Node heartbeat record of an execution host
type Node struct {
	Name          string    `json:"name"`
	Tasks         []string  `json:"tasks,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// NodeRepository tracks execution hosts in Redis (ephemeral data with TTL).
// A node whose data expired while it is still in the known set has disappeared.
type NodeRepository struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewNodeRepository creates Node repository
func NewNodeRepository(redisClient *RedisClient) *NodeRepository {
	return &NodeRepository{
		redis: redisClient.GetClient(),
		ttl:   nodeDataTTL,
	}
}

// WithTTL overrides how long a node stays alive without heartbeats
func (r *NodeRepository) WithTTL(ttl time.Duration) *NodeRepository {
	r.ttl = ttl
	return r
}

// Heartbeat records that nodeName is alive and running tasks
func (r *NodeRepository) Heartbeat(ctx context.Context, nodeName string, tasks []string) error {
	node := &Node{Name: nodeName, Tasks: tasks, LastHeartbeat: time.Now()}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, nodeKeyPrefix+nodeName, data, r.ttl)
	pipe.SAdd(ctx, nodeSetKnown, nodeName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save node heartbeat: %w", err)
	}
	return nil
}

// Get retrieves a live node, or nil when its data expired
func (r *NodeRepository) Get(ctx context.Context, nodeName string) (*Node, error) {
	data, err := r.redis.Get(ctx, nodeKeyPrefix+nodeName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	var node Node
	if err := json.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &node, nil
}

// FindExpired returns known nodes whose heartbeat data has expired
func (r *NodeRepository) FindExpired(ctx context.Context) ([]string, error) {
	names, err := r.redis.SMembers(ctx, nodeSetKnown).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get known nodes: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(names))
	for _, name := range names {
		cmds = append(cmds, pipe.Exists(ctx, nodeKeyPrefix+name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check node liveness: %w", err)
	}

	var expired []string
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			expired = append(expired, names[i])
		}
	}
	return expired, nil
}

// Alive reports whether nodeName has live heartbeat data
func (r *NodeRepository) Alive(ctx context.Context, nodeName string) (bool, error) {
	n, err := r.redis.Exists(ctx, nodeKeyPrefix+nodeName).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check node liveness: %w", err)
	}
	return n > 0, nil
}

// forgetExpiredScript drops a node from the known set only while its data is still absent
var forgetExpiredScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return redis.call("SREM", KEYS[2], ARGV[1])
end
return 0
`)

// ForgetExpired removes an expired node from the known set. A node that sent a heartbeat
// in the meantime is kept and false is returned.
func (r *NodeRepository) ForgetExpired(ctx context.Context, nodeName string) (bool, error) {
	n, err := forgetExpiredScript.Run(ctx, r.redis, []string{nodeKeyPrefix + nodeName, nodeSetKnown}, nodeName).Int()
	if err != nil {
		return false, fmt.Errorf("failed to forget node: %w", err)
	}
	return n > 0, nil
}

// Forget removes a node from the known set once its disappearance has been handled
func (r *NodeRepository) Forget(ctx context.Context, nodeName string) error {
	pipe := r.redis.Pipeline()
	pipe.Del(ctx, nodeKeyPrefix+nodeName)
	pipe.SRem(ctx, nodeSetKnown, nodeName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to forget node: %w", err)
	}
	return nil
}
