package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PushChannel receives every push request for live workers.
	PushChannel = "push:notify"

	// pushQueue keeps requests for workers that were not subscribed.
	pushQueue    = "push:queue"
	pushQueueTTL = 24 * time.Hour
)

// RedisNotifier hands push requests to a delivery worker through Redis: the
// request is queued and announced on PushChannel.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier wraps a go-redis client.
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context, req PushRequest) (PushResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return PushResult{}, fmt.Errorf("failed to marshal push request: %w", err)
	}

	pipe := n.rdb.TxPipeline()
	pipe.RPush(ctx, pushQueue, data)
	pipe.Expire(ctx, pushQueue, pushQueueTTL)
	pipe.Publish(ctx, PushChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return PushResult{}, fmt.Errorf("failed to enqueue push: %w", err)
	}
	return PushResult{Success: true}, nil
}
