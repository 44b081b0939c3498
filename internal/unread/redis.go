package unread

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	// unread:{userId} is a hash of conversationId -> count
	unreadPrefix = "unread:"
)

// decrementScript lowers a hash field and floors it at zero, removing the
// field when nothing is left unread.
var decrementScript = redis.NewScript(`
local v = redis.call("HINCRBY", KEYS[1], ARGV[1], -tonumber(ARGV[2]))
if v <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
	return 0
end
return v
`)

// Redis keeps counters in a per-user hash so all of a user's unread counts
// can be read in one round trip.
type Redis struct {
	rdb *redis.Client
}

var _ Counter = (*Redis)(nil)

// NewRedis wraps a go-redis client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Increment(ctx context.Context, conversationID, userID string) error {
	if err := r.rdb.HIncrBy(ctx, unreadPrefix+userID, conversationID, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment unread: %w", err)
	}
	return nil
}

func (r *Redis) Decrement(ctx context.Context, conversationID, userID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := decrementScript.Run(ctx, r.rdb, []string{unreadPrefix + userID}, conversationID, n).Err(); err != nil {
		return fmt.Errorf("failed to decrement unread: %w", err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, conversationID, userID string) error {
	if err := r.rdb.HDel(ctx, unreadPrefix+userID, conversationID).Err(); err != nil {
		return fmt.Errorf("failed to reset unread: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, conversationID, userID string) (int64, error) {
	v, err := r.rdb.HGet(ctx, unreadPrefix+userID, conversationID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read unread: %w", err)
	}
	return v, nil
}

// All returns every non-zero unread count of the user keyed by conversation.
func (r *Redis) All(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, unreadPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read unread: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for conv, s := range raw {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			out[conv] = n
		}
	}
	return out, nil
}
