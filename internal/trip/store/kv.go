package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Durable key names used by the trip coordination core.
const (
	KeyArrivedTriggers  = "trip:arrived_triggers"
	KeyFormStack        = "trip:uncompleted_forms"
	KeyLastMessageID    = "trip:last_message_id"
	KeyActiveDispatchID = "trip:active_dispatch_id"
	KeyCurrentStop      = "trip:current_stop"
	KeyStopManipulated  = "trip:stop_manipulated"
)

// KV is the durable key-value store consumed by the trigger cache and the
// form-stack reconciliation. Values are JSON-encoded strings.
type KV interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
}

// RedisKV implements KV on top of a redis client.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV creates a redis-backed key-value store.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

// Get returns the stored value or def when the key is absent.
func (s *RedisKV) Get(ctx context.Context, key, def string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return def, nil
		}
		return def, err
	}
	return val, nil
}

// Set stores the value without expiry; trip teardown deletes the keys.
func (s *RedisKV) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// Del removes the given keys.
func (s *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}
