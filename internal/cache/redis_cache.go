package cache

import (
	"context"
	"encoding/json"
	"errors"

	redis "github.com/redis/go-redis/v9"

	"konveksi/backend/internal/scheduler"
)

const DefaultStateKey = "konveksi:scheduler:state"

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisStateCache struct {
	client *redis.Client
	key    string
}

func NewRedisStateCache(client *redis.Client, key string) *RedisStateCache {
	if key == "" {
		key = DefaultStateKey
	}
	return &RedisStateCache{client: client, key: key}
}

func (c *RedisStateCache) Load(ctx context.Context) (*scheduler.Snapshot, bool, error) {
	val, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap scheduler.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

// Save overwrites the snapshot without expiry; the state is only valid as a
// whole.
func (c *RedisStateCache) Save(ctx context.Context, snap scheduler.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, payload, 0).Err()
}
