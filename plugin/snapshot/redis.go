package snapshot

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps snapshots as plain string values.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get snapshot from redis")
	}
	return data, nil
}

func (b *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	if err := b.client.Set(ctx, key, data, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to set snapshot in redis")
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
