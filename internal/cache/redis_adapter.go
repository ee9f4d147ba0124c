package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// GoRedisAdapter implements RedisClient with the go-redis library.
type GoRedisAdapter struct {
	client *redis.Client
}

// NewGoRedisClient connects to redisURL (redis://[:password@]host:port[/db])
// and verifies the connection before returning.
func NewGoRedisClient(redisURL string) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &GoRedisAdapter{client: client}, nil
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	return a.client.Get(ctx, key).Result()
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	return a.client.Keys(ctx, pattern).Result()
}

func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *GoRedisAdapter) Close() error {
	return a.client.Close()
}
