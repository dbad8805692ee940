package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"realtime_go/internal/domain"
)

// Redis is a Cache backed by a Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the server at url and pings it.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, domain.Degraded("cache", err)
	}
	return val, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return domain.Degraded("cache", c.client.Set(ctx, key, value, ttl).Err())
}

func (c *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return domain.Degraded("cache", c.client.Del(ctx, keys...).Err())
}

func (c *Redis) AddMember(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	var card *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, member)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, domain.Degraded("cache", err)
	}
	return card.Val(), nil
}

func (c *Redis) RemoveMember(ctx context.Context, key, member string) (int64, error) {
	var card *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, key, member)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, domain.Degraded("cache", err)
	}
	return card.Val(), nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}
