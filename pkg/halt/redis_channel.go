package halt

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChannel is the fast channel. Keys never expire.
type RedisChannel struct {
	client *redis.Client
	prefix string
}

// NewRedisChannel creates a channel backed by Redis.
func NewRedisChannel(addr, password string, db int, prefix string) *RedisChannel {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisChannelFromClient(rdb, prefix)
}

func NewRedisChannelFromClient(client *redis.Client, prefix string) *RedisChannel {
	if prefix == "" {
		prefix = "helm:integrity:"
	}
	return &RedisChannel{client: client, prefix: prefix}
}

func (r *RedisChannel) Name() string { return "redis" }

func (r *RedisChannel) key(flag Flag) string {
	return r.prefix + string(flag)
}

func (r *RedisChannel) Get(ctx context.Context, flag Flag) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.key(flag)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("halt: redis get %s: %w", flag, err)
	}
	return v, true, nil
}

func (r *RedisChannel) Set(ctx context.Context, flag Flag, value []byte) error {
	if err := r.client.Set(ctx, r.key(flag), value, 0).Err(); err != nil {
		return fmt.Errorf("halt: redis set %s: %w", flag, err)
	}
	return nil
}

func (r *RedisChannel) Delete(ctx context.Context, flag Flag) error {
	if err := r.client.Del(ctx, r.key(flag)).Err(); err != nil {
		return fmt.Errorf("halt: redis del %s: %w", flag, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisChannel) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisChannel) Close() error {
	return r.client.Close()
}
