package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultRedisTimeout = 2 * time.Second

// Redis keeps every named record as a Redis list, one element per append.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisTimeout)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: rdb, prefix: prefix, timeout: defaultRedisTimeout}, nil
}

func (r *Redis) key(path string) string {
	return r.prefix + path
}

func (r *Redis) Append(path string, p []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.RPush(ctx, r.key(path), string(p)).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", r.key(path), err)
	}
	return nil
}

func (r *Redis) Read(path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	items, err := r.client.LRange(ctx, r.key(path), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", r.key(path), err)
	}
	return []byte(strings.Join(items, "")), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
