// ABOUTME: Redis-backed inference queue publisher: one list per queue name,
// ABOUTME: consumed by the GPU inference workers with BRPOP.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes inference messages onto named Redis lists.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher builds a publisher from connection settings.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Enqueue appends body to the named queue.
func (p *RedisPublisher) Enqueue(ctx context.Context, queue string, body []byte) error {
	if err := p.client.RPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queue, err)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
