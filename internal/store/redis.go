package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//This struct wraps the redis client with helper methods
type RedisClient struct {
	client *redis.Client
}

//This function creates a new redis client and verifies the connection
func NewRedisClient(addr string, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		//Connection Pool settings
		PoolSize:     10,
		MinIdleConns: 5,

		//Timeout settings
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping tests the connection
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client exposes the underlying go-redis client for components that
// persist their own keys (registry overrides, ledger session sets).
func (r *RedisClient) Client() *redis.Client {
	return r.client
}
