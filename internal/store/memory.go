package store

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is an in-process Counter for tests and single-instance
// deployments. State is local to the process, so it cannot enforce a
// global limit across replicas; use RedisCounter for that.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryCounter creates an empty in-memory counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

// Incr atomically increments the key and returns the new value
func (c *MemoryCounter) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

// Decr atomically decrements the key, clamped at zero
func (c *MemoryCounter) Decr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] <= 0 {
		c.counts[key] = 0
		return 0, nil
	}
	c.counts[key]--
	return c.counts[key], nil
}

// Get returns the current value, or 0 if the key is absent
func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key], nil
}

// Delete removes the key
func (c *MemoryCounter) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	return nil
}

// SetNX sets the key only if absent. TTL is ignored; in-memory keys
// live as long as the process.
func (c *MemoryCounter) SetNX(_ context.Context, key string, value int64, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.counts[key]; exists {
		return false, nil
	}
	c.counts[key] = value
	return true, nil
}
