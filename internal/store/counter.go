package store

import (
	"context"
	"errors"
	"time"
)

// Key prefix for per-user session counters
const CountPrefix = "callgate:count:"

// ErrBackendUnavailable is returned when the backing store cannot be
// reached or the operation timed out. Callers decide fail-open vs
// fail-closed; the store never does.
var ErrBackendUnavailable = errors.New("counter store unavailable")

// Counter is the shared key->integer store the admission controller
// counts sessions against. A missing key always reads as zero, and
// Decr never takes a value below zero.
type Counter interface {
	// Incr atomically increments the key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr atomically decrements the key, clamped at zero, and returns
	// the new value.
	Decr(ctx context.Context, key string) (int64, error)

	// Get returns the current value, or 0 if the key is absent.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// SetNX sets the key only if it does not exist. Returns true if the
	// value was set.
	SetNX(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error)
}
