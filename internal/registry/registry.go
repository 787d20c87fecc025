package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/nvoss/callgate/internal/store"
)

// Key prefix for persisted per-user overrides
const LimitPrefix = "callgate:limit:"

// How long a cached lookup stays fresh before the registry re-reads the
// backing store. Set/Delete bypass this by updating the cache in place.
const DefaultCacheTTL = 5 * time.Second

// ErrConfigInvalid is returned for limit values the registry refuses to
// store. A negative limit is rejected outright rather than coerced to
// "unlimited"; 0 is the explicit unlimited sentinel.
var ErrConfigInvalid = errors.New("invalid limit value")

// OverflowAction is the policy applied when a user at their limit asks
// for one more session.
type OverflowAction string

const (
	OverflowReject          OverflowAction = "reject"
	OverflowTerminateOldest OverflowAction = "terminate_oldest"
)

// GlobalConfig is the process-wide admission policy. Mutable at runtime
// through the same registry that manages per-user overrides.
type GlobalConfig struct {
	Enabled        bool           `json:"enabled"`
	DefaultLimit   int            `json:"default_limit"`
	OverflowAction OverflowAction `json:"overflow_action"`
}

// Validate checks the config before it is applied
func (c GlobalConfig) Validate() error {
	if c.DefaultLimit < 0 {
		return fmt.Errorf("%w: default_limit must be >= 0, got %d", ErrConfigInvalid, c.DefaultLimit)
	}
	switch c.OverflowAction {
	case OverflowReject, OverflowTerminateOldest:
		return nil
	default:
		return fmt.Errorf("%w: unknown overflow action %q", ErrConfigInvalid, c.OverflowAction)
	}
}

// LimitSource reports whether an override or the global default applied
type LimitSource string

const (
	SourceOverride LimitSource = "override"
	SourceDefault  LimitSource = "default"
)

type cacheEntry struct {
	limit     int
	hasLimit  bool // false means "known to have no override"
	expiresAt time.Time
}

// Registry holds the global admission config and the sparse map of
// per-user limit overrides. Overrides persist in Redis so every
// instance sees the same policy; lookups go through a short-TTL cache
// that Set/Delete update immediately.
type Registry struct {
	mu     sync.RWMutex
	global GlobalConfig
	cache  map[string]cacheEntry

	rdb      *redis.Client // nil means memory-only (redis disabled)
	cacheTTL time.Duration
	clock    clock.Clock
}

// New creates a registry with the given startup config. Pass a nil
// redis client to keep overrides in memory only.
func New(rc *store.RedisClient, global GlobalConfig) *Registry {
	var rdb *redis.Client
	if rc != nil {
		rdb = rc.Client()
	}
	return &Registry{
		global:   global,
		cache:    make(map[string]cacheEntry),
		rdb:      rdb,
		cacheTTL: DefaultCacheTTL,
		clock:    clock.New(),
	}
}

// WithClock swaps the wall clock, for tests
func (r *Registry) WithClock(c clock.Clock) *Registry {
	r.clock = c
	return r
}

// GlobalConfig returns a copy of the current global config
func (r *Registry) GlobalConfig() GlobalConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// SetGlobalConfig replaces the global config. Invalid configs are
// rejected whole; a partial update is never applied.
func (r *Registry) SetGlobalConfig(cfg GlobalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.global = cfg
	r.mu.Unlock()

	slog.Info("global admission config updated",
		"enabled", cfg.Enabled,
		"default_limit", cfg.DefaultLimit,
		"overflow_action", cfg.OverflowAction)
	return nil
}

// GetEffectiveLimit resolves the limit that governs a username: the
// override if one exists, otherwise the global default. Never fails; if
// the backing store is unreachable the default applies and the miss is
// logged.
func (r *Registry) GetEffectiveLimit(ctx context.Context, username string) int {
	limit, _ := r.GetUserLimit(ctx, username)
	return limit
}

// GetUserLimit resolves the limit for a username and reports whether an
// override or the default applied.
func (r *Registry) GetUserLimit(ctx context.Context, username string) (int, LimitSource) {
	now := r.clock.Now()

	r.mu.RLock()
	entry, ok := r.cache[username]
	defaultLimit := r.global.DefaultLimit
	r.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		if entry.hasLimit {
			return entry.limit, SourceOverride
		}
		return defaultLimit, SourceDefault
	}

	if r.rdb == nil {
		// No persistence layer; cache entries without expiry are the
		// source of truth.
		if ok && entry.hasLimit {
			return entry.limit, SourceOverride
		}
		return defaultLimit, SourceDefault
	}

	limit, err := r.rdb.Get(ctx, LimitPrefix+username).Int()
	if errors.Is(err, redis.Nil) {
		r.storeCache(username, cacheEntry{hasLimit: false, expiresAt: now.Add(r.cacheTTL)})
		return defaultLimit, SourceDefault
	}
	if err != nil {
		slog.Warn("limit lookup failed, using default", "username", username, "error", err)
		// Keep serving the stale entry if we have one
		if ok && entry.hasLimit {
			return entry.limit, SourceOverride
		}
		return defaultLimit, SourceDefault
	}

	r.storeCache(username, cacheEntry{limit: limit, hasLimit: true, expiresAt: now.Add(r.cacheTTL)})
	return limit, SourceOverride
}

// SetUserLimit stores an override for a username. limit must be >= 0;
// 0 means unlimited for that user. Effective immediately for subsequent
// admission decisions; already-admitted sessions are not evicted.
func (r *Registry) SetUserLimit(ctx context.Context, username string, limit int) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrConfigInvalid)
	}
	if limit < 0 {
		return fmt.Errorf("%w: limit must be >= 0, got %d", ErrConfigInvalid, limit)
	}

	if r.rdb != nil {
		if err := r.rdb.Set(ctx, LimitPrefix+username, limit, 0).Err(); err != nil {
			return fmt.Errorf("failed to store user limit: %w", err)
		}
	}

	// Invalidate immediately so no admission sees the stale limit. In
	// memory-only mode the lookup path ignores expiry, so the entry is
	// authoritative for as long as the process lives.
	r.storeCache(username, cacheEntry{limit: limit, hasLimit: true, expiresAt: r.clock.Now().Add(r.cacheTTL)})

	slog.Info("user limit set", "username", username, "limit", limit)
	return nil
}

// DeleteUserLimit removes an override. Deleting a non-existent override
// succeeds silently.
func (r *Registry) DeleteUserLimit(ctx context.Context, username string) error {
	if r.rdb != nil {
		if err := r.rdb.Del(ctx, LimitPrefix+username).Err(); err != nil {
			return fmt.Errorf("failed to delete user limit: %w", err)
		}
	}

	r.mu.Lock()
	delete(r.cache, username)
	r.mu.Unlock()

	slog.Info("user limit deleted", "username", username)
	return nil
}

// ListOverrides returns a snapshot of all explicit overrides
func (r *Registry) ListOverrides(ctx context.Context) (map[string]int, error) {
	if r.rdb == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		overrides := make(map[string]int)
		for username, entry := range r.cache {
			if entry.hasLimit {
				overrides[username] = entry.limit
			}
		}
		return overrides, nil
	}

	keys, err := r.rdb.Keys(ctx, LimitPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user limits: %w", err)
	}
	if len(keys) == 0 {
		return map[string]int{}, nil
	}

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user limits: %w", err)
	}

	overrides := make(map[string]int, len(keys))
	for i, key := range keys {
		if values[i] == nil {
			continue
		}
		limitStr, ok := values[i].(string)
		if !ok {
			continue
		}
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			continue
		}
		overrides[strings.TrimPrefix(key, LimitPrefix)] = limit
	}
	return overrides, nil
}

// LoadAll warms the cache with every persisted override. Called once at
// startup; lookup misses after that fall through to Redis lazily.
func (r *Registry) LoadAll(ctx context.Context) error {
	overrides, err := r.ListOverrides(ctx)
	if err != nil {
		return err
	}
	expiry := r.clock.Now().Add(r.cacheTTL)
	r.mu.Lock()
	for username, limit := range overrides {
		r.cache[username] = cacheEntry{limit: limit, hasLimit: true, expiresAt: expiry}
	}
	r.mu.Unlock()

	slog.Info("user limits loaded", "count", len(overrides))
	return nil
}

func (r *Registry) storeCache(username string, entry cacheEntry) {
	r.mu.Lock()
	r.cache[username] = entry
	r.mu.Unlock()
}
