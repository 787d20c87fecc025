package admission

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nvoss/callgate/internal/events"
	"github.com/nvoss/callgate/internal/ledger"
	"github.com/nvoss/callgate/internal/registry"
	"github.com/nvoss/callgate/internal/stats"
	"github.com/nvoss/callgate/internal/store"
)

// Outcome of a TryAdmit call
type Outcome string

const (
	Allowed             Outcome = "allowed"
	Rejected            Outcome = "rejected"
	AllowedWithEviction Outcome = "allowed_with_eviction"
)

// Reason explains the outcome, so "rejected because the user is at
// their limit" and "rejected because the counter store is down" are
// distinguishable to the caller.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonDisabled Reason = "disabled"
	ReasonLimit    Reason = "limit"
	ReasonBackend  Reason = "backend"
)

// Decision is the result of one admission attempt
type Decision struct {
	Outcome          Outcome `json:"outcome"`
	Reason           Reason  `json:"reason,omitempty"`
	EvictedSessionID string  `json:"evicted_session_id,omitempty"`
}

// Config tunes the controller's failure behavior
type Config struct {
	// FailOpen admits sessions when the counter store is unreachable.
	// Default is fail closed: reject rather than oversubscribe.
	FailOpen bool

	// Timeout bounds every backend round-trip on the admission path. A
	// stalled store call fails the attempt instead of blocking signaling.
	Timeout time.Duration
}

const defaultTimeout = 2 * time.Second

// Session counters are sharded across this many locks, keyed by
// username hash, so admissions for different users never contend.
const lockShards = 64

// Controller decides, for every attempt to start a new session,
// whether to admit it. TryAdmit and Release for the same username are
// serialized by a shard lock; the post-increment check keeps the bound
// correct even across instances that do not share the lock.
type Controller struct {
	registry *registry.Registry
	counter  store.Counter
	ledger   *ledger.Ledger
	stats    *stats.Reporter
	events   *events.Broadcaster // optional
	clock    clock.Clock
	cfg      Config

	locks [lockShards]sync.Mutex
}

// New creates an admission controller
func New(reg *registry.Registry, counter store.Counter, led *ledger.Ledger, rep *stats.Reporter, cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Controller{
		registry: reg,
		counter:  counter,
		ledger:   led,
		stats:    rep,
		clock:    clock.New(),
		cfg:      cfg,
	}
}

// WithEvents attaches a broadcaster for the live event stream
func (c *Controller) WithEvents(b *events.Broadcaster) *Controller {
	c.events = b
	return c
}

// WithClock swaps the wall clock, for tests
func (c *Controller) WithClock(cl clock.Clock) *Controller {
	c.clock = cl
	return c
}

// TryAdmit decides whether username may open one more session. The
// check-and-increment is a single atomic unit per username: concurrent
// attempts for the same user can never both observe room and both
// increment past the limit.
func (c *Controller) TryAdmit(ctx context.Context, username, sessionID string) (Decision, error) {
	if username == "" || sessionID == "" {
		return Decision{}, fmt.Errorf("username and session ID are required")
	}

	global := c.registry.GlobalConfig()
	if !global.Enabled {
		return Decision{Outcome: Allowed, Reason: ReasonDisabled}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	limit := c.registry.GetEffectiveLimit(ctx, username)

	lock := c.lockFor(username)
	lock.Lock()
	defer lock.Unlock()

	// Unlimited users are still counted so listings and release stay
	// accurate, but the count never gates them.
	if limit == 0 {
		if _, err := c.counter.Incr(ctx, store.CountPrefix+username); err != nil {
			c.stats.RecordBackendFailure()
			slog.Warn("counter unavailable for unlimited user, admitting uncounted",
				"username", username, "session_id", sessionID, "error", err)
		}
		c.admit(ctx, username, sessionID)
		return Decision{Outcome: Allowed}, nil
	}

	newCount, err := c.counter.Incr(ctx, store.CountPrefix+username)
	if err != nil {
		c.stats.RecordBackendFailure()
		return c.backendFailure(ctx, username, sessionID, err)
	}

	if newCount <= int64(limit) {
		c.admit(ctx, username, sessionID)
		return Decision{Outcome: Allowed}, nil
	}

	// Over the limit. The speculative increment must be undone on every
	// path that does not admit this session.
	if global.OverflowAction == registry.OverflowTerminateOldest {
		if victim, ok := c.ledger.Oldest(username); ok {
			c.ledger.Remove(ctx, username, victim)
			if _, err := c.counter.Decr(ctx, store.CountPrefix+username); err != nil {
				// The shared counter is now one high until the key TTL
				// clears it; count the drift so it shows up in stats.
				c.stats.RecordBackendFailure()
				slog.Warn("failed to decrement after eviction", "username", username, "error", err)
			}
			c.admit(ctx, username, sessionID)
			c.stats.RecordEviction()
			c.publish(events.Event{
				Type:             events.TypeEvicted,
				Username:         username,
				SessionID:        sessionID,
				EvictedSessionID: victim,
				Timestamp:        c.clock.Now(),
			})
			slog.Info("session admitted by evicting oldest",
				"username", username, "session_id", sessionID, "evicted", victim)
			return Decision{Outcome: AllowedWithEviction, EvictedSessionID: victim}, nil
		}
		// No local victim (sessions may belong to another instance);
		// fall through to a plain rejection.
	}

	if _, err := c.counter.Decr(ctx, store.CountPrefix+username); err != nil {
		c.stats.RecordBackendFailure()
		slog.Warn("failed to roll back speculative increment", "username", username, "error", err)
	}
	c.stats.RecordRejection()
	c.publish(events.Event{
		Type:      events.TypeRejected,
		Username:  username,
		SessionID: sessionID,
		Reason:    string(ReasonLimit),
		Timestamp: c.clock.Now(),
	})
	slog.Info("session rejected at limit",
		"username", username, "session_id", sessionID, "limit", limit)
	return Decision{Outcome: Rejected, Reason: ReasonLimit}, nil
}

// Release ends a session's claim on the user's limit. Releasing an
// unknown pair is a no-op, so signaling retries and out-of-order
// cleanup cannot corrupt the count. Returns an error only when the
// backend decrement failed and the caller should retry.
func (c *Controller) Release(ctx context.Context, username, sessionID string) error {
	if username == "" || sessionID == "" {
		return fmt.Errorf("username and session ID are required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	lock := c.lockFor(username)
	lock.Lock()
	defer lock.Unlock()

	if !c.ledger.Contains(username, sessionID) {
		return nil
	}

	key := store.CountPrefix + username
	current, err := c.counter.Get(ctx, key)
	if err != nil {
		c.stats.RecordBackendFailure()
		// Ledger entry stays in place so a retried Release attempts the
		// decrement again; dropping it would leak capacity permanently.
		return fmt.Errorf("release %s/%s: %w", username, sessionID, err)
	}

	if current <= 0 {
		slog.Error("counter already zero on release, clamping",
			"username", username, "session_id", sessionID, "count", current)
	} else if _, err := c.counter.Decr(ctx, key); err != nil {
		c.stats.RecordBackendFailure()
		return fmt.Errorf("release %s/%s: %w", username, sessionID, err)
	}

	c.ledger.Remove(ctx, username, sessionID)
	if c.ledger.Count(username) == 0 {
		// Last session out: drop the key so idle users cost nothing.
		// A missing key reads as zero, so this is safe to lose.
		if err := c.counter.Delete(ctx, key); err != nil {
			slog.Warn("failed to delete idle counter key", "username", username, "error", err)
		}
	}

	c.publish(events.Event{
		Type:      events.TypeReleased,
		Username:  username,
		SessionID: sessionID,
		Timestamp: c.clock.Now(),
	})
	slog.Debug("session released", "username", username, "session_id", sessionID)
	return nil
}

// admit inserts the ledger record for a session that has already been
// counted. Caller holds the user's shard lock.
func (c *Controller) admit(ctx context.Context, username, sessionID string) {
	c.ledger.Insert(ctx, username, sessionID, c.clock.Now())
	c.stats.RecordAdmission()
	c.publish(events.Event{
		Type:      events.TypeAdmitted,
		Username:  username,
		SessionID: sessionID,
		Timestamp: c.clock.Now(),
	})
}

// backendFailure resolves an unreachable counter store per the
// configured policy. Caller holds the user's shard lock.
func (c *Controller) backendFailure(ctx context.Context, username, sessionID string, err error) (Decision, error) {
	if c.cfg.FailOpen {
		slog.Warn("counter store unavailable, failing open",
			"username", username, "session_id", sessionID, "error", err)
		c.admit(ctx, username, sessionID)
		return Decision{Outcome: Allowed, Reason: ReasonBackend}, nil
	}

	slog.Warn("counter store unavailable, failing closed",
		"username", username, "session_id", sessionID, "error", err)
	c.stats.RecordRejection()
	c.publish(events.Event{
		Type:      events.TypeRejected,
		Username:  username,
		SessionID: sessionID,
		Reason:    string(ReasonBackend),
		Timestamp: c.clock.Now(),
	})
	return Decision{Outcome: Rejected, Reason: ReasonBackend}, nil
}

func (c *Controller) publish(ev events.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

func (c *Controller) lockFor(username string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(username))
	return &c.locks[h.Sum32()%lockShards]
}
