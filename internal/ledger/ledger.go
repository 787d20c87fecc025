package ledger

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nvoss/callgate/internal/store"
)

// Key prefix for the per-user session membership sets mirrored to Redis
const SessionsPrefix = "callgate:sessions:"

// Mirrored sets expire if nothing refreshes them, so sessions orphaned
// by a crashed instance eventually stop counting against their user.
const sessionSetTTL = 4 * time.Hour

// SessionRecord is one admitted session. Created exactly once at
// admission, destroyed exactly once at release or eviction.
type SessionRecord struct {
	SessionID  string    `json:"session_id"`
	Username   string    `json:"username"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// Ledger is the authoritative record of which session identifiers are
// currently counted against each user. Per-user lists are kept in
// admission order so the eviction victim is always the oldest session.
// Membership is mirrored to Redis sets so a restarted process can
// rebuild its counters.
type Ledger struct {
	mu     sync.RWMutex
	byUser map[string][]SessionRecord

	rdb *redis.Client // nil means in-memory only
}

// New creates an empty ledger. Pass a nil redis client to skip the
// membership mirror.
func New(rc *store.RedisClient) *Ledger {
	var rdb *redis.Client
	if rc != nil {
		rdb = rc.Client()
	}
	return &Ledger{
		byUser: make(map[string][]SessionRecord),
		rdb:    rdb,
	}
}

// Insert records an admitted session for a username
func (l *Ledger) Insert(ctx context.Context, username, sessionID string, admittedAt time.Time) {
	rec := SessionRecord{SessionID: sessionID, Username: username, AdmittedAt: admittedAt}

	l.mu.Lock()
	records := append(l.byUser[username], rec)
	// Admission times are monotonic in practice, but a reconciled or
	// backdated record must not break eviction ordering.
	sort.Slice(records, func(i, j int) bool {
		return less(records[i], records[j])
	})
	l.byUser[username] = records
	l.mu.Unlock()

	if l.rdb != nil {
		key := SessionsPrefix + username
		if err := l.rdb.SAdd(ctx, key, sessionID).Err(); err != nil {
			slog.Warn("failed to mirror session to redis", "username", username, "session_id", sessionID, "error", err)
		} else if err := l.rdb.Expire(ctx, key, sessionSetTTL).Err(); err != nil {
			slog.Warn("failed to refresh session set TTL", "username", username, "error", err)
		}
	}
}

// Remove deletes the record for (username, sessionID) and reports
// whether it existed. Removing an unknown pair is a no-op.
func (l *Ledger) Remove(ctx context.Context, username, sessionID string) bool {
	l.mu.Lock()
	records, exists := l.byUser[username]
	removed := false
	if exists {
		for i, rec := range records {
			if rec.SessionID == sessionID {
				l.byUser[username] = append(records[:i], records[i+1:]...)
				removed = true
				break
			}
		}
		if len(l.byUser[username]) == 0 {
			delete(l.byUser, username)
		}
	}
	l.mu.Unlock()

	if removed && l.rdb != nil {
		if err := l.rdb.SRem(ctx, SessionsPrefix+username, sessionID).Err(); err != nil {
			slog.Warn("failed to remove mirrored session", "username", username, "session_id", sessionID, "error", err)
		}
	}
	return removed
}

// Contains reports whether (username, sessionID) is currently admitted
func (l *Ledger) Contains(username, sessionID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, rec := range l.byUser[username] {
		if rec.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Oldest returns the session ID of the user's oldest admitted session.
// Ties break on the lexicographically smallest session ID so the
// eviction choice is reproducible.
func (l *Ledger) Oldest(username string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.byUser[username]
	if len(records) == 0 {
		return "", false
	}
	return records[0].SessionID, true
}

// List returns the user's sessions in admission order
func (l *Ledger) List(username string) []SessionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.byUser[username]
	out := make([]SessionRecord, len(records))
	copy(out, records)
	return out
}

// ListAll returns every admitted session, grouped by username
func (l *Ledger) ListAll() map[string][]SessionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string][]SessionRecord, len(l.byUser))
	for username, records := range l.byUser {
		cp := make([]SessionRecord, len(records))
		copy(cp, records)
		out[username] = cp
	}
	return out
}

// CountAll returns the live session count per username
func (l *Ledger) CountAll() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[string]int, len(l.byUser))
	for username, records := range l.byUser {
		counts[username] = len(records)
	}
	return counts
}

// Count returns the live session count for one username
func (l *Ledger) Count(username string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byUser[username])
}

// TotalSessions returns the number of admitted sessions across all users
func (l *Ledger) TotalSessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	for _, records := range l.byUser {
		total += len(records)
	}
	return total
}

// UserCount returns the number of users with at least one session
func (l *Ledger) UserCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byUser)
}

// Reconcile rebuilds the counter keys from the mirrored session sets.
// Run once at startup so counts left behind by a crash converge back to
// the surviving membership. Best effort: a user whose set cannot be
// read keeps the counter value already in the store.
func (l *Ledger) Reconcile(ctx context.Context, counter store.Counter) error {
	if l.rdb == nil {
		return nil
	}

	keys, err := l.rdb.Keys(ctx, SessionsPrefix+"*").Result()
	if err != nil {
		return err
	}

	for _, key := range keys {
		username := strings.TrimPrefix(key, SessionsPrefix)
		card, err := l.rdb.SCard(ctx, key).Result()
		if err != nil {
			slog.Warn("reconcile: failed to read session set", "username", username, "error", err)
			continue
		}
		countKey := store.CountPrefix + username
		if err := counter.Delete(ctx, countKey); err != nil {
			slog.Warn("reconcile: failed to reset counter", "username", username, "error", err)
			continue
		}
		if card > 0 {
			if _, err := counter.SetNX(ctx, countKey, card, sessionSetTTL); err != nil {
				slog.Warn("reconcile: failed to set counter", "username", username, "error", err)
			}
		}
		slog.Info("reconciled user session count", "username", username, "count", card)
	}
	return nil
}

func less(a, b SessionRecord) bool {
	if !a.AdmittedAt.Equal(b.AdmittedAt) {
		return a.AdmittedAt.Before(b.AdmittedAt)
	}
	return a.SessionID < b.SessionID
}
