package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoss/callgate/internal/events"
	"github.com/nvoss/callgate/internal/ledger"
	"github.com/nvoss/callgate/internal/registry"
	"github.com/nvoss/callgate/internal/stats"
	"github.com/nvoss/callgate/internal/store"
)

type fixture struct {
	controller *Controller
	registry   *registry.Registry
	ledger     *ledger.Ledger
	reporter   *stats.Reporter
	counter    store.Counter
	clock      *clock.Mock
}

func newFixture(t *testing.T, global registry.GlobalConfig, cfg Config) *fixture {
	t.Helper()

	reg := registry.New(nil, global)
	led := ledger.New(nil)
	rep := stats.New(led, nil)
	counter := store.NewMemoryCounter()
	mock := clock.NewMock()

	ctrl := New(reg, counter, led, rep, cfg).WithClock(mock)
	return &fixture{
		controller: ctrl,
		registry:   reg,
		ledger:     led,
		reporter:   rep,
		counter:    counter,
		clock:      mock,
	}
}

func rejectConfig(defaultLimit int) registry.GlobalConfig {
	return registry.GlobalConfig{
		Enabled:        true,
		DefaultLimit:   defaultLimit,
		OverflowAction: registry.OverflowReject,
	}
}

func TestSequentialAdmissionsUpToLimit(t *testing.T) {
	// defaultLimit = 3, overflowAction = Reject. Six sequential calls
	// for alice yield Allowed x3 then Rejected x3; releasing c2 frees a
	// slot for c7.
	f := newFixture(t, rejectConfig(3), Config{})
	ctx := context.Background()

	want := []Outcome{Allowed, Allowed, Allowed, Rejected, Rejected, Rejected}
	for i, expected := range want {
		sessionID := fmt.Sprintf("c%d", i+1)
		f.clock.Add(time.Second)

		decision, err := f.controller.TryAdmit(ctx, "alice", sessionID)
		require.NoError(t, err)
		assert.Equalf(t, expected, decision.Outcome, "call %s", sessionID)
		if expected == Rejected {
			assert.Equal(t, ReasonLimit, decision.Reason)
		}
	}

	assert.Equal(t, 3, f.ledger.Count("alice"))
	assert.Equal(t, int64(3), f.reporter.RejectionCount())

	require.NoError(t, f.controller.Release(ctx, "alice", "c2"))

	decision, err := f.controller.TryAdmit(ctx, "alice", "c7")
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision.Outcome)
	assert.Equal(t, 3, f.ledger.Count("alice"))
}

func TestConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	// The central correctness property: N concurrent attempts for the
	// same user with limit L admit exactly L, never more.
	const limit = 5
	const attempts = 32

	f := newFixture(t, rejectConfig(limit), Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			decision, err := f.controller.TryAdmit(ctx, "alice", fmt.Sprintf("c%02d", n))
			if err != nil {
				t.Errorf("TryAdmit failed: %v", err)
				return
			}
			outcomes[n] = decision.Outcome
		}(i)
	}
	wg.Wait()

	allowed, rejected := 0, 0
	for _, o := range outcomes {
		switch o {
		case Allowed:
			allowed++
		case Rejected:
			rejected++
		}
	}
	assert.Equal(t, limit, allowed, "exactly limit admissions must succeed")
	assert.Equal(t, attempts-limit, rejected)
	assert.Equal(t, limit, f.ledger.Count("alice"))

	count, err := f.counter.Get(ctx, store.CountPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), count, "counter must agree with the ledger")
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	// SetUserLimit("bob", 0) then 50 concurrent admissions all succeed
	f := newFixture(t, rejectConfig(3), Config{})
	ctx := context.Background()

	require.NoError(t, f.registry.SetUserLimit(ctx, "bob", 0))

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			decision, err := f.controller.TryAdmit(ctx, "bob", fmt.Sprintf("c%02d", n))
			if err != nil {
				t.Errorf("TryAdmit failed: %v", err)
				return
			}
			outcomes[n] = decision.Outcome
		}(i)
	}
	wg.Wait()

	for i, o := range outcomes {
		assert.Equalf(t, Allowed, o, "call %d", i)
	}
	assert.Equal(t, 50, f.ledger.Count("bob"))
}

func TestDisabledAdmitsUnconditionally(t *testing.T) {
	f := newFixture(t, registry.GlobalConfig{
		Enabled:        false,
		DefaultLimit:   1,
		OverflowAction: registry.OverflowReject,
	}, Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		decision, err := f.controller.TryAdmit(ctx, "alice", fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		assert.Equal(t, Allowed, decision.Outcome)
		assert.Equal(t, ReasonDisabled, decision.Reason)
	}

	// Disabled admission control mutates nothing
	assert.Equal(t, 0, f.ledger.Count("alice"))
}

func TestEvictionTerminatesOldest(t *testing.T) {
	// Three sessions admitted at t1 < t2 < t3 with limit 3: the fourth
	// admission evicts exactly the session admitted at t1.
	f := newFixture(t, registry.GlobalConfig{
		Enabled:        true,
		DefaultLimit:   3,
		OverflowAction: registry.OverflowTerminateOldest,
	}, Config{})
	ctx := context.Background()

	for _, sessionID := range []string{"s1", "s2", "s3"} {
		f.clock.Add(time.Minute)
		decision, err := f.controller.TryAdmit(ctx, "alice", sessionID)
		require.NoError(t, err)
		require.Equal(t, Allowed, decision.Outcome)
	}

	f.clock.Add(time.Minute)
	decision, err := f.controller.TryAdmit(ctx, "alice", "s4")
	require.NoError(t, err)
	assert.Equal(t, AllowedWithEviction, decision.Outcome)
	assert.Equal(t, "s1", decision.EvictedSessionID)

	// Still exactly at the limit, s1 gone, s4 present
	assert.Equal(t, 3, f.ledger.Count("alice"))
	assert.False(t, f.ledger.Contains("alice", "s1"))
	assert.True(t, f.ledger.Contains("alice", "s4"))

	count, err := f.counter.Get(ctx, store.CountPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestEvictionTieBreaksOnSessionID(t *testing.T) {
	f := newFixture(t, registry.GlobalConfig{
		Enabled:        true,
		DefaultLimit:   2,
		OverflowAction: registry.OverflowTerminateOldest,
	}, Config{})
	ctx := context.Background()

	// Same mock timestamp for both: the lexicographically smallest
	// session ID must be the victim
	_, err := f.controller.TryAdmit(ctx, "alice", "zz")
	require.NoError(t, err)
	_, err = f.controller.TryAdmit(ctx, "alice", "aa")
	require.NoError(t, err)

	decision, err := f.controller.TryAdmit(ctx, "alice", "new")
	require.NoError(t, err)
	assert.Equal(t, AllowedWithEviction, decision.Outcome)
	assert.Equal(t, "aa", decision.EvictedSessionID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, rejectConfig(2), Config{})
	ctx := context.Background()

	_, err := f.controller.TryAdmit(ctx, "alice", "c1")
	require.NoError(t, err)
	_, err = f.controller.TryAdmit(ctx, "alice", "c2")
	require.NoError(t, err)

	require.NoError(t, f.controller.Release(ctx, "alice", "c1"))
	// Second release of the same session must not double-decrement
	require.NoError(t, f.controller.Release(ctx, "alice", "c1"))

	count, err := f.counter.Get(ctx, store.CountPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 1, f.ledger.Count("alice"))
}

func TestReleaseUnknownSessionIsNoOp(t *testing.T) {
	f := newFixture(t, rejectConfig(2), Config{})
	ctx := context.Background()

	_, err := f.controller.TryAdmit(ctx, "alice", "c1")
	require.NoError(t, err)

	// Unknown session, known user
	require.NoError(t, f.controller.Release(ctx, "alice", "ghost"))
	// Unknown user entirely
	require.NoError(t, f.controller.Release(ctx, "nobody", "c1"))

	count, err := f.counter.Get(ctx, store.CountPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLastReleaseDeletesCounterKey(t *testing.T) {
	f := newFixture(t, rejectConfig(2), Config{})
	ctx := context.Background()

	_, err := f.controller.TryAdmit(ctx, "alice", "c1")
	require.NoError(t, err)
	require.NoError(t, f.controller.Release(ctx, "alice", "c1"))

	// Missing key reads as zero, so admission still works afterwards
	count, err := f.counter.Get(ctx, store.CountPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	decision, err := f.controller.TryAdmit(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision.Outcome)
}

func TestLimitChangeDoesNotEvictExistingSessions(t *testing.T) {
	f := newFixture(t, rejectConfig(5), Config{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.controller.TryAdmit(ctx, "alice", fmt.Sprintf("c%d", i))
		require.NoError(t, err)
	}

	// Lowering the limit below the live count only gates new admissions
	require.NoError(t, f.registry.SetUserLimit(ctx, "alice", 2))
	assert.Equal(t, 4, f.ledger.Count("alice"))

	decision, err := f.controller.TryAdmit(ctx, "alice", "c9")
	require.NoError(t, err)
	assert.Equal(t, Rejected, decision.Outcome)
}

// failingCounter simulates an unreachable backend. Operations fail
// while broken is true.
type failingCounter struct {
	store.Counter
	mu     sync.Mutex
	broken bool
}

func newFailingCounter() *failingCounter {
	return &failingCounter{Counter: store.NewMemoryCounter(), broken: true}
}

func (f *failingCounter) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *failingCounter) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return fmt.Errorf("%w: connection refused", store.ErrBackendUnavailable)
	}
	return nil
}

func (f *failingCounter) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Counter.Incr(ctx, key)
}

func (f *failingCounter) Decr(ctx context.Context, key string) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Counter.Decr(ctx, key)
}

func (f *failingCounter) Get(ctx context.Context, key string) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Counter.Get(ctx, key)
}

func TestBackendFailureFailsClosedByDefault(t *testing.T) {
	reg := registry.New(nil, rejectConfig(3))
	led := ledger.New(nil)
	rep := stats.New(led, nil)
	ctrl := New(reg, newFailingCounter(), led, rep, Config{})

	decision, err := ctrl.TryAdmit(context.Background(), "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, Rejected, decision.Outcome)
	assert.Equal(t, ReasonBackend, decision.Reason, "backend rejection must be distinguishable from limit rejection")
	assert.Equal(t, 0, led.Count("alice"))
}

func TestBackendFailureFailsOpenWhenConfigured(t *testing.T) {
	reg := registry.New(nil, rejectConfig(3))
	led := ledger.New(nil)
	rep := stats.New(led, nil)
	ctrl := New(reg, newFailingCounter(), led, rep, Config{FailOpen: true})

	decision, err := ctrl.TryAdmit(context.Background(), "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision.Outcome)
	assert.Equal(t, ReasonBackend, decision.Reason)
	assert.Equal(t, 1, led.Count("alice"))
}

func TestReleaseRetriesAfterBackendFailure(t *testing.T) {
	reg := registry.New(nil, rejectConfig(3))
	led := ledger.New(nil)
	rep := stats.New(led, nil)
	counter := newFailingCounter()
	counter.setBroken(false)
	ctrl := New(reg, counter, led, rep, Config{})
	ctx := context.Background()

	_, err := ctrl.TryAdmit(ctx, "alice", "c1")
	require.NoError(t, err)

	// A failed release keeps the session on the ledger so the caller's
	// retry can attempt the decrement again; losing it would leak
	// capacity permanently.
	counter.setBroken(true)
	err = ctrl.Release(ctx, "alice", "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.True(t, led.Contains("alice", "c1"))

	counter.setBroken(false)
	require.NoError(t, ctrl.Release(ctx, "alice", "c1"))
	assert.False(t, led.Contains("alice", "c1"))

	count, err := counter.Get(ctx, store.CountPrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// stalledCounter simulates a backend that accepts connections but never
// answers. Incr blocks until the caller's context expires.
type stalledCounter struct {
	store.Counter
}

func (s *stalledCounter) Incr(ctx context.Context, key string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestStalledBackendFailsWithinTimeout(t *testing.T) {
	reg := registry.New(nil, rejectConfig(3))
	led := ledger.New(nil)
	rep := stats.New(led, nil)
	ctrl := New(reg, &stalledCounter{Counter: store.NewMemoryCounter()}, led, rep,
		Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	decision, err := ctrl.TryAdmit(context.Background(), "alice", "c1")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, Rejected, decision.Outcome)
	assert.Equal(t, ReasonBackend, decision.Reason)
	// The attempt must resolve near the configured timeout, not hang
	assert.Less(t, elapsed, time.Second, "stalled backend blocked the admission path")
	assert.Equal(t, 0, led.Count("alice"))
}

// decrFailingCounter lets increments through but fails every decrement
type decrFailingCounter struct {
	store.Counter
}

func (d *decrFailingCounter) Decr(ctx context.Context, key string) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", store.ErrBackendUnavailable)
}

func TestEvictionDecrementFailureIsObservable(t *testing.T) {
	reg := registry.New(nil, registry.GlobalConfig{
		Enabled:        true,
		DefaultLimit:   1,
		OverflowAction: registry.OverflowTerminateOldest,
	})
	led := ledger.New(nil)
	rep := stats.New(led, nil)
	ctrl := New(reg, &decrFailingCounter{Counter: store.NewMemoryCounter()}, led, rep, Config{})
	ctx := context.Background()

	_, err := ctrl.TryAdmit(ctx, "alice", "s1")
	require.NoError(t, err)

	// The eviction still admits, but the failed decrement leaves the
	// shared counter one high and must be counted, not just logged.
	decision, err := ctrl.TryAdmit(ctx, "alice", "s2")
	require.NoError(t, err)
	assert.Equal(t, AllowedWithEviction, decision.Outcome)
	assert.Equal(t, "s1", decision.EvictedSessionID)
	assert.Equal(t, int64(1), rep.Stats().BackendFailures)
}

func TestRollbackDecrementFailureIsObservable(t *testing.T) {
	reg := registry.New(nil, rejectConfig(1))
	led := ledger.New(nil)
	rep := stats.New(led, nil)
	ctrl := New(reg, &decrFailingCounter{Counter: store.NewMemoryCounter()}, led, rep, Config{})
	ctx := context.Background()

	_, err := ctrl.TryAdmit(ctx, "alice", "c1")
	require.NoError(t, err)

	decision, err := ctrl.TryAdmit(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.Equal(t, Rejected, decision.Outcome)
	assert.Equal(t, ReasonLimit, decision.Reason)
	assert.Equal(t, int64(1), rep.Stats().BackendFailures)
}

func TestUsersDoNotContend(t *testing.T) {
	// Admissions for distinct users proceed independently; each user's
	// bound holds under a mixed concurrent load.
	const users = 8
	const perUser = 10
	const limit = 4

	f := newFixture(t, rejectConfig(limit), Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(u, i int) {
				defer wg.Done()
				username := fmt.Sprintf("user%d", u)
				_, err := f.controller.TryAdmit(ctx, username, fmt.Sprintf("c%d", i))
				if err != nil {
					t.Errorf("TryAdmit failed: %v", err)
				}
			}(u, i)
		}
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		assert.Equal(t, limit, f.ledger.Count(fmt.Sprintf("user%d", u)))
	}
	assert.Equal(t, users, f.reporter.ActiveUserCount())
	assert.Equal(t, users*limit, f.reporter.TotalSessions())
}

func TestEmptyArgumentsRejected(t *testing.T) {
	f := newFixture(t, rejectConfig(3), Config{})
	ctx := context.Background()

	_, err := f.controller.TryAdmit(ctx, "", "c1")
	assert.Error(t, err)
	_, err = f.controller.TryAdmit(ctx, "alice", "")
	assert.Error(t, err)
	assert.Error(t, f.controller.Release(ctx, "", "c1"))
	assert.Error(t, f.controller.Release(ctx, "alice", ""))
}

func TestEventsPublishedOnAdmissionPath(t *testing.T) {
	f := newFixture(t, rejectConfig(1), Config{})
	broadcaster := events.NewBroadcaster()
	f.controller.WithEvents(broadcaster)
	sub, cancel := broadcaster.Subscribe()
	defer cancel()
	ctx := context.Background()

	_, err := f.controller.TryAdmit(ctx, "alice", "c1")
	require.NoError(t, err)
	_, err = f.controller.TryAdmit(ctx, "alice", "c2")
	require.NoError(t, err)
	require.NoError(t, f.controller.Release(ctx, "alice", "c1"))

	types := []string{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{events.TypeAdmitted, events.TypeRejected, events.TypeReleased}, types)
}
