package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeSource is a scriptable StatusSource.
type fakeSource struct {
	mu    sync.Mutex
	has   bool
	err   error
	calls int
	// block, when set, holds live checks open until released.
	block chan struct{}
}

func (s *fakeSource) HasActiveLicense(ctx context.Context, ownerID string) (bool, error) {
	s.mu.Lock()
	s.calls++
	has, err, block := s.has, s.err, s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return has, err
}

func (s *fakeSource) set(has bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.has = has
	s.err = err
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func noopTrigger() *SweepTrigger {
	return NewSweepTrigger(func(ctx context.Context) error { return nil },
		time.Minute, testLogger())
}

// countingSweep records sweep invocations.
type countingSweep struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (s *countingSweep) run(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	err, block := s.err, s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (s *countingSweep) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// TestSweepTriggerRateLimit tests the minInterval boundary: due at
// exactly lastTriggered+minInterval, not before.
func TestSweepTriggerRateLimit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sweep := &countingSweep{}
	trigger := NewSweepTrigger(sweep.run, 10*time.Second, testLogger(),
		WithSweepClock(clock.Now))
	ctx := context.Background()

	assert.True(t, trigger.TriggerIfDue(ctx), "first trigger always runs")
	assert.Equal(t, 1, sweep.callCount())

	assert.False(t, trigger.TriggerIfDue(ctx), "immediate retrigger is skipped")

	clock.Advance(10*time.Second - time.Nanosecond)
	assert.False(t, trigger.TriggerIfDue(ctx), "still inside the interval")
	assert.Equal(t, 1, sweep.callCount())

	clock.Advance(time.Nanosecond)
	assert.True(t, trigger.TriggerIfDue(ctx), "due at exactly minInterval")
	assert.Equal(t, 2, sweep.callCount())
}

// TestSweepTriggerInProgressGuard tests that a long-running sweep
// suppresses concurrent triggers even past the interval.
func TestSweepTriggerInProgressGuard(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	release := make(chan struct{})
	sweep := &countingSweep{block: release}
	trigger := NewSweepTrigger(sweep.run, time.Second, testLogger(),
		WithSweepClock(clock.Now))
	ctx := context.Background()

	done := make(chan bool)
	go func() { done <- trigger.TriggerIfDue(ctx) }()

	require.Eventually(t, func() bool { return sweep.callCount() == 1 },
		time.Second, time.Millisecond)

	clock.Advance(time.Hour)
	assert.False(t, trigger.TriggerIfDue(ctx), "in-progress sweep suppresses new ones")

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, 1, sweep.callCount())
}

// TestSweepTriggerSwallowsErrors tests that a failing sweep still
// counts as triggered and does not surface to callers.
func TestSweepTriggerSwallowsErrors(t *testing.T) {
	sweep := &countingSweep{err: errors.New("db down")}
	trigger := NewSweepTrigger(sweep.run, time.Minute, testLogger())

	assert.True(t, trigger.TriggerIfDue(context.Background()))
	assert.Equal(t, 1, sweep.callCount())
}

// TestSweepTriggerConcurrent tests that a burst of concurrent triggers
// collapses to one sweep.
func TestSweepTriggerConcurrent(t *testing.T) {
	sweep := &countingSweep{}
	trigger := NewSweepTrigger(sweep.run, time.Minute, testLogger())

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			trigger.TriggerIfDue(context.Background())
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, sweep.callCount())
}

func newTestVerifier(source StatusSource, slot CacheSlot, clock *fakeClock) *Verifier {
	return NewVerifier("owner-1", source, slot, noopTrigger(),
		5*time.Minute, 10*time.Second, testLogger(),
		WithVerifierClock(clock.Now))
}

// TestVerifyCacheHit tests that a valid slot answers without a live
// round-trip.
func TestVerifyCacheHit(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	source := &fakeSource{}
	slot := NewMemorySlot()
	require.NoError(t, slot.Store(CachedStatus{HasLicense: true, Timestamp: clock.Now()}))

	v := newTestVerifier(source, slot, clock)

	assert.True(t, v.Verify(context.Background()))
	assert.Zero(t, source.callCount(), "valid cache answers without a live check")
}

// TestVerifyCacheTTLBoundary tests staleness at exactly the TTL.
func TestVerifyCacheTTLBoundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	source := &fakeSource{has: false}
	slot := NewMemorySlot()
	require.NoError(t, slot.Store(CachedStatus{HasLicense: true, Timestamp: start}))

	v := newTestVerifier(source, slot, clock)

	clock.Advance(5*time.Minute - time.Nanosecond)
	assert.True(t, v.Verify(context.Background()), "one tick before TTL the cache is valid")
	assert.Zero(t, source.callCount())

	clock.Advance(11 * time.Second)
	assert.False(t, v.Verify(context.Background()),
		"at the TTL the cache is stale and the live answer wins")
	assert.Equal(t, 1, source.callCount())
}

// TestVerifyMissRefreshesAndStores tests the cache-miss path.
func TestVerifyMissRefreshesAndStores(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	source := &fakeSource{has: true}
	slot := NewMemorySlot()
	v := newTestVerifier(source, slot, clock)

	assert.True(t, v.Verify(context.Background()))
	assert.Equal(t, 1, source.callCount())

	cached, ok := slot.Load()
	require.True(t, ok, "live result is written back to the slot")
	assert.True(t, cached.HasLicense)
	assert.True(t, cached.Timestamp.Equal(clock.Now()))
}

// TestVerifyMinCheckInterval tests the live-check rate limit: repeat
// calls inside the window reuse the last answer even with no cache.
func TestVerifyMinCheckInterval(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	source := &fakeSource{has: true}
	v := newTestVerifier(source, NewMemorySlot(), clock)
	ctx := context.Background()

	assert.True(t, v.Verify(ctx))
	require.Equal(t, 1, source.callCount())

	// The live status flips, but inside the interval the verifier
	// keeps serving the last known answer.
	source.set(false, nil)
	clock.Advance(9 * time.Second)
	assert.True(t, v.Verify(ctx))
	assert.Equal(t, 1, source.callCount())
}

// TestVerifyFailClosed tests that a failing live check denies access
// when no valid cache exists.
func TestVerifyFailClosed(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	source := &fakeSource{err: errors.New("store down")}
	slot := NewMemorySlot()
	v := newTestVerifier(source, slot, clock)

	assert.False(t, v.Verify(context.Background()), "ambiguous outcomes deny")

	_, ok := slot.Load()
	assert.False(t, ok, "a failed refresh must not overwrite the slot")
}

// TestVerifyErrorPreservesCacheForLater tests that an error outcome
// does not poison a slot that becomes relevant again.
func TestVerifyErrorPreservesCacheForLater(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	source := &fakeSource{has: true}
	slot := NewMemorySlot()
	v := newTestVerifier(source, slot, clock)
	ctx := context.Background()

	// Prime the slot with a good answer.
	require.True(t, v.Verify(ctx))

	// TTL lapses, the store goes down: fail closed.
	clock.Advance(6 * time.Minute)
	source.set(true, errors.New("store down"))
	assert.False(t, v.Verify(ctx))

	// The store recovers: the next eligible check re-grants.
	clock.Advance(11 * time.Second)
	source.set(true, nil)
	assert.True(t, v.Verify(ctx))
}

// TestVerifyInFlightReturnsLastKnown tests that callers arriving while
// a live check is in flight get the last known answer immediately.
func TestVerifyInFlightReturnsLastKnown(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	release := make(chan struct{})
	source := &fakeSource{has: true, block: release}
	v := newTestVerifier(source, NewMemorySlot(), clock)
	ctx := context.Background()

	first := make(chan bool)
	go func() { first <- v.Verify(ctx) }()

	require.Eventually(t, func() bool { return source.callCount() == 1 },
		time.Second, time.Millisecond)

	// No prior answer exists, so the overlapping caller is denied
	// rather than blocked.
	assert.False(t, v.Verify(ctx))
	assert.Equal(t, 1, source.callCount(), "overlapping caller must not start a second check")

	close(release)
	assert.True(t, <-first)

	// With an answer recorded, a caller overlapping a future check
	// would now get true.
	assert.True(t, v.Verify(ctx))
}

// TestVerifyThunderingHerd tests that many concurrent callers collapse
// to a single live check.
func TestVerifyThunderingHerd(t *testing.T) {
	source := &fakeSource{has: true}
	v := NewVerifier("owner-1", source, NewMemorySlot(), noopTrigger(),
		5*time.Minute, 10*time.Second, testLogger())

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			v.Verify(context.Background())
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, source.callCount(), "concurrent callers share one live check")
}

// TestVerifyTriggersSweep tests that a cache miss nudges the shared
// sweep trigger before the live read.
func TestVerifyTriggersSweep(t *testing.T) {
	sweep := &countingSweep{}
	trigger := NewSweepTrigger(sweep.run, time.Minute, testLogger())
	source := &fakeSource{has: true}
	v := NewVerifier("owner-1", source, NewMemorySlot(), trigger,
		5*time.Minute, 10*time.Second, testLogger())

	v.Verify(context.Background())
	assert.Equal(t, 1, sweep.callCount())
}

// TestUpdateCacheAndInvalidate tests the explicit cache writes used by
// activation and sign-out.
func TestUpdateCacheAndInvalidate(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	source := &fakeSource{}
	slot := NewMemorySlot()
	v := newTestVerifier(source, slot, clock)
	ctx := context.Background()

	v.UpdateCache(ctx, true)
	assert.True(t, v.Verify(ctx))
	assert.Zero(t, source.callCount(), "an updated cache serves without a live check")

	v.Invalidate(ctx)
	_, ok := slot.Load()
	assert.False(t, ok)

	// Post-invalidate, access is resolved live again.
	source.set(true, nil)
	assert.True(t, v.Verify(ctx))
	assert.Equal(t, 1, source.callCount())
}

// TestRegistrySlotFactory tests that persisted slots survive a process
// restart: a fresh registry over the same directory serves from cache.
func TestRegistrySlotFactory(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{has: true}

	reg := NewRegistry(source, noopTrigger(), 5*time.Minute, 10*time.Second, testLogger())
	reg.UseSlotFactory(FileSlotFactory(dir))
	require.True(t, reg.ForOwner("owner-1").Verify(context.Background()))
	require.Equal(t, 1, source.callCount())

	// Simulated restart: new registry, same directory, dead source.
	restarted := NewRegistry(&fakeSource{err: errors.New("store down")}, noopTrigger(),
		5*time.Minute, 10*time.Second, testLogger())
	restarted.UseSlotFactory(FileSlotFactory(dir))
	assert.True(t, restarted.ForOwner("owner-1").Verify(context.Background()),
		"a fresh, signed slot answers across restarts")
	assert.False(t, restarted.ForOwner("owner-2").Verify(context.Background()),
		"other owners do not inherit the slot")
}

// TestRegistry tests per-owner verifier reuse and sign-out dropping.
func TestRegistry(t *testing.T) {
	source := &fakeSource{has: true}
	reg := NewRegistry(source, noopTrigger(), 5*time.Minute, 10*time.Second, testLogger())

	a := reg.ForOwner("owner-a")
	b := reg.ForOwner("owner-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, reg.ForOwner("owner-a"), "sessions are reused per owner")

	reg.Drop(context.Background(), "owner-a")
	assert.NotSame(t, a, reg.ForOwner("owner-a"), "dropped sessions start fresh")
}
