package license

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepFunc invokes the expiration sweep.
type SweepFunc func(ctx context.Context) error

// SweepTrigger coordinates on-demand sweep invocations across every
// call site in the process. It is an explicit single instance injected
// where needed, not module-level state, so lifetime and test isolation
// stay explicit.
type SweepTrigger struct {
	sweep       SweepFunc
	minInterval time.Duration
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	mu            sync.Mutex
	lastTriggered time.Time
	inProgress    bool
}

// SweepTriggerOption customizes a SweepTrigger.
type SweepTriggerOption func(*SweepTrigger)

// WithSweepClock overrides the trigger's time source, for tests.
func WithSweepClock(now func() time.Time) SweepTriggerOption {
	return func(t *SweepTrigger) { t.now = now }
}

// WithSweepMetrics attaches metrics to the trigger.
func WithSweepMetrics(metrics *Metrics) SweepTriggerOption {
	return func(t *SweepTrigger) { t.metrics = metrics }
}

// NewSweepTrigger creates a rate-limited sweep trigger.
func NewSweepTrigger(sweep SweepFunc, minInterval time.Duration, logger *slog.Logger, opts ...SweepTriggerOption) *SweepTrigger {
	t := &SweepTrigger{
		sweep:       sweep,
		minInterval: minInterval,
		logger:      logger.With(slog.String("component", "sweep_trigger")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TriggerIfDue invokes the sweep unless one ran within minInterval or
// is currently in progress. Skips are silent; sweep errors are logged
// and swallowed, since the sweep is a best-effort freshness mechanism
// and lapsed records are still checked against expires_at wherever
// precise freshness matters. Reports whether a sweep was invoked.
func (t *SweepTrigger) TriggerIfDue(ctx context.Context) bool {
	now := t.now()

	t.mu.Lock()
	if t.inProgress || (!t.lastTriggered.IsZero() && now.Sub(t.lastTriggered) < t.minInterval) {
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.SweepTriggerSkips.Add(ctx, 1)
		}
		return false
	}
	t.inProgress = true
	t.lastTriggered = now
	t.mu.Unlock()

	err := t.sweep(ctx)

	t.mu.Lock()
	t.inProgress = false
	t.mu.Unlock()

	if err != nil {
		t.logger.WarnContext(ctx, "expiration sweep failed",
			slog.String("error", err.Error()),
		)
	}

	return true
}

// StatusSource supplies the live, uncached entitlement answer.
type StatusSource interface {
	HasActiveLicense(ctx context.Context, ownerID string) (bool, error)
}

// Verifier is the session-scoped read path used by gating logic. It
// serves most calls from the cache slot, bounds live round-trips with
// its own rate limit, and fails closed when the live refresh errors.
type Verifier struct {
	ownerID          string
	source           StatusSource
	slot             CacheSlot
	sweep            *SweepTrigger
	cacheTTL         time.Duration
	minCheckInterval time.Duration
	logger           *slog.Logger
	metrics          *Metrics
	now              func() time.Time

	mu        sync.Mutex
	inFlight  bool
	lastCheck time.Time
	lastKnown bool
	hasKnown  bool
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the verifier's time source, for tests.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithVerifierMetrics attaches metrics to the verifier.
func WithVerifierMetrics(metrics *Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = metrics }
}

// NewVerifier creates a verifier for one owner session.
func NewVerifier(ownerID string, source StatusSource, slot CacheSlot, sweep *SweepTrigger,
	cacheTTL, minCheckInterval time.Duration, logger *slog.Logger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		ownerID:          ownerID,
		source:           source,
		slot:             slot,
		sweep:            sweep,
		cacheTTL:         cacheTTL,
		minCheckInterval: minCheckInterval,
		logger:           logger.With(slog.String("component", "license_verifier")),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify resolves "does this session hold a license" to a boolean. It
// never returns an error: gating logic must always get an answer, and
// ambiguous outcomes resolve to false.
//
// Order of consultation: in-flight guard, live-check rate limit, cache
// slot, then sweep trigger plus live refresh. A caller that finds a
// verification already in flight gets the last known value immediately
// rather than awaiting the in-flight result.
func (v *Verifier) Verify(ctx context.Context) bool {
	start := v.now()

	v.mu.Lock()
	if v.inFlight {
		known := v.bestKnownLocked(start)
		v.mu.Unlock()
		return known
	}

	if v.hasKnown && start.Sub(v.lastCheck) < v.minCheckInterval {
		known := v.bestKnownLocked(start)
		v.mu.Unlock()
		return known
	}

	if cached, ok := v.loadValidLocked(start); ok {
		v.lastKnown = cached.HasLicense
		v.hasKnown = true
		v.mu.Unlock()
		if v.metrics != nil {
			v.metrics.CacheHits.Add(ctx, 1)
		}
		return cached.HasLicense
	}

	v.inFlight = true
	v.mu.Unlock()

	if v.metrics != nil {
		v.metrics.CacheMisses.Add(ctx, 1)
	}

	// Best-effort: nudge the sweeper so the store answer reflects
	// expiry, then refresh.
	v.sweep.TriggerIfDue(ctx)

	has, err := v.source.HasActiveLicense(ctx, v.ownerID)
	if err != nil {
		// Fail closed: an ambiguous failure must never grant access.
		v.logger.ErrorContext(ctx, "live license refresh failed",
			slog.String("owner_id", v.ownerID),
			slog.String("error", err.Error()),
		)
		has = false
	}

	v.mu.Lock()
	v.inFlight = false
	v.lastCheck = v.now()
	v.lastKnown = has
	v.hasKnown = true
	v.mu.Unlock()

	if err == nil {
		v.storeSlot(ctx, has)
	}

	if v.metrics != nil {
		v.metrics.VerifyDuration.Record(ctx, v.now().Sub(start).Seconds())
	}

	return has
}

// UpdateCache overwrites the slot with a freshly observed value. Called
// after every live refresh and opportunistically whenever the live
// status changes for any other reason (e.g. a successful activation),
// so the cache never lags a value it has already observed.
func (v *Verifier) UpdateCache(ctx context.Context, hasLicense bool) {
	v.mu.Lock()
	v.lastKnown = hasLicense
	v.hasKnown = true
	v.lastCheck = v.now()
	v.mu.Unlock()

	v.storeSlot(ctx, hasLicense)
}

// Invalidate clears the slot and the in-memory state, e.g. on sign-out.
func (v *Verifier) Invalidate(ctx context.Context) {
	v.mu.Lock()
	v.lastKnown = false
	v.hasKnown = false
	v.lastCheck = time.Time{}
	v.mu.Unlock()

	if err := v.slot.Clear(); err != nil {
		v.logger.WarnContext(ctx, "failed to clear cache slot",
			slog.String("error", err.Error()),
		)
	}
}

// bestKnownLocked returns the cached value when still valid, otherwise
// the last in-memory answer. Callers hold v.mu.
func (v *Verifier) bestKnownLocked(now time.Time) bool {
	if cached, ok := v.loadValidLocked(now); ok {
		return cached.HasLicense
	}
	return v.hasKnown && v.lastKnown
}

// loadValidLocked loads the slot and applies the TTL check.
func (v *Verifier) loadValidLocked(now time.Time) (CachedStatus, bool) {
	cached, ok := v.slot.Load()
	if !ok {
		return CachedStatus{}, false
	}
	if now.Sub(cached.Timestamp) >= v.cacheTTL {
		return CachedStatus{}, false
	}
	return cached, true
}

func (v *Verifier) storeSlot(ctx context.Context, hasLicense bool) {
	err := v.slot.Store(CachedStatus{
		HasLicense: hasLicense,
		Timestamp:  v.now(),
	})
	if err != nil {
		v.logger.WarnContext(ctx, "failed to persist cache slot",
			slog.String("error", err.Error()),
		)
	}
}

// Registry hands out one Verifier per owner session, all sharing the
// same process-wide sweep trigger. Slots are in-memory and dropped on
// sign-out.
type Registry struct {
	source           StatusSource
	sweep            *SweepTrigger
	cacheTTL         time.Duration
	minCheckInterval time.Duration
	logger           *slog.Logger
	opts             []VerifierOption
	slots            func(ownerID string) CacheSlot

	mu       sync.Mutex
	sessions map[string]*Verifier
}

// NewRegistry creates a session registry.
func NewRegistry(source StatusSource, sweep *SweepTrigger, cacheTTL, minCheckInterval time.Duration,
	logger *slog.Logger, opts ...VerifierOption) *Registry {
	return &Registry{
		source:           source,
		sweep:            sweep,
		cacheTTL:         cacheTTL,
		minCheckInterval: minCheckInterval,
		logger:           logger,
		opts:             opts,
		sessions:         make(map[string]*Verifier),
	}
}

// UseSlotFactory makes new sessions back their cache with slots built
// by f, e.g. persisted file slots, instead of in-memory slots. Must be
// set before the first session is created.
func (r *Registry) UseSlotFactory(f func(ownerID string) CacheSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = f
}

// ForOwner returns the owner's verifier, creating it on first use.
func (r *Registry) ForOwner(ownerID string) *Verifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.sessions[ownerID]; ok {
		return v
	}

	var slot CacheSlot = NewMemorySlot()
	if r.slots != nil {
		slot = r.slots(ownerID)
	}

	v := NewVerifier(ownerID, r.source, slot, r.sweep,
		r.cacheTTL, r.minCheckInterval, r.logger, r.opts...)
	r.sessions[ownerID] = v
	return v
}

// Drop invalidates and removes the owner's session, e.g. on sign-out.
func (r *Registry) Drop(ctx context.Context, ownerID string) {
	r.mu.Lock()
	v, ok := r.sessions[ownerID]
	delete(r.sessions, ownerID)
	r.mu.Unlock()

	if ok {
		v.Invalidate(ctx)
	}
}
