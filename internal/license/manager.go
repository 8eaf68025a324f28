package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	licenseErrors "viraldesk/internal/errors"
	"viraldesk/internal/store"
)

// Manager is the server-authoritative side of the license lifecycle:
// it owns the activation state machine and the expiration sweep, and
// translates store-level outcomes into the activation taxonomy.
type Manager struct {
	store           store.Store
	logger          *slog.Logger
	metrics         *Metrics
	defaultValidity time.Duration
	now             func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches OpenTelemetry metrics to the manager.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a lifecycle manager over the given store.
// defaultValidity is the window stamped at self-service activation when
// the key was minted without one.
func NewManager(s store.Store, defaultValidity time.Duration, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:           s,
		logger:          logger.With(slog.String("component", "license_manager")),
		defaultValidity: defaultValidity,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activate runs the activation state machine for one submitted key.
//
// The happy path binds an inactive key to the owner and starts its
// validity clock with a conditional single-row update; every other path
// resolves to a deterministic taxonomy failure. Re-submitting a key the
// owner already holds active is an idempotent success.
func (m *Manager) Activate(ctx context.Context, ownerID, rawKey string) (*store.LicenseRecord, error) {
	start := m.now()

	if err := ValidateKeyFormat(rawKey); err != nil {
		m.recordActivation(ctx, "invalid_format")
		return nil, err
	}
	key := NormalizeKey(rawKey)

	rec, err := m.store.FindByKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			m.recordActivation(ctx, "not_found")
			return nil, licenseErrors.ErrKeyNotFound
		}
		m.recordActivation(ctx, "store_error")
		return nil, fmt.Errorf("license lookup failed: %w", err)
	}

	if rec, err := m.evaluateExisting(rec, ownerID); rec != nil || err != nil {
		if err != nil {
			m.recordActivation(ctx, taxonomyLabel(err))
		} else {
			m.recordActivation(ctx, "idempotent")
		}
		return rec, err
	}

	// One active license per owner, checked before claiming. The check
	// is advisory against a cross-device race; the per-key claim below
	// is still the serialization point for the key itself.
	if _, err := m.store.FindActiveByOwner(ctx, ownerID); err == nil {
		m.recordActivation(ctx, "already_licensed")
		return nil, licenseErrors.ErrAlreadyLicensed
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		m.recordActivation(ctx, "store_error")
		return nil, fmt.Errorf("active license check failed: %w", err)
	}

	activatedAt := m.now()
	expiresAt := activatedAt.Add(m.validityFor(rec))

	claimed, err := m.store.ClaimInactive(ctx, rec.ID, ownerID, activatedAt, expiresAt)
	if err != nil {
		m.recordActivation(ctx, "store_error")
		return nil, fmt.Errorf("license claim failed: %w", err)
	}

	if !claimed {
		// Lost the claim race. Re-read and re-evaluate so the caller
		// gets the same deterministic failure a late arrival would.
		fresh, err := m.store.FindByKey(ctx, key)
		if err != nil {
			m.recordActivation(ctx, "store_error")
			return nil, fmt.Errorf("license re-read failed: %w", err)
		}
		if rec, err := m.evaluateExisting(fresh, ownerID); rec != nil || err != nil {
			if err != nil {
				m.recordActivation(ctx, taxonomyLabel(err))
			} else {
				m.recordActivation(ctx, "idempotent")
			}
			return rec, err
		}
		m.recordActivation(ctx, "race_lost")
		return nil, licenseErrors.ErrKeyNotAvailable
	}

	rec.OwnerID = &ownerID
	rec.Status = store.StatusActive
	rec.ActivatedAt = &activatedAt
	rec.ExpiresAt = &expiresAt

	m.logger.InfoContext(ctx, "license activated",
		slog.String("license_id", rec.ID),
		slog.String("owner_id", ownerID),
		slog.Time("expires_at", expiresAt),
		slog.Duration("took", m.now().Sub(start)),
	)
	m.recordActivation(ctx, "activated")

	return rec, nil
}

// evaluateExisting maps a non-inactive record to its activation
// outcome. Returns (nil, nil) when the record is still inactive and the
// claim should proceed.
func (m *Manager) evaluateExisting(rec *store.LicenseRecord, ownerID string) (*store.LicenseRecord, error) {
	ownedByCaller := rec.OwnerID != nil && *rec.OwnerID == ownerID

	switch {
	case ownedByCaller && rec.Status == store.StatusActive:
		// Idempotent: re-submitting your own active key is a no-op
		// success and must not touch activated_at or expires_at.
		return rec, nil
	case ownedByCaller && rec.Status == store.StatusExpired:
		return nil, licenseErrors.ErrKeyExpired
	case rec.OwnerID != nil && !ownedByCaller:
		return nil, licenseErrors.ErrKeyAlreadyClaimed
	case rec.Status != store.StatusInactive:
		return nil, licenseErrors.ErrKeyNotAvailable
	}
	return nil, nil
}

// validityFor resolves the validity window for a record: the minted
// per-key window when present, the self-service default otherwise.
func (m *Manager) validityFor(rec *store.LicenseRecord) time.Duration {
	if rec.ValidityMonths > 0 {
		return time.Duration(rec.ValidityMonths) * 30 * 24 * time.Hour
	}
	return m.defaultValidity
}

// Sweep transitions every lapsed active record to expired. Idempotent;
// safe to invoke from any number of callers.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	swept, err := m.store.SweepExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("expiration sweep failed: %w", err)
	}

	if m.metrics != nil {
		m.metrics.SweepRuns.Add(ctx, 1)
		m.metrics.SweptRecords.Add(ctx, swept)
	}

	if swept > 0 {
		m.logger.InfoContext(ctx, "expiration sweep completed",
			slog.Int64("expired", swept),
		)
	}

	return swept, nil
}

// HasActiveLicense reports whether the owner holds an unlapsed active
// license. A record the sweep has not reached yet is checked against
// expires_at directly, so staleness of the sweep never grants access.
func (m *Manager) HasActiveLicense(ctx context.Context, ownerID string) (bool, error) {
	rec, err := m.store.FindActiveByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return !rec.IsLapsed(m.now()), nil
}

// StatusInfo is the derived license status for one owner.
type StatusInfo struct {
	Status       string               `json:"status"` // active|expired|none
	HasLicense   bool                 `json:"has_license"`
	DaysLeft     int                  `json:"days_left,omitempty"`
	NeedsRenewal bool                 `json:"needs_renewal"`
	Record       *store.LicenseRecord `json:"record,omitempty"`
}

// Status derives the owner's current entitlement from the store.
func (m *Manager) Status(ctx context.Context, ownerID string) (*StatusInfo, error) {
	recs, err := m.store.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("license status lookup failed: %w", err)
	}

	now := m.now()
	info := &StatusInfo{Status: "none"}

	for i := range recs {
		rec := &recs[i]
		if rec.Status == store.StatusActive && !rec.IsLapsed(now) {
			daysLeft := int(rec.ExpiresAt.Sub(now).Hours() / 24)
			info.Status = store.StatusActive
			info.HasLicense = true
			info.DaysLeft = daysLeft
			info.NeedsRenewal = daysLeft <= 7
			info.Record = rec
			return info, nil
		}
		if rec.Status == store.StatusExpired || rec.IsLapsed(now) {
			info.Status = store.StatusExpired
			info.Record = rec
		}
	}

	return info, nil
}

// recordActivation emits the activation outcome metric.
func (m *Manager) recordActivation(ctx context.Context, outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.Activations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// taxonomyLabel names a taxonomy error for metrics.
func taxonomyLabel(err error) string {
	switch {
	case errors.Is(err, licenseErrors.ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, licenseErrors.ErrKeyAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, licenseErrors.ErrKeyExpired):
		return "expired"
	case errors.Is(err, licenseErrors.ErrAlreadyLicensed):
		return "already_licensed"
	case errors.Is(err, licenseErrors.ErrKeyNotAvailable):
		return "not_available"
	default:
		return "error"
	}
}
