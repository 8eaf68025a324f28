package store

import (
	"context"
	"errors"
	"time"
)

// Store-level sentinel errors. The lifecycle manager translates these
// into the user-facing activation taxonomy.
var (
	// ErrRecordNotFound - no row matches the lookup.
	ErrRecordNotFound = errors.New("license record not found")
	// ErrDuplicateKey - a row with the same license key already exists.
	ErrDuplicateKey = errors.New("duplicate license key")
)

// Store provides row-level CRUD over the licenses relation. Reads are
// scoped the way row-level security would scope them: a key lookup is
// only for activation, owner reads require the owner ID, and there is
// no enumeration of other owners' keys.
type Store interface {
	// Create inserts a freshly minted inactive record. Returns
	// ErrDuplicateKey when the key collides with an existing row.
	Create(ctx context.Context, rec *LicenseRecord) error

	// FindByKey looks up a record by its license key.
	FindByKey(ctx context.Context, licenseKey string) (*LicenseRecord, error)

	// FindActiveByOwner returns the owner's active record, if any.
	FindActiveByOwner(ctx context.Context, ownerID string) (*LicenseRecord, error)

	// FindByOwner returns all records bound to the owner, newest first.
	FindByOwner(ctx context.Context, ownerID string) ([]LicenseRecord, error)

	// ClaimInactive performs the conditional single-row activation
	// update: the row moves to active only if its status is still
	// inactive. Returns false when the row was concurrently claimed;
	// the caller must re-read and re-evaluate.
	ClaimInactive(ctx context.Context, id, ownerID string, activatedAt, expiresAt time.Time) (bool, error)

	// SweepExpired marks every active record whose expiry has passed
	// as expired and reports how many rows changed. Idempotent.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
