package store

import "time"

// License lifecycle states. A key is minted inactive, becomes active
// exactly once, and expired is terminal.
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusExpired  = "expired"
)

// LicenseRecord is one row per issued key. The store is the single
// source of truth; clients only cache derived status.
type LicenseRecord struct {
	ID         string  `json:"id" gorm:"primaryKey"`
	LicenseKey string  `json:"license_key" gorm:"uniqueIndex;not null"`
	OwnerID    *string `json:"owner_id,omitempty" gorm:"index"`
	Status     string  `json:"status" gorm:"not null;default:inactive;index"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	// ValidityMonths is an optional window stamped at minting time.
	// Zero means the activation-time default applies.
	ValidityMonths int      `json:"validity_months,omitempty"`
	IssuerID       *string  `json:"issuer_id,omitempty"`
	Price          *float64 `json:"price,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName sets the relation name used by the store
func (LicenseRecord) TableName() string {
	return "licenses"
}

// IsLapsed reports whether an active record's expiry has passed, for
// callers that need precise freshness without waiting for a sweep.
func (r *LicenseRecord) IsLapsed(now time.Time) bool {
	return r.Status == StatusActive && r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
