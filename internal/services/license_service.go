package services

import (
	"context"
	"log/slog"
	"time"

	"viraldesk/internal/infrastructure"
	"viraldesk/internal/license"
	"viraldesk/internal/store"
)

// LicenseService provides business logic for license operations. It is
// the boundary between transport and the lifecycle manager; everything
// it returns is already translated into the activation taxonomy.
type LicenseService interface {
	// GetStatus derives the owner's current entitlement.
	GetStatus(ctx context.Context, ownerID string) (*StatusResponse, error)
	// Activate runs the activation state machine for a submitted key.
	Activate(ctx context.Context, ownerID, licenseKey string) (*ActivationResponse, error)
	// Verify is the cached boolean check used by gating logic. It
	// never errors; ambiguous outcomes resolve to false.
	Verify(ctx context.Context, ownerID string) bool
	// Sweep transitions lapsed active records to expired.
	Sweep(ctx context.Context) (int64, error)
	// Mint creates a batch of inactive keys.
	Mint(ctx context.Context, issuerID string, opts license.MintOptions) ([]store.LicenseRecord, error)
	// SignOut drops the owner's session and clears its cache slot.
	SignOut(ctx context.Context, ownerID string)
}

// StatusResponse is the standardized license status payload.
type StatusResponse struct {
	LicenseStatus string               `json:"license_status"` // active|expired|none
	Message       string               `json:"message"`
	DaysLeft      int                  `json:"days_left,omitempty"`
	NeedsRenewal  bool                 `json:"needs_renewal"`
	LicenseInfo   *store.LicenseRecord `json:"license_info,omitempty"`
	TraceID       string               `json:"trace_id"`
	Timestamp     time.Time            `json:"timestamp"`
}

// ActivationResponse is the successful activation payload.
type ActivationResponse struct {
	Success     bool                 `json:"success"`
	Message     string               `json:"message"`
	LicenseInfo *store.LicenseRecord `json:"license_info,omitempty"`
	TraceID     string               `json:"trace_id"`
	Timestamp   time.Time            `json:"timestamp"`
}

// licenseService is the default LicenseService implementation.
type licenseService struct {
	manager  *license.Manager
	keygen   *license.KeyGenerator
	sessions *license.Registry
	logger   *slog.Logger
}

// NewLicenseService creates the default license service.
func NewLicenseService(manager *license.Manager, keygen *license.KeyGenerator,
	sessions *license.Registry, logger *slog.Logger) LicenseService {
	return &licenseService{
		manager:  manager,
		keygen:   keygen,
		sessions: sessions,
		logger:   logger.With(slog.String("service", "license")),
	}
}

// GetStatus derives the owner's current entitlement
func (s *licenseService) GetStatus(ctx context.Context, ownerID string) (*StatusResponse, error) {
	info, err := s.manager.Status(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		LicenseStatus: info.Status,
		DaysLeft:      info.DaysLeft,
		NeedsRenewal:  info.NeedsRenewal,
		LicenseInfo:   info.Record,
		TraceID:       infrastructure.GetTraceID(ctx),
		Timestamp:     time.Now(),
	}

	switch info.Status {
	case store.StatusActive:
		resp.Message = "License is active"
		if info.NeedsRenewal {
			resp.Message = "License is active but expires soon"
		}
	case store.StatusExpired:
		resp.Message = "License has expired"
	default:
		resp.Message = "No license activated"
	}

	// Keep the session cache aligned with the value the live path just
	// observed, so gating never lags a status the user has seen.
	s.sessions.ForOwner(ownerID).UpdateCache(ctx, info.HasLicense)

	return resp, nil
}

// Activate runs the activation state machine
func (s *licenseService) Activate(ctx context.Context, ownerID, licenseKey string) (*ActivationResponse, error) {
	rec, err := s.manager.Activate(ctx, ownerID, licenseKey)
	if err != nil {
		return nil, err
	}

	s.sessions.ForOwner(ownerID).UpdateCache(ctx, true)

	return &ActivationResponse{
		Success:     true,
		Message:     "License activated successfully",
		LicenseInfo: rec,
		TraceID:     infrastructure.GetTraceID(ctx),
		Timestamp:   time.Now(),
	}, nil
}

// Verify is the cached boolean gate check
func (s *licenseService) Verify(ctx context.Context, ownerID string) bool {
	return s.sessions.ForOwner(ownerID).Verify(ctx)
}

// Sweep transitions lapsed active records to expired
func (s *licenseService) Sweep(ctx context.Context) (int64, error) {
	return s.manager.Sweep(ctx)
}

// Mint creates a batch of inactive keys
func (s *licenseService) Mint(ctx context.Context, issuerID string, opts license.MintOptions) ([]store.LicenseRecord, error) {
	opts.IssuerID = issuerID
	return s.keygen.Mint(ctx, opts)
}

// SignOut drops the owner's session and clears its cache slot
func (s *licenseService) SignOut(ctx context.Context, ownerID string) {
	s.sessions.Drop(ctx, ownerID)
	s.logger.InfoContext(ctx, "session signed out",
		slog.String("owner_id", ownerID),
	)
}
