package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore implements Store on a gorm-managed relational table.
type GormStore struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite-backed store at the given path and
// runs migrations.
func Open(path string) (*GormStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open license store: %w", err)
	}

	return NewGormStore(db)
}

// OpenInMemory opens a throwaway in-memory store, for tests.
func OpenInMemory() (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}

	// A pooled :memory: DSN would hand each connection its own empty
	// database; a single connection keeps one shared store.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access in-memory handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db)
}

// NewGormStore wraps an existing gorm handle and runs migrations.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&LicenseRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate license store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a freshly minted inactive record
func (s *GormStore) Create(ctx context.Context, rec *LicenseRecord) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create license record: %w", err)
	}
	return nil
}

// FindByKey looks up a record by its license key
func (s *GormStore) FindByKey(ctx context.Context, licenseKey string) (*LicenseRecord, error) {
	var rec LicenseRecord
	err := s.db.WithContext(ctx).Where("license_key = ?", licenseKey).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to look up license key: %w", err)
	}
	return &rec, nil
}

// FindActiveByOwner returns the owner's active record, if any
func (s *GormStore) FindActiveByOwner(ctx context.Context, ownerID string) (*LicenseRecord, error) {
	var rec LicenseRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, StatusActive).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to look up active license: %w", err)
	}
	return &rec, nil
}

// FindByOwner returns all records bound to the owner, newest first
func (s *GormStore) FindByOwner(ctx context.Context, ownerID string) ([]LicenseRecord, error) {
	var recs []LicenseRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	return recs, nil
}

// ClaimInactive performs the compare-and-swap activation update. The
// WHERE clause on the prior status is what serializes two concurrent
// activation attempts against the same key: exactly one update matches.
func (s *GormStore) ClaimInactive(ctx context.Context, id, ownerID string, activatedAt, expiresAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&LicenseRecord{}).
		Where("id = ? AND status = ?", id, StatusInactive).
		Updates(map[string]interface{}{
			"owner_id":     ownerID,
			"status":       StatusActive,
			"activated_at": activatedAt,
			"expires_at":   expiresAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim license: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SweepExpired marks lapsed active records as expired
func (s *GormStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&LicenseRecord{}).
		Where("status = ? AND expires_at <= ?", StatusActive, now).
		Update("status", StatusExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired licenses: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// isDuplicate detects unique-constraint violations across gorm's
// translated error and the raw sqlite message.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}
