package license

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	licenseErrors "viraldesk/internal/errors"
	"viraldesk/internal/store"
)

const (
	// keyAlphabet is the character set for generated key segments.
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// keySegments and keySegmentLen describe the XXXX-XXXX-XXXX-XXXX shape.
	keySegments   = 4
	keySegmentLen = 4
	// maxMintAttempts bounds collision retries per key.
	maxMintAttempts = 10
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// ValidateKeyFormat checks the human-enterable key shape. Normalization
// happens first, so lowercase input and stray spaces are accepted.
func ValidateKeyFormat(licenseKey string) error {
	if !keyPattern.MatchString(NormalizeKey(licenseKey)) {
		return licenseErrors.ErrInvalidKeyFormat
	}
	return nil
}

// NormalizeKey uppercases a key and re-groups it into dashed segments.
func NormalizeKey(licenseKey string) string {
	clean := strings.ToUpper(strings.TrimSpace(licenseKey))
	clean = strings.ReplaceAll(clean, " ", "")
	clean = strings.ReplaceAll(clean, "-", "")
	if len(clean) != keySegments*keySegmentLen {
		return strings.ToUpper(strings.TrimSpace(licenseKey))
	}
	parts := make([]string, 0, keySegments)
	for i := 0; i < len(clean); i += keySegmentLen {
		parts = append(parts, clean[i:i+keySegmentLen])
	}
	return strings.Join(parts, "-")
}

// NewKey generates a random key in the XXXX-XXXX-XXXX-XXXX format.
func NewKey() (string, error) {
	b := make([]byte, keySegments*keySegmentLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	for i := range b {
		b[i] = keyAlphabet[int(b[i])%len(keyAlphabet)]
	}
	s := string(b)
	parts := make([]string, 0, keySegments)
	for i := 0; i < len(s); i += keySegmentLen {
		parts = append(parts, s[i:i+keySegmentLen])
	}
	return strings.Join(parts, "-"), nil
}

// MintOptions describe an administrative minting batch.
type MintOptions struct {
	Count          int
	ValidityMonths int
	IssuerID       string
	Price          *float64
}

// KeyGenerator mints batches of inactive license records with keys
// unique against the store.
type KeyGenerator struct {
	store  store.Store
	logger *slog.Logger
}

// NewKeyGenerator creates a key generator backed by the given store.
func NewKeyGenerator(s store.Store, logger *slog.Logger) *KeyGenerator {
	return &KeyGenerator{
		store:  s,
		logger: logger.With(slog.String("component", "keygen")),
	}
}

// Mint creates opts.Count inactive records. Key collisions are retried
// a bounded number of times per record; exhaustion aborts the batch
// with ErrKeyspaceExhausted and returns the records minted so far.
func (g *KeyGenerator) Mint(ctx context.Context, opts MintOptions) ([]store.LicenseRecord, error) {
	if opts.Count <= 0 {
		return nil, errors.New("mint count must be positive")
	}

	minted := make([]store.LicenseRecord, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		rec, err := g.mintOne(ctx, opts)
		if err != nil {
			return minted, err
		}
		minted = append(minted, *rec)
	}

	g.logger.InfoContext(ctx, "minted license batch",
		slog.Int("count", len(minted)),
		slog.Int("validity_months", opts.ValidityMonths),
		slog.String("issuer_id", opts.IssuerID),
	)

	return minted, nil
}

func (g *KeyGenerator) mintOne(ctx context.Context, opts MintOptions) (*store.LicenseRecord, error) {
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		key, err := NewKey()
		if err != nil {
			return nil, err
		}

		rec := &store.LicenseRecord{
			ID:             uuid.New().String(),
			LicenseKey:     key,
			Status:         store.StatusInactive,
			ValidityMonths: opts.ValidityMonths,
			Price:          opts.Price,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if opts.IssuerID != "" {
			issuer := opts.IssuerID
			rec.IssuerID = &issuer
		}

		err = g.store.Create(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, err
		}

		g.logger.WarnContext(ctx, "license key collision, retrying",
			slog.Int("attempt", attempt+1),
		)
	}

	return nil, licenseErrors.ErrKeyspaceExhausted
}
