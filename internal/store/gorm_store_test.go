package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err, "in-memory store should open")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func inactiveRecord(key string) *LicenseRecord {
	return &LicenseRecord{
		ID:         uuid.New().String(),
		LicenseKey: key,
		Status:     StatusInactive,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

// TestCreateAndFindByKey tests basic record round-trips.
func TestCreateAndFindByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := inactiveRecord("AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, s.Create(ctx, rec))

	found, err := s.FindByKey(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)
	assert.Equal(t, StatusInactive, found.Status)
	assert.Nil(t, found.OwnerID)

	_, err = s.FindByKey(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

// TestCreateDuplicateKey tests that the unique index surfaces as
// ErrDuplicateKey.
func TestCreateDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, inactiveRecord("AAAA-BBBB-CCCC-DDDD")))
	err := s.Create(ctx, inactiveRecord("AAAA-BBBB-CCCC-DDDD"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

// TestClaimInactive tests the conditional single-row claim.
func TestClaimInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(720 * time.Hour)

	rec := inactiveRecord("AAAA-BBBB-CCCC-0001")
	require.NoError(t, s.Create(ctx, rec))

	claimed, err := s.ClaimInactive(ctx, rec.ID, "owner-1", now, expires)
	require.NoError(t, err)
	assert.True(t, claimed, "first claim should win")

	found, err := s.FindByKey(ctx, rec.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, found.Status)
	require.NotNil(t, found.OwnerID)
	assert.Equal(t, "owner-1", *found.OwnerID)
	require.NotNil(t, found.ExpiresAt)
	assert.WithinDuration(t, expires, *found.ExpiresAt, time.Second)

	// Second claim against the now-active row must not match.
	claimed, err = s.ClaimInactive(ctx, rec.ID, "owner-2", now, expires)
	require.NoError(t, err)
	assert.False(t, claimed, "claim on an active row should lose")

	found, err = s.FindByKey(ctx, rec.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", *found.OwnerID, "losing claim must not change ownership")
}

// TestClaimInactiveConcurrent tests that exactly one of many racing
// claims wins.
func TestClaimInactiveConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	expires := now.Add(time.Hour)

	rec := inactiveRecord("AAAA-BBBB-CCCC-0002")
	require.NoError(t, s.Create(ctx, rec))

	const claimants = 10
	wins := make(chan string, claimants)

	var g errgroup.Group
	for i := 0; i < claimants; i++ {
		ownerID := fmt.Sprintf("owner-%d", i)
		g.Go(func() error {
			claimed, err := s.ClaimInactive(ctx, rec.ID, ownerID, now, expires)
			if err != nil {
				return err
			}
			if claimed {
				wins <- ownerID
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one claimant should win")

	found, err := s.FindByKey(ctx, rec.LicenseKey)
	require.NoError(t, err)
	require.NotNil(t, found.OwnerID)
	assert.Equal(t, winners[0], *found.OwnerID)
}

// TestFindActiveByOwner tests owner-scoped active lookups.
func TestFindActiveByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.FindActiveByOwner(ctx, "owner-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	rec := inactiveRecord("AAAA-BBBB-CCCC-0003")
	require.NoError(t, s.Create(ctx, rec))
	now := time.Now()
	claimed, err := s.ClaimInactive(ctx, rec.ID, "owner-1", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	found, err := s.FindActiveByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, found.ID)

	_, err = s.FindActiveByOwner(ctx, "owner-2")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

// TestSweepExpired tests the batch active-to-expired transition.
func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// One lapsed active, one still-valid active, one inactive.
	lapsed := inactiveRecord("AAAA-BBBB-CCCC-0004")
	require.NoError(t, s.Create(ctx, lapsed))
	claimed, err := s.ClaimInactive(ctx, lapsed.ID, "owner-1", now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	valid := inactiveRecord("AAAA-BBBB-CCCC-0005")
	require.NoError(t, s.Create(ctx, valid))
	claimed, err = s.ClaimInactive(ctx, valid.ID, "owner-2", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	untouched := inactiveRecord("AAAA-BBBB-CCCC-0006")
	require.NoError(t, s.Create(ctx, untouched))

	swept, err := s.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	found, err := s.FindByKey(ctx, lapsed.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, found.Status)
	require.NotNil(t, found.OwnerID, "sweep must preserve ownership")
	assert.Equal(t, "owner-1", *found.OwnerID)

	found, err = s.FindByKey(ctx, valid.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, found.Status)

	found, err = s.FindByKey(ctx, untouched.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, found.Status)

	// A second sweep at the same instant finds nothing.
	swept, err = s.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, swept, "sweep should be idempotent")
}

// TestIsLapsed tests the expiry boundary.
func TestIsLapsed(t *testing.T) {
	now := time.Now()
	expires := now.Add(time.Hour)
	rec := &LicenseRecord{Status: StatusActive, ExpiresAt: &expires}

	assert.False(t, rec.IsLapsed(now))
	assert.False(t, rec.IsLapsed(expires.Add(-time.Nanosecond)))
	assert.True(t, rec.IsLapsed(expires), "expires_at itself is lapsed")
	assert.True(t, rec.IsLapsed(expires.Add(time.Second)))
}
