package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIssueAndValidate tests the token round-trip.
func TestIssueAndValidate(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, err := tm.Issue("owner-1", false)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", claims.Subject)
	assert.False(t, claims.Admin)
}

// TestAdminClaim tests that the admin flag survives the round-trip.
func TestAdminClaim(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, err := tm.Issue("admin-1", true)
	require.NoError(t, err)

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
}

// TestValidateRejections tests malformed, mis-signed, and expired
// tokens.
func TestValidateRejections(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.Validate("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := tm.Validate("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenManager("a-different-secret", time.Hour)
		token, err := other.Issue("owner-1", false)
		require.NoError(t, err)

		_, err = tm.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		short := NewTokenManager("test-secret", -time.Minute)
		token, err := short.Issue("owner-1", false)
		require.NoError(t, err)

		_, err = tm.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty subject", func(t *testing.T) {
		token, err := tm.Issue("", false)
		require.NoError(t, err)

		_, err = tm.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
