package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestTokenService(store Store) (*TokenService, *fakeClock) {
	clock := newFakeClock()
	tokens := NewTokenService("test-signing-secret", 4*time.Hour, store)
	tokens.now = clock.Now
	return tokens, clock
}

func TestTokenIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	tokens, clock := newTestTokenService(NewMemStore())

	raw, issued, err := tokens.Issue("admin-id-1", "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "admin-id-1", issued.Subject)
	assert.NotEmpty(t, issued.TokenID)
	assert.Equal(t, clock.Now(), issued.IssuedAt)
	assert.Equal(t, clock.Now().Add(4*time.Hour), issued.ExpiresAt)

	claims, err := tokens.Verify(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, issued.Subject, claims.Subject)
	assert.Equal(t, issued.TokenID, claims.TokenID)
	assert.Equal(t, "203.0.113.9", claims.SourceIP)
}

func TestTokenExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	tokens, clock := newTestTokenService(NewMemStore())

	raw, _, err := tokens.Issue("admin-id-1", "203.0.113.9")
	require.NoError(t, err)

	clock.Advance(4*time.Hour - time.Second)
	_, err = tokens.Verify(ctx, raw)
	assert.NoError(t, err)

	clock.Advance(time.Second)
	_, err = tokens.Verify(ctx, raw)
	assert.ErrorIs(t, err, ErrSessionExpired)

	clock.Advance(time.Hour)
	_, err = tokens.Verify(ctx, raw)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestTokenRevocation(t *testing.T) {
	ctx := context.Background()
	tokens, _ := newTestTokenService(NewMemStore())

	raw, _, err := tokens.Issue("admin-id-1", "203.0.113.9")
	require.NoError(t, err)

	_, err = tokens.Verify(ctx, raw)
	require.NoError(t, err)

	_, err = tokens.Revoke(ctx, raw)
	require.NoError(t, err)

	_, err = tokens.Verify(ctx, raw)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	// Revoking again is a no-op, not an error.
	_, err = tokens.Revoke(ctx, raw)
	assert.NoError(t, err)
}

func TestTokenRejectsGarbageAndForeignSignatures(t *testing.T) {
	ctx := context.Background()
	tokens, _ := newTestTokenService(NewMemStore())

	_, err := tokens.Verify(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrSessionInvalid)

	other := NewTokenService("a-different-secret", 4*time.Hour, NewMemStore())
	other.now = tokens.now
	foreign, _, err := other.Issue("admin-id-1", "203.0.113.9")
	require.NoError(t, err)

	_, err = tokens.Verify(ctx, foreign)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}
