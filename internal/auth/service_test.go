package auth

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"admin-auth/internal/observability"
)

const (
	testPassword = "CorrectHorse1!"
	testIP       = "203.0.113.9"
)

type captureMailer struct {
	emails []string
	tokens []string
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.emails = append(m.emails, email)
	m.tokens = append(m.tokens, token)
	return nil
}

func newTestService(t *testing.T) (*Service, *MemStore, *captureMailer, *fakeClock) {
	t.Helper()

	store := NewMemStore()
	clock := newFakeClock()
	tokens := NewTokenService("test-signing-secret", 4*time.Hour, store)
	tokens.now = clock.Now

	mailer := &captureMailer{}
	svc := NewService(store, tokens, mailer, observability.NewLoggerTo(io.Discard))
	svc.now = clock.Now

	return svc, store, mailer, clock
}

// seedAdmin hashes at MinCost so tests stay fast; CheckPassword accepts any
// cost embedded in the digest.
func seedAdmin(t *testing.T, store *MemStore, clock *fakeClock, username, email, password string) AdminUser {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	now := clock.Now().Add(-time.Hour)
	user := AdminUser{
		ID:                newID(),
		Username:          username,
		Email:             email,
		PasswordHash:      string(hash),
		PasswordChangedAt: now,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, store.CreateAdmin(context.Background(), user))
	return user
}

func auditKinds(store *MemStore) []string {
	store.mu.Lock()
	defer store.mu.Unlock()

	kinds := make([]string, 0, len(store.audits))
	for _, event := range store.audits {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func TestLoginSuccess(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	user := seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	token, claims, err := svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, user.ID, claims.Subject)

	stored, err := store.GetAdminByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)
	assert.Equal(t, clock.Now(), *stored.LastLoginAt)
	require.NotNil(t, stored.LastLoginIP)
	assert.Equal(t, testIP, *stored.LastLoginIP)

	assert.Contains(t, auditKinds(store), AuditLoginSuccess)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	_, _, badPassword := svc.Login(ctx, "admin", "WrongPass1!", testIP)
	_, _, unknownUser := svc.Login(ctx, "nobody", "WrongPass1!", testIP)

	assert.ErrorIs(t, badPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownUser, ErrInvalidCredentials)
	// Identical error value either way; the caller cannot tell which case it hit.
	assert.Equal(t, badPassword, unknownUser)

	assert.Contains(t, auditKinds(store), AuditLoginFailed)
}

func TestLockoutScenario(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	user := seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	for i := 0; i < 4; i++ {
		_, _, err := svc.Login(ctx, "admin", "WrongPass1!", testIP)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The fifth consecutive failure crosses the threshold.
	_, _, err := svc.Login(ctx, "admin", "WrongPass1!", testIP)
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, clock.Now().Add(15*time.Minute), locked.Until)
	assert.Contains(t, auditKinds(store), AuditLockout)

	// Correct credentials are still rejected while locked, with a usable
	// retry-after, and without paying for a hash comparison.
	_, _, err = svc.Login(ctx, "admin", testPassword, testIP)
	require.ErrorAs(t, err, &locked)
	assert.Greater(t, locked.RetryAfter(clock.Now()), time.Duration(0))

	// The rejected-while-locked audit row attributes to the account.
	store.mu.Lock()
	var lockedEvent *AuditEvent
	for i := range store.audits {
		if store.audits[i].Detail["reason"] == "locked" {
			lockedEvent = &store.audits[i]
		}
	}
	store.mu.Unlock()
	require.NotNil(t, lockedEvent)
	require.NotNil(t, lockedEvent.AdminID)
	assert.Equal(t, user.ID, *lockedEvent.AdminID)

	// Past the lock deadline the account unlocks and the counter restarts.
	clock.Advance(15*time.Minute + time.Second)
	_, _, err = svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)

	attempt, err := store.GetLoginAttempt(ctx, "admin")
	require.NoError(t, err)
	assert.Zero(t, attempt.FailedAttempts)
	assert.Nil(t, attempt.LockedUntil)
}

func TestSuccessfulLoginResetsCounter(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	for i := 0; i < 3; i++ {
		_, _, err := svc.Login(ctx, "admin", "WrongPass1!", testIP)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)

	attempt, err := store.GetLoginAttempt(ctx, "admin")
	require.NoError(t, err)
	assert.Zero(t, attempt.FailedAttempts)

	// A fresh run of failures starts counting from zero again.
	for i := 0; i < 4; i++ {
		_, _, err := svc.Login(ctx, "admin", "WrongPass1!", testIP)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestUnknownUsernameLockoutParity(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	// Unknown usernames lock out the same way known ones do, so lockout
	// behavior cannot be used to probe which accounts exist.
	for i := 0; i < 4; i++ {
		_, _, err := svc.Login(ctx, "ghost", "WrongPass1!", testIP)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := svc.Login(ctx, "ghost", "WrongPass1!", testIP)
	var locked ErrAccountLocked
	assert.ErrorAs(t, err, &locked)
}

func TestLogoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	token, _, err := svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, token)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, token, testIP))

	_, err = svc.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	// Logging out an already-revoked token still succeeds.
	assert.NoError(t, svc.Logout(ctx, token, testIP))
	assert.NoError(t, svc.Logout(ctx, "garbage", testIP))
}

func TestChangePasswordInvalidatesOtherSessions(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	otherToken, _, err := svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	currentToken, _, err := svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, otherToken)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	currentClaims, err := svc.Verify(ctx, currentToken)
	require.NoError(t, err)

	freshToken, _, err := svc.ChangePassword(ctx, currentClaims, testPassword, "NewSecret2@", testIP)
	require.NoError(t, err)

	// Every pre-change session is dead; only the reissued one survives.
	_, err = svc.Verify(ctx, otherToken)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = svc.Verify(ctx, currentToken)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = svc.Verify(ctx, freshToken)
	assert.NoError(t, err)

	_, _, err = svc.Login(ctx, "admin", testPassword, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "admin", "NewSecret2@", testIP)
	assert.NoError(t, err)

	assert.Contains(t, auditKinds(store), AuditPasswordChanged)
}

func TestChangePasswordRejections(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	token, _, err := svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)
	claims, err := svc.Verify(ctx, token)
	require.NoError(t, err)

	_, _, err = svc.ChangePassword(ctx, claims, "WrongPass1!", "NewSecret2@", testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	var policyErr ErrPasswordPolicy
	_, _, err = svc.ChangePassword(ctx, claims, testPassword, "weak", testIP)
	assert.ErrorAs(t, err, &policyErr)

	// The original session is untouched by rejected attempts.
	_, err = svc.Verify(ctx, token)
	assert.NoError(t, err)
}

func TestForgotPasswordIsGenericForUnknownAccounts(t *testing.T) {
	ctx := context.Background()
	svc, store, mailer, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	assert.NoError(t, svc.ForgotPassword(ctx, "admin@example.com", testIP))
	assert.NoError(t, svc.ForgotPassword(ctx, "nobody@example.com", testIP))

	// Only the real account got mail; the caller saw the same nil both times.
	require.Len(t, mailer.tokens, 1)
	assert.Equal(t, []string{"admin@example.com"}, mailer.emails)
}

func TestResetPasswordFlow(t *testing.T) {
	ctx := context.Background()
	svc, store, mailer, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	require.NoError(t, svc.ForgotPassword(ctx, "admin", testIP))
	require.Len(t, mailer.tokens, 1)
	resetToken := mailer.tokens[0]

	// Policy failures are rejected before the token is consumed.
	var policyErr ErrPasswordPolicy
	err := svc.ResetPassword(ctx, resetToken, "weak", testIP)
	require.ErrorAs(t, err, &policyErr)

	require.NoError(t, svc.ResetPassword(ctx, resetToken, "NewSecret2@", testIP))

	_, _, err = svc.Login(ctx, "admin", "NewSecret2@", testIP)
	assert.NoError(t, err)

	// A reset token is single-use.
	err = svc.ResetPassword(ctx, resetToken, "AnotherOne3#", testIP)
	assert.ErrorIs(t, err, ErrResetTokenInvalid)

	assert.Contains(t, auditKinds(store), AuditResetRequested)
	assert.Contains(t, auditKinds(store), AuditResetCompleted)
}

func TestResetTokenExpires(t *testing.T) {
	ctx := context.Background()
	svc, store, mailer, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	require.NoError(t, svc.ForgotPassword(ctx, "admin", testIP))
	resetToken := mailer.tokens[0]

	clock.Advance(time.Hour)
	err := svc.ResetPassword(ctx, resetToken, "NewSecret2@", testIP)
	assert.ErrorIs(t, err, ErrResetTokenInvalid)
}

func TestResetPasswordClearsLockoutAndSessions(t *testing.T) {
	ctx := context.Background()
	svc, store, mailer, clock := newTestService(t)
	seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	session, _, err := svc.Login(ctx, "admin", testPassword, testIP)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	for i := 0; i < 5; i++ {
		svc.Login(ctx, "admin", "WrongPass1!", testIP)
	}
	_, _, err = svc.Login(ctx, "admin", testPassword, testIP)
	var locked ErrAccountLocked
	require.ErrorAs(t, err, &locked)

	require.NoError(t, svc.ForgotPassword(ctx, "admin@example.com", testIP))
	require.NoError(t, svc.ResetPassword(ctx, mailer.tokens[0], "NewSecret2@", testIP))

	// The lock is gone and outstanding sessions are forced to re-login.
	_, _, err = svc.Login(ctx, "admin", "NewSecret2@", testIP)
	assert.NoError(t, err)
	_, err = svc.Verify(ctx, session)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)

	_, err := svc.Setup(ctx, "admin", "admin@example.com", "ValidPass1!", testIP)
	assert.ErrorIs(t, err, ErrSetupDisabled)

	svc.WithSetupEnabled(true)

	var policyErr ErrPasswordPolicy
	_, err = svc.Setup(ctx, "admin", "admin@example.com", "weak", testIP)
	assert.ErrorAs(t, err, &policyErr)

	user, err := svc.Setup(ctx, "admin", "admin@example.com", "ValidPass1!", testIP)
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.Equal(t, StatusActive, user.Status)

	_, err = svc.Setup(ctx, "second", "second@example.com", "ValidPass1!", testIP)
	assert.ErrorIs(t, err, ErrAdminExists)

	count, err := store.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)

	assert.NoError(t, svc.Bootstrap(ctx, "", "", ""))
	assert.Error(t, svc.Bootstrap(ctx, "admin", "", ""))

	// A seeded name the login endpoint would reject fails startup instead of
	// creating an account that can never sign in.
	assert.Error(t, svc.Bootstrap(ctx, "admin!", "admin@example.com", "ValidPass1!"))

	require.NoError(t, svc.Bootstrap(ctx, "admin", "admin@example.com", "ValidPass1!"))

	// A second bootstrap never touches an existing admin.
	require.NoError(t, svc.Bootstrap(ctx, "other", "other@example.com", "ValidPass1!"))

	count, err := store.CountAdmins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, _, err = svc.Login(ctx, "admin", "ValidPass1!", testIP)
	assert.NoError(t, err)
}

func TestDisabledAccountCannotLogin(t *testing.T) {
	ctx := context.Background()
	svc, store, _, clock := newTestService(t)
	user := seedAdmin(t, store, clock, "admin", "admin@example.com", testPassword)

	store.mu.Lock()
	user.Status = StatusDisabled
	store.users[user.ID] = user
	store.mu.Unlock()

	_, _, err := svc.Login(ctx, "admin", testPassword, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
