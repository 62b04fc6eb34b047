package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"admin-auth/internal/notify"
	"admin-auth/internal/observability"
)

const (
	defaultMaxAttempts  = 5
	defaultLockWindow   = 15 * time.Minute
	defaultResetTTL     = time.Hour
	defaultStoreTimeout = 3 * time.Second
)

// Service orchestrates credential verification, lockout, session issuance,
// and the password lifecycle. It is the only type the request layer talks to.
type Service struct {
	store        Store
	tokens       *TokenService
	mailer       notify.Sender
	logger       *observability.Logger
	maxAttempts  int
	lockDuration time.Duration
	resetTTL     time.Duration
	storeTimeout time.Duration
	setupEnabled bool
	now          func() time.Time
}

func NewService(store Store, tokens *TokenService, mailer notify.Sender, logger *observability.Logger) *Service {
	return &Service{
		store:        store,
		tokens:       tokens,
		mailer:       mailer,
		logger:       logger,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		resetTTL:     defaultResetTTL,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration, resetTTL, storeTimeout time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if resetTTL > 0 {
		s.resetTTL = resetTTL
	}
	if storeTimeout > 0 {
		s.storeTimeout = storeTimeout
	}
}

func (s *Service) WithSetupEnabled(enabled bool) {
	s.setupEnabled = enabled
}

// Login verifies credentials and issues a session token. Every outcome is
// audited. The lockout check runs before any hashing so locked accounts are
// rejected without paying the bcrypt cost, and unknown usernames are charged
// a dummy comparison so they cost the same as known ones.
func (s *Service) Login(ctx context.Context, username, password, sourceIP string) (string, Claims, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)

	if username == "" || password == "" {
		s.audit(ctx, AuditLoginFailed, nil, sourceIP, map[string]any{"reason": "empty_credentials"})
		return "", Claims{}, ErrInvalidCredentials
	}

	now := s.now().UTC()

	attempt, err := s.loginAttemptState(ctx, username)
	if err != nil {
		return "", Claims{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		// The rejection is already decided; the lookup here only attributes
		// the audit row to the account when one exists.
		var adminID *string
		if user, err := s.getAdminByUsername(ctx, username); err == nil {
			adminID = &user.ID
		}
		s.audit(ctx, AuditLoginFailed, adminID, sourceIP, map[string]any{"username": username, "reason": "locked"})
		return "", Claims{}, ErrAccountLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.getAdminByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			compareAgainstDummy(password)
			return "", Claims{}, s.failLogin(ctx, username, nil, sourceIP, "unknown_username", now)
		}
		return "", Claims{}, infraWrap(err)
	}

	// The stored hash is read before hashing and the counter update is
	// applied after, so no lock is held across the bcrypt work.
	passwordOK := CheckPassword(password, user.PasswordHash)
	if !passwordOK || user.Status != StatusActive {
		reason := "bad_password"
		if user.Status != StatusActive {
			reason = "account_disabled"
		}
		return "", Claims{}, s.failLogin(ctx, username, &user.ID, sourceIP, reason, now)
	}

	if err := s.resetLoginAttempt(ctx, username); err != nil {
		return "", Claims{}, err
	}
	if err := s.recordLogin(ctx, user.ID, sourceIP, now); err != nil {
		s.logger.Error("record_login_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
	}

	token, claims, err := s.tokens.Issue(user.ID, sourceIP)
	if err != nil {
		return "", Claims{}, infraWrap(err)
	}

	s.audit(ctx, AuditLoginSuccess, &user.ID, sourceIP, map[string]any{"username": username})
	return token, claims, nil
}

// failLogin applies the failed-attempt increment and maps the result. The
// increment is never retried: a duplicate would corrupt the counter, so store
// trouble fails closed as a plain failed login.
func (s *Service) failLogin(ctx context.Context, username string, adminID *string, sourceIP, reason string, now time.Time) error {
	tctx, cancel := s.storeCtx(ctx)
	lockedUntil, err := s.store.RegisterFailedAttempt(tctx, username, s.maxAttempts, s.lockDuration, now)
	cancel()
	if err != nil {
		s.logger.Error("register_failed_attempt_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
		s.audit(ctx, AuditLoginFailed, adminID, sourceIP, map[string]any{"username": username, "reason": reason})
		return ErrInvalidCredentials
	}

	s.audit(ctx, AuditLoginFailed, adminID, sourceIP, map[string]any{"username": username, "reason": reason})

	if lockedUntil != nil {
		s.audit(ctx, AuditLockout, adminID, sourceIP, map[string]any{"username": username, "until": lockedUntil.Format(time.RFC3339)})
		return ErrAccountLocked{Until: *lockedUntil}
	}

	return ErrInvalidCredentials
}

// Logout revokes the session token. Already-invalid tokens are a success so
// the operation stays idempotent.
func (s *Service) Logout(ctx context.Context, rawToken, sourceIP string) error {
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()

	claims, err := s.tokens.Revoke(tctx, rawToken)
	if err != nil {
		return err
	}

	if claims.Subject != "" {
		s.audit(ctx, AuditLogout, &claims.Subject, sourceIP, nil)
	}

	return nil
}

// Verify validates a session token: signature, expiry, revocation, the
// account still being active, and the token not predating the account's last
// password change.
func (s *Service) Verify(ctx context.Context, rawToken string) (Claims, error) {
	tctx, cancel := s.storeCtx(ctx)
	claims, err := s.tokens.Verify(tctx, rawToken)
	cancel()
	if err != nil {
		return Claims{}, err
	}

	user, err := s.getAdminByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Claims{}, ErrSessionInvalid
		}
		return Claims{}, infraWrap(err)
	}
	if user.Status != StatusActive {
		return Claims{}, ErrSessionInvalid
	}
	// Token iat has second precision; compare against the truncated change
	// time so a token issued within the same second as the change survives.
	if claims.IssuedAt.Before(user.PasswordChangedAt.Truncate(time.Second)) {
		return Claims{}, ErrSessionInvalid
	}

	return claims, nil
}

// ChangePassword verifies the current password, applies the policy, stores
// the new hash, and invalidates every outstanding session by advancing
// password_changed_at. The caller gets a fresh token so only their current
// session survives.
func (s *Service) ChangePassword(ctx context.Context, claims Claims, currentPassword, newPassword, sourceIP string) (string, Claims, error) {
	user, err := s.getAdminByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", Claims{}, ErrSessionInvalid
		}
		return "", Claims{}, infraWrap(err)
	}
	if user.Status != StatusActive {
		return "", Claims{}, ErrSessionInvalid
	}

	if !CheckPassword(currentPassword, user.PasswordHash) {
		s.audit(ctx, AuditPasswordChanged, &user.ID, sourceIP, map[string]any{"outcome": "current_password_mismatch"})
		return "", Claims{}, ErrInvalidCredentials
	}

	if err := ValidatePassword(newPassword); err != nil {
		s.audit(ctx, AuditPasswordChanged, &user.ID, sourceIP, map[string]any{"outcome": "policy_violation"})
		return "", Claims{}, err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return "", Claims{}, infraWrap(err)
	}

	now := s.now().UTC()
	tctx, cancel := s.storeCtx(ctx)
	err = s.store.UpdatePassword(tctx, user.ID, hash, now)
	cancel()
	if err != nil {
		return "", Claims{}, infraWrap(err)
	}

	// A successful password change also clears the lockout counter.
	if err := s.resetLoginAttempt(ctx, user.Username); err != nil {
		s.logger.Error("reset_attempts_after_change_failed", map[string]any{"error": err.Error()})
	}

	tctx, cancel = s.storeCtx(ctx)
	if err := s.store.RevokeToken(tctx, claims.TokenID, claims.ExpiresAt); err != nil {
		s.logger.Error("revoke_after_change_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
	}
	cancel()

	token, fresh, err := s.tokens.Issue(user.ID, sourceIP)
	if err != nil {
		return "", Claims{}, infraWrap(err)
	}

	s.audit(ctx, AuditPasswordChanged, &user.ID, sourceIP, map[string]any{"outcome": "success"})
	return token, fresh, nil
}

// ForgotPassword starts the reset flow. The caller always gets the same
// generic success whether or not the account exists, so response shape can
// not be used to enumerate usernames.
func (s *Service) ForgotPassword(ctx context.Context, usernameOrEmail, sourceIP string) error {
	login := strings.TrimSpace(strings.ToLower(usernameOrEmail))
	if login == "" {
		return nil
	}

	tctx, cancel := s.storeCtx(ctx)
	user, err := s.store.GetAdminByLogin(tctx, login)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.audit(ctx, AuditResetRequested, nil, sourceIP, map[string]any{"login": login, "known": false})
			return nil
		}
		return infraWrap(err)
	}
	if user.Status != StatusActive {
		s.audit(ctx, AuditResetRequested, &user.ID, sourceIP, map[string]any{"known": true, "disabled": true})
		return nil
	}

	raw, err := randomToken(32)
	if err != nil {
		return infraWrap(err)
	}

	now := s.now().UTC()
	record := PasswordResetToken{
		ID:        newID(),
		AdminID:   user.ID,
		TokenHash: hashToken(raw),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.resetTTL),
	}

	tctx, cancel = s.storeCtx(ctx)
	err = s.store.CreateResetToken(tctx, record)
	cancel()
	if err != nil {
		return infraWrap(err)
	}

	// Delivery trouble must not leak account existence either; log it and
	// keep the generic success.
	if err := s.mailer.SendPasswordReset(ctx, user.Email, raw); err != nil {
		s.logger.Error("reset_mail_failed", map[string]any{"error": err.Error()})
		sentry.CaptureException(err)
	}

	s.audit(ctx, AuditResetRequested, &user.ID, sourceIP, map[string]any{"known": true})
	return nil
}

// ResetPassword consumes a reset token and sets a new password. Missing,
// expired, and already-consumed tokens are indistinguishable to the caller.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword, sourceIP string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		s.audit(ctx, AuditResetCompleted, nil, sourceIP, map[string]any{"outcome": "invalid_token"})
		return ErrResetTokenInvalid
	}

	if err := ValidatePassword(newPassword); err != nil {
		s.audit(ctx, AuditResetCompleted, nil, sourceIP, map[string]any{"outcome": "policy_violation"})
		return err
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return infraWrap(err)
	}

	now := s.now().UTC()
	tctx, cancel := s.storeCtx(ctx)
	user, err := s.store.ConsumePasswordReset(tctx, hashToken(rawToken), hash, now)
	cancel()
	if err != nil {
		if errors.Is(err, ErrResetTokenInvalid) {
			s.audit(ctx, AuditResetCompleted, nil, sourceIP, map[string]any{"outcome": "invalid_token"})
			return ErrResetTokenInvalid
		}
		return infraWrap(err)
	}

	s.audit(ctx, AuditResetCompleted, &user.ID, sourceIP, map[string]any{"outcome": "success"})
	return nil
}

// Setup creates the initial admin account. It refuses to run when any admin
// already exists and is additionally gated by an environment-level switch.
func (s *Service) Setup(ctx context.Context, username, email, password, sourceIP string) (AdminUser, error) {
	if !s.setupEnabled {
		return AdminUser{}, ErrSetupDisabled
	}

	username = strings.TrimSpace(strings.ToLower(username))
	email = strings.TrimSpace(strings.ToLower(email))

	tctx, cancel := s.storeCtx(ctx)
	count, err := s.store.CountAdmins(tctx)
	cancel()
	if err != nil {
		return AdminUser{}, infraWrap(err)
	}
	if count > 0 {
		return AdminUser{}, ErrAdminExists
	}

	user, err := s.createAdmin(ctx, username, email, password)
	if err != nil {
		return AdminUser{}, err
	}

	s.audit(ctx, AuditSetup, &user.ID, sourceIP, map[string]any{"username": username})
	return user, nil
}

// Bootstrap seeds the first admin from the environment at startup, the same
// way the setup endpoint would. It is a no-op when any admin exists or the
// variables are unset.
func (s *Service) Bootstrap(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(strings.ToLower(username))
	password = strings.TrimSpace(password)
	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	// The same shape the login endpoint accepts; an account seeded with a
	// name outside it could never sign in.
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("ADMIN_USERNAME must be 3-32 characters of lowercase letters, digits, '_', '.', or '-'")
	}

	tctx, cancel := s.storeCtx(ctx)
	count, err := s.store.CountAdmins(tctx)
	cancel()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	_, err = s.createAdmin(ctx, username, strings.TrimSpace(strings.ToLower(email)), password)
	return err
}

func (s *Service) createAdmin(ctx context.Context, username, email, password string) (AdminUser, error) {
	if err := ValidatePassword(password); err != nil {
		return AdminUser{}, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return AdminUser{}, infraWrap(err)
	}

	now := s.now().UTC()
	user := AdminUser{
		ID:                newID(),
		Username:          username,
		Email:             email,
		PasswordHash:      hash,
		PasswordChangedAt: now,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.CreateAdmin(tctx, user); err != nil {
		return AdminUser{}, infraWrap(err)
	}

	return user, nil
}

// loginAttemptState reads lockout state with one bounded retry; the read is
// idempotent so a retry cannot corrupt anything.
func (s *Service) loginAttemptState(ctx context.Context, username string) (LoginAttempt, error) {
	tctx, cancel := s.storeCtx(ctx)
	attempt, err := s.store.GetLoginAttempt(tctx, username)
	cancel()
	if err == nil {
		return attempt, nil
	}

	tctx, cancel = s.storeCtx(ctx)
	attempt, err = s.store.GetLoginAttempt(tctx, username)
	cancel()
	if err != nil {
		return LoginAttempt{}, infraWrap(err)
	}

	return attempt, nil
}

func (s *Service) getAdminByUsername(ctx context.Context, username string) (AdminUser, error) {
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.GetAdminByUsername(tctx, username)
}

func (s *Service) getAdminByID(ctx context.Context, id string) (AdminUser, error) {
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.GetAdminByID(tctx, id)
}

func (s *Service) resetLoginAttempt(ctx context.Context, username string) error {
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.ResetLoginAttempt(tctx, username); err != nil {
		return infraWrap(err)
	}
	return nil
}

func (s *Service) recordLogin(ctx context.Context, adminID, sourceIP string, at time.Time) error {
	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.RecordLogin(tctx, adminID, sourceIP, at)
}

// audit appends a security event. Audit-store trouble is reported but never
// masks the outcome of the operation itself.
func (s *Service) audit(ctx context.Context, kind string, adminID *string, sourceIP string, detail map[string]any) {
	event := AuditEvent{
		ID:        newID(),
		Kind:      kind,
		AdminID:   adminID,
		SourceIP:  sourceIP,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}

	tctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.AppendAudit(tctx, event); err != nil {
		s.logger.Error("audit_append_failed", map[string]any{"kind": kind, "error": err.Error()})
		sentry.CaptureException(err)
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
