package auth

import (
	"context"
	"time"
)

// Store is the persistence boundary of the authentication core. The Postgres
// repository is the production implementation; an in-memory one backs tests
// and single-instance development.
type Store interface {
	// GetAdminByUsername looks up an admin by lowercased username. Returns
	// ErrNotFound when no row exists.
	GetAdminByUsername(ctx context.Context, username string) (AdminUser, error)
	// GetAdminByLogin resolves a username or email address.
	GetAdminByLogin(ctx context.Context, usernameOrEmail string) (AdminUser, error)
	GetAdminByID(ctx context.Context, id string) (AdminUser, error)
	CountAdmins(ctx context.Context) (int, error)
	CreateAdmin(ctx context.Context, user AdminUser) error
	// UpdatePassword stores a new hash and advances password_changed_at,
	// which is what invalidates outstanding sessions.
	UpdatePassword(ctx context.Context, adminID, passwordHash string, changedAt time.Time) error
	RecordLogin(ctx context.Context, adminID, sourceIP string, at time.Time) error

	GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error)
	// RegisterFailedAttempt is a single atomic increment-and-check. It
	// returns the lock deadline when this failure crosses the threshold, the
	// already-standing deadline when the account is locked, and nil
	// otherwise. An expired lock resets the counter before incrementing.
	RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, username string) error

	CreateResetToken(ctx context.Context, token PasswordResetToken) error
	// ConsumePasswordReset atomically validates and consumes the reset token
	// identified by its hash, stores the new password hash, and clears the
	// account's lockout state. Returns ErrResetTokenInvalid for missing,
	// consumed, or expired tokens.
	ConsumePasswordReset(ctx context.Context, tokenHash, passwordHash string, now time.Time) (AdminUser, error)

	// RevokeToken adds a token id to the revoked set until expiresAt.
	// Idempotent.
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error)

	AppendAudit(ctx context.Context, event AuditEvent) error

	// AllowRate counts a hit against key over a fixed window and reports
	// whether the request may proceed.
	AllowRate(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)

	// CleanupStale purges expired reset tokens, expired revoked-token
	// entries, stale lockout rows, and stale rate windows.
	CleanupStale(ctx context.Context, retention time.Duration, batchSize int) (CleanupResult, error)
}
