package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository is the Postgres-backed Store. Counter updates happen inside
// single atomic statements, and the reset-token consume runs in a
// SELECT ... FOR UPDATE transaction, so concurrent requests against the same
// account can never under-count or double-consume.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func (r *Repository) GetAdminByUsername(ctx context.Context, username string) (AdminUser, error) {
	return r.getAdmin(ctx, `WHERE username = $1`, username)
}

func (r *Repository) GetAdminByLogin(ctx context.Context, usernameOrEmail string) (AdminUser, error) {
	return r.getAdmin(ctx, `WHERE username = $1 OR email = $1`, usernameOrEmail)
}

func (r *Repository) GetAdminByID(ctx context.Context, id string) (AdminUser, error) {
	return r.getAdmin(ctx, `WHERE id = $1`, id)
}

func (r *Repository) getAdmin(ctx context.Context, where string, arg any) (AdminUser, error) {
	var user AdminUser
	var lastLoginAt sql.NullTime
	var lastLoginIP sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, password_changed_at,
		       status, last_login_at, last_login_ip, created_at, updated_at
		FROM admin_users
	`+where, arg).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.PasswordChangedAt,
		&user.Status, &lastLoginAt, &lastLoginIP, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminUser{}, ErrNotFound
		}
		return AdminUser{}, fmt.Errorf("query admin user: %w", err)
	}

	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		user.LastLoginAt = &value
	}
	if lastLoginIP.Valid {
		user.LastLoginIP = &lastLoginIP.String
	}

	return user, nil
}

func (r *Repository) CountAdmins(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count admin users: %w", err)
	}
	return count, nil
}

func (r *Repository) CreateAdmin(ctx context.Context, user AdminUser) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_users (id, username, email, password_hash, password_changed_at,
		                         status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.PasswordChangedAt.UTC(),
		user.Status, user.CreatedAt.UTC(), user.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, adminID, passwordHash string, changedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_users
		SET password_hash = $2, password_changed_at = $3, updated_at = $3
		WHERE id = $1
	`, adminID, passwordHash, changedAt.UTC())
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	return nil
}

func (r *Repository) RecordLogin(ctx context.Context, adminID, sourceIP string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE admin_users
		SET last_login_at = $2, last_login_ip = $3, updated_at = $2
		WHERE id = $1
	`, adminID, at.UTC(), sourceIP)
	if err != nil {
		return fmt.Errorf("record admin login: %w", err)
	}
	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Username = username

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM admin_login_attempts
		WHERE username = $1
	`, username).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// RegisterFailedAttempt folds the increment, the standing-lock check, and the
// threshold test into a single upsert. A SELECT ... FOR UPDATE locks nothing
// when the row does not exist yet (first failure, or any failure right after a
// successful login deleted the row), so the arithmetic has to happen inside
// the statement for concurrent failures to never under-count.
func (r *Repository) RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	lockDeadline := now.UTC().Add(lockFor)

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO admin_login_attempts (username, failed_attempts, locked_until, updated_at)
		VALUES ($1, 1, CASE WHEN 1 >= $2 THEN $3 END, $4)
		ON CONFLICT (username) DO UPDATE SET
			failed_attempts = CASE
				WHEN admin_login_attempts.locked_until > $4 THEN admin_login_attempts.failed_attempts
				WHEN admin_login_attempts.locked_until IS NOT NULL THEN 1
				ELSE admin_login_attempts.failed_attempts + 1
			END,
			locked_until = CASE
				WHEN admin_login_attempts.locked_until > $4 THEN admin_login_attempts.locked_until
				WHEN admin_login_attempts.locked_until IS NOT NULL AND 1 >= $2 THEN $3
				WHEN admin_login_attempts.locked_until IS NULL AND admin_login_attempts.failed_attempts + 1 >= $2 THEN $3
				ELSE NULL
			END,
			updated_at = CASE
				WHEN admin_login_attempts.locked_until > $4 THEN admin_login_attempts.updated_at
				ELSE $4
			END
		RETURNING locked_until
	`, username, maxAttempts, lockDeadline, now.UTC()).Scan(&lockedUntil)
	if err != nil {
		return nil, fmt.Errorf("upsert failed login attempt: %w", err)
	}

	if lockedUntil.Valid {
		until := lockedUntil.Time.UTC()
		return &until, nil
	}
	return nil, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM admin_login_attempts
		WHERE username = $1
	`, username)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

func (r *Repository) CreateResetToken(ctx context.Context, token PasswordResetToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_reset_tokens (id, admin_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.AdminID, token.TokenHash, token.IssuedAt.UTC(), token.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert reset token: %w", err)
	}
	return nil
}

func (r *Repository) ConsumePasswordReset(ctx context.Context, tokenHash, passwordHash string, now time.Time) (AdminUser, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return AdminUser{}, fmt.Errorf("begin reset consume tx: %w", err)
	}
	defer tx.Rollback()

	var tokenID string
	var expiresAt time.Time
	var consumedAt sql.NullTime
	var user AdminUser
	err = tx.QueryRowContext(ctx, `
		SELECT t.id, t.expires_at, t.consumed_at, u.id, u.username, u.email, u.status
		FROM admin_reset_tokens t
		JOIN admin_users u ON u.id = t.admin_id
		WHERE t.token_hash = $1
		FOR UPDATE OF t
	`, tokenHash).Scan(&tokenID, &expiresAt, &consumedAt, &user.ID, &user.Username, &user.Email, &user.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminUser{}, ErrResetTokenInvalid
		}
		return AdminUser{}, fmt.Errorf("read reset token: %w", err)
	}

	if consumedAt.Valid || !now.Before(expiresAt.UTC()) || user.Status != StatusActive {
		return AdminUser{}, ErrResetTokenInvalid
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE admin_reset_tokens SET consumed_at = $2 WHERE id = $1
	`, tokenID, now.UTC()); err != nil {
		return AdminUser{}, fmt.Errorf("mark reset token consumed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE admin_users
		SET password_hash = $2, password_changed_at = $3, updated_at = $3
		WHERE id = $1
	`, user.ID, passwordHash, now.UTC()); err != nil {
		return AdminUser{}, fmt.Errorf("store reset password: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM admin_login_attempts WHERE username = $1
	`, user.Username); err != nil {
		return AdminUser{}, fmt.Errorf("clear lockout after reset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AdminUser{}, fmt.Errorf("commit reset consume tx: %w", err)
	}

	return user, nil
}

func (r *Repository) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_revoked_tokens (token_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token_id) DO NOTHING
	`, tokenID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}
	return nil
}

func (r *Repository) IsTokenRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM admin_revoked_tokens
			WHERE token_id = $1 AND expires_at > $2
		)
	`, tokenID, now.UTC()).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}
	return revoked, nil
}

func (r *Repository) AppendAudit(ctx context.Context, event AuditEvent) error {
	detail := []byte("{}")
	if event.Detail != nil {
		encoded, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = encoded
	}

	var adminID any
	if event.AdminID != nil {
		adminID = *event.AdminID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_audit_events (id, kind, admin_id, source_ip, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.Kind, adminID, event.SourceIP, detail, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *Repository) AllowRate(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO admin_rate_limits (key, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (key) DO UPDATE
			SET
				hits = CASE
					WHEN admin_rate_limits.window_started_at <= $3 THEN 1
					ELSE admin_rate_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN admin_rate_limits.window_started_at <= $3 THEN $2
					ELSE admin_rate_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, key, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert rate window: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

func (r *Repository) CleanupStale(ctx context.Context, retention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}

	cutoff := time.Now().UTC().Add(-retention)

	deletedResets, err := r.batchDelete(ctx, `
		WITH stale AS (
			SELECT id
			FROM admin_reset_tokens
			WHERE expires_at < $1 OR consumed_at < $1
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM admin_reset_tokens t
		USING stale
		WHERE t.id = stale.id
	`, "stale reset tokens", cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedRevoked, err := r.batchDelete(ctx, `
		WITH stale AS (
			SELECT token_id
			FROM admin_revoked_tokens
			WHERE expires_at < NOW()
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM admin_revoked_tokens t
		USING stale
		WHERE t.token_id = stale.token_id
	`, "expired revoked tokens", batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedAttempts, err := r.batchDelete(ctx, `
		WITH stale AS (
			SELECT username
			FROM admin_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM admin_login_attempts t
		USING stale
		WHERE t.username = stale.username
	`, "stale login attempts", cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedRates, err := r.batchDelete(ctx, `
		WITH stale AS (
			SELECT key
			FROM admin_rate_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM admin_rate_limits t
		USING stale
		WHERE t.key = stale.key
	`, "stale rate windows", cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedResetTokens:   deletedResets,
		DeletedRevokedTokens: deletedRevoked,
		DeletedLoginAttempts: deletedAttempts,
		DeletedRateWindows:   deletedRates,
	}, nil
}

func (r *Repository) batchDelete(ctx context.Context, query, what string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}

	return affected, nil
}
