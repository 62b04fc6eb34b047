package auth

import "time"

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// AdminUser is the identity record behind the admin dashboard. Rows are never
// deleted; deactivation flips Status to disabled.
type AdminUser struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	PasswordChangedAt time.Time
	Status            string
	LastLoginAt       *time.Time
	LastLoginIP       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LoginAttempt is the lockout state for a username. Rows exist for unknown
// usernames too, so probing a name that does not exist behaves exactly like
// failing against one that does.
type LoginAttempt struct {
	Username       string
	FailedAttempts int
	LockedUntil    *time.Time
}

// PasswordResetToken stores only the sha256 of the raw token; the raw value
// leaves the system through the mail collaborator and is never persisted.
type PasswordResetToken struct {
	ID         string
	AdminID    string
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Claims is the decoded content of a session token.
type Claims struct {
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	SourceIP  string
}

// AuditEvent is an append-only security event. AdminID is nil for attempts
// against unknown usernames.
type AuditEvent struct {
	ID        string
	Kind      string
	AdminID   *string
	SourceIP  string
	Detail    map[string]any
	CreatedAt time.Time
}

const (
	AuditLoginSuccess    = "admin.login"
	AuditLoginFailed     = "admin.login_failed"
	AuditLockout         = "admin.lockout"
	AuditLogout          = "admin.logout"
	AuditPasswordChanged = "admin.password_change"
	AuditResetRequested  = "admin.password_reset_request"
	AuditResetCompleted  = "admin.password_reset"
	AuditSetup           = "admin.setup"
)

// CleanupResult reports what the maintenance purge removed.
type CleanupResult struct {
	DeletedResetTokens   int64 `json:"deleted_reset_tokens"`
	DeletedRevokedTokens int64 `json:"deleted_revoked_tokens"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedRateWindows   int64 `json:"deleted_rate_windows"`
}
