package auth

import (
	"context"
	"sync"
	"time"
)

type rateWindow struct {
	startedAt time.Time
	hits      int
	updatedAt time.Time
}

// MemStore is an in-process Store. Like the in-memory rate limiter it is a
// single-instance implementation; production deployments use the Postgres
// repository.
type MemStore struct {
	mu          sync.Mutex
	users       map[string]AdminUser
	attempts    map[string]LoginAttempt
	resetTokens map[string]PasswordResetToken
	revoked     map[string]time.Time
	audits      []AuditEvent
	rates       map[string]rateWindow
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]AdminUser),
		attempts:    make(map[string]LoginAttempt),
		resetTokens: make(map[string]PasswordResetToken),
		revoked:     make(map[string]time.Time),
		rates:       make(map[string]rateWindow),
	}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) GetAdminByUsername(_ context.Context, username string) (AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return AdminUser{}, ErrNotFound
}

func (m *MemStore) GetAdminByLogin(_ context.Context, usernameOrEmail string) (AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.Username == usernameOrEmail || user.Email == usernameOrEmail {
			return user, nil
		}
	}
	return AdminUser{}, ErrNotFound
}

func (m *MemStore) GetAdminByID(_ context.Context, id string) (AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return AdminUser{}, ErrNotFound
	}
	return user, nil
}

func (m *MemStore) CountAdmins(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *MemStore) CreateAdmin(_ context.Context, user AdminUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *MemStore) UpdatePassword(_ context.Context, adminID, passwordHash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[adminID]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.PasswordChangedAt = changedAt.UTC()
	user.UpdatedAt = changedAt.UTC()
	m.users[adminID] = user
	return nil
}

func (m *MemStore) RecordLogin(_ context.Context, adminID, sourceIP string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[adminID]
	if !ok {
		return ErrNotFound
	}
	when := at.UTC()
	user.LastLoginAt = &when
	user.LastLoginIP = &sourceIP
	user.UpdatedAt = when
	m.users[adminID] = user
	return nil
}

func (m *MemStore) GetLoginAttempt(_ context.Context, username string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[username]
	if !ok {
		return LoginAttempt{Username: username}, nil
	}
	return attempt, nil
}

func (m *MemStore) RegisterFailedAttempt(_ context.Context, username string, maxAttempts int, lockFor time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt := m.attempts[username]
	attempt.Username = username

	if attempt.LockedUntil != nil {
		if now.Before(*attempt.LockedUntil) {
			until := *attempt.LockedUntil
			return &until, nil
		}
		attempt.FailedAttempts = 0
		attempt.LockedUntil = nil
	}

	attempt.FailedAttempts++
	var nextLock *time.Time
	if attempt.FailedAttempts >= maxAttempts {
		until := now.UTC().Add(lockFor)
		attempt.LockedUntil = &until
		nextLock = &until
	}

	m.attempts[username] = attempt
	return nextLock, nil
}

func (m *MemStore) ResetLoginAttempt(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, username)
	return nil
}

func (m *MemStore) CreateResetToken(_ context.Context, token PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetTokens[token.TokenHash] = token
	return nil
}

func (m *MemStore) ConsumePasswordReset(_ context.Context, tokenHash, passwordHash string, now time.Time) (AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.resetTokens[tokenHash]
	if !ok || token.ConsumedAt != nil || !now.Before(token.ExpiresAt) {
		return AdminUser{}, ErrResetTokenInvalid
	}

	user, ok := m.users[token.AdminID]
	if !ok || user.Status != StatusActive {
		return AdminUser{}, ErrResetTokenInvalid
	}

	when := now.UTC()
	token.ConsumedAt = &when
	m.resetTokens[tokenHash] = token

	user.PasswordHash = passwordHash
	user.PasswordChangedAt = when
	user.UpdatedAt = when
	m.users[user.ID] = user

	delete(m.attempts, user.Username)
	return user, nil
}

func (m *MemStore) RevokeToken(_ context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.revoked[tokenID]; !ok {
		m.revoked[tokenID] = expiresAt.UTC()
	}
	return nil
}

func (m *MemStore) IsTokenRevoked(_ context.Context, tokenID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt, ok := m.revoked[tokenID]
	return ok && expiresAt.After(now), nil
}

func (m *MemStore) AppendAudit(_ context.Context, event AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, event)
	return nil
}

func (m *MemStore) AllowRate(_ context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rates[key]
	if !ok || !entry.startedAt.After(now.Add(-window)) {
		entry = rateWindow{startedAt: now.UTC(), hits: 0}
	}
	entry.hits++
	entry.updatedAt = now.UTC()
	m.rates[key] = entry

	if entry.hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := entry.startedAt.Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

func (m *MemStore) CleanupStale(_ context.Context, retention time.Duration, _ int) (CleanupResult, error) {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}

	now := time.Now().UTC()
	cutoff := now.Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	var result CleanupResult
	for hash, token := range m.resetTokens {
		if token.ExpiresAt.Before(cutoff) || (token.ConsumedAt != nil && token.ConsumedAt.Before(cutoff)) {
			delete(m.resetTokens, hash)
			result.DeletedResetTokens++
		}
	}
	for tokenID, expiresAt := range m.revoked {
		if expiresAt.Before(now) {
			delete(m.revoked, tokenID)
			result.DeletedRevokedTokens++
		}
	}
	for username, attempt := range m.attempts {
		if attempt.LockedUntil != nil && attempt.LockedUntil.Before(cutoff) {
			delete(m.attempts, username)
			result.DeletedLoginAttempts++
		}
	}
	for key, entry := range m.rates {
		if entry.updatedAt.Before(cutoff) {
			delete(m.rates, key)
			result.DeletedRateWindows++
		}
	}

	return result, nil
}
