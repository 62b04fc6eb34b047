package auth

import (
	"errors"
	"fmt"
	"time"
)

// The closed set of failure kinds this core can return. The HTTP boundary
// maps each kind to a fixed status and message; nothing else leaves the
// service, so an ad hoc error string can never leak account state.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionInvalid     = errors.New("session invalid")
	ErrSessionExpired     = errors.New("session expired")
	ErrResetTokenInvalid  = errors.New("reset token invalid")
	ErrAdminExists        = errors.New("admin account already exists")
	ErrSetupDisabled      = errors.New("setup is disabled")
	ErrNotFound           = errors.New("not found")
)

// ErrAccountLocked is distinguishable from bad credentials so a legitimate
// user can be told when to retry.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

func (e ErrAccountLocked) RetryAfter(now time.Time) time.Duration {
	remaining := e.Until.Sub(now)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// ErrRateLimited is a per-source rejection, independent of any account state.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return "too many requests"
}

// ErrPasswordPolicy names the violated rule. Safe to surface since it only
// describes the caller's own input.
type ErrPasswordPolicy struct {
	Rule string
}

func (e ErrPasswordPolicy) Error() string {
	return "password policy violation: " + e.Rule
}

// ErrInfrastructure marks store or cache trouble as retryable, distinct from
// any authentication failure.
type ErrInfrastructure struct {
	Err error
}

func (e ErrInfrastructure) Error() string {
	return fmt.Sprintf("infrastructure error: %v", e.Err)
}

func (e ErrInfrastructure) Unwrap() error {
	return e.Err
}

func infraWrap(err error) error {
	if err == nil {
		return nil
	}
	return ErrInfrastructure{Err: err}
}
