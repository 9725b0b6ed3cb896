package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown email, wrong password, and
	// inactive accounts so that responses cannot be used for enumeration.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrTokenMalformed     = errors.New("auth: token malformed")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenWrongType     = errors.New("auth: token wrong type")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrSessionNotFound    = errors.New("auth: session not found")
	ErrPrincipalNotFound  = errors.New("auth: principal not found")
	ErrUnavailable        = errors.New("auth: service unavailable")
)

// LockedError carries the retry hint for a locked account. It matches
// ErrAccountLocked under errors.Is.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked, retry after %s", e.RetryAfter)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
