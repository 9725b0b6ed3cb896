package auth

import (
	"context"
	"time"
)

// Store describes the credential store operations the auth core consumes.
// The store is the system of record: any failure here is fatal to the
// enclosing request.
type Store interface {
	FindPrincipalByEmail(ctx context.Context, email string) (*Principal, error)
	FindPrincipal(ctx context.Context, id string) (*Principal, error)

	// UpdateLockout writes the failed-attempt counter and lock window in a
	// single statement keyed by principal id. lockedUntil nil clears the lock.
	UpdateLockout(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error

	// RecordLogin resets the failed-attempt counter, clears any lock, and
	// stamps last_login atomically.
	RecordLogin(ctx context.Context, id string) error

	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// ResolveGrants joins principal to roles to permissions. Returns
	// ErrPrincipalNotFound when the principal is missing or inactive.
	ResolveGrants(ctx context.Context, id string) (Grants, error)

	PersistSession(ctx context.Context, sess *Session) error
	MarkSessionRevokedByJTI(ctx context.Context, jti, revokerID string) error
	IsSessionRevoked(ctx context.Context, jti string) (bool, error)
	FindSession(ctx context.Context, principalID, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, principalID string) ([]*Session, error)
}
