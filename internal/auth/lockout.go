package auth

import (
	"context"
	"fmt"
	"time"

	"authgate.org/internal/obs"
)

const (
	defaultLockThreshold = 5
	defaultLockWindow    = 15 * time.Minute
)

// Lockout maintains per-account failed-attempt counters and lock windows
// on top of the credential store. Concurrent failures may race on the
// read-modify-write of the counter; the threshold is enforced eventually,
// never strictly, which is acceptable for brute-force protection.
type Lockout struct {
	store     Store
	threshold int
	window    time.Duration
	now       func() time.Time
}

// LockState is the derived lock status of a principal at read time.
type LockState struct {
	Locked     bool
	RetryAfter time.Duration
}

// NewLockout constructs a tracker with the given policy. Zero values fall
// back to the defaults (5 attempts, 15 minute window).
func NewLockout(store Store, threshold int, window time.Duration, now func() time.Time) *Lockout {
	if threshold <= 0 {
		threshold = defaultLockThreshold
	}
	if window <= 0 {
		window = defaultLockWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Lockout{store: store, threshold: threshold, window: window, now: now}
}

// CheckLocked derives the lock state from the stored counter and window.
// An elapsed window reads as unlocked; the next RecordFailure or
// RecordSuccess performs the actual clear.
func (l *Lockout) CheckLocked(p *Principal) LockState {
	if p == nil || p.LockedUntil == nil {
		return LockState{}
	}
	now := l.now()
	if !now.Before(*p.LockedUntil) {
		return LockState{}
	}
	return LockState{Locked: true, RetryAfter: p.LockedUntil.Sub(now)}
}

// RecordFailure increments the stored counter and, once the threshold is
// reached, sets the lock window. Counter and window land in one statement.
// Returns whether a lock was applied by this call.
func (l *Lockout) RecordFailure(ctx context.Context, p *Principal) (bool, error) {
	attempts := p.FailedAttempts + 1
	var lockedUntil *time.Time
	if attempts >= l.threshold {
		until := l.now().Add(l.window)
		lockedUntil = &until
	}
	if err := l.store.UpdateLockout(ctx, p.ID, attempts, lockedUntil); err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	if lockedUntil != nil {
		obs.ObserveLockout()
		return true, nil
	}
	return false, nil
}

// RecordSuccess resets the counter, clears any lock, and stamps last_login.
func (l *Lockout) RecordSuccess(ctx context.Context, p *Principal) error {
	if err := l.store.RecordLogin(ctx, p.ID); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// Window returns the configured lock window.
func (l *Lockout) Window() time.Duration { return l.window }
