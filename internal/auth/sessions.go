package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authgate.org/internal/cache"
	"authgate.org/internal/obs"
)

const (
	sessionKeyPrefix   = "session:"
	blacklistKeyPrefix = "blacklist:"
)

// Registry maps issued token pairs to revocable session records. The
// expiring cache answers the hot-path revocation check; the credential
// store keeps the durable record for audit, listing, and — in strict
// mode — authoritative revocation state after a cache flush.
type Registry struct {
	cache  cache.Cache
	store  Store
	strict bool
	now    func() time.Time
}

// NewRegistry constructs a session registry. strict selects the
// fail-closed consistency mode: cache failures reject requests and cache
// misses are confirmed against the durable store.
func NewRegistry(c cache.Cache, store Store, strict bool, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{cache: c, store: store, strict: strict, now: now}
}

func sessionKey(jti string) string   { return sessionKeyPrefix + jti }
func blacklistKey(jti string) string { return blacklistKeyPrefix + jti }

// Open writes the session into the cache with the given TTL (the
// refresh-token lifetime) and persists the durable record. The durable
// write is authoritative; a cache write failure only degrades lookups.
func (r *Registry) Open(ctx context.Context, sess *Session, ttl time.Duration) error {
	if sess == nil || sess.JTI == "" {
		return errors.New("auth: session jti is required")
	}
	if err := r.store.PersistSession(ctx, sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.cache.Set(ctx, sessionKey(sess.JTI), data, ttl); err != nil {
		obs.ObserveCache("session", "error")
		obs.Warn("session cache write failed", map[string]any{"jti": sess.JTI, "error": err.Error()})
	}
	return nil
}

// Lookup fetches the cached session for a jti. A miss is not an error
// state by itself: the durable record may still exist.
func (r *Registry) Lookup(ctx context.Context, jti string) (*Session, error) {
	data, err := r.cache.Get(ctx, sessionKey(jti))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			obs.ObserveCache("session", "miss")
			return nil, ErrSessionNotFound
		}
		obs.ObserveCache("session", "error")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	obs.ObserveCache("session", "hit")
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// Revoke blacklists the jti for the token's remaining lifetime and marks
// the durable record revoked. A token already past natural expiry needs
// no blacklist entry: verification rejects it on expiry alone. Revoking
// an already-revoked jti is a no-op success.
func (r *Registry) Revoke(ctx context.Context, jti string, remaining time.Duration, revokerID string) error {
	if jti == "" {
		return errors.New("auth: jti is required")
	}
	if err := r.store.MarkSessionRevokedByJTI(ctx, jti, revokerID); err != nil {
		return fmt.Errorf("mark session revoked: %w", err)
	}
	if remaining <= 0 {
		return nil
	}
	if err := r.cache.Set(ctx, blacklistKey(jti), []byte("1"), remaining); err != nil {
		obs.ObserveCache("blacklist", "error")
		if r.strict {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		obs.Warn("blacklist write failed, durable record still revoked", map[string]any{"jti": jti, "error": err.Error()})
	}
	// best effort: drop the cached session copy
	if err := r.cache.Delete(ctx, sessionKey(jti)); err != nil {
		obs.ObserveCache("session", "error")
	}
	return nil
}

// IsRevoked answers the hot-path revocation check. Cache behavior follows
// the configured consistency mode: fail-open treats cache errors and
// misses as "not revoked" (logged), fail-closed surfaces ErrUnavailable
// on cache errors and confirms misses against the durable store.
func (r *Registry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	found, err := r.cache.Exists(ctx, blacklistKey(jti))
	if err != nil {
		obs.ObserveCache("blacklist", "error")
		if r.strict {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		obs.Warn("revocation check degraded to not-revoked", map[string]any{"jti": jti, "error": err.Error()})
		return false, nil
	}
	if found {
		obs.ObserveCache("blacklist", "hit")
		return true, nil
	}
	obs.ObserveCache("blacklist", "miss")
	if !r.strict {
		return false, nil
	}
	revoked, err := r.store.IsSessionRevoked(ctx, jti)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return revoked, nil
}

// ListByPrincipal returns the principal's durable sessions, most recently
// created first, marking the one matching currentJTI.
func (r *Registry) ListByPrincipal(ctx context.Context, principalID, currentJTI string) ([]*Session, error) {
	sessions, err := r.store.ListSessions(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		s.Current = s.JTI == currentJTI
	}
	return sessions, nil
}
