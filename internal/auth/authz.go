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

const authzKeyPrefix = "authz:"

const defaultAuthzTTL = time.Hour

// Projection is the cached authorization view of a principal: the
// identity fields surfaced on token verification plus the effective
// grants.
type Projection struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Grants    Grants `json:"grants"`
}

// AuthzCache caches the resolved projection per principal. The TTL is
// kept shorter than the access-token lifetime so that grant changes
// propagate within a bounded window even without an explicit Invalidate
// call.
type AuthzCache struct {
	cache cache.Cache
	store Store
	ttl   time.Duration
}

// NewAuthzCache constructs the cache-aside layer over the credential store.
func NewAuthzCache(c cache.Cache, store Store, ttl time.Duration) *AuthzCache {
	if ttl <= 0 {
		ttl = defaultAuthzTTL
	}
	return &AuthzCache{cache: c, store: store, ttl: ttl}
}

func authzKey(principalID string) string { return authzKeyPrefix + principalID }

// GetOrResolve returns the cached projection or resolves it from the
// credential store on a miss, writing through with the configured TTL.
// A degraded cache falls back to the store; a store failure is fatal.
func (a *AuthzCache) GetOrResolve(ctx context.Context, principalID string) (Projection, error) {
	data, err := a.cache.Get(ctx, authzKey(principalID))
	if err == nil {
		var proj Projection
		if decErr := json.Unmarshal(data, &proj); decErr == nil {
			obs.ObserveCache("authz", "hit")
			return proj, nil
		}
		// corrupt entry: fall through to resolution and overwrite
	} else if !errors.Is(err, cache.ErrMiss) {
		obs.ObserveCache("authz", "error")
	} else {
		obs.ObserveCache("authz", "miss")
	}

	p, err := a.store.FindPrincipal(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Projection{}, err
		}
		return Projection{}, fmt.Errorf("%w: find principal: %v", ErrUnavailable, err)
	}
	grants, err := a.store.ResolveGrants(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Projection{}, err
		}
		return Projection{}, fmt.Errorf("%w: resolve grants: %v", ErrUnavailable, err)
	}
	proj := Projection{
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Grants:    grants.Normalize(),
	}
	a.prime(ctx, principalID, proj)
	return proj, nil
}

// Prime writes the projection through to the cache from a principal
// already in hand, sparing the next verification a store round trip.
func (a *AuthzCache) Prime(ctx context.Context, p *Principal, grants Grants) {
	a.prime(ctx, p.ID, Projection{
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Grants:    grants,
	})
}

// prime failures are logged, never fatal: the next read resolves from
// the store again.
func (a *AuthzCache) prime(ctx context.Context, principalID string, proj Projection) {
	data, err := json.Marshal(proj)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, authzKey(principalID), data, a.ttl); err != nil {
		obs.ObserveCache("authz", "error")
		obs.Warn("authz cache write failed", map[string]any{"principal_id": principalID, "error": err.Error()})
	}
}

// Invalidate drops the cached projection. Called on logout and required of
// any collaborator that mutates a principal's roles.
func (a *AuthzCache) Invalidate(ctx context.Context, principalID string) error {
	if err := a.cache.Delete(ctx, authzKey(principalID)); err != nil {
		obs.ObserveCache("authz", "error")
		return fmt.Errorf("invalidate authz cache: %w", err)
	}
	return nil
}

// TTL returns the configured projection lifetime.
func (a *AuthzCache) TTL() time.Duration { return a.ttl }
