package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/cache"
	"authgate.org/internal/ids"
	"authgate.org/internal/obs"
)

// RequestMeta carries request-scoped facts recorded on issued sessions.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// LoginResult is the success payload of Login and Refresh.
type LoginResult struct {
	Principal *Principal
	Grants    Grants
	Tokens    TokenPair
}

// Verification is the result of a successful access-token check. The
// identity fields come from the cached authorization projection so that
// callers get a usable profile without a second lookup.
type Verification struct {
	PrincipalID string
	JTI         string
	Email       string
	FirstName   string
	LastName    string
	Roles       []string
	Permissions []string
}

// Service orchestrates the credential and session lifecycle: login,
// token verification, refresh, logout, and session administration. All
// collaborators are injected at construction; the service holds no
// mutable state of its own.
type Service struct {
	store       Store
	issuer      *Issuer
	lockout     *Lockout
	sessions    *Registry
	authz       *AuthzCache
	serviceName string
	now         func() time.Time
}

type serviceConfig struct {
	serviceName   string
	lockThreshold int
	lockWindow    time.Duration
	authzTTL      time.Duration
	strict        bool
	now           func() time.Time
}

// ServiceOption configures Service construction.
type ServiceOption func(*serviceConfig)

// WithServiceName sets the issuing-service name stamped on sessions.
func WithServiceName(name string) ServiceOption {
	return func(c *serviceConfig) {
		if name = strings.TrimSpace(name); name != "" {
			c.serviceName = name
		}
	}
}

// WithLockPolicy overrides the lockout threshold and window.
func WithLockPolicy(threshold int, window time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.lockThreshold = threshold
		c.lockWindow = window
	}
}

// WithAuthzTTL overrides the authorization cache TTL. Must stay below the
// access-token lifetime to bound grant staleness.
func WithAuthzTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) { c.authzTTL = ttl }
}

// WithStrictRevocation selects the fail-closed consistency mode for
// revocation checks: cache failures reject requests and misses are
// confirmed against the durable store.
func WithStrictRevocation(strict bool) ServiceOption {
	return func(c *serviceConfig) { c.strict = strict }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(c *serviceConfig) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewService wires the auth core from its collaborators.
func NewService(store Store, kv cache.Cache, issuer *Issuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if kv == nil {
		return nil, errors.New("auth: cache is required")
	}
	if issuer == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	cfg := serviceConfig{serviceName: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		store:       store,
		issuer:      issuer,
		lockout:     NewLockout(store, cfg.lockThreshold, cfg.lockWindow, cfg.now),
		sessions:    NewRegistry(kv, store, cfg.strict, cfg.now),
		authz:       NewAuthzCache(kv, store, cfg.authzTTL),
		serviceName: cfg.serviceName,
		now:         cfg.now,
	}, nil
}

// storeErr maps unexpected credential-store failures to ErrUnavailable
// while letting taxonomy sentinels pass through.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPrincipalNotFound),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Login authenticates the credentials and, on success, mints a token
// pair, opens a session, and primes the authorization cache. Unknown and
// inactive accounts both collapse into ErrInvalidCredentials; locked
// accounts return a LockedError with the retry hint.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		obs.ObserveLogin("invalid")
		return nil, ErrInvalidCredentials
	}

	p, err := s.store.FindPrincipalByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			obs.ObserveLogin("invalid")
			_ = audit.LogEvent(ctx, "auth.login.unknown_email", map[string]any{"email": email, "ip": meta.IP})
			return nil, ErrInvalidCredentials
		}
		obs.ObserveLogin("unavailable")
		_ = audit.LogEvent(ctx, "auth.login.unavailable", map[string]any{
			"email": email, "ip": meta.IP, "stage": "lookup", "error": err.Error(),
		})
		return nil, storeErr(err)
	}

	if lock := s.lockout.CheckLocked(p); lock.Locked {
		obs.ObserveLogin("locked")
		_ = audit.LogEvent(ctx, "auth.login.locked", map[string]any{
			"principal_id": p.ID, "ip": meta.IP, "retry_after": lock.RetryAfter.String(),
		})
		return nil, &LockedError{RetryAfter: lock.RetryAfter}
	}

	if !p.Active {
		obs.ObserveLogin("invalid")
		_ = audit.LogEvent(ctx, "auth.login.inactive", map[string]any{"principal_id": p.ID, "ip": meta.IP})
		return nil, ErrInvalidCredentials
	}

	if err := VerifyPassword(p.PasswordHash, password); err != nil {
		locked, recErr := s.lockout.RecordFailure(ctx, p)
		if recErr != nil {
			obs.ObserveLogin("unavailable")
			_ = audit.LogEvent(ctx, "auth.login.unavailable", map[string]any{
				"principal_id": p.ID, "ip": meta.IP, "stage": "record_failure", "error": recErr.Error(),
			})
			return nil, storeErr(recErr)
		}
		obs.ObserveLogin("invalid")
		_ = audit.LogEvent(ctx, "auth.login.failed", map[string]any{
			"principal_id": p.ID, "ip": meta.IP,
			"attempts": p.FailedAttempts + 1, "lock_applied": locked,
		})
		return nil, ErrInvalidCredentials
	}

	if err := s.lockout.RecordSuccess(ctx, p); err != nil {
		obs.ObserveLogin("unavailable")
		_ = audit.LogEvent(ctx, "auth.login.unavailable", map[string]any{
			"principal_id": p.ID, "ip": meta.IP, "stage": "record_success", "error": err.Error(),
		})
		return nil, storeErr(err)
	}

	result, err := s.openSession(ctx, p, meta)
	if err != nil {
		obs.ObserveLogin("unavailable")
		_ = audit.LogEvent(ctx, "auth.login.unavailable", map[string]any{
			"principal_id": p.ID, "ip": meta.IP, "stage": "open_session", "error": err.Error(),
		})
		return nil, err
	}

	obs.ObserveLogin("success")
	_ = audit.LogEvent(ctx, "auth.login.success", map[string]any{
		"principal_id": p.ID, "ip": meta.IP, "jti": result.Tokens.JTI,
		"roles": result.Grants.Roles,
	})
	return result, nil
}

// openSession is the shared tail of Login and Refresh: resolve current
// grants, mint tokens, open the session, prime the authz cache.
func (s *Service) openSession(ctx context.Context, p *Principal, meta RequestMeta) (*LoginResult, error) {
	grants, err := s.store.ResolveGrants(ctx, p.ID)
	if err != nil {
		return nil, storeErr(err)
	}
	grants = grants.Normalize()

	tokens, err := s.issuer.Issue(p.ID, grants)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	now := s.now().UTC()
	sess := &Session{
		ID:          ids.New(),
		PrincipalID: p.ID,
		JTI:         tokens.JTI,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Service:     s.serviceName,
		CreatedAt:   now,
		ExpiresAt:   tokens.RefreshExpiresAt,
	}
	if err := s.sessions.Open(ctx, sess, s.issuer.RefreshTTL()); err != nil {
		return nil, storeErr(err)
	}

	s.authz.Prime(ctx, p, grants)

	return &LoginResult{Principal: p, Grants: grants, Tokens: tokens}, nil
}

// Verify validates an access token end to end: signature and expiry,
// revocation state, then the authorization projection. Fails closed on
// any uncertain step.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Verification, error) {
	claims, err := s.issuer.Verify(accessToken, TokenAccess)
	if err != nil {
		obs.ObserveVerification(verificationLabel(err))
		return nil, err
	}

	revoked, err := s.sessions.IsRevoked(ctx, claims.ID)
	if err != nil {
		obs.ObserveVerification("unavailable")
		return nil, err
	}
	if revoked {
		obs.ObserveVerification("revoked")
		_ = audit.LogEvent(ctx, "auth.token.revoked_use", map[string]any{
			"principal_id": claims.Subject, "jti": claims.ID,
		})
		return nil, ErrTokenRevoked
	}

	proj, err := s.authz.GetOrResolve(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			obs.ObserveVerification("principal_gone")
			return nil, err
		}
		obs.ObserveVerification("unavailable")
		return nil, err
	}

	obs.ObserveVerification("ok")
	return &Verification{
		PrincipalID: claims.Subject,
		JTI:         claims.ID,
		Email:       proj.Email,
		FirstName:   proj.FirstName,
		LastName:    proj.LastName,
		Roles:       proj.Grants.Roles,
		Permissions: proj.Grants.Permissions,
	}, nil
}

func verificationLabel(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenWrongType):
		return "wrong_type"
	default:
		return "malformed"
	}
}

// Refresh exchanges a valid refresh token for a fresh pair, re-resolving
// the principal's current grants rather than trusting the token's embedded
// ones. The prior refresh token stays cryptographically valid until its
// own expiry; rotation-with-reuse-detection is a deliberate non-feature
// of this design (see DESIGN.md).
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*LoginResult, error) {
	claims, err := s.issuer.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}

	revoked, err := s.sessions.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	p, err := s.store.FindPrincipal(ctx, claims.Subject)
	if err != nil {
		return nil, storeErr(err)
	}
	if !p.Active {
		return nil, ErrPrincipalNotFound
	}

	result, err := s.openSession(ctx, p, meta)
	if err != nil {
		return nil, err
	}

	_ = audit.LogEvent(ctx, "auth.token.refreshed", map[string]any{
		"principal_id": p.ID, "ip": meta.IP, "jti": result.Tokens.JTI,
	})
	return result, nil
}

// Logout revokes the token's session for its remaining lifetime and
// invalidates the principal's authorization cache entry. Idempotent: an
// already-revoked or expired token logs out successfully.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.issuer.Extract(accessToken, TokenAccess)
	if err != nil {
		return err
	}

	remaining := s.issuer.RemainingLifetime(claims)
	if err := s.sessions.Revoke(ctx, claims.ID, remaining, claims.Subject); err != nil {
		return storeErr(err)
	}

	if err := s.authz.Invalidate(ctx, claims.Subject); err != nil {
		obs.Warn("authz invalidate failed on logout", map[string]any{
			"principal_id": claims.Subject, "error": err.Error(),
		})
	}

	_ = audit.LogEvent(ctx, "auth.logout", map[string]any{
		"principal_id": claims.Subject, "jti": claims.ID,
	})
	return nil
}

// ListSessions returns the principal's sessions, most recent first, with
// the current-session marker derived from currentJTI.
func (s *Service) ListSessions(ctx context.Context, principalID, currentJTI string) ([]*Session, error) {
	sessions, err := s.sessions.ListByPrincipal(ctx, principalID, currentJTI)
	if err != nil {
		return nil, storeErr(err)
	}
	return sessions, nil
}

// RevokeSession resolves a session id owned by the principal to its jti
// and runs the same revocation path as logout.
func (s *Service) RevokeSession(ctx context.Context, principalID, sessionID, revokerID string) error {
	sess, err := s.store.FindSession(ctx, principalID, sessionID)
	if err != nil {
		return storeErr(err)
	}

	remaining := sess.ExpiresAt.Sub(s.now().UTC())
	if err := s.sessions.Revoke(ctx, sess.JTI, remaining, revokerID); err != nil {
		return storeErr(err)
	}

	if err := s.authz.Invalidate(ctx, principalID); err != nil {
		obs.Warn("authz invalidate failed on session revoke", map[string]any{
			"principal_id": principalID, "error": err.Error(),
		})
	}

	_ = audit.LogEvent(ctx, "auth.session.revoked", map[string]any{
		"principal_id": principalID, "session_id": sessionID,
		"jti": sess.JTI, "revoked_by": revokerID,
	})
	return nil
}

// CheckPermission reports whether the principal currently holds the
// permission, reading through the authorization cache.
func (s *Service) CheckPermission(ctx context.Context, principalID, permission string) (bool, error) {
	proj, err := s.authz.GetOrResolve(ctx, principalID)
	if err != nil {
		return false, err
	}
	return proj.Grants.HasPermission(permission), nil
}

// ChangePassword verifies the current password before storing the new
// hash. Password complexity policy belongs to the caller.
func (s *Service) ChangePassword(ctx context.Context, principalID, current, next string) error {
	if next == "" {
		return errors.New("auth: new password is required")
	}
	p, err := s.store.FindPrincipal(ctx, principalID)
	if err != nil {
		return storeErr(err)
	}
	if err := VerifyPassword(p.PasswordHash, current); err != nil {
		_ = audit.LogEvent(ctx, "auth.password.change_failed", map[string]any{"principal_id": principalID})
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, principalID, hash); err != nil {
		return storeErr(err)
	}
	_ = audit.LogEvent(ctx, "auth.password.changed", map[string]any{"principal_id": principalID})
	return nil
}
