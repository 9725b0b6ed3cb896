package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType discriminates access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

const (
	defaultIssuer     = "authgate"
	defaultAccessTTL  = 24 * time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the closed claim set embedded in issued tokens. Permissions
// ride only on access tokens; refresh tokens carry just identity and type.
type Claims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies signed access/refresh token pairs. It holds no
// per-token state: validation is purely signature plus expiry, and
// revocation lives in the session registry.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	// guards jti uniqueness when two issuances land on the same clock tick
	jtiMu   sync.Mutex
	lastJTI int64
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer signing with the shared HS256 secret.
func NewIssuer(secret string, opts ...IssuerOption) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	iss := &Issuer{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// newJTI derives the token identifier from the subject and issuance time,
// bumping the timestamp when two issuances collide on one millisecond.
func (i *Issuer) newJTI(subject string, now time.Time) string {
	i.jtiMu.Lock()
	defer i.jtiMu.Unlock()
	ms := now.UnixMilli()
	if ms <= i.lastJTI {
		ms = i.lastJTI + 1
	}
	i.lastJTI = ms
	return fmt.Sprintf("%s_%d", subject, ms)
}

// Issue mints an access/refresh pair for the principal. Both tokens share
// one jti so the pair maps to a single session record.
func (i *Issuer) Issue(principalID string, grants Grants) (TokenPair, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return TokenPair{}, errors.New("auth: principal id is required")
	}
	now := i.now().UTC()
	jti := i.newJTI(principalID, now)
	accessExp := now.Add(i.accessTTL)
	refreshExp := now.Add(i.refreshTTL)

	access := Claims{
		Roles:       grants.Roles,
		Permissions: grants.Permissions,
		TokenType:   string(TokenAccess),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   principalID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	}
	refresh := Claims{
		TokenType: string(TokenRefresh),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   principalID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(i.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(i.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		JTI:              jti,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks signature, expiry, and the type discriminator. Failures
// map onto the error taxonomy: ErrTokenMalformed, ErrTokenExpired,
// ErrTokenWrongType.
func (i *Issuer) Verify(raw string, want TokenType) (*Claims, error) {
	claims, err := i.parse(raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != string(want) {
		return nil, ErrTokenWrongType
	}
	return claims, nil
}

// Extract parses a token tolerating elapsed expiry, for flows such as
// logout where an expired token still identifies its session. The type
// discriminator is still enforced.
func (i *Issuer) Extract(raw string, want TokenType) (*Claims, error) {
	claims, err := i.parse(raw)
	if err != nil && !errors.Is(err, ErrTokenExpired) {
		return nil, err
	}
	if claims == nil {
		return nil, ErrTokenMalformed
	}
	if claims.TokenType != string(want) {
		return nil, ErrTokenWrongType
	}
	return claims, nil
}

func (i *Issuer) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }),
	)
	parsed, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// expired tokens still parse; surface claims for Extract
			if parsed != nil {
				if claims, ok := parsed.Claims.(*Claims); ok && claims.Subject != "" {
					return claims, ErrTokenExpired
				}
			}
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// RemainingLifetime returns how long the token stays cryptographically
// valid; zero or negative once natural expiry has passed.
func (i *Issuer) RemainingLifetime(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(i.now().UTC())
}
