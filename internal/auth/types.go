package auth

import (
	"sort"
	"strings"
	"time"
)

// Principal is an authenticated identity. Lockout bookkeeping fields are
// owned by the credential store and mutated only through login outcomes.
type Principal struct {
	ID             string
	Email          string
	PasswordHash   string
	FirstName      string
	LastName       string
	Active         bool
	Verified       bool
	FailedAttempts int
	LockedUntil    *time.Time
	LastLogin      *time.Time
}

// Grants is the resolved role/permission projection for one principal.
type Grants struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the projection contains the permission name.
func (g Grants) HasPermission(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, p := range g.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// HasRole reports whether the projection contains the role name.
func (g Grants) HasRole(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, r := range g.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Session is the revocable server-side record of one issued token pair.
// The durable store keeps it beyond natural expiry as an audit record; the
// cache copy expires with the refresh-token lifetime.
type Session struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	JTI         string     `json:"jti"`
	IP          string     `json:"ip"`
	UserAgent   string     `json:"user_agent"`
	Service     string     `json:"service"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Revoked     bool       `json:"revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	RevokedBy   string     `json:"revoked_by,omitempty"`

	// Current marks the session matching the jti of the token used to
	// request the listing. Never persisted.
	Current bool `json:"current"`
}

// TokenPair carries a freshly minted access/refresh token pair. Both
// tokens share one jti, which keys the session record.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	JTI              string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

func dedupeNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalize deduplicates and sorts the role and permission names.
func (g Grants) Normalize() Grants {
	return Grants{
		Roles:       dedupeNames(g.Roles),
		Permissions: dedupeNames(g.Permissions),
	}
}
