package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authgate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth verifies the bearer token end to end (signature, expiry,
// revocation, authorization projection) and attaches the verification
// and the raw token to the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		v, err := a.auth.Verify(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrUnavailable):
				writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
			default:
				handleAuthError(w, r, err)
			}
			return
		}

		ctx := auth.ContextWithVerification(r.Context(), *v)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
