package auth

import "context"

type verificationContextKey struct{}
type tokenContextKey struct{}

// ContextWithVerification attaches the verified identity to the context.
func ContextWithVerification(ctx context.Context, v Verification) context.Context {
	return context.WithValue(ctx, verificationContextKey{}, &v)
}

// VerificationFromContext extracts the verified identity from the context.
func VerificationFromContext(ctx context.Context) (Verification, bool) {
	if ctx == nil {
		return Verification{}, false
	}
	v, ok := ctx.Value(verificationContextKey{}).(*Verification)
	if !ok || v == nil {
		return Verification{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
