// Package auth carries the caller's bearer token through a request context.
//
// The token is an immutable context value. Each inbound HTTP request or MCP
// message derives its own context, so concurrent requests never observe each
// other's credentials and nothing needs to be reset when a request ends.
package auth

import (
	"context"
	"net/http"
	"strings"
)

type tokenKey struct{}

// WithToken returns a child of ctx carrying token. An empty token leaves ctx unchanged.
func WithToken(ctx context.Context, token string) context.Context {
	token = strings.TrimSpace(token)
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the bearer token installed on ctx, or "".
func TokenFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// FromRequest extracts the token from an "Authorization: Bearer <token>" header.
func FromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return ParseBearer(r.Header.Get("Authorization"))
}

// ParseBearer returns the credential of a Bearer authorization value. The
// scheme is matched case-insensitively; any other scheme yields "".
func ParseBearer(value string) string {
	value = strings.TrimSpace(value)
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware installs the request's bearer token on its context before
// calling next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := FromRequest(r); token != "" {
			r = r.WithContext(WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

// ContextFunc matches the signature mcp-go expects from WithSSEContextFunc and
// WithHTTPContextFunc, so every tool-call message carries its own token.
func ContextFunc(ctx context.Context, r *http.Request) context.Context {
	return WithToken(ctx, FromRequest(r))
}
