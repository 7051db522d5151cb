// Package auth gates every request behind the external identity verifier
// and the per-agent rate limiter, and threads the verified identity through
// the request context for downstream components.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gaslend/loan"
)

type contextKey struct{}

// Context is the verified identity attached to a request. Downstream code
// reads it instead of re-verifying the token.
type Context struct {
	AgentID   string
	AgentName string
	Karma     int64
}

// Verification is the external verifier's answer for a token.
type Verification struct {
	Valid     bool
	AgentID   string
	AgentName string
	Karma     int64
	Message   string
}

// Verifier abstracts the external identity provider.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Verification, error)
}

// Gate authenticates tokens and enforces the rate limit.
type Gate struct {
	verifier Verifier
	limiter  *RateLimiter
	now      func() time.Time
}

// NewGate wires the verifier and limiter. The clock is injectable for tests.
func NewGate(verifier Verifier, limiter *RateLimiter) *Gate {
	return &Gate{verifier: verifier, limiter: limiter, now: time.Now}
}

// WithClock overrides the gate's clock.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Authenticate verifies a raw bearer token and applies the rate limit.
func (g *Gate) Authenticate(ctx context.Context, rawToken string) (*Context, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", loan.ErrUnauthorized)
	}
	verification, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: verifier: %v", loan.ErrUnauthorized, err)
	}
	if !verification.Valid {
		msg := verification.Message
		if msg == "" {
			msg = "invalid token"
		}
		return nil, fmt.Errorf("%w: %s", loan.ErrUnauthorized, msg)
	}
	if g.limiter != nil {
		if err := g.limiter.Check(verification.AgentID, g.now()); err != nil {
			return nil, err
		}
	}
	return &Context{
		AgentID:   verification.AgentID,
		AgentName: verification.AgentName,
		Karma:     verification.Karma,
	}, nil
}

// Middleware authenticates the Authorization bearer token and stores the
// identity in the request context. Failures are mapped by the handler
// passed in, so the transport owns the response shape.
func (g *Gate) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			identity, err := g.Authenticate(r.Context(), token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// WithIdentity stores a verified identity in the context.
func WithIdentity(ctx context.Context, identity *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext retrieves the verified identity installed by the middleware.
func FromContext(ctx context.Context) (*Context, error) {
	identity, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || identity == nil {
		return nil, fmt.Errorf("%w: no identity in context", loan.ErrUnauthorized)
	}
	return identity, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}
