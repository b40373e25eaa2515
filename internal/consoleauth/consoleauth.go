// Package consoleauth holds the JWT bearer credential the agent presents to
// the console for every ConsoleCommunication session. The agent is the
// presenting side here: it fetches a signed token during bootstrap and
// refreshes it as it nears expiry, the same JWKS-backed pairing
// internal/auth/jwt.go uses to verify a token, run in reverse.
package consoleauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the agent's own console credential's claim set.
type Claims struct {
	jwt.RegisteredClaims
	AgentName string `json:"agentName"`
}

// Fetcher retrieves a freshly signed bearer token from whatever bootstrap
// endpoint issued the agent its console credential. It is supplied by the
// caller (cmd/agent) so this package has no opinion on transport.
type Fetcher func(ctx context.Context) (string, error)

// Credential is the agent's console bearer token, refreshed on demand.
// A nil *Credential is valid and presents no Authorization header, for
// consoles run with no auth configured.
type Credential struct {
	mu     sync.RWMutex
	token  string
	expiry time.Time

	jwks    *keyfunc.Keyfunc // optional: verifies tokens handed back by Fetcher
	fetch   Fetcher
	refresh time.Duration // refresh this long before expiry
}

// New returns a Credential that calls fetch to obtain and renew its token.
// jwksURL, when non-empty, is used to verify the signature and expiry of
// every token Fetcher returns before it is trusted; the token's audience
// is not checked. refreshBefore controls how early NeedsRefresh fires
// ahead of the token's exp claim.
func New(ctx context.Context, jwksURL string, fetch Fetcher, refreshBefore time.Duration) (*Credential, error) {
	c := &Credential{fetch: fetch, refresh: refreshBefore}
	if jwksURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("consoleauth: create JWKS keyfunc: %w", err)
		}
		c.jwks = k
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Token returns the current bearer token. Safe to call from any goroutine.
func (c *Credential) Token() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// AuthorizationHeader returns the "Bearer <token>" value, or "" if c is nil
// or unset, so callers can skip setting the header unconditionally.
func (c *Credential) AuthorizationHeader() string {
	tok := c.Token()
	if tok == "" {
		return ""
	}
	return "Bearer " + tok
}

// NeedsRefresh reports whether the credential is within its refresh window
// of expiry (or has no known expiry, which is treated as always-stale).
func (c *Credential) NeedsRefresh() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.expiry.IsZero() {
		return true
	}
	return time.Now().Add(c.refresh).After(c.expiry)
}

// Refresh fetches a new token via Fetcher, verifies it (when a JWKS is
// configured), and installs it as the current credential.
func (c *Credential) Refresh(ctx context.Context) error {
	if c == nil || c.fetch == nil {
		return nil
	}
	raw, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("consoleauth: fetch token: %w", err)
	}

	claims := &Claims{}
	var expiry time.Time
	if c.jwks != nil {
		token, err := jwt.ParseWithClaims(raw, claims, c.jwks.Keyfunc)
		if err != nil {
			return fmt.Errorf("consoleauth: verify fetched token: %w", err)
		}
		if !token.Valid {
			return fmt.Errorf("consoleauth: fetched token is not valid")
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expiry = exp.Time
		}
	} else if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expiry = exp.Time
		}
	}

	c.mu.Lock()
	c.token = raw
	c.expiry = expiry
	c.mu.Unlock()
	return nil
}
