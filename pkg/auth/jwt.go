package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims carries the verified identity of a request. The shape covers the
// common identity providers; anything beyond the named fields lands in
// Custom.
type Claims struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Role    string         `json:"role,omitempty"`
	Custom  map[string]any `json:"-"`
}

// Verifier validates bearer tokens against a provider's JWKS. The key set is
// cached and refreshed in the background to survive key rotation.
type Verifier struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewVerifier registers the JWKS URL and performs the initial fetch, so a
// bad URL fails at startup instead of on the first request. The cache
// refresh goroutine stops when ctx is cancelled.
func NewVerifier(ctx context.Context, jwksURL, issuer, audience string) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("auth: registering JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("auth: fetching JWKS from %s: %w", jwksURL, err)
	}
	return &Verifier{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Verify checks the signature, expiry and, when configured, issuer and
// audience of a raw token, and extracts its claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("auth: getting JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{Subject: token.Subject(), Custom: token.PrivateClaims()}
	if email, ok := claims.Custom["email"].(string); ok {
		claims.Email = email
		delete(claims.Custom, "email")
	}
	if role, ok := claims.Custom["role"].(string); ok {
		claims.Role = role
		delete(claims.Custom, "role")
	}
	return claims, nil
}
