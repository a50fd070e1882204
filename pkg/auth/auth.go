// Package auth turns declared authorization providers into request
// credentials and guards the HTTP surface with JWT verification. The client
// side resolves secrets once, at construction; the server side verifies
// bearer tokens against a cached JWKS.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/secret"
)

// Credential applies authorization to an outgoing request. It satisfies the
// Authorizer contract of the client packages without importing them.
type Credential interface {
	Apply(ctx context.Context, req *http.Request) error
}

// New builds the credential for a declared provider. Secret references
// resolve here, once; a missing secret fails construction rather than the
// first request.
func New(ctx context.Context, def dsl.AuthDef, resolver secret.Resolver) (Credential, error) {
	switch d := def.(type) {
	case *dsl.APIKeyAuth:
		key, err := d.APIKey.Resolve(ctx, resolver)
		if err != nil {
			return nil, fmt.Errorf("auth: '%s': %w", d.ID, err)
		}
		return &headerCredential{header: d.Header, value: key}, nil
	case *dsl.BearerAuth:
		token, err := d.Token.Resolve(ctx, resolver)
		if err != nil {
			return nil, fmt.Errorf("auth: '%s': %w", d.ID, err)
		}
		return &headerCredential{header: "Authorization", value: "Bearer " + token}, nil
	case *dsl.OAuth2Auth:
		return newOAuth2(ctx, d, resolver)
	case *dsl.AWSAuth:
		return nil, fmt.Errorf("auth: '%s': aws credentials are consumed by provider clients and cannot sign plain requests", d.ID)
	}
	return nil, fmt.Errorf("auth: unknown auth variant %T for '%s'", def, def.EntityID())
}

// headerCredential sends a fixed header value. Covers api_key and bearer.
type headerCredential struct {
	header string
	value  string
}

func (c *headerCredential) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set(c.header, c.value)
	return nil
}

// oauthCredential holds a client-credentials token source. The source caches
// the current token and refreshes it before expiry on its own.
type oauthCredential struct {
	id     string
	source oauth2.TokenSource
}

func newOAuth2(ctx context.Context, def *dsl.OAuth2Auth, resolver secret.Resolver) (Credential, error) {
	clientSecret, err := def.ClientSecret.Resolve(ctx, resolver)
	if err != nil {
		return nil, fmt.Errorf("auth: '%s': %w", def.ID, err)
	}
	cfg := &clientcredentials.Config{
		ClientID:     def.ClientID,
		ClientSecret: clientSecret,
		TokenURL:     def.TokenURL,
		Scopes:       def.Scopes,
	}
	if def.Audience != "" {
		cfg.EndpointParams = url.Values{"audience": {def.Audience}}
	}
	// The source outlives the construction call and refreshes tokens for as
	// long as the credential is in use.
	return &oauthCredential{id: def.ID, source: cfg.TokenSource(context.WithoutCancel(ctx))}, nil
}

func (c *oauthCredential) Apply(_ context.Context, req *http.Request) error {
	token, err := c.source.Token()
	if err != nil {
		return fmt.Errorf("auth: '%s': fetching token: %w", c.id, err)
	}
	token.SetAuthHeader(req)
	return nil
}

// AWSKeys is a resolved AWS credential set for provider clients that sign
// their own requests. Empty declaration fields fall back to the standard
// environment variables.
type AWSKeys struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Service         string
}

// ResolveAWS materializes the key pair of an aws provider declaration.
func ResolveAWS(ctx context.Context, def *dsl.AWSAuth, resolver secret.Resolver) (AWSKeys, error) {
	keys := AWSKeys{Region: def.Region, Service: def.Service}
	var err error
	if keys.AccessKeyID, err = def.AccessKeyID.Resolve(ctx, resolver); err != nil {
		return AWSKeys{}, fmt.Errorf("auth: '%s': %w", def.ID, err)
	}
	if keys.SecretAccessKey, err = def.SecretAccessKey.Resolve(ctx, resolver); err != nil {
		return AWSKeys{}, fmt.Errorf("auth: '%s': %w", def.ID, err)
	}
	if keys.SessionToken, err = def.SessionToken.Resolve(ctx, resolver); err != nil {
		return AWSKeys{}, fmt.Errorf("auth: '%s': %w", def.ID, err)
	}
	if keys.AccessKeyID == "" {
		keys.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		keys.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		keys.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	if keys.AccessKeyID == "" || keys.SecretAccessKey == "" {
		return AWSKeys{}, fmt.Errorf("auth: '%s': no aws credentials declared or in the environment", def.ID)
	}
	return keys, nil
}
