package dsl

import (
	"fmt"

	"github.com/qtype-ai/qtype/pkg/secret"
)

// AuthDef is a declared authorization provider. The runtime turns it into
// request credentials; the document model only carries the shape.
type AuthDef interface {
	Entity
	Type() string
}

// APIKeyAuth sends a static key in a request header.
type APIKeyAuth struct {
	ID     string       `yaml:"id" json:"id"`
	APIKey secret.Value `yaml:"api_key" json:"api_key"`
	Header string       `yaml:"header,omitempty" json:"header,omitempty"`

	entityPos
}

func (a *APIKeyAuth) EntityID() string { return a.ID }
func (a *APIKeyAuth) Type() string     { return "api_key" }

func (a *APIKeyAuth) SetDefaults() {
	if a.Header == "" {
		a.Header = "X-API-Key"
	}
}

func (a *APIKeyAuth) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("auth provider is missing an id")
	}
	if a.APIKey.IsZero() {
		return fmt.Errorf("auth provider '%s' is missing an api_key", a.ID)
	}
	return nil
}

// BearerAuth sends a static token as an Authorization: Bearer header.
type BearerAuth struct {
	ID    string       `yaml:"id" json:"id"`
	Token secret.Value `yaml:"token" json:"token"`

	entityPos
}

func (a *BearerAuth) EntityID() string { return a.ID }
func (a *BearerAuth) Type() string     { return "bearer" }
func (a *BearerAuth) SetDefaults()     {}

func (a *BearerAuth) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("auth provider is missing an id")
	}
	if a.Token.IsZero() {
		return fmt.Errorf("auth provider '%s' is missing a token", a.ID)
	}
	return nil
}

// OAuth2Auth obtains tokens through the client credentials grant and
// refreshes them before expiry.
type OAuth2Auth struct {
	ID           string       `yaml:"id" json:"id"`
	TokenURL     string       `yaml:"token_url" json:"token_url"`
	ClientID     string       `yaml:"client_id" json:"client_id"`
	ClientSecret secret.Value `yaml:"client_secret" json:"client_secret"`
	Scopes       []string     `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Audience     string       `yaml:"audience,omitempty" json:"audience,omitempty"`

	entityPos
}

func (a *OAuth2Auth) EntityID() string { return a.ID }
func (a *OAuth2Auth) Type() string     { return "oauth2" }
func (a *OAuth2Auth) SetDefaults()     {}

func (a *OAuth2Auth) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("auth provider is missing an id")
	}
	if a.TokenURL == "" {
		return fmt.Errorf("auth provider '%s' is missing a token_url", a.ID)
	}
	if a.ClientID == "" {
		return fmt.Errorf("auth provider '%s' is missing a client_id", a.ID)
	}
	if a.ClientSecret.IsZero() {
		return fmt.Errorf("auth provider '%s' is missing a client_secret", a.ID)
	}
	return nil
}

// AWSAuth signs requests with SigV4. Credentials fall back to the standard
// environment variables when the key fields are left empty.
type AWSAuth struct {
	ID              string       `yaml:"id" json:"id"`
	Region          string       `yaml:"region" json:"region"`
	Service         string       `yaml:"service,omitempty" json:"service,omitempty"`
	AccessKeyID     secret.Value `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey secret.Value `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
	SessionToken    secret.Value `yaml:"session_token,omitempty" json:"session_token,omitempty"`

	entityPos
}

func (a *AWSAuth) EntityID() string { return a.ID }
func (a *AWSAuth) Type() string     { return "aws" }

func (a *AWSAuth) SetDefaults() {
	if a.Service == "" {
		a.Service = "execute-api"
	}
}

func (a *AWSAuth) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("auth provider is missing an id")
	}
	if a.Region == "" {
		return fmt.Errorf("auth provider '%s' is missing a region", a.ID)
	}
	if a.AccessKeyID.IsZero() != a.SecretAccessKey.IsZero() {
		return fmt.Errorf("auth provider '%s': access_key_id and secret_access_key must be set together", a.ID)
	}
	return nil
}
