package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "qtype-api"
)

// signingKey pairs a private key for signing test tokens with the public set
// served as the JWKS document.
type signingKey struct {
	private jwk.Key
	public  jwk.Set
}

func newSigningKey(t *testing.T) signingKey {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	private, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, private.Set(jwk.KeyIDKey, "test-key"))

	public, err := jwk.FromRaw(&raw.PublicKey)
	require.NoError(t, err)
	require.NoError(t, public.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, public.Set(jwk.AlgorithmKey, jwa.RS256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(public))
	return signingKey{private: private, public: set}
}

func serveJWKS(t *testing.T, set jwk.Set) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(server.Close)
	return server.URL + "/.well-known/jwks.json"
}

// signToken issues a token that passes verification unless mutate breaks it.
func signToken(t *testing.T, key signingKey, mutate func(token jwt.Token)) string {
	t.Helper()
	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, testIssuer))
	require.NoError(t, token.Set(jwt.AudienceKey, testAudience))
	require.NoError(t, token.Set(jwt.SubjectKey, "user-7"))
	require.NoError(t, token.Set(jwt.IssuedAtKey, time.Now()))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	if mutate != nil {
		mutate(token)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key.private))
	require.NoError(t, err)
	return string(signed)
}

func newTestVerifier(t *testing.T) (*Verifier, signingKey) {
	t.Helper()
	key := newSigningKey(t)
	verifier, err := NewVerifier(context.Background(), serveJWKS(t, key.public), testIssuer, testAudience)
	require.NoError(t, err)
	return verifier, key
}

func TestVerifierAcceptsValidToken(t *testing.T) {
	verifier, key := newTestVerifier(t)

	raw := signToken(t, key, func(token jwt.Token) {
		require.NoError(t, token.Set("email", "dev@acme.io"))
		require.NoError(t, token.Set("role", "admin"))
		require.NoError(t, token.Set("dept", "platform"))
	})

	claims, err := verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.Subject)
	assert.Equal(t, "dev@acme.io", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "platform", claims.Custom["dept"])
	assert.NotContains(t, claims.Custom, "email")
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	verifier, key := newTestVerifier(t)

	raw := signToken(t, key, func(token jwt.Token) {
		require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(-time.Minute)))
	})

	_, err := verifier.Verify(context.Background(), raw)
	assert.ErrorContains(t, err, "invalid token")
}

func TestVerifierRejectsWrongIssuer(t *testing.T) {
	verifier, key := newTestVerifier(t)

	raw := signToken(t, key, func(token jwt.Token) {
		require.NoError(t, token.Set(jwt.IssuerKey, "https://evil.test"))
	})

	_, err := verifier.Verify(context.Background(), raw)
	assert.ErrorContains(t, err, "invalid token")
}

func TestVerifierRejectsWrongAudience(t *testing.T) {
	verifier, key := newTestVerifier(t)

	raw := signToken(t, key, func(token jwt.Token) {
		require.NoError(t, token.Set(jwt.AudienceKey, "other-api"))
	})

	_, err := verifier.Verify(context.Background(), raw)
	assert.ErrorContains(t, err, "invalid token")
}

func TestVerifierRejectsForeignSignature(t *testing.T) {
	verifier, _ := newTestVerifier(t)

	// Same key id, different key pair: signature verification must fail.
	foreign := newSigningKey(t)
	raw := signToken(t, foreign, nil)

	_, err := verifier.Verify(context.Background(), raw)
	assert.ErrorContains(t, err, "invalid token")
}

func TestVerifierRejectsGarbage(t *testing.T) {
	verifier, _ := newTestVerifier(t)

	_, err := verifier.Verify(context.Background(), "not-a-token")
	assert.Error(t, err)
}

func TestVerifierSkipsIssuerAndAudienceWhenUnset(t *testing.T) {
	key := newSigningKey(t)
	verifier, err := NewVerifier(context.Background(), serveJWKS(t, key.public), "", "")
	require.NoError(t, err)

	raw := signToken(t, key, func(token jwt.Token) {
		require.NoError(t, token.Set(jwt.IssuerKey, "https://anyone.test"))
		require.NoError(t, token.Set(jwt.AudienceKey, "any-api"))
	})

	claims, err := verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.Subject)
}

func TestNewVerifierFailsFastOnUnreachableJWKS(t *testing.T) {
	_, err := NewVerifier(context.Background(), "http://127.0.0.1:1/jwks.json", testIssuer, testAudience)
	require.Error(t, err)
	assert.ErrorContains(t, err, "fetching JWKS")
}
