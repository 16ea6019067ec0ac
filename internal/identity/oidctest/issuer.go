// Package oidctest provides an in-memory OpenID Connect provider for tests.
package oidctest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	kid     string
	method  jwt.SigningMethod
	private crypto.Signer
}

// Issuer serves a discovery document and JWKS over httptest and mints
// tokens signed with its current key.
type Issuer struct {
	server *httptest.Server

	mu      sync.Mutex
	keys    []signingKey // current key last
	nextKid int
	issuer  string

	discoveryFetches atomic.Int64
	jwksFetches      atomic.Int64
}

// New starts an Issuer with one RSA key. It is closed when the test ends.
func New(t testing.TB) *Issuer {
	t.Helper()
	iss := &Issuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", iss.handleDiscovery)
	mux.HandleFunc("GET /jwks", iss.handleJWKS)
	iss.server = httptest.NewServer(mux)
	iss.issuer = iss.server.URL
	t.Cleanup(iss.server.Close)

	if err := iss.Rotate(); err != nil {
		t.Fatalf("oidctest: generate key: %v", err)
	}
	return iss
}

// URL is the issuer identifier (the server's base URL).
func (i *Issuer) URL() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issuer
}

// SetIssuer changes the issuer advertised in discovery and in new tokens.
func (i *Issuer) SetIssuer(issuer string) {
	i.mu.Lock()
	i.issuer = issuer
	i.mu.Unlock()
}

// DiscoveryURL is the OpenID discovery endpoint.
func (i *Issuer) DiscoveryURL() string {
	return i.server.URL + "/.well-known/openid-configuration"
}

// DiscoveryFetches counts discovery document requests.
func (i *Issuer) DiscoveryFetches() int64 { return i.discoveryFetches.Load() }

// JWKSFetches counts JWKS requests.
func (i *Issuer) JWKSFetches() int64 { return i.jwksFetches.Load() }

// Rotate adds a new RS256 key and makes it current. Earlier keys stay
// published until Retire is called.
func (i *Issuer) Rotate() error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	i.addKey(jwt.SigningMethodRS256, priv)
	return nil
}

// RotateEC adds a new ES256 key and makes it current.
func (i *Issuer) RotateEC() error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	i.addKey(jwt.SigningMethodES256, priv)
	return nil
}

func (i *Issuer) addKey(method jwt.SigningMethod, priv crypto.Signer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nextKid++
	i.keys = append(i.keys, signingKey{
		kid:     fmt.Sprintf("key-%d", i.nextKid),
		method:  method,
		private: priv,
	})
}

// Retire stops publishing every key except the current one.
func (i *Issuer) Retire() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys = i.keys[len(i.keys)-1:]
}

// KeyID returns the current key's ID.
func (i *Issuer) KeyID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.keys[len(i.keys)-1].kid
}

// Claims returns a valid claim set for subject and email, addressed to
// audience and expiring in an hour.
func (i *Issuer) Claims(subject, email, audience string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": i.URL(),
		"sub": subject,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if email != "" {
		claims["email"] = email
		claims["email_verified"] = true
	}
	return claims
}

// Token signs claims with the current key.
func (i *Issuer) Token(claims jwt.MapClaims) (string, error) {
	i.mu.Lock()
	key := i.keys[len(i.keys)-1]
	i.mu.Unlock()
	return Sign(key.method, key.private, key.kid, claims)
}

// MustToken is Token for tests that cannot proceed without one.
func (i *Issuer) MustToken(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := i.Token(claims)
	if err != nil {
		t.Fatalf("oidctest: sign token: %v", err)
	}
	return tok
}

// Sign signs claims with an arbitrary key and kid, for forging tokens the
// issuer did not mint.
func Sign(method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	return tok.SignedString(key)
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	i.discoveryFetches.Add(1)
	writeJSON(w, map[string]any{
		"issuer":                                i.URL(),
		"jwks_uri":                              i.server.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256", "ES256"},
	})
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	i.jwksFetches.Add(1)

	i.mu.Lock()
	keys := make([]map[string]string, 0, len(i.keys))
	for _, k := range i.keys {
		keys = append(keys, publicJWK(k))
	}
	i.mu.Unlock()

	writeJSON(w, map[string]any{"keys": keys})
}

func publicJWK(k signingKey) map[string]string {
	b64 := base64.RawURLEncoding.EncodeToString
	switch pub := k.private.Public().(type) {
	case *rsa.PublicKey:
		return map[string]string{
			"kty": "RSA",
			"kid": k.kid,
			"use": "sig",
			"alg": k.method.Alg(),
			"n":   b64(pub.N.Bytes()),
			"e":   b64(big.NewInt(int64(pub.E)).Bytes()),
		}
	case *ecdsa.PublicKey:
		raw, _ := pub.Bytes()
		size := (len(raw) - 1) / 2
		return map[string]string{
			"kty": "EC",
			"kid": k.kid,
			"use": "sig",
			"alg": k.method.Alg(),
			"crv": "P-256",
			"x":   b64(raw[1 : 1+size]),
			"y":   b64(raw[1+size:]),
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
