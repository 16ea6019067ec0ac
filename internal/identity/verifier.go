// Package identity verifies the bearer tokens agents present when they
// submit results. Tokens are OpenID Connect ID tokens signed by a provider
// whose keys are published through discovery and JWKS.
package identity

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller behind a token.
type Identity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience []string
}

// Principal is the name assignment checks compare against: the email when
// the token carries one, otherwise the subject.
func (id *Identity) Principal() string {
	if id.Email != "" {
		return id.Email
	}
	return id.Subject
}

// Config configures a Verifier.
type Config struct {
	// Issuer overrides the issuer advertised by the discovery document.
	Issuer string
	// Leeway tolerates clock skew on exp, nbf and auth_time.
	Leeway time.Duration
}

// Verifier checks ID tokens against a KeySet.
type Verifier struct {
	keys   *KeySet
	issuer string
	leeway time.Duration
	now    func() time.Time
}

var asymmetricAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// NewVerifier creates a Verifier backed by keys.
func NewVerifier(keys *KeySet, cfg Config) *Verifier {
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}
	return &Verifier{
		keys:   keys,
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for exp, nbf and auth_time.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Issuer returns the issuer tokens must carry when the caller does not
// name one.
func (v *Verifier) Issuer() string {
	if v.issuer != "" {
		return v.issuer
	}
	return v.keys.Issuer()
}

// Verify checks token and returns the identity it asserts. expectedIssuer
// may be empty to use Issuer(). The first failing check decides the error.
func (v *Verifier) Verify(ctx context.Context, token, expectedAudience, expectedIssuer string) (*Identity, error) {
	claims := jwt.MapClaims{}
	unverified, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	alg, _ := unverified.Header["alg"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrMalformed)
	}
	if !slices.Contains(asymmetricAlgs, alg) {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrMalformed, alg)
	}

	jwks, ok := v.keys.lookup(ctx, kid)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}

	// The keyfunc also rejects a key whose declared alg differs from the token's.
	parser := jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithoutClaimsValidation())
	claims = jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, jwks.KeyfuncCtx(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	now := v.now()

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if exp == nil || now.After(exp.Add(v.leeway)) {
		return nil, ErrExpired
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if nbf != nil && now.Add(v.leeway).Before(nbf.Time) {
		return nil, ErrNotYetValid
	}

	if expectedIssuer == "" {
		expectedIssuer = v.Issuer()
	}
	iss, _ := claims.GetIssuer()
	if expectedIssuer == "" || iss != expectedIssuer {
		return nil, fmt.Errorf("%w: %q", ErrIssuer, iss)
	}

	aud, _ := claims.GetAudience()
	if !slices.Contains([]string(aud), expectedAudience) {
		return nil, fmt.Errorf("%w: %v", ErrAudience, []string(aud))
	}

	if raw, present := claims["auth_time"]; present {
		authTime, ok := numericTime(raw)
		if !ok {
			return nil, fmt.Errorf("%w: auth_time", ErrMalformed)
		}
		if authTime.After(now.Add(v.leeway)) {
			return nil, ErrAuthTime
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, ErrSubject
	}

	email, _ := claims["email"].(string)
	return &Identity{
		Subject:  sub,
		Email:    email,
		Issuer:   iss,
		Audience: aud,
	}, nil
}

func numericTime(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	default:
		return time.Time{}, false
	}
}
