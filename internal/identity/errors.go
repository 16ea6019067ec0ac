package identity

import "errors"

// ErrUnauthorized matches every token rejection returned by Verify.
var ErrUnauthorized = errors.New("unauthorized")

// Token rejection reasons, in the order Verify checks them. Each also
// satisfies errors.Is(err, ErrUnauthorized).
var (
	ErrMalformed   error = &rejection{"malformed token"}
	ErrUnknownKey  error = &rejection{"unknown signing key"}
	ErrSignature   error = &rejection{"invalid signature"}
	ErrExpired     error = &rejection{"token expired"}
	ErrNotYetValid error = &rejection{"token not yet valid"}
	ErrIssuer      error = &rejection{"unexpected issuer"}
	ErrAudience    error = &rejection{"unexpected audience"}
	ErrAuthTime    error = &rejection{"auth_time in the future"}
	ErrSubject     error = &rejection{"missing subject"}
)

type rejection struct {
	msg string
}

func (r *rejection) Error() string { return r.msg }

func (r *rejection) Is(target error) bool { return target == ErrUnauthorized }
