// Package auth wraps the bearer token that authenticates both the
// transport connection and the notification stream.
package auth

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrEmptyToken is returned when a credential is constructed from
	// an empty token.
	ErrEmptyToken = errors.New("empty bearer token")

	// ErrAuthExpired signals that the credential was rejected or has
	// passed its expiry. This is terminal: the session tears down and
	// never retries with the same credential.
	ErrAuthExpired = errors.New("credential expired or rejected")
)

// Credential is an immutable bearer token. When the token is a JWT its
// expiry claim is captured at construction so callers can refuse work
// with a token that is already dead rather than burning a round trip.
type Credential struct {
	token     string
	expiresAt fn.Option[time.Time]
	subject   fn.Option[int64]
}

// NewCredential wraps a bearer token. Opaque (non-JWT) tokens are
// accepted as-is; only the server can judge their validity.
func NewCredential(token string) (Credential, error) {
	if token == "" {
		return Credential{}, ErrEmptyToken
	}

	cred := Credential{
		token:     token,
		expiresAt: fn.None[time.Time](),
		subject:   fn.None[int64](),
	}

	// The server owns signature verification; we only read claims
	// for local bookkeeping, so an unverified parse is sufficient.
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err == nil {
		if claims.ExpiresAt != nil {
			cred.expiresAt = fn.Some(claims.ExpiresAt.Time)
		}
		if id, err := strconv.ParseInt(
			claims.Subject, 10, 64,
		); err == nil {
			cred.subject = fn.Some(id)
		}
	}

	return cred, nil
}

// UserID returns the numeric subject claim of a JWT token, if present.
func (c Credential) UserID() fn.Option[int64] {
	return c.subject
}

// Token returns the raw bearer token.
func (c Credential) Token() string {
	return c.token
}

// Expired reports whether the token's expiry claim, if present, has
// passed.
func (c Credential) Expired(now time.Time) bool {
	if c.expiresAt.IsNone() {
		return false
	}

	return now.After(c.expiresAt.UnwrapOr(time.Time{}))
}

// Header returns the connection headers carrying the credential. The
// token travels as a header rather than a query parameter so it never
// lands in access logs.
func (c Credential) Header() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+c.token)

	return h
}
