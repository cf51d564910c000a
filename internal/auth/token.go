// Package auth verifies the shared-secret access tokens used by the
// home-server Application Service protocol (spec §6.1): a single static
// token compared by the HTTP frontend, not a signed/issued credential.
package auth

import (
	"crypto/subtle"
	"errors"
)

// ErrMissingToken indicates the request carried no access_token at all.
var ErrMissingToken = errors.New("auth: access_token missing")

// ErrInvalidToken indicates the request's access_token did not match.
var ErrInvalidToken = errors.New("auth: access_token incorrect")

// Verifier checks inbound requests against the configured hs_access_token.
type Verifier struct {
	token string
}

// NewVerifier builds a Verifier bound to the configured hs_access_token.
func NewVerifier(token string) *Verifier {
	return &Verifier{token: token}
}

// Verify checks a token extracted from a request's ?access_token= query
// parameter. An empty token string is always rejected as missing.
func (v *Verifier) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
