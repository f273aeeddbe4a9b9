// Package auth implements the authentication layer of spec.md §6:
// bearer-token identification of the caller's owner scope, with an
// anonymous development-mode header fallback.
package auth

import (
	"net/http"
	"strings"

	"github.com/baysh/bay/internal/apierr"
)

// Authenticator resolves the owner scope for an inbound request.
type Authenticator interface {
	Authenticate(r *http.Request) (owner string, err error)
}

// StaticToken authenticates a single configured bearer token, mapping it
// to a single owner. Production deployments with more than one caller
// should replace this with a token-issuing identity provider; this is
// the minimal bearer scheme spec.md §6 describes.
type StaticToken struct {
	Token string
	Owner string
}

func (s StaticToken) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apierr.New(apierr.Unauthorized, "missing bearer token")
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" || token != s.Token {
		return "", apierr.New(apierr.Unauthorized, "invalid bearer token")
	}
	return s.Owner, nil
}

// DevHeaderFallback derives owner straight from a header, for local
// development without a token (spec.md §6 "an anonymous development mode
// may set owner from a header").
type DevHeaderFallback struct {
	HeaderName   string
	DefaultOwner string
}

func (d DevHeaderFallback) Authenticate(r *http.Request) (string, error) {
	owner := r.Header.Get(d.HeaderName)
	if owner == "" {
		owner = d.DefaultOwner
	}
	if owner == "" {
		return "", apierr.New(apierr.Unauthorized, "no owner could be derived from the request")
	}
	return owner, nil
}

// Chain tries each Authenticator in order, returning the first success.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (string, error) {
	var lastErr error
	for _, a := range c {
		owner, err := a.Authenticate(r)
		if err == nil {
			return owner, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = apierr.New(apierr.Unauthorized, "no authenticator configured")
	}
	return "", lastErr
}
