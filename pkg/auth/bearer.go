package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrInvalidToken is returned when a token is present but invalid.
	ErrInvalidToken = errors.New("invalid bearer token")

	// ErrMalformedAuthHeader is returned when the Authorization header format is wrong.
	ErrMalformedAuthHeader = errors.New("malformed authorization header")
)

// BearerTokenAuthenticator authenticates requests carrying a pre-shared
// bearer token, such as an EventBridge API destination connection.
type BearerTokenAuthenticator struct {
	token   []byte
	subject string
}

// NewBearerTokenAuthenticator creates a bearer token authenticator. With an
// empty token every request is reported as carrying no credentials.
func NewBearerTokenAuthenticator(token, subject string) *BearerTokenAuthenticator {
	a := &BearerTokenAuthenticator{subject: subject}
	if token != "" {
		a.token = []byte(token)
	}
	return a
}

// AuthenticateRequest implements Authenticator.
func (a *BearerTokenAuthenticator) AuthenticateRequest(r *http.Request) (*Identity, bool, error) {
	if len(a.token) == 0 {
		return nil, false, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, false, nil
	}
	provided, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || provided == "" {
		return nil, false, ErrMalformedAuthHeader
	}

	if subtle.ConstantTimeCompare([]byte(provided), a.token) != 1 {
		return nil, false, ErrInvalidToken
	}
	return &Identity{Subject: a.subject}, true, nil
}

// Enabled reports whether a token is configured.
func (a *BearerTokenAuthenticator) Enabled() bool {
	return len(a.token) > 0
}
