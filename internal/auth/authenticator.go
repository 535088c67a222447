package auth

import (
	"errors"
	"strings"
)

// ErrNoCredentials is returned when a request presents neither a bearer
// token nor an API key while auth is enabled.
var ErrNoCredentials = errors.New("auth: no credentials presented")

// Authenticator resolves request credentials to an Identity. With neither a
// JWT verifier nor API keys configured it is disabled (dev mode) and the
// caller identity comes from the request body instead.
type Authenticator struct {
	verifier *Verifier
	keys     *APIKeySet
}

func NewAuthenticator(verifier *Verifier, keys *APIKeySet) *Authenticator {
	return &Authenticator{verifier: verifier, keys: keys}
}

// Enabled reports whether any credential form is configured.
func (a *Authenticator) Enabled() bool {
	return a.verifier != nil || a.keys.Len() > 0
}

// Authenticate checks the Authorization and X-API-Key header values, in that
// order. A presented credential of a form that is not configured fails
// rather than falling through.
func (a *Authenticator) Authenticate(authorization, apiKey string) (*Identity, error) {
	if token, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		if a.verifier == nil {
			return nil, errors.New("auth: bearer tokens are not accepted")
		}
		return a.verifier.VerifyToken(strings.TrimSpace(token))
	}
	if apiKey != "" {
		if a.keys.Len() == 0 {
			DummyVerify()
			return nil, errors.New("auth: API keys are not accepted")
		}
		return a.keys.Verify(apiKey)
	}
	return nil, ErrNoCredentials
}
