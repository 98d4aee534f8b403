package realm

import (
	"crypto/subtle"
	"fmt"
)

// ClientAuthScheme selects the sidecar client-authentication check.
type ClientAuthScheme string

// Supported client-authentication schemes.
const (
	ClientAuthNone         ClientAuthScheme = "none"
	ClientAuthSharedSecret ClientAuthScheme = "shared_secret"
)

// ClientAuthenticator validates the sidecar client credential. It never
// reveals the configured secret in its error messages.
type ClientAuthenticator struct {
	scheme           ClientAuthScheme
	configuredSecret string
}

// NewClientAuthenticator validates the scheme/secret pairing at
// construction time.
func NewClientAuthenticator(scheme ClientAuthScheme, configuredSecret string) (*ClientAuthenticator, error) {
	switch scheme {
	case ClientAuthNone:
		// configuredSecret is ignored.
	case ClientAuthSharedSecret:
		if configuredSecret == "" {
			return nil, fmt.Errorf("%w: client_authentication.shared_secret is required for scheme %q", ErrConfiguration, scheme)
		}
	default:
		return nil, fmt.Errorf("%w: unknown client_authentication.type %q", ErrConfiguration, scheme)
	}

	return &ClientAuthenticator{scheme: scheme, configuredSecret: configuredSecret}, nil
}

// Authenticate validates the presented secret against the configured
// scheme. presented/ok mirror AuthenticationToken.ClientSecret.
func (a *ClientAuthenticator) Authenticate(presented string, ok bool) error {
	switch a.scheme {
	case ClientAuthNone:
		if ok && presented != "" {
			return ErrUnexpectedSecret
		}
		return nil
	case ClientAuthSharedSecret:
		if !ok || presented == "" {
			return ErrMissingSecret
		}
		if !constantTimeEqual(presented, a.configuredSecret) {
			return ErrSecretMismatch
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown client_authentication.type %q", ErrConfiguration, a.scheme)
	}
}

// constantTimeEqual compares two strings without leaking their content
// through timing.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
