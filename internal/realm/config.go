package realm

import (
	"fmt"
	"time"
)

// ClaimNames configures the five claim-parser descriptors.
type ClaimNames struct {
	Principal string
	Groups    string
	DN        string
	Mail      string
	Name      string
}

// Config is the realm's immutable-after-construction configuration.
type Config struct {
	AllowedClockSkew time.Duration

	PopulateUserMetadata bool

	ClientAuthType         ClientAuthScheme
	ClientAuthSharedSecret string

	CacheTTL     time.Duration
	CacheMaxSize int

	Claims ClaimNames
}

// Validate checks field-level invariants. It does not build collaborators
// (ClaimParser/ClientAuthenticator construction does its own validation
// when New is called).
func (c Config) Validate() error {
	if c.AllowedClockSkew < 0 {
		return fmt.Errorf("%w: allowed_clock_skew must not be negative", ErrConfiguration)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("%w: jwt.cache.ttl must not be negative", ErrConfiguration)
	}
	if c.CacheMaxSize < 0 {
		return fmt.Errorf("%w: jwt.cache.size must not be negative", ErrConfiguration)
	}
	switch c.ClientAuthType {
	case ClientAuthNone, ClientAuthSharedSecret:
	default:
		return fmt.Errorf("%w: unknown client_authentication.type %q", ErrConfiguration, c.ClientAuthType)
	}
	return nil
}
