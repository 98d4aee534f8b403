package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default JWT authenticator tuning.
const (
	DefaultAllowedClockSkew    = 30 * time.Second
	DefaultJWKSRefreshInterval = 1 * time.Hour
)

// KeySource resolves the signing key for a parsed-but-unverified token. It
// is satisfied by *JWKSSource.
type KeySource interface {
	Keyfunc(token *jwt.Token) (any, error)
	OnRotate(hook func())
	Close() error
}

// JWTAuthenticator verifies a serialized JWT's signature and standard
// temporal/identity claims.
type JWTAuthenticator interface {
	// Authenticate parses and verifies raw, returning its claims set.
	Authenticate(ctx context.Context, raw []byte) (ClaimsSet, error)

	// FallbackClaimNames returns the alias map ClaimParsers use to resolve
	// standard-claim fallbacks (e.g. "principal" -> ["sub", "upn"]).
	FallbackClaimNames() map[string][]string

	// TokenType is a short tag surfaced in user metadata as
	// jwt_token_type.
	TokenType() string

	// OnKeyRotate registers a hook invoked exactly once per observed
	// key-material change (JWKS refresh replacing a key, or a symmetric
	// key reconfiguration).
	OnKeyRotate(hook func())

	// Close releases the JWKS HTTP client and cancels refresh timers.
	Close() error
}

// JWTAuthenticatorConfig configures the default JWTAuthenticator
// implementation.
type JWTAuthenticatorConfig struct {
	// Algorithms lists the JWS algorithms accepted (e.g. "RS256", "HS256").
	Algorithms []string

	// Issuer is the required iss claim value.
	Issuer string

	// Audiences is the set the token's aud claim must intersect.
	Audiences []string

	// AllowedClockSkew tolerates clock drift on exp/nbf boundaries.
	AllowedClockSkew time.Duration

	// HMACSecrets are symmetric keys tried, in order, for HS* algorithms.
	// Multiple secrets support rotation without a deploy-time cutover.
	HMACSecrets [][]byte

	// Keys resolves asymmetric keys, typically a *JWKSSource. Optional.
	Keys KeySource

	// TokenType tags this authenticator's tokens (default "jwt").
	TokenType string

	// FallbackClaims is the alias map standard claim parsers fall back to.
	FallbackClaims map[string][]string

	Logger *slog.Logger
}

type jwtAuthenticator struct {
	cfg    JWTAuthenticatorConfig
	logger *slog.Logger

	mu       sync.RWMutex
	onRotate []func()
}

// NewJWTAuthenticator constructs a JWTAuthenticator. At least one of
// HMACSecrets or Keys must be configured.
func NewJWTAuthenticator(cfg JWTAuthenticatorConfig) (JWTAuthenticator, error) {
	if len(cfg.Algorithms) == 0 {
		return nil, fmt.Errorf("%w: at least one algorithm must be configured", ErrConfiguration)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrConfiguration)
	}
	if len(cfg.HMACSecrets) == 0 && cfg.Keys == nil {
		return nil, fmt.Errorf("%w: either HMACSecrets or Keys must be configured", ErrConfiguration)
	}
	if cfg.AllowedClockSkew < 0 {
		cfg.AllowedClockSkew = DefaultAllowedClockSkew
	}
	if cfg.TokenType == "" {
		cfg.TokenType = "jwt"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &jwtAuthenticator{cfg: cfg, logger: cfg.Logger}
	if cfg.Keys != nil {
		cfg.Keys.OnRotate(a.notifyRotate)
	}
	return a, nil
}

func (a *jwtAuthenticator) Authenticate(_ context.Context, raw []byte) (ClaimsSet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.AllowedClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
	}

	token, err := jwt.Parse(string(raw), a.keyFunc, opts...)
	if err != nil {
		return nil, a.classifyError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidSignature
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrMalformed)
	}

	if err := a.checkAudience(claims); err != nil {
		return nil, err
	}

	return ClaimsSet(claims), nil
}

func (a *jwtAuthenticator) keyFunc(token *jwt.Token) (any, error) {
	alg := token.Method.Alg()
	if !contains(a.cfg.Algorithms, alg) {
		return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, alg)
	}

	if isHMACAlg(alg) {
		if len(a.cfg.HMACSecrets) == 0 {
			return nil, fmt.Errorf("%w: no HMAC secret configured for %s", ErrNoKeySource, alg)
		}
		// golang-jwt only tries the one key returned here, so to support
		// several secrets (rotation) resolveHMACKey verifies each
		// configured secret itself and returns the first that matches.
		return a.resolveHMACKey(token)
	}

	if a.cfg.Keys == nil {
		return nil, fmt.Errorf("%w: no asymmetric key source configured for %s", ErrNoKeySource, alg)
	}
	return a.cfg.Keys.Keyfunc(token)
}

// resolveHMACKey picks the first configured secret whose signature
// verifies. golang-jwt calls the Keyfunc once and verifies the signature
// itself against the returned key, so to support multiple candidate
// secrets (rotation) we verify candidates here and hand back whichever one
// succeeds.
func (a *jwtAuthenticator) resolveHMACKey(token *jwt.Token) (any, error) {
	signingString, err := token.SigningString()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	for _, secret := range a.cfg.HMACSecrets {
		if verifyHMAC(token.Method, signingString, token.Signature, secret) {
			return secret, nil
		}
	}
	return nil, fmt.Errorf("%w: no configured HMAC secret matches", ErrInvalidSignature)
}

func verifyHMAC(method jwt.SigningMethod, signingString string, signature []byte, secret []byte) bool {
	return method.Verify(signingString, signature, secret) == nil
}

func isHMACAlg(alg string) bool {
	switch alg {
	case "HS256", "HS384", "HS512":
		return true
	default:
		return false
	}
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func (a *jwtAuthenticator) checkAudience(claims jwt.MapClaims) error {
	if len(a.cfg.Audiences) == 0 {
		return nil
	}

	tokenAuds, err := claims.GetAudience()
	if err != nil || len(tokenAuds) == 0 {
		return fmt.Errorf("%w: token has no audience claim", ErrAudienceMismatch)
	}

	configured := make(map[string]struct{}, len(a.cfg.Audiences))
	for _, aud := range a.cfg.Audiences {
		configured[aud] = struct{}{}
	}
	for _, aud := range tokenAuds {
		if _, ok := configured[aud]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: token audiences %v do not intersect configured %v", ErrAudienceMismatch, tokenAuds, a.cfg.Audiences)
}

// classifyError maps golang-jwt/v5 sentinel errors to this package's error
// kinds.
func (a *jwtAuthenticator) classifyError(err error) error {
	switch {
	case errors.Is(err, ErrAlgorithmNotAllowed):
		return fmt.Errorf("%w: %w", ErrAlgorithmNotAllowed, err)
	case errors.Is(err, ErrNoKeySource):
		return fmt.Errorf("%w: %w", ErrNoKeySource, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %w", ErrNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %w", ErrIssuerMismatch, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %w", ErrAudienceMismatch, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
}

func (a *jwtAuthenticator) FallbackClaimNames() map[string][]string {
	return a.cfg.FallbackClaims
}

func (a *jwtAuthenticator) TokenType() string { return a.cfg.TokenType }

func (a *jwtAuthenticator) OnKeyRotate(hook func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRotate = append(a.onRotate, hook)
}

func (a *jwtAuthenticator) notifyRotate() {
	a.mu.RLock()
	hooks := append([]func(){}, a.onRotate...)
	a.mu.RUnlock()

	for _, hook := range hooks {
		hook()
	}
}

func (a *jwtAuthenticator) Close() error {
	if a.cfg.Keys != nil {
		return a.cfg.Keys.Close()
	}
	return nil
}
