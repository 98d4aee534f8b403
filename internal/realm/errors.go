package realm

import "errors"

// Configuration errors (construction-time, fatal to the realm factory).
var (
	ErrConfiguration = errors.New("invalid realm configuration")
)

// Lifecycle / invariant errors.
var (
	ErrUninitialized      = errors.New("realm used before initialize")
	ErrAlreadyInitialized = errors.New("realm already initialized")
)

// Token-shape and client-authentication errors.
var (
	ErrUnsupportedTokenType = errors.New("token type not supported by this realm")
	ErrMissingSecret        = errors.New("client authentication secret required")
	ErrSecretMismatch       = errors.New("client authentication secret mismatch")
	ErrUnexpectedSecret     = errors.New("client authentication secret not expected")
)

// JWT validation errors. Each wraps the underlying library
// error so callers can still errors.Is against e.g. jwt.ErrTokenExpired.
var (
	ErrAlgorithmNotAllowed = errors.New("jwt algorithm not allowed")
	ErrInvalidSignature    = errors.New("jwt signature invalid")
	ErrIssuerMismatch      = errors.New("jwt issuer mismatch")
	ErrAudienceMismatch    = errors.New("jwt audience mismatch")
	ErrExpired             = errors.New("jwt expired")
	ErrNotYetValid         = errors.New("jwt not yet valid")
	ErrMalformed           = errors.New("jwt malformed")
	ErrNoKeySource         = errors.New("no signing key source configured")
)

// Claim extraction errors.
var (
	ErrClaimShape     = errors.New("claim has unexpected shape")
	ErrMissingClaim   = errors.New("no principal claim present")
)

// Authorization-branch errors.
var (
	ErrDelegationNotConfigured = errors.New("delegated authorization not configured")
	ErrUserNotFound            = errors.New("user not found")
)
