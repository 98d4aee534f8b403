// Package httprealm wires a realm.Realm into an echo HTTP server: it
// extracts the bearer token and optional client-authentication secret from
// a request, calls Authenticate, and enriches the echo context with the
// resulting user on success.
package httprealm

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/jwtrealm/internal/domain/errs"
	"github.com/lllypuk/jwtrealm/internal/realm"
)

// Header names. ClientAuthHeader mirrors Elasticsearch's
// ES-Client-Authentication sidecar header, generalized to this realm's own
// shared-secret scheme.
const (
	ClientAuthHeader   = "X-Client-Authentication"
	sharedSecretScheme = "SharedSecret"
)

type contextKey string

const contextKeyUser contextKey = "httprealm_user"

// Authenticator is the subset of *realm.Realm the middleware depends on.
type Authenticator interface {
	Authenticate(c echo.Context, token realm.AuthenticationToken) (realm.AuthenticationResult, error)
}

// realmAdapter narrows *realm.Realm to Authenticator without importing
// echo.Context into the realm package itself.
type realmAdapter struct{ r *realm.Realm }

func (a realmAdapter) Authenticate(c echo.Context, token realm.AuthenticationToken) (realm.AuthenticationResult, error) {
	return a.r.Authenticate(c.Request().Context(), token)
}

// Config holds configuration for the authentication middleware.
type Config struct {
	Logger *slog.Logger

	// SkipPaths are request paths that bypass authentication entirely.
	SkipPaths []string
}

// Middleware returns an echo.MiddlewareFunc that authenticates every
// request against r and, on success, stores the derived realm.User in the
// echo context for retrieval via User.
func Middleware(r *realm.Realm, cfg Config) echo.MiddlewareFunc {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	adapter := realmAdapter{r: r}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if _, ok := skip[path]; ok {
				return next(c)
			}

			token, err := tokenFromRequest(c.Request())
			if err != nil {
				return respondUnauthorized(c, err)
			}

			result, err := adapter.Authenticate(c, token)
			if err != nil {
				cfg.Logger.ErrorContext(c.Request().Context(), "authentication collaborator failed",
					slog.Any("error", err), slog.String("path", path))
				return respondUnauthorized(c, err)
			}

			if !result.IsSuccess() {
				cfg.Logger.WarnContext(c.Request().Context(), "authentication rejected",
					slog.String("message", result.Message), slog.String("path", path))
				return respondUnauthorized(c, result.Cause)
			}

			c.Set(string(contextKeyUser), result.User)

			return next(c)
		}
	}
}

// tokenFromRequest builds a realm.JWTAuthenticationToken from the standard
// Authorization header and the optional client-authentication header.
func tokenFromRequest(req *http.Request) (*realm.JWTAuthenticationToken, error) {
	const bearerPrefix = "Bearer "

	authHeader := req.Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return nil, fmt.Errorf("%w: missing or malformed authorization header", errs.ErrUnauthorized)
	}
	raw := strings.TrimPrefix(authHeader, bearerPrefix)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty bearer token", errs.ErrUnauthorized)
	}

	token := &realm.JWTAuthenticationToken{
		DisplayPrincipal: displayPrincipal(raw),
		SerializedJWT:    []byte(raw),
	}

	if clientHeader := req.Header.Get(ClientAuthHeader); clientHeader != "" {
		secret, ok := parseSharedSecret(clientHeader)
		if !ok {
			return nil, fmt.Errorf("%w: malformed client-authentication header", errs.ErrUnauthorized)
		}
		token.Secret = secret
		token.HasSecret = true
	}

	return token, nil
}

func parseSharedSecret(header string) (string, bool) {
	const prefix = sharedSecretScheme + " "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	secret := strings.TrimPrefix(header, prefix)
	if secret == "" {
		return "", false
	}
	return secret, true
}

// displayPrincipal returns a redacted, log-safe stand-in for the raw JWT: a
// short prefix only, never the full credential.
func displayPrincipal(raw string) string {
	const previewLen = 12
	if len(raw) <= previewLen {
		return raw
	}
	return raw[:previewLen] + "..."
}

func respondUnauthorized(c echo.Context, cause error) error {
	message := "authentication required"
	switch {
	case cause == nil:
	case errors.Is(cause, errs.ErrUnauthorized):
		message = cause.Error()
	case errors.Is(cause, realm.ErrExpired):
		message = "token expired"
	case errors.Is(cause, realm.ErrSecretMismatch), errors.Is(cause, realm.ErrMissingSecret):
		message = "client authentication failed"
	case errors.Is(cause, realm.ErrAlgorithmNotAllowed), errors.Is(cause, realm.ErrInvalidSignature):
		message = "invalid token"
	}

	return c.JSON(http.StatusUnauthorized, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    "UNAUTHORIZED",
			"message": message,
		},
	})
}

// User extracts the authenticated realm.User from the echo context.
// Callers must only invoke this after Middleware has run.
func User(c echo.Context) (realm.User, bool) {
	u, ok := c.Get(string(contextKeyUser)).(realm.User)
	return u, ok
}

// HasRole reports whether the authenticated user carries role.
func HasRole(c echo.Context, role string) bool {
	u, ok := User(c)
	if !ok {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole returns a middleware that rejects requests whose
// authenticated user lacks role. It must run after Middleware.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(c, role) {
				return c.JSON(http.StatusForbidden, map[string]any{
					"success": false,
					"error": map[string]string{
						"code":    "FORBIDDEN",
						"message": errs.ErrForbidden.Error(),
					},
				})
			}
			return next(c)
		}
	}
}
