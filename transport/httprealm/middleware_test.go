package httprealm_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/jwtrealm/internal/realm"
	"github.com/lllypuk/jwtrealm/transport/httprealm"
)

// stubAuthenticator is a minimal realm.JWTAuthenticator test double, local
// to this package since realm_test's spyAuthenticator is unexported.
type stubAuthenticator struct {
	calls atomic.Int64
	byRaw map[string]realm.ClaimsSet
}

func newStubAuthenticator() *stubAuthenticator {
	return &stubAuthenticator{byRaw: make(map[string]realm.ClaimsSet)}
}

func (s *stubAuthenticator) stub(raw string, claims realm.ClaimsSet) {
	s.byRaw[raw] = claims
}

func (s *stubAuthenticator) Authenticate(_ context.Context, raw []byte) (realm.ClaimsSet, error) {
	s.calls.Add(1)
	claims, ok := s.byRaw[string(raw)]
	if !ok {
		return nil, realm.ErrMalformed
	}
	return claims, nil
}

func (s *stubAuthenticator) FallbackClaimNames() map[string][]string { return nil }
func (s *stubAuthenticator) TokenType() string                       { return "jwt" }
func (s *stubAuthenticator) OnKeyRotate(func())                      {}
func (s *stubAuthenticator) Close() error                            { return nil }

func newTestRealm(t *testing.T, auth realm.JWTAuthenticator, opts ...realm.Option) *realm.Realm {
	t.Helper()
	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub", Groups: "groups"},
	}
	mapper := realm.NewClaimsRoleMapper(map[string][]string{"admins": {"admin"}}, "base")
	r, err := realm.New("jwt-http-test", cfg, auth, mapper, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Initialize(nil, false))
	return r
}

func claims(sub string, groups ...string) realm.ClaimsSet {
	anyGroups := make([]any, len(groups))
	for i, g := range groups {
		anyGroups[i] = g
	}
	return realm.ClaimsSet{
		"sub":    sub,
		"exp":    float64(time.Now().Add(5 * time.Minute).Unix()),
		"groups": anyGroups,
	}
}

func newTestEcho(r *realm.Realm) *echo.Echo {
	e := echo.New()
	e.Use(httprealm.Middleware(r, httprealm.Config{SkipPaths: []string{"/health"}}))
	e.GET("/whoami", func(c echo.Context) error {
		u, ok := httprealm.User(c)
		if !ok {
			return c.String(http.StatusInternalServerError, "no user in context")
		}
		return c.String(http.StatusOK, u.Principal)
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/admin", httprealm.RequireRole("admin")(func(c echo.Context) error {
		return c.String(http.StatusOK, "secret")
	}))
	return e
}

func TestMiddleware_MissingAuthorizationHeader(t *testing.T) {
	auth := newStubAuthenticator()
	r := newTestRealm(t, auth)
	e := newTestEcho(r)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestMiddleware_ValidBearerTokenPopulatesUser(t *testing.T) {
	auth := newStubAuthenticator()
	auth.stub("good-jwt", claims("alice", "admins"))
	r := newTestRealm(t, auth)
	e := newTestEcho(r)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-jwt")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestMiddleware_InvalidTokenRejected(t *testing.T) {
	auth := newStubAuthenticator()
	r := newTestRealm(t, auth)
	e := newTestEcho(r)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-known-token")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_SkipPathBypassesAuthentication(t *testing.T) {
	auth := newStubAuthenticator()
	r := newTestRealm(t, auth)
	e := newTestEcho(r)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), auth.calls.Load())
}

func TestMiddleware_RequireRoleRejectsMissingRole(t *testing.T) {
	auth := newStubAuthenticator()
	auth.stub("plain-jwt", claims("bob"))
	r := newTestRealm(t, auth)
	e := newTestEcho(r)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer plain-jwt")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddleware_RequireRoleAllowsMatchingRole(t *testing.T) {
	auth := newStubAuthenticator()
	auth.stub("admin-jwt", claims("carol", "admins"))
	r := newTestRealm(t, auth)
	e := newTestEcho(r)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer admin-jwt")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret", rec.Body.String())
}

func TestMiddleware_MalformedClientAuthHeaderRejected(t *testing.T) {
	auth := newStubAuthenticator()
	auth.stub("good-jwt", claims("dave"))
	r := newTestRealm(t, auth)
	e := newTestEcho(r)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good-jwt")
	req.Header.Set(httprealm.ClientAuthHeader, "garbage-scheme-no-prefix")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
