package realm_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/jwtrealm/internal/realm"
)

// spyAuthenticator is a test double for realm.JWTAuthenticator: it never
// touches a real JWKS endpoint and counts how many times Authenticate runs,
// so tests can assert on cache-hit behavior.
type spyAuthenticator struct {
	calls atomic.Int64
	byRaw map[string]spyResult
	hooks []func()
}

type spyResult struct {
	claims realm.ClaimsSet
	err    error
}

func newSpyAuthenticator() *spyAuthenticator {
	return &spyAuthenticator{byRaw: make(map[string]spyResult)}
}

func (s *spyAuthenticator) stub(raw string, claims realm.ClaimsSet, err error) {
	s.byRaw[raw] = spyResult{claims: claims, err: err}
}

func (s *spyAuthenticator) Authenticate(_ context.Context, raw []byte) (realm.ClaimsSet, error) {
	s.calls.Add(1)
	res, ok := s.byRaw[string(raw)]
	if !ok {
		return nil, realm.ErrMalformed
	}
	return res.claims, res.err
}

func (s *spyAuthenticator) FallbackClaimNames() map[string][]string { return nil }
func (s *spyAuthenticator) TokenType() string                       { return "jwt" }
func (s *spyAuthenticator) OnKeyRotate(hook func())                 { s.hooks = append(s.hooks, hook) }
func (s *spyAuthenticator) rotate() {
	for _, h := range s.hooks {
		h()
	}
}
func (s *spyAuthenticator) Close() error { return nil }

func newTestRealm(t *testing.T, cfg realm.Config, auth realm.JWTAuthenticator, opts ...realm.Option) *realm.Realm {
	t.Helper()
	mapper := realm.NewClaimsRoleMapper(nil, "base")
	r, err := realm.New("jwt-test", cfg, auth, mapper, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Initialize(nil, false))
	return r
}

func tokenFor(raw string) *realm.JWTAuthenticationToken {
	return &realm.JWTAuthenticationToken{DisplayPrincipal: "test", SerializedJWT: []byte(raw)}
}

func claimsWithExpiry(sub string, exp time.Time, extra realm.ClaimsSet) realm.ClaimsSet {
	claims := realm.ClaimsSet{"sub": sub, "exp": float64(exp.Unix())}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

// S1: happy path.
func TestRealm_Authenticate_HappyPath(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-alice", claimsWithExpiry("alice", time.Now().Add(5*time.Minute), realm.ClaimsSet{
		"groups": []any{"g1"},
	}), nil)

	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub", Groups: "groups"},
	}
	r := newTestRealm(t, cfg, auth)

	stats, err := r.UsageStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["jwt.cache"].(map[string]any)["size"])

	result, err := r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	assert.Equal(t, "alice", result.User.Principal)
	assert.True(t, result.User.Enabled)

	stats, err = r.UsageStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["jwt.cache"].(map[string]any)["size"])
}

// S2 / invariant 1: cache hit avoids re-verifying the JWT.
func TestRealm_Authenticate_CacheHitSkipsReverification(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-alice", claimsWithExpiry("alice", time.Now().Add(5*time.Minute), nil), nil)

	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub"},
	}
	r := newTestRealm(t, cfg, auth)

	first, err := r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)
	require.True(t, first.IsSuccess())

	second, err := r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)
	require.True(t, second.IsSuccess())

	assert.Equal(t, first.User, second.User)
	assert.Equal(t, int64(1), auth.calls.Load())
}

// S3: bad client secret short-circuits before JWT validation.
func TestRealm_Authenticate_BadClientSecretSkipsJWTValidation(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-alice", claimsWithExpiry("alice", time.Now().Add(5*time.Minute), nil), nil)

	cfg := realm.Config{
		ClientAuthType:         realm.ClientAuthSharedSecret,
		ClientAuthSharedSecret: "S3cr3t",
		CacheTTL:               10 * time.Minute,
		CacheMaxSize:           100,
		Claims:                 realm.ClaimNames{Principal: "sub"},
	}
	r := newTestRealm(t, cfg, auth)

	token := tokenFor("jwt-alice")
	token.Secret = "wrong"
	token.HasSecret = true

	result, err := r.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, result.IsSuccess())
	assert.Contains(t, result.Message, "client authentication")
	assert.Equal(t, int64(0), auth.calls.Load())

	stats, err := r.UsageStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["jwt.cache"].(map[string]any)["size"])
}

// S4 / invariant 2: expired tokens are rejected even with cache enabled, and
// never populate or consult a masking cache entry.
func TestRealm_Authenticate_ExpiredTokenNeverSucceeds(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-expired", nil, realm.ErrExpired)

	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub"},
	}
	r := newTestRealm(t, cfg, auth)

	result, err := r.Authenticate(context.Background(), tokenFor("jwt-expired"))
	require.NoError(t, err)
	assert.False(t, result.IsSuccess())

	stats, err := r.UsageStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["jwt.cache"].(map[string]any)["size"])
}

// S5: delegated authorization is consulted on miss and again (with the
// cached principal) on hit, bypassing JWT re-verification.
func TestRealm_Authenticate_DelegatedAuthorizationOnHitAndMiss(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-bob", claimsWithExpiry("bob", time.Now().Add(5*time.Minute), nil), nil)

	delegated := stubDelegation{resolved: map[string]*realm.User{
		"bob": {Principal: "bob-prime", Roles: []string{"delegated"}},
	}}

	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub"},
	}
	r := newTestRealm(t, cfg, auth, realm.WithDelegationFactory(func([]string, bool) realm.DelegatedAuthorization {
		return delegated
	}))

	first, err := r.Authenticate(context.Background(), tokenFor("jwt-bob"))
	require.NoError(t, err)
	require.True(t, first.IsSuccess())
	assert.Equal(t, "bob-prime", first.User.Principal)

	second, err := r.Authenticate(context.Background(), tokenFor("jwt-bob"))
	require.NoError(t, err)
	require.True(t, second.IsSuccess())
	assert.Equal(t, "bob-prime", second.User.Principal)

	assert.Equal(t, int64(1), auth.calls.Load())
}

// invariant 5: expire(p) removes exactly the entries for principal p.
func TestRealm_Expire_RemovesOnlyMatchingPrincipal(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-alice", claimsWithExpiry("alice", time.Now().Add(5*time.Minute), nil), nil)
	auth.stub("jwt-bob", claimsWithExpiry("bob", time.Now().Add(5*time.Minute), nil), nil)

	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub"},
	}
	r := newTestRealm(t, cfg, auth)

	_, err := r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)
	_, err = r.Authenticate(context.Background(), tokenFor("jwt-bob"))
	require.NoError(t, err)

	r.Expire("alice")

	second, err := r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)
	require.True(t, second.IsSuccess())

	assert.Equal(t, int64(3), auth.calls.Load()) // alice re-verified, bob stayed cached

	third, err := r.Authenticate(context.Background(), tokenFor("jwt-bob"))
	require.NoError(t, err)
	require.True(t, third.IsSuccess())
	assert.Equal(t, int64(3), auth.calls.Load())
}

// invariant 6: expireAll empties the cache and forces re-verification.
func TestRealm_ExpireAll_ForcesReverification(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-alice", claimsWithExpiry("alice", time.Now().Add(5*time.Minute), nil), nil)

	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub"},
	}
	r := newTestRealm(t, cfg, auth)

	_, err := r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)

	r.ExpireAll(context.Background())

	stats, err := r.UsageStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["jwt.cache"].(map[string]any)["size"])

	_, err = r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), auth.calls.Load())
}

func TestRealm_Authenticate_RejectsUnsupportedTokenType(t *testing.T) {
	auth := newSpyAuthenticator()
	cfg := realm.Config{Claims: realm.ClaimNames{Principal: "sub"}}
	r := newTestRealm(t, cfg, auth)

	type otherToken struct{ realm.AuthenticationToken }
	result, err := r.Authenticate(context.Background(), otherToken{})
	require.NoError(t, err)
	assert.False(t, result.IsSuccess())
}

func TestRealm_Initialize_SecondCallErrors(t *testing.T) {
	auth := newSpyAuthenticator()
	mapper := realm.NewClaimsRoleMapper(nil)
	r, err := realm.New("jwt-test", realm.Config{Claims: realm.ClaimNames{Principal: "sub"}}, auth, mapper)
	require.NoError(t, err)

	require.NoError(t, r.Initialize(nil, false))
	err = r.Initialize(nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, realm.ErrAlreadyInitialized)
}

func TestRealm_LookupUser_AlwaysNotFound(t *testing.T) {
	auth := newSpyAuthenticator()
	r := newTestRealm(t, realm.Config{Claims: realm.ClaimNames{Principal: "sub"}}, auth)

	_, err := r.LookupUser(context.Background(), "anyone")
	require.Error(t, err)
	assert.ErrorIs(t, err, realm.ErrUserNotFound)
}

func TestRealm_KeyRotationHookInvalidatesCache(t *testing.T) {
	auth := newSpyAuthenticator()
	auth.stub("jwt-alice", claimsWithExpiry("alice", time.Now().Add(5*time.Minute), nil), nil)

	cfg := realm.Config{
		CacheTTL:     10 * time.Minute,
		CacheMaxSize: 100,
		Claims:       realm.ClaimNames{Principal: "sub"},
	}
	r := newTestRealm(t, cfg, auth)

	_, err := r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)

	auth.rotate()

	_, err = r.Authenticate(context.Background(), tokenFor("jwt-alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), auth.calls.Load())
}
