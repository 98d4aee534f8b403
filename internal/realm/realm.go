package realm

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// InvalidationBus lets a Realm's cache invalidation fan out beyond this
// process (e.g. to replicas sharing the same JWKS-backed JWTAuthenticator).
// A nil bus is treated as a local-only no-op.
type InvalidationBus interface {
	PublishExpireAll(ctx context.Context) error
	PublishStats(ctx context.Context, stats map[string]any) error
}

// DelegationFactory builds the DelegatedAuthorization collaborator at
// Initialize time, from the set of all configured realm names and the
// current license state.
type DelegationFactory func(allRealms []string, licensed bool) DelegatedAuthorization

// Realm is the public entry point for this package: the pluggable JWT
// bearer-token identity provider.
type Realm struct {
	name   string
	config Config
	logger *slog.Logger

	jwtAuth    JWTAuthenticator
	cache      *Cache
	clientAuth *ClientAuthenticator
	roleMapper RoleMapper
	bus        InvalidationBus

	principalParser *ClaimParser
	groupsParser    *ClaimParser
	dnParser        *ClaimParser
	mailParser      *ClaimParser
	nameParser      *ClaimParser

	delegationFactory DelegationFactory
	delegated         atomic.Pointer[DelegatedAuthorization]

	initialized atomic.Bool
}

// New constructs a Realm from its configuration and collaborators.
// Construction validates settings and builds the five claim parsers; it
// does not yet accept authenticate calls — Initialize must run first.
func New(name string, cfg Config, jwtAuth JWTAuthenticator, roleMapper RoleMapper, opts ...Option) (*Realm, error) {
	if cfg.ClientAuthType == "" {
		cfg.ClientAuthType = ClientAuthNone
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if jwtAuth == nil {
		return nil, fmt.Errorf("%w: a JWTAuthenticator is required", ErrConfiguration)
	}
	if roleMapper == nil {
		return nil, fmt.Errorf("%w: a RoleMapper is required", ErrConfiguration)
	}

	clientAuth, err := NewClientAuthenticator(cfg.ClientAuthType, cfg.ClientAuthSharedSecret)
	if err != nil {
		return nil, err
	}

	fallback := jwtAuth.FallbackClaimNames()

	principalParser, err := NewClaimParser("claims.principal", cfg.Claims.Principal, fallback["principal"], true)
	if err != nil {
		return nil, err
	}
	groupsParser, err := NewClaimParser("claims.groups", cfg.Claims.Groups, fallback["groups"], false)
	if err != nil {
		return nil, err
	}
	dnParser, err := NewClaimParser("claims.dn", cfg.Claims.DN, fallback["dn"], false)
	if err != nil {
		return nil, err
	}
	mailParser, err := NewClaimParser("claims.mail", cfg.Claims.Mail, fallback["mail"], false)
	if err != nil {
		return nil, err
	}
	nameParser, err := NewClaimParser("claims.name", cfg.Claims.Name, fallback["name"], false)
	if err != nil {
		return nil, err
	}

	r := &Realm{
		name:              name,
		config:            cfg,
		logger:            slog.Default(),
		jwtAuth:           jwtAuth,
		cache:             NewCache(cfg.CacheTTL, cfg.CacheMaxSize),
		clientAuth:        clientAuth,
		roleMapper:        roleMapper,
		principalParser:   principalParser,
		groupsParser:      groupsParser,
		dnParser:          dnParser,
		mailParser:        mailParser,
		nameParser:        nameParser,
		delegationFactory: func([]string, bool) DelegatedAuthorization { return NoDelegation },
	}
	noDelegation := DelegatedAuthorization(NoDelegation)
	r.delegated.Store(&noDelegation)

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Option configures optional Realm collaborators.
type Option func(*Realm)

// WithLogger overrides the default slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Realm) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithInvalidationBus wires a cross-process invalidation bus.
func WithInvalidationBus(bus InvalidationBus) Option {
	return func(r *Realm) { r.bus = bus }
}

// WithDelegationFactory overrides how DelegatedAuthorization is built at
// Initialize time. Default always yields NoDelegation.
func WithDelegationFactory(factory DelegationFactory) Option {
	return func(r *Realm) {
		if factory != nil {
			r.delegationFactory = factory
		}
	}
}

// Initialize wires delegated authorization and registers this realm's
// cache-invalidation hook with the JWT authenticator's key-rotation
// notifications. It must be called exactly once before Authenticate,
// Expire, ExpireAll, LookupUser, or UsageStats; a second call is an error.
func (r *Realm) Initialize(allRealms []string, licensed bool) error {
	if !r.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	delegated := r.delegationFactory(allRealms, licensed)
	if delegated == nil {
		delegated = NoDelegation
	}
	r.delegated.Store(&delegated)

	r.jwtAuth.OnKeyRotate(func() { r.ExpireAll(context.Background()) })

	return nil
}

func (r *Realm) requireInitialized() {
	if !r.initialized.Load() {
		panic(fmt.Sprintf("jwtrealm: realm %q used before Initialize: %v", r.name, ErrUninitialized))
	}
}

// Authenticate is the realm's core entry point. The returned
// AuthenticationResult covers success and unsuccessful outcomes;
// a non-nil error return means an infrastructure collaborator (delegated
// authorization or the role mapper) failed and should be treated as a
// listener failure, not an authentication rejection.
func (r *Realm) Authenticate(ctx context.Context, token AuthenticationToken) (AuthenticationResult, error) {
	jwtToken, ok := token.(*JWTAuthenticationToken)
	if !ok {
		return Unsuccessful("does not support token type", ErrUnsupportedTokenType), nil
	}

	r.requireInitialized()

	secret, hasSecret := jwtToken.ClientSecret()
	if err := r.clientAuth.Authenticate(secret, hasSecret); err != nil {
		return Unsuccessful("client authentication failed", err), nil
	}

	var fingerprint Fingerprint
	cacheEnabled := r.cache.Enabled()
	if cacheEnabled {
		fingerprint = ComputeFingerprint(jwtToken.Raw())
		if cached, hit := r.cache.Get(fingerprint); hit {
			return r.resolveFromCache(ctx, cached)
		}
	}

	claims, err := r.jwtAuth.Authenticate(ctx, jwtToken.Raw())
	if err != nil {
		r.logger.Debug("jwt validation failed", slog.String("realm", r.name), slog.Any("error", err))
		return Unsuccessful("jwt validation failed", err), nil
	}

	principal, err := r.principalParser.GetClaimValue(claims)
	if err != nil {
		return Unsuccessful("invalid principal claim", err), nil
	}
	if principal == "" {
		return Unsuccessful("no principal claim present", ErrMissingClaim), nil
	}

	user, err := r.resolveUser(ctx, principal, claims)
	if err != nil {
		return AuthenticationResult{}, err
	}

	if cacheEnabled {
		r.insertCache(fingerprint, user, claims)
	}

	return Success(user), nil
}

func (r *Realm) resolveFromCache(ctx context.Context, cached ExpiringUser) (AuthenticationResult, error) {
	delegated := *r.delegated.Load()
	if delegated.HasDelegation() {
		user, err := delegated.Resolve(ctx, cached.User.Principal)
		if err != nil {
			return AuthenticationResult{}, fmt.Errorf("delegated authorization: %w", err)
		}
		return Success(*user), nil
	}
	return Success(cached.User), nil
}

func (r *Realm) resolveUser(ctx context.Context, principal string, claims ClaimsSet) (User, error) {
	delegated := *r.delegated.Load()
	if delegated.HasDelegation() {
		user, err := delegated.Resolve(ctx, principal)
		if err != nil {
			return User{}, fmt.Errorf("delegated authorization: %w", err)
		}
		return *user, nil
	}

	groups, err := r.groupsParser.GetClaimValues(claims)
	if err != nil {
		return User{}, fmt.Errorf("groups claim: %w", err)
	}
	dn, err := r.dnParser.GetClaimValue(claims)
	if err != nil {
		return User{}, fmt.Errorf("dn claim: %w", err)
	}
	mail, err := r.mailParser.GetClaimValue(claims)
	if err != nil {
		return User{}, fmt.Errorf("mail claim: %w", err)
	}
	name, err := r.nameParser.GetClaimValue(claims)
	if err != nil {
		return User{}, fmt.Errorf("name claim: %w", err)
	}

	metadata := BuildMetadata(claims, r.jwtAuth.TokenType(), r.config.PopulateUserMetadata)

	roles, err := r.roleMapper.MapRoles(ctx, principal, dn, groups, metadata)
	if err != nil {
		return User{}, fmt.Errorf("role mapping: %w", err)
	}

	return User{
		Principal: principal,
		Roles:     roles,
		FullName:  name,
		Email:     mail,
		Metadata:  metadata,
		Enabled:   true,
	}, nil
}

func (r *Realm) insertCache(fingerprint Fingerprint, user User, claims ClaimsSet) {
	exp, ok := claims.Exp()
	if !ok {
		r.logger.Warn("cache insert skipped: validated token had no exp claim", slog.String("realm", r.name))
		return
	}
	adjusted := exp.Add(r.config.AllowedClockSkew)
	r.cache.Put(fingerprint, ExpiringUser{User: user, AdjustedExpiry: adjusted})
}

// AuthenticateAsync runs Authenticate on a new goroutine and reports the
// outcome to listener exactly once, for callers that want a
// callback-continuation shape instead of a direct blocking call.
func (r *Realm) AuthenticateAsync(ctx context.Context, token AuthenticationToken, listener Listener) {
	go func() {
		result, err := r.Authenticate(ctx, token)
		if err != nil {
			listener.OnFailure(err)
			return
		}
		listener.OnResponse(result)
	}()
}

// Expire removes every cache entry whose cached user's principal equals
// principal. A no-op when the cache is disabled.
func (r *Realm) Expire(principal string) {
	r.requireInitialized()
	r.cache.RemoveIf(func(u ExpiringUser) bool { return u.User.Principal == principal })
}

// ExpireAll invalidates the entire cache. It is the hook the JWT
// authenticator calls on key rotation, and it never propagates an error to
// its caller — failures are logged only.
func (r *Realm) ExpireAll(ctx context.Context) {
	r.cache.InvalidateAll()

	if r.bus == nil {
		return
	}
	if err := r.bus.PublishExpireAll(ctx); err != nil {
		r.logger.Warn("failed to publish cache invalidation", slog.String("realm", r.name), slog.Any("error", err))
	}
}

// LookupUser always reports the user as absent: this realm does not
// support run-as or reverse lookup.
func (r *Realm) LookupUser(context.Context, string) (*User, error) {
	r.requireInitialized()
	return nil, ErrUserNotFound
}

// UsageStats reports {"jwt.cache": {"size": n}}, where n is -1 when the
// cache is disabled; no other stats are included. When an invalidation bus
// is configured the snapshot is also published to it, and a publish failure
// is logged, not returned.
func (r *Realm) UsageStats(ctx context.Context) (map[string]any, error) {
	r.requireInitialized()

	stats := map[string]any{
		"jwt.cache": map[string]any{
			"size": r.cache.Count(),
		},
	}

	if r.bus != nil {
		if err := r.bus.PublishStats(ctx, stats); err != nil {
			r.logger.Warn("failed to publish usage stats", slog.String("realm", r.name), slog.Any("error", err))
		}
	}

	return stats, nil
}

// Close shuts the JWT authenticator down (closing its key-fetch client and
// any timers). The cache is dropped with the Realm; no explicit close is
// needed for it.
func (r *Realm) Close() error {
	return r.jwtAuth.Close()
}
