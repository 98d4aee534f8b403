package realm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSSourceConfig configures an asymmetric key source backed by a remote
// JWKS endpoint, refreshed on a timer.
type JWKSSourceConfig struct {
	URL             string
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// JWKSSource fetches and caches asymmetric signing keys from a JWKS
// endpoint, and detects when the key set changes across a refresh so the
// realm can invalidate its token cache.
type JWKSSource struct {
	jwks   keyfunc.Keyfunc
	storage jwkset.Storage
	logger *slog.Logger
	cancel context.CancelFunc

	mu         sync.Mutex
	lastDigest [sha256.Size]byte
	onRotate   []func()

	pollDone chan struct{}
}

const defaultJWKSPollInterval = time.Minute

// NewJWKSSource starts background JWKS refresh and rotation polling.
func NewJWKSSource(cfg JWKSSourceConfig) (*JWKSSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: JWKS URL is required", ErrConfiguration)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultJWKSRefreshInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	storage, err := jwkset.NewStorageFromHTTP(cfg.URL, jwkset.HTTPClientStorageOptions{
		Ctx:             ctx,
		RefreshInterval: cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed", slog.String("url", cfg.URL), slog.Any("error", err))
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrNoKeySource, err)
	}

	jwks, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrNoKeySource, err)
	}

	src := &JWKSSource{
		jwks:     jwks,
		storage:  storage,
		logger:   logger,
		cancel:   cancel,
		pollDone: make(chan struct{}),
	}

	if initial, err := storage.KeyReadAll(ctx); err == nil {
		src.lastDigest = digestKeyIDs(initial)
	}

	pollInterval := cfg.RefreshInterval
	if pollInterval <= 0 || pollInterval > defaultJWKSPollInterval {
		pollInterval = defaultJWKSPollInterval
	}
	go src.pollForRotation(ctx, pollInterval)

	return src, nil
}

// Keyfunc satisfies the keyfunc.Keyfunc-shaped callback golang-jwt expects.
func (s *JWKSSource) Keyfunc(token *jwt.Token) (any, error) {
	return s.jwks.Keyfunc(token)
}

// OnRotate registers a hook invoked whenever the observed key set changes.
// Hooks are invoked in registration order, each at most once per rotation.
func (s *JWKSSource) OnRotate(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRotate = append(s.onRotate, hook)
}

// pollForRotation periodically fingerprints the current key set and fires
// rotation hooks when it changes. keyfunc/jwkset only exposes a refresh
// *error* callback, not a refresh-success callback, so key-change detection
// is done by diffing digests here.
func (s *JWKSSource) pollForRotation(ctx context.Context, interval time.Duration) {
	defer close(s.pollDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkRotation(ctx)
		}
	}
}

func (s *JWKSSource) checkRotation(ctx context.Context) {
	keys, err := s.storage.KeyReadAll(ctx)
	if err != nil {
		s.logger.Warn("jwks rotation check failed", slog.Any("error", err))
		return
	}

	digest := digestKeyIDs(keys)

	s.mu.Lock()
	changed := digest != s.lastDigest
	s.lastDigest = digest
	hooks := append([]func(){}, s.onRotate...)
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info("jwks key material changed, invalidating token cache")
	for _, hook := range hooks {
		hook()
	}
}

func digestKeyIDs(keys []jwkset.KeyWithMeta) [sha256.Size]byte {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.KeyID)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Close stops background refresh and rotation polling.
func (s *JWKSSource) Close() error {
	s.cancel()
	<-s.pollDone
	return nil
}
