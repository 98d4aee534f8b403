// Package invalidation fans out realm cache-invalidation and usage-stats
// events across process instances sharing the same JWT authenticator
// configuration.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultChannelPrefix = "jwtrealm:invalidation:"
	expireAllEventType    = "expire_all"
	statsEventType        = "usage_stats"
)

// envelope is the wire format published to Redis, grounded on
// eventbus.eventEnvelope's id/event_type/occurred_at/payload shape.
type envelope struct {
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	RealmName  string          `json:"realm_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// RedisBus implements realm.InvalidationBus over Redis Pub/Sub: publishing
// an expire-all or usage-stats event broadcasts it to every subscriber on
// the realm's channel.
type RedisBus struct {
	client    *redis.Client
	channel   string
	realmName string
	logger    *slog.Logger

	onRemoteExpireAll func()

	runningMu sync.Mutex
	running   bool
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// Option configures a RedisBus.
type Option func(*RedisBus)

// WithLogger overrides the default slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *RedisBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithChannelPrefix overrides the default Redis channel-name prefix.
func WithChannelPrefix(prefix string) Option {
	return func(b *RedisBus) {
		if prefix != "" {
			b.channel = prefix + b.realmName
		}
	}
}

// NewRedisBus builds a RedisBus scoped to realmName's own channel, so
// multiple realms sharing one Redis instance don't cross-invalidate.
func NewRedisBus(client *redis.Client, realmName string, opts ...Option) *RedisBus {
	b := &RedisBus{
		client:    client,
		realmName: realmName,
		channel:   defaultChannelPrefix + realmName,
		logger:    slog.Default(),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnRemoteExpireAll registers the hook invoked when another instance
// publishes an expire-all event. Typically wired to Realm.ExpireAll.
func (b *RedisBus) OnRemoteExpireAll(hook func()) {
	b.onRemoteExpireAll = hook
}

// PublishExpireAll broadcasts a cache-invalidation event.
func (b *RedisBus) PublishExpireAll(ctx context.Context) error {
	return b.publish(ctx, envelope{
		EventType:  expireAllEventType,
		OccurredAt: time.Now(),
		RealmName:  b.realmName,
	})
}

// PublishStats broadcasts a usage-stats snapshot for observability sidecars
// subscribed to the same channel. Failures here are non-fatal by design
// (see Realm.UsageStats).
func (b *RedisBus) PublishStats(ctx context.Context, stats map[string]any) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal usage stats: %w", err)
	}
	return b.publish(ctx, envelope{
		EventType:  statsEventType,
		OccurredAt: time.Now(),
		RealmName:  b.realmName,
		Payload:    payload,
	})
}

func (b *RedisBus) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal invalidation envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to redis channel %q: %w", b.channel, err)
	}
	return nil
}

// Start subscribes to the realm's channel and invokes OnRemoteExpireAll for
// every incoming expire-all event. It blocks until ctx is cancelled or
// Shutdown is called.
func (b *RedisBus) Start(ctx context.Context) error {
	b.runningMu.Lock()
	if b.running {
		b.runningMu.Unlock()
		return errors.New("invalidation bus already running")
	}
	b.running = true
	b.runningMu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to redis channel %q: %w", b.channel, err)
	}
	defer func() { _ = pubsub.Close() }()

	msgCh := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdown:
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.ErrorContext(ctx, "failed to unmarshal invalidation event",
			slog.String("channel", msg.Channel), slog.Any("error", err))
		return
	}

	switch env.EventType {
	case expireAllEventType:
		if b.onRemoteExpireAll != nil {
			b.onRemoteExpireAll()
		}
	case statsEventType:
		b.logger.DebugContext(ctx, "received remote usage stats",
			slog.String("realm", env.RealmName))
	default:
		b.logger.WarnContext(ctx, "unknown invalidation event type",
			slog.String("event_type", env.EventType))
	}
}

// Shutdown stops Start's subscription loop.
func (b *RedisBus) Shutdown() {
	b.runningMu.Lock()
	defer b.runningMu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.shutdown)
	b.wg.Wait()
}
