package invalidation

import "context"

// NoopBus is an InvalidationBus that does nothing, for single-instance
// deployments that don't run Redis.
type NoopBus struct{}

func (NoopBus) PublishExpireAll(context.Context) error                { return nil }
func (NoopBus) PublishStats(context.Context, map[string]any) error { return nil }
