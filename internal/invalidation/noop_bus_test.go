package invalidation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lllypuk/jwtrealm/internal/invalidation"
)

func TestNoopBus_NeverErrors(t *testing.T) {
	var bus invalidation.NoopBus

	require.NoError(t, bus.PublishExpireAll(context.Background()))
	require.NoError(t, bus.PublishStats(context.Background(), map[string]any{"jwt.cache": map[string]any{"size": int64(3)}}))
}
