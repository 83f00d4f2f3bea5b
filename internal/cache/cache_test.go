package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCachePutInFlightIsExclusive(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(time.Minute)

	added, err := c.PutInFlight(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = c.PutInFlight(ctx, "item-1")
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := c.IsInFlight(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalCacheRemove(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(time.Minute)

	_, err := c.PutInFlight(ctx, "item-1")
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx, "item-1"))

	ok, err := c.IsInFlight(ctx, "item-1")
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := c.PutInFlight(ctx, "item-1")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestLocalCacheEntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(20 * time.Millisecond)

	_, err := c.PutInFlight(ctx, "item-1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ok, _ := c.IsInFlight(ctx, "item-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
