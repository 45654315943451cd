package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyim/tinyim/internal/kv"
)

func newTestRegistry(t *testing.T) (*Registry, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	r := New(store, zerolog.Nop())
	t.Cleanup(r.Close)
	return r, store
}

func TestDiscoverFallbackBeforeFirstPoll(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.PutServiceRecord(ctx, ServiceChat, "a", "rpc.chat.a", time.Minute))

	// No Start, no poll: the direct fallback must still find it.
	addr := r.Discover(ServiceChat)
	assert.Equal(t, "rpc.chat.a", addr)
}

func TestDiscoverUnknownService(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Empty(t, r.Discover("nothing"))
}

func TestDiscoverRoundRobin(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, store.PutServiceRecord(ctx, ServiceChat, "a", "rpc.chat.a", time.Minute))
	require.NoError(t, store.PutServiceRecord(ctx, ServiceChat, "b", "rpc.chat.b", time.Minute))

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		seen[r.Discover(ServiceChat)]++
	}
	assert.Equal(t, 3, seen["rpc.chat.a"])
	assert.Equal(t, 3, seen["rpc.chat.b"])
}

func TestRegisterWritesImmediately(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, ServiceAuth, "x1", "rpc.auth.x1"))

	addrs, err := store.ServiceAddrs(ctx, ServiceAuth)
	require.NoError(t, err)
	assert.Equal(t, []string{"rpc.auth.x1"}, addrs)
}

func TestObservedCacheRefresh(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	r.Observe(ServiceGateway)
	require.NoError(t, store.PutServiceRecord(ctx, ServiceGateway, "g1", "127.0.0.1:8080", time.Minute))

	r.refreshCache()
	assert.Equal(t, "127.0.0.1:8080", r.Discover(ServiceGateway))

	// Record expires; the next refresh drops it from the cache.
	require.NoError(t, store.PutServiceRecord(ctx, ServiceGateway, "g1", "127.0.0.1:8080", -time.Second))
	r.refreshCache()

	assert.Empty(t, r.Discover(ServiceGateway))
}
