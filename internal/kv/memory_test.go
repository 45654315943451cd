package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionTokens(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tok, err := m.SessionToken(ctx, 1, "phone")
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, m.PutSessionToken(ctx, 1, "phone", "t1", time.Minute))
	require.NoError(t, m.PutSessionToken(ctx, 1, "web", "t2", time.Minute))

	tok, err = m.SessionToken(ctx, 1, "phone")
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)

	exists, err := m.SessionExists(ctx, 1)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.DeleteSessionToken(ctx, 1, "phone"))
	tok, err = m.SessionToken(ctx, 1, "phone")
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, m.DeleteSession(ctx, 1))
	exists, err = m.SessionExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemorySessionExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PutSessionToken(ctx, 7, "phone", "tok", -time.Second))
	tok, err := m.SessionToken(ctx, 7, "phone")
	require.NoError(t, err)
	assert.Empty(t, tok, "expired token must not be served")
}

func TestMemoryLocations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PutLocation(ctx, 3, "phone", "gwpush.a", time.Minute))
	require.NoError(t, m.PutLocation(ctx, 3, "web", "gwpush.b", time.Minute))

	locs, err := m.Locations(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"phone": "gwpush.a", "web": "gwpush.b"}, locs)

	require.NoError(t, m.DeleteLocation(ctx, 3, "phone"))
	locs, err = m.Locations(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"web": "gwpush.b"}, locs)
}

func TestMemoryNextSeqMonotone(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var prev int64
	for i := 0; i < 100; i++ {
		seq, err := m.NextSeq(ctx, 9)
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}

	// Independent counters per owner.
	seq, err := m.NextSeq(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestMemoryServiceRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PutServiceRecord(ctx, "chat", "a1", "rpc.chat.a1", time.Minute))
	require.NoError(t, m.PutServiceRecord(ctx, "chat", "b2", "rpc.chat.b2", time.Minute))
	require.NoError(t, m.PutServiceRecord(ctx, "auth", "c3", "rpc.auth.c3", time.Minute))
	require.NoError(t, m.PutServiceRecord(ctx, "chat", "dead", "rpc.chat.dead", -time.Second))

	addrs, err := m.ServiceAddrs(ctx, "chat")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rpc.chat.a1", "rpc.chat.b2"}, addrs)
}

func TestMemoryKickPubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	ch, err := m.SubscribeKick(ctx)
	require.NoError(t, err)

	require.NoError(t, m.PublishKick(ctx, Kick{UserID: 42, Device: "phone"}))

	select {
	case k := <-ch:
		assert.Equal(t, Kick{UserID: 42, Device: "phone"}, k)
	case <-time.After(time.Second):
		t.Fatal("kick not delivered")
	}
}

func TestKickPayloadRoundtrip(t *testing.T) {
	k := Kick{UserID: 12, Device: "web"}
	parsed, err := parseKick(k.payload())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	// Empty device means "all devices" and must survive the wire.
	all := Kick{UserID: 5}
	parsed, err = parseKick(all.payload())
	require.NoError(t, err)
	assert.Equal(t, all, parsed)

	_, err = parseKick("garbage")
	assert.Error(t, err)

	_, err = parseKick("notanumber:phone")
	assert.Error(t, err)
}
