package gateway

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeSession(t *testing.T, userID int64, device string) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return newSession(userID, device, server, 8, 100, 100), client
}

func TestConnsAddDisplaces(t *testing.T) {
	c := NewConns()
	first, _ := pipeSession(t, 1, "phone")
	second, _ := pipeSession(t, 1, "phone")

	assert.Nil(t, c.Add(first))
	displaced := c.Add(second)
	require.NotNil(t, displaced)
	assert.Same(t, first, displaced)
	assert.Same(t, second, c.Get(1, "phone"))
	assert.Equal(t, 1, c.Len())
}

func TestConnsRemoveOnlyCurrent(t *testing.T) {
	c := NewConns()
	old, _ := pipeSession(t, 1, "phone")
	current, _ := pipeSession(t, 1, "phone")

	c.Add(old)
	c.Add(current)

	// The displaced session tearing down must not evict the newcomer.
	assert.False(t, c.Remove(old))
	assert.Same(t, current, c.Get(1, "phone"))

	assert.True(t, c.Remove(current))
	assert.Nil(t, c.Get(1, "phone"))
}

func TestConnsByUser(t *testing.T) {
	c := NewConns()
	phone, _ := pipeSession(t, 1, "phone")
	web, _ := pipeSession(t, 1, "web")
	other, _ := pipeSession(t, 2, "phone")

	c.Add(phone)
	c.Add(web)
	c.Add(other)

	assert.ElementsMatch(t, []*Session{phone, web}, c.ByUser(1))
	assert.Equal(t, []*Session{other}, c.ByUser(2))
	assert.Empty(t, c.ByUser(3))
	assert.Len(t, c.All(), 3)
}
