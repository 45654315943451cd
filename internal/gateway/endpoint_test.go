package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/push"
)

func TestHandleNotifyFansToAllDevices(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCaller{})
	phone, _ := pipeSession(t, 1, "phone")
	web, _ := pipeSession(t, 1, "web")
	other, _ := pipeSession(t, 2, "phone")
	srv.conns.Add(phone)
	srv.conns.Add(web)
	srv.conns.Add(other)

	data, _ := json.Marshal(push.NotifyReq{UserID: 1, MaxSeq: 7, MsgType: int(protocol.MsgTypeText)})
	reply := srv.handleNotify(data)

	var result struct {
		protocol.Result
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.Unmarshal(reply, &result))
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Delivered)

	for _, sess := range []*Session{phone, web} {
		pkt := nextFrame(t, sess)
		assert.Equal(t, protocol.CmdMsgPushNotify, pkt.Cmd)
		var notify protocol.MsgPushNotify
		require.NoError(t, json.Unmarshal(pkt.Body, &notify))
		assert.Equal(t, int64(7), notify.MaxSeq)
	}
	assert.Empty(t, other.out, "unrelated user must not be notified")
}

func TestHandleNotifyDeviceTargeted(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCaller{})
	phone, _ := pipeSession(t, 1, "phone")
	web, _ := pipeSession(t, 1, "web")
	srv.conns.Add(phone)
	srv.conns.Add(web)

	data, _ := json.Marshal(push.NotifyReq{UserID: 1, MaxSeq: 3, Device: "web"})
	srv.handleNotify(data)

	assert.Empty(t, phone.out)
	pkt := nextFrame(t, web)
	assert.Equal(t, protocol.CmdMsgPushNotify, pkt.Cmd)
}

func TestHandleNotifyOfflineUser(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCaller{})

	data, _ := json.Marshal(push.NotifyReq{UserID: 99, MaxSeq: 1})
	reply := srv.handleNotify(data)

	var result struct {
		protocol.Result
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.Unmarshal(reply, &result))
	assert.True(t, result.Success)
	assert.Zero(t, result.Delivered)
}

func TestHandleNotifyMalformed(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCaller{})
	reply := srv.handleNotify([]byte("{broken"))

	var result protocol.Result
	require.NoError(t, json.Unmarshal(reply, &result))
	assert.False(t, result.Success)
}

func TestHandleKickReqEvictsDevice(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCaller{})
	phone, _ := pipeSession(t, 1, "phone")
	web, _ := pipeSession(t, 1, "web")
	srv.conns.Add(phone)
	srv.conns.Add(web)

	data, _ := json.Marshal(push.KickReq{UserID: 1, Device: "phone"})
	srv.handleKickReq(data)

	assert.Equal(t, stateDraining, phone.state.Load())
	assert.Equal(t, stateActive, web.state.Load(), "other device stays online")

	pkt := nextFrame(t, phone)
	assert.Equal(t, protocol.CmdLogoutResp, pkt.Cmd)
	var resp protocol.LogoutResp
	require.NoError(t, json.Unmarshal(pkt.Body, &resp))
	assert.Equal(t, "Kicked by new login", resp.ErrorMessage)
}

func TestHandleKickReqAllDevices(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCaller{})
	phone, _ := pipeSession(t, 1, "phone")
	web, _ := pipeSession(t, 1, "web")
	srv.conns.Add(phone)
	srv.conns.Add(web)

	data, _ := json.Marshal(push.KickReq{UserID: 1, Reason: "logged out"})
	srv.handleKickReq(data)

	assert.Equal(t, stateDraining, phone.state.Load())
	assert.Equal(t, stateDraining, web.state.Load())
}

func TestGuardAdmission(t *testing.T) {
	g := NewGuard(2, 0)
	reason, ok := g.Admit(0)
	assert.True(t, ok)
	assert.Empty(t, reason)

	reason, ok = g.Admit(2)
	assert.False(t, ok)
	assert.Equal(t, "max_connections", reason)
}

func TestGuardMemoryHeadroom(t *testing.T) {
	g := NewGuard(100, 1<<30)
	g.freeMemory = func() (uint64, error) { return 1 << 20, nil }

	reason, ok := g.Admit(0)
	assert.False(t, ok)
	assert.Equal(t, "low_memory", reason)

	g.freeMemory = func() (uint64, error) { return 2 << 30, nil }
	_, ok = g.Admit(0)
	assert.True(t, ok)
}
