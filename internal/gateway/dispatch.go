package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tinyim/tinyim/internal/metrics"
	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/registry"
)

// route forwards one command to a back-end service method. build
// decodes the body and stamps the authenticated user id over whatever
// the client claimed; clients never get to speak for other users.
type route struct {
	service string
	method  string
	respCmd uint16
	build   func(s *Session, body []byte) (any, error)
}

var routes = map[uint16]route{
	protocol.CmdMsgSendReq: {
		service: registry.ServiceChat, method: "SendMessage", respCmd: protocol.CmdMsgSendResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.SendMessageReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.SenderID = s.userID
			return &req, nil
		},
	},
	protocol.CmdMsgSyncReq: {
		service: registry.ServiceChat, method: "SyncMessages", respCmd: protocol.CmdMsgSyncResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.SyncMessagesReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.UserID = s.userID
			return &req, nil
		},
	},
	protocol.CmdFriendApplyReq: {
		service: registry.ServiceRelation, method: "ApplyFriend", respCmd: protocol.CmdFriendApplyResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.ApplyFriendReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.UserID = s.userID
			return &req, nil
		},
	},
	protocol.CmdFriendAcceptReq: {
		service: registry.ServiceRelation, method: "AcceptFriend", respCmd: protocol.CmdFriendAcceptResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.AcceptFriendReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.UserID = s.userID
			return &req, nil
		},
	},
	protocol.CmdFriendListReq: {
		service: registry.ServiceRelation, method: "GetFriendList", respCmd: protocol.CmdFriendListResp,
		build: func(s *Session, _ []byte) (any, error) {
			return &protocol.GetFriendListReq{UserID: s.userID}, nil
		},
	},
	protocol.CmdGroupCreateReq: {
		service: registry.ServiceRelation, method: "CreateGroup", respCmd: protocol.CmdGroupCreateResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.CreateGroupReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.OwnerID = s.userID
			return &req, nil
		},
	},
	protocol.CmdGroupJoinReq: {
		service: registry.ServiceRelation, method: "JoinGroup", respCmd: protocol.CmdGroupJoinResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.JoinGroupReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.UserID = s.userID
			return &req, nil
		},
	},
	protocol.CmdGroupListReq: {
		service: registry.ServiceRelation, method: "GetGroupList", respCmd: protocol.CmdGroupListResp,
		build: func(s *Session, _ []byte) (any, error) {
			return &protocol.GetGroupListReq{UserID: s.userID}, nil
		},
	},
	protocol.CmdGroupApplyReq: {
		service: registry.ServiceRelation, method: "ApplyGroup", respCmd: protocol.CmdGroupApplyResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.ApplyGroupReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.UserID = s.userID
			return &req, nil
		},
	},
	protocol.CmdGroupAcceptReq: {
		service: registry.ServiceRelation, method: "AcceptGroup", respCmd: protocol.CmdGroupAcceptResp,
		build: func(s *Session, body []byte) (any, error) {
			var req protocol.AcceptGroupReq
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			req.UserID = s.userID
			return &req, nil
		},
	},
}

// handlePacket processes one decoded frame on the session's read
// goroutine. Heartbeat, login and logout are handled in place; the
// rest forwards through the route table.
func (srv *Server) handlePacket(s *Session, pkt *protocol.Packet) {
	switch pkt.Cmd {
	case protocol.CmdHeartbeatReq:
		srv.handleHeartbeat(s)
		return
	case protocol.CmdLoginReq:
		// The upgrade already authenticated the session; a login frame
		// over an open session is acknowledged and otherwise ignored.
		body, _ := json.Marshal(protocol.LoginResp{Result: protocol.OK(), UserID: s.userID})
		s.Send(protocol.Encode(protocol.CmdLoginResp, body))
		return
	case protocol.CmdLogoutReq:
		srv.handleLogout(s)
		return
	}

	r, ok := routes[pkt.Cmd]
	if !ok {
		srv.log.Warn().Uint16("cmd", pkt.Cmd).Int64("user_id", s.userID).Msg("Unknown command, dropping session")
		s.drainClose(nil)
		return
	}

	if !s.limiter.Allow() {
		metrics.RateLimitedPackets.Inc()
		srv.log.Warn().Int64("user_id", s.userID).Msg("Session rate limited")
		body, _ := json.Marshal(protocol.Fail("too many requests, slow down"))
		s.Send(protocol.Encode(r.respCmd, body))
		return
	}

	req, err := r.build(s, pkt.Body)
	if err != nil {
		body, _ := json.Marshal(protocol.Fail("malformed request body"))
		s.Send(protocol.Encode(r.respCmd, body))
		return
	}

	ctx, cancel := contextWithTimeout(srv.cfg.RPCTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := srv.caller.Call(ctx, r.service, r.method, req, &raw); err != nil {
		srv.log.Warn().Err(err).Str("service", r.service).Str("method", r.method).Msg("Back-end call failed")
		body, _ := json.Marshal(protocol.Fail("service temporarily unavailable"))
		s.Send(protocol.Encode(r.respCmd, body))
		return
	}
	s.Send(protocol.Encode(r.respCmd, raw))
}

// handleHeartbeat answers the ping and refreshes the location lease so
// a live session never expires out of the directory.
func (srv *Server) handleHeartbeat(s *Session) {
	s.Send(protocol.Encode(protocol.CmdHeartbeatResp, []byte("{}")))

	ctx, cancel := contextWithTimeout(srv.cfg.RPCTimeout)
	defer cancel()
	if err := srv.store.PutLocation(ctx, s.userID, s.device, srv.pushAddr, srv.cfg.LocationTTL); err != nil {
		srv.log.Warn().Err(err).Int64("user_id", s.userID).Msg("Location refresh failed")
	}
}

// handleLogout tells the auth service to drop the session records,
// acknowledges, and closes after the write drains.
func (srv *Server) handleLogout(s *Session) {
	ctx, cancel := contextWithTimeout(srv.cfg.RPCTimeout)
	defer cancel()

	req := &protocol.LogoutReq{UserID: s.userID, Device: s.device}
	var resp protocol.LogoutResp
	if err := srv.caller.Call(ctx, registry.ServiceAuth, "Logout", req, &resp); err != nil {
		srv.log.Warn().Err(err).Int64("user_id", s.userID).Msg("Logout call failed")
		resp = protocol.LogoutResp{Result: protocol.Fail("service temporarily unavailable")}
	}
	body, _ := json.Marshal(resp)
	s.drainClose(protocol.Encode(protocol.CmdLogoutResp, body))
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
