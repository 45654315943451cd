package gateway

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/push"
)

// The push endpoint is how services reach devices parked on this
// gateway. Two subjects hang off the instance's endpoint address:
// ".notify" fans a new-message signal to the user's sessions here,
// ".kick" evicts a (user, device) session.

func (srv *Server) subscribePush(nc *nats.Conn) error {
	notify, err := nc.Subscribe(push.NotifySubject(srv.pushAddr), func(m *nats.Msg) {
		m.Respond(srv.handleNotify(m.Data))
	})
	if err != nil {
		return err
	}
	kick, err := nc.Subscribe(push.KickSubject(srv.pushAddr), func(m *nats.Msg) {
		m.Respond(srv.handleKickReq(m.Data))
	})
	if err != nil {
		notify.Unsubscribe()
		return err
	}
	srv.pushSubs = append(srv.pushSubs, notify, kick)
	return nil
}

// handleNotify turns a NotifyReq into a CMD_MSG_PUSH_NOTIFY frame on
// each matching session. Delivery is best effort; the reply reports
// how many sessions the frame was queued on.
func (srv *Server) handleNotify(data []byte) []byte {
	var req push.NotifyReq
	if err := json.Unmarshal(data, &req); err != nil {
		srv.log.Warn().Err(err).Msg("Malformed push notify")
		return failReply("malformed notify")
	}

	body, _ := json.Marshal(protocol.MsgPushNotify{MaxSeq: req.MaxSeq, Type: int32(req.MsgType)})
	frame := protocol.Encode(protocol.CmdMsgPushNotify, body)

	var sessions []*Session
	if req.Device != "" {
		if s := srv.conns.Get(req.UserID, req.Device); s != nil {
			sessions = append(sessions, s)
		}
	} else {
		sessions = srv.conns.ByUser(req.UserID)
	}

	delivered := 0
	for _, s := range sessions {
		if s.Send(frame) {
			delivered++
		}
	}

	reply, _ := json.Marshal(struct {
		protocol.Result
		Delivered int `json:"delivered"`
	}{Result: protocol.OK(), Delivered: delivered})
	return reply
}

// handleKickReq evicts the targeted session(s). An empty device kicks
// every session of the user on this gateway.
func (srv *Server) handleKickReq(data []byte) []byte {
	var req push.KickReq
	if err := json.Unmarshal(data, &req); err != nil {
		srv.log.Warn().Err(err).Msg("Malformed push kick")
		return failReply("malformed kick")
	}
	reason := req.Reason
	if reason == "" {
		reason = "Kicked by new login"
	}
	srv.kickLocal(req.UserID, req.Device, reason)

	reply, _ := json.Marshal(protocol.OK())
	return reply
}

// kickLocal evicts matching sessions held by this gateway.
func (srv *Server) kickLocal(userID int64, device, reason string) {
	if device != "" {
		if s := srv.conns.Get(userID, device); s != nil {
			srv.log.Info().Int64("user_id", userID).Str("device", device).Msg("Kicking session")
			s.Kick(reason)
		}
		return
	}
	for _, s := range srv.conns.ByUser(userID) {
		srv.log.Info().Int64("user_id", userID).Str("device", s.device).Msg("Kicking session")
		s.Kick(reason)
	}
}

func failReply(msg string) []byte {
	reply, _ := json.Marshal(protocol.Fail(msg))
	return reply
}
