// Package chat owns the message plane: write-time fan-out onto
// per-owner timelines and seq-based sync. A message is durable once
// its body row and the sender's index row exist; pushes after that are
// best effort.
package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyim/tinyim/internal/db"
	"github.com/tinyim/tinyim/internal/kv"
	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/push"
	"github.com/tinyim/tinyim/internal/rpc"
)

const (
	defaultSyncLimit = 10
	maxSyncLimit     = 100
)

type Service struct {
	db       *db.DB
	store    kv.Store
	director push.Director
	log      zerolog.Logger
}

func New(database *db.DB, store kv.Store, director push.Director, log zerolog.Logger) *Service {
	return &Service{
		db:       database,
		store:    store,
		director: director,
		log:      log.With().Str("component", "chat").Logger(),
	}
}

func (s *Service) Mount(srv *rpc.Server) error {
	if err := srv.Handle("SendMessage", func(ctx context.Context, data []byte) (any, error) {
		var req protocol.SendMessageReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return s.SendMessage(ctx, &req), nil
	}); err != nil {
		return err
	}
	return srv.Handle("SyncMessages", func(ctx context.Context, data []byte) (any, error) {
		var req protocol.SyncMessagesReq
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return s.SyncMessages(ctx, &req), nil
	})
}

// SendMessage validates the recipient set, persists the body once, and
// writes one index row per owner timeline. Each owner gets a fresh seq
// from the KV counter so their timeline stays strictly monotone even
// across chat service instances.
func (s *Service) SendMessage(ctx context.Context, req *protocol.SendMessageReq) *protocol.SendMessageResp {
	if req.Content == "" {
		return &protocol.SendMessageResp{Result: protocol.Fail("content is required")}
	}
	if (req.ReceiverID > 0) == (req.GroupID > 0) {
		return &protocol.SendMessageResp{Result: protocol.Fail("exactly one of receiver_id and group_id is required")}
	}

	if req.GroupID > 0 {
		return s.sendGroup(ctx, req)
	}
	return s.sendSingle(ctx, req)
}

func (s *Service) sendSingle(ctx context.Context, req *protocol.SendMessageReq) *protocol.SendMessageResp {
	// Text between users needs an accepted relation; system notices
	// (friend application delivery and the like) bypass it.
	if req.Type == protocol.MsgTypeText {
		var count int64
		err := s.db.Read().WithContext(ctx).Model(&db.Relation{}).
			Where("user_id = ? AND friend_id = ? AND status = ?", req.SenderID, req.ReceiverID, db.RelationAccepted).
			Count(&count).Error
		if err != nil {
			s.log.Error().Err(err).Msg("Relation check failed")
			return &protocol.SendMessageResp{Result: protocol.Fail("internal error")}
		}
		if count == 0 {
			return &protocol.SendMessageResp{Result: protocol.Fail("not friends with receiver")}
		}
	}

	body := db.MessageBody{
		SenderID:  req.SenderID,
		Type:      req.Type,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	if err := s.db.Write().WithContext(ctx).Create(&body).Error; err != nil {
		s.log.Error().Err(err).Msg("Message body insert failed")
		return &protocol.SendMessageResp{Result: protocol.Fail("internal error")}
	}

	if _, err := s.appendIndex(ctx, req.SenderID, req.ReceiverID, body.MsgID, true); err != nil {
		s.log.Error().Err(err).Int64("msg_id", body.MsgID).Msg("Sender index write failed")
		return &protocol.SendMessageResp{Result: protocol.Fail("internal error")}
	}

	recvSeq, err := s.appendIndex(ctx, req.ReceiverID, req.SenderID, body.MsgID, false)
	if err != nil {
		// The sender's copy is durable but the receiver's timeline is
		// now missing a row, so log loudly.
		s.log.Error().Err(err).Int64("msg_id", body.MsgID).Int64("receiver_id", req.ReceiverID).Msg("Receiver index write failed")
		recvSeq = 0
	} else {
		s.notify(ctx, req.ReceiverID, recvSeq, req.Type)
	}

	// The response carries the seq assigned on the receiver's timeline.
	return &protocol.SendMessageResp{Result: protocol.OK(), MsgID: body.MsgID, SeqID: recvSeq}
}

func (s *Service) sendGroup(ctx context.Context, req *protocol.SendMessageReq) *protocol.SendMessageResp {
	var members []db.GroupMember
	err := s.db.Read().WithContext(ctx).Where("group_id = ?", req.GroupID).Find(&members).Error
	if err != nil {
		s.log.Error().Err(err).Int64("group_id", req.GroupID).Msg("Member load failed")
		return &protocol.SendMessageResp{Result: protocol.Fail("internal error")}
	}

	isMember := false
	for _, m := range members {
		if m.UserID == req.SenderID {
			isMember = true
			break
		}
	}
	if !isMember {
		return &protocol.SendMessageResp{Result: protocol.Fail("not a member of the group")}
	}

	body := db.MessageBody{
		SenderID:  req.SenderID,
		GroupID:   req.GroupID,
		Type:      req.Type,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}
	if err := s.db.Write().WithContext(ctx).Create(&body).Error; err != nil {
		s.log.Error().Err(err).Msg("Message body insert failed")
		return &protocol.SendMessageResp{Result: protocol.Fail("internal error")}
	}

	if _, err := s.appendIndex(ctx, req.SenderID, req.GroupID, body.MsgID, true); err != nil {
		s.log.Error().Err(err).Int64("msg_id", body.MsgID).Msg("Sender index write failed")
		return &protocol.SendMessageResp{Result: protocol.Fail("internal error")}
	}

	// Fan out to the other members. Partial failure leaves those
	// timelines behind; they catch up from the group history on their
	// next send or stay short, which the seq contract tolerates.
	for _, m := range members {
		if m.UserID == req.SenderID {
			continue
		}
		seq, err := s.appendIndex(ctx, m.UserID, req.GroupID, body.MsgID, false)
		if err != nil {
			s.log.Error().Err(err).Int64("msg_id", body.MsgID).Int64("owner_id", m.UserID).Msg("Fan-out index write failed")
			continue
		}
		s.notify(ctx, m.UserID, seq, req.Type)
	}

	// No single receiver seq exists for a group send, so none is
	// reported back.
	return &protocol.SendMessageResp{Result: protocol.OK(), MsgID: body.MsgID}
}

// appendIndex claims the owner's next seq and writes the timeline row.
func (s *Service) appendIndex(ctx context.Context, ownerID, otherID, msgID int64, isSender bool) (int64, error) {
	seq, err := s.store.NextSeq(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	row := db.MessageIndex{
		OwnerID:  ownerID,
		SeqID:    seq,
		OtherID:  otherID,
		MsgID:    msgID,
		IsSender: isSender,
	}
	if err := s.db.Write().WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

// notify pings every online device of the owner through its gateway.
func (s *Service) notify(ctx context.Context, userID, maxSeq int64, msgType int32) {
	locations, err := s.store.Locations(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("Location lookup failed")
		return
	}
	for device, addr := range locations {
		req := push.NotifyReq{UserID: userID, MaxSeq: maxSeq, MsgType: int(msgType), Device: device}
		if err := s.director.Get(addr).PushNotify(ctx, req); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Str("device", device).Msg("Push notify failed")
		}
	}
}

type timelineRow struct {
	SeqID     int64
	MsgID     int64
	SenderID  int64
	GroupID   int64
	Type      int32
	Content   string
	CreatedAt time.Time
}

// SyncMessages reads the owner's timeline. Forward sync returns rows
// after local_seq in ascending order; reverse ignores local_seq and
// returns the newest rows first.
func (s *Service) SyncMessages(ctx context.Context, req *protocol.SyncMessagesReq) *protocol.SyncMessagesResp {
	if req.UserID <= 0 {
		return &protocol.SyncMessagesResp{Result: protocol.Fail("user_id is required")}
	}
	limit := int(req.Limit)
	if limit <= 0 {
		limit = defaultSyncLimit
	}
	if limit > maxSyncLimit {
		limit = maxSyncLimit
	}

	q := s.db.Read().WithContext(ctx).Table("message_index").
		Select("message_index.seq_id, message_body.msg_id, message_body.sender_id, message_body.group_id, message_body.type, message_body.content, message_body.created_at").
		Joins("JOIN message_body ON message_body.msg_id = message_index.msg_id").
		Limit(limit)
	if req.Reverse {
		q = q.Where("message_index.owner_id = ?", req.UserID).
			Order("message_index.seq_id DESC")
	} else {
		q = q.Where("message_index.owner_id = ? AND message_index.seq_id > ?", req.UserID, req.LocalSeq).
			Order("message_index.seq_id ASC")
	}

	var rows []timelineRow
	if err := q.Scan(&rows).Error; err != nil {
		s.log.Error().Err(err).Int64("user_id", req.UserID).Msg("Timeline read failed")
		return &protocol.SyncMessagesResp{Result: protocol.Fail("internal error")}
	}

	// max_seq is the greatest seq in this page, or the caller's own
	// watermark when the page is empty.
	maxSeq := req.LocalSeq
	msgs := make([]protocol.MessageItem, 0, len(rows))
	for _, r := range rows {
		if r.SeqID > maxSeq {
			maxSeq = r.SeqID
		}
		msgs = append(msgs, protocol.MessageItem{
			SeqID:     r.SeqID,
			MsgID:     r.MsgID,
			SenderID:  r.SenderID,
			GroupID:   r.GroupID,
			Type:      r.Type,
			Content:   r.Content,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return &protocol.SyncMessagesResp{Result: protocol.OK(), Msgs: msgs, MaxSeq: maxSeq}
}
