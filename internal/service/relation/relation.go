// Package relation owns the social graph: friend applications and
// acceptance, the symmetric relation table, groups and membership.
// Side-effect notices (friend application arrived, request accepted)
// go out as system messages through the chat plane, best effort.
package relation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tinyim/tinyim/internal/db"
	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/rpc"
)

// MessageSender delivers a system notice onto a user's timeline or
// fans one out to a group. The production wiring goes through the chat
// service RPC; tests record.
type MessageSender interface {
	SendSystem(ctx context.Context, senderID, receiverID int64, msgType int32, content string) error
	SendGroupSystem(ctx context.Context, senderID, groupID int64, content string) error
}

type Service struct {
	db     *db.DB
	sender MessageSender
	log    zerolog.Logger
}

func New(database *db.DB, sender MessageSender, log zerolog.Logger) *Service {
	return &Service{
		db:     database,
		sender: sender,
		log:    log.With().Str("component", "relation").Logger(),
	}
}

func (s *Service) Mount(srv *rpc.Server) error {
	methods := map[string]rpc.HandlerFunc{
		"ApplyFriend": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.ApplyFriendReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.ApplyFriend(ctx, &req), nil
		},
		"AcceptFriend": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.AcceptFriendReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.AcceptFriend(ctx, &req), nil
		},
		"GetFriendList": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.GetFriendListReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.GetFriendList(ctx, &req), nil
		},
		"CreateGroup": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.CreateGroupReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.CreateGroup(ctx, &req), nil
		},
		"JoinGroup": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.JoinGroupReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.JoinGroup(ctx, &req), nil
		},
		"GetGroupList": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.GetGroupListReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.GetGroupList(ctx, &req), nil
		},
		"ApplyGroup": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.ApplyGroupReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.ApplyGroup(ctx, &req), nil
		},
		"AcceptGroup": func(ctx context.Context, data []byte) (any, error) {
			var req protocol.AcceptGroupReq
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, err
			}
			return s.AcceptGroup(ctx, &req), nil
		},
	}
	for name, h := range methods {
		if err := srv.Handle(name, h); err != nil {
			return err
		}
	}
	return nil
}

// ApplyFriend records a pending application and pings the target.
// Reapplying while one is pending returns the existing application.
func (s *Service) ApplyFriend(ctx context.Context, req *protocol.ApplyFriendReq) *protocol.ApplyFriendResp {
	if req.UserID == req.FriendID {
		return &protocol.ApplyFriendResp{Result: protocol.Fail("cannot befriend yourself")}
	}
	var target db.User
	err := s.db.Read().WithContext(ctx).Where("user_id = ?", req.FriendID).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &protocol.ApplyFriendResp{Result: protocol.Fail("no such user")}
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Target lookup failed")
		return &protocol.ApplyFriendResp{Result: protocol.Fail("internal error")}
	}

	var count int64
	err = s.db.Read().WithContext(ctx).Model(&db.Relation{}).
		Where("user_id = ? AND friend_id = ? AND status = ?", req.UserID, req.FriendID, db.RelationAccepted).
		Count(&count).Error
	if err != nil {
		s.log.Error().Err(err).Msg("Relation check failed")
		return &protocol.ApplyFriendResp{Result: protocol.Fail("internal error")}
	}
	if count > 0 {
		return &protocol.ApplyFriendResp{Result: protocol.Fail("already friends")}
	}

	var pending db.FriendRequest
	err = s.db.Read().WithContext(ctx).
		Where("user_id = ? AND friend_id = ? AND status = ?", req.UserID, req.FriendID, db.RequestPending).
		First(&pending).Error
	if err == nil {
		return &protocol.ApplyFriendResp{Result: protocol.OK(), ApplyID: pending.ID}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Error().Err(err).Msg("Pending lookup failed")
		return &protocol.ApplyFriendResp{Result: protocol.Fail("internal error")}
	}

	apply := db.FriendRequest{
		UserID:   req.UserID,
		FriendID: req.FriendID,
		Remark:   req.Remark,
		Status:   db.RequestPending,
	}
	if err := s.db.Write().WithContext(ctx).Create(&apply).Error; err != nil {
		s.log.Error().Err(err).Msg("Friend request insert failed")
		return &protocol.ApplyFriendResp{Result: protocol.Fail("internal error")}
	}

	s.systemNotice(ctx, req.UserID, req.FriendID, protocol.MsgTypeFriendReq,
		fmt.Sprintf("friend application from user %d", req.UserID))
	return &protocol.ApplyFriendResp{Result: protocol.OK(), ApplyID: apply.ID}
}

// AcceptFriend resolves a pending application. Acceptance writes both
// directions of the relation so either side's list query sees it.
func (s *Service) AcceptFriend(ctx context.Context, req *protocol.AcceptFriendReq) *protocol.AcceptFriendResp {
	var apply db.FriendRequest
	err := s.db.Read().WithContext(ctx).
		Where("user_id = ? AND friend_id = ? AND status = ?", req.RequesterID, req.UserID, db.RequestPending).
		First(&apply).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &protocol.AcceptFriendResp{Result: protocol.Fail("no pending application")}
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Application lookup failed")
		return &protocol.AcceptFriendResp{Result: protocol.Fail("internal error")}
	}

	status := db.RequestRejected
	if req.Accept {
		status = db.RequestAccepted
	}

	err = s.db.Write().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.FriendRequest{}).Where("id = ?", apply.ID).Update("status", status).Error; err != nil {
			return err
		}
		if !req.Accept {
			return nil
		}
		for _, pair := range [][2]int64{{req.UserID, req.RequesterID}, {req.RequesterID, req.UserID}} {
			rel := db.Relation{UserID: pair[0], FriendID: pair[1], Status: db.RelationAccepted}
			if err := tx.Save(&rel).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Friend acceptance failed")
		return &protocol.AcceptFriendResp{Result: protocol.Fail("internal error")}
	}

	if req.Accept {
		s.systemNotice(ctx, req.UserID, req.RequesterID, protocol.MsgTypeSystem,
			fmt.Sprintf("user %d accepted your friend application", req.UserID))
	}
	return &protocol.AcceptFriendResp{Result: protocol.OK()}
}

func (s *Service) GetFriendList(ctx context.Context, req *protocol.GetFriendListReq) *protocol.GetFriendListResp {
	var friends []protocol.FriendItem
	err := s.db.Read().WithContext(ctx).Table("relation").
		Select(`"user".user_id, "user".username, "user".nickname`).
		Joins(`JOIN "user" ON "user".user_id = relation.friend_id`).
		Where("relation.user_id = ? AND relation.status = ?", req.UserID, db.RelationAccepted).
		Scan(&friends).Error
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", req.UserID).Msg("Friend list read failed")
		return &protocol.GetFriendListResp{Result: protocol.Fail("internal error")}
	}
	if friends == nil {
		friends = []protocol.FriendItem{}
	}
	return &protocol.GetFriendListResp{Result: protocol.OK(), Friends: friends}
}

// CreateGroup creates the group with the caller as owner. Initial
// members are enrolled directly, duplicates and the owner skipped.
func (s *Service) CreateGroup(ctx context.Context, req *protocol.CreateGroupReq) *protocol.CreateGroupResp {
	if req.GroupName == "" {
		return &protocol.CreateGroupResp{Result: protocol.Fail("group_name is required")}
	}

	group := db.Group{Name: req.GroupName, OwnerID: req.OwnerID}
	err := s.db.Write().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		members := []db.GroupMember{{GroupID: group.GroupID, UserID: req.OwnerID, Role: db.RoleOwner}}
		seen := map[int64]bool{req.OwnerID: true}
		for _, uid := range req.InitialMembers {
			if uid <= 0 || seen[uid] {
				continue
			}
			seen[uid] = true
			members = append(members, db.GroupMember{GroupID: group.GroupID, UserID: uid, Role: db.RoleMember})
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Group create failed")
		return &protocol.CreateGroupResp{Result: protocol.Fail("internal error")}
	}

	s.log.Info().Int64("group_id", group.GroupID).Int64("owner_id", req.OwnerID).Msg("Group created")
	return &protocol.CreateGroupResp{Result: protocol.OK(), GroupID: group.GroupID}
}

// JoinGroup enrolls the caller directly. Joining a group you are
// already in succeeds without a second row.
func (s *Service) JoinGroup(ctx context.Context, req *protocol.JoinGroupReq) *protocol.JoinGroupResp {
	var group db.Group
	err := s.db.Read().WithContext(ctx).Where("group_id = ?", req.GroupID).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &protocol.JoinGroupResp{Result: protocol.Fail("no such group")}
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Group lookup failed")
		return &protocol.JoinGroupResp{Result: protocol.Fail("internal error")}
	}

	var count int64
	err = s.db.Read().WithContext(ctx).Model(&db.GroupMember{}).
		Where("group_id = ? AND user_id = ?", req.GroupID, req.UserID).
		Count(&count).Error
	if err != nil {
		s.log.Error().Err(err).Msg("Membership check failed")
		return &protocol.JoinGroupResp{Result: protocol.Fail("internal error")}
	}
	if count > 0 {
		return &protocol.JoinGroupResp{Result: protocol.OK()}
	}

	member := db.GroupMember{GroupID: req.GroupID, UserID: req.UserID, Role: db.RoleMember}
	if err := s.db.Write().WithContext(ctx).Create(&member).Error; err != nil {
		s.log.Error().Err(err).Msg("Membership insert failed")
		return &protocol.JoinGroupResp{Result: protocol.Fail("internal error")}
	}

	s.groupNotice(ctx, req.UserID, req.GroupID,
		fmt.Sprintf("user %d joined the group", req.UserID))
	return &protocol.JoinGroupResp{Result: protocol.OK()}
}

func (s *Service) GetGroupList(ctx context.Context, req *protocol.GetGroupListReq) *protocol.GetGroupListResp {
	var groups []protocol.GroupItem
	err := s.db.Read().WithContext(ctx).Table("group_member").
		Select(`"group".group_id, "group".name AS group_name, "group".owner_id`).
		Joins(`JOIN "group" ON "group".group_id = group_member.group_id`).
		Where("group_member.user_id = ?", req.UserID).
		Scan(&groups).Error
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", req.UserID).Msg("Group list read failed")
		return &protocol.GetGroupListResp{Result: protocol.Fail("internal error")}
	}
	if groups == nil {
		groups = []protocol.GroupItem{}
	}
	return &protocol.GetGroupListResp{Result: protocol.OK(), Groups: groups}
}

// ApplyGroup records a pending membership application and notifies the
// group owner.
func (s *Service) ApplyGroup(ctx context.Context, req *protocol.ApplyGroupReq) *protocol.ApplyGroupResp {
	var group db.Group
	err := s.db.Read().WithContext(ctx).Where("group_id = ?", req.GroupID).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &protocol.ApplyGroupResp{Result: protocol.Fail("no such group")}
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Group lookup failed")
		return &protocol.ApplyGroupResp{Result: protocol.Fail("internal error")}
	}

	var count int64
	err = s.db.Read().WithContext(ctx).Model(&db.GroupMember{}).
		Where("group_id = ? AND user_id = ?", req.GroupID, req.UserID).
		Count(&count).Error
	if err != nil {
		s.log.Error().Err(err).Msg("Membership check failed")
		return &protocol.ApplyGroupResp{Result: protocol.Fail("internal error")}
	}
	if count > 0 {
		return &protocol.ApplyGroupResp{Result: protocol.Fail("already a member")}
	}

	var pending db.GroupRequest
	err = s.db.Read().WithContext(ctx).
		Where("group_id = ? AND user_id = ? AND status = ?", req.GroupID, req.UserID, db.RequestPending).
		First(&pending).Error
	if err == nil {
		return &protocol.ApplyGroupResp{Result: protocol.OK(), ApplyID: pending.ID}
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Error().Err(err).Msg("Pending lookup failed")
		return &protocol.ApplyGroupResp{Result: protocol.Fail("internal error")}
	}

	apply := db.GroupRequest{
		GroupID: req.GroupID,
		UserID:  req.UserID,
		Remark:  req.Remark,
		Status:  db.RequestPending,
	}
	if err := s.db.Write().WithContext(ctx).Create(&apply).Error; err != nil {
		s.log.Error().Err(err).Msg("Group request insert failed")
		return &protocol.ApplyGroupResp{Result: protocol.Fail("internal error")}
	}

	s.systemNotice(ctx, req.UserID, group.OwnerID, protocol.MsgTypeSystem,
		fmt.Sprintf("user %d applied to join group %d", req.UserID, req.GroupID))
	return &protocol.ApplyGroupResp{Result: protocol.OK(), ApplyID: apply.ID}
}

// AcceptGroup resolves a pending membership application. Only the
// owner or an admin of the group may resolve applications.
func (s *Service) AcceptGroup(ctx context.Context, req *protocol.AcceptGroupReq) *protocol.AcceptGroupResp {
	var approver db.GroupMember
	err := s.db.Read().WithContext(ctx).
		Where("group_id = ? AND user_id = ?", req.GroupID, req.UserID).
		First(&approver).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && approver.Role == db.RoleMember) {
		return &protocol.AcceptGroupResp{Result: protocol.Fail("not allowed to approve for this group")}
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Approver lookup failed")
		return &protocol.AcceptGroupResp{Result: protocol.Fail("internal error")}
	}

	var apply db.GroupRequest
	err = s.db.Read().WithContext(ctx).
		Where("group_id = ? AND user_id = ? AND status = ?", req.GroupID, req.ApplicantID, db.RequestPending).
		First(&apply).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &protocol.AcceptGroupResp{Result: protocol.Fail("no pending application")}
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Application lookup failed")
		return &protocol.AcceptGroupResp{Result: protocol.Fail("internal error")}
	}

	status := db.RequestRejected
	if req.Accept {
		status = db.RequestAccepted
	}
	err = s.db.Write().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.GroupRequest{}).Where("id = ?", apply.ID).Update("status", status).Error; err != nil {
			return err
		}
		if !req.Accept {
			return nil
		}
		member := db.GroupMember{GroupID: req.GroupID, UserID: req.ApplicantID, Role: db.RoleMember}
		return tx.Save(&member).Error
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Group acceptance failed")
		return &protocol.AcceptGroupResp{Result: protocol.Fail("internal error")}
	}

	if req.Accept {
		s.systemNotice(ctx, req.UserID, req.ApplicantID, protocol.MsgTypeSystem,
			fmt.Sprintf("your application to group %d was accepted", req.GroupID))
	}
	return &protocol.AcceptGroupResp{Result: protocol.OK()}
}

func (s *Service) systemNotice(ctx context.Context, from, to int64, msgType int32, content string) {
	if s.sender == nil {
		return
	}
	if err := s.sender.SendSystem(ctx, from, to, msgType, content); err != nil {
		s.log.Warn().Err(err).Int64("to", to).Msg("System notice delivery failed")
	}
}

func (s *Service) groupNotice(ctx context.Context, from, groupID int64, content string) {
	if s.sender == nil {
		return
	}
	if err := s.sender.SendGroupSystem(ctx, from, groupID, content); err != nil {
		s.log.Warn().Err(err).Int64("group_id", groupID).Msg("Group notice delivery failed")
	}
}
