package db

import "time"

// Relation status values.
const (
	RelationPending  = 0
	RelationAccepted = 1
	RelationBlocked  = 2
)

// Group member roles.
const (
	RoleMember = 0
	RoleAdmin  = 1
	RoleOwner  = 2
)

// Friend request status values.
const (
	RequestPending  = 0
	RequestAccepted = 1
	RequestRejected = 2
)

// User is durable account state. Immutable after register except the
// nickname.
type User struct {
	UserID    int64  `gorm:"column:user_id;primaryKey;autoIncrement"`
	Username  string `gorm:"column:username;size:64;uniqueIndex"`
	Password  string `gorm:"column:password;size:128"`
	Nickname  string `gorm:"column:nickname;size:64"`
	CreatedAt time.Time
}

func (User) TableName() string { return "user" }

// MessageBody is written once per send and never mutated. GroupID is 0
// for single chat.
type MessageBody struct {
	MsgID     int64  `gorm:"column:msg_id;primaryKey;autoIncrement"`
	SenderID  int64  `gorm:"column:sender_id;index"`
	GroupID   int64  `gorm:"column:group_id"`
	Type      int32  `gorm:"column:type"`
	Content   string `gorm:"column:content"`
	CreatedAt time.Time
}

func (MessageBody) TableName() string { return "message_body" }

// MessageIndex is one owner-timeline entry. seq_id is strictly monotone
// per owner_id; one body may be referenced by many index rows (group
// fan-out).
type MessageIndex struct {
	OwnerID  int64 `gorm:"column:owner_id;primaryKey;autoIncrement:false"`
	SeqID    int64 `gorm:"column:seq_id;primaryKey;autoIncrement:false"`
	OtherID  int64 `gorm:"column:other_id"`
	MsgID    int64 `gorm:"column:msg_id;index"`
	IsSender bool  `gorm:"column:is_sender"`
}

func (MessageIndex) TableName() string { return "message_index" }

type Relation struct {
	UserID   int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	FriendID int64 `gorm:"column:friend_id;primaryKey;autoIncrement:false"`
	Status   int   `gorm:"column:status"`
}

func (Relation) TableName() string { return "relation" }

type FriendRequest struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID   int64  `gorm:"column:user_id;index"`
	FriendID int64  `gorm:"column:friend_id;index"`
	Remark   string `gorm:"column:remark;size:255"`
	Status   int    `gorm:"column:status"`
}

func (FriendRequest) TableName() string { return "friend_request" }

type GroupRequest struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GroupID int64  `gorm:"column:group_id;index"`
	UserID  int64  `gorm:"column:user_id;index"`
	Remark  string `gorm:"column:remark;size:255"`
	Status  int    `gorm:"column:status"`
}

func (GroupRequest) TableName() string { return "group_request" }

type Group struct {
	GroupID int64  `gorm:"column:group_id;primaryKey;autoIncrement"`
	Name    string `gorm:"column:name;size:64"`
	OwnerID int64  `gorm:"column:owner_id"`
}

func (Group) TableName() string { return "group" }

type GroupMember struct {
	GroupID int64 `gorm:"column:group_id;primaryKey;autoIncrement:false"`
	UserID  int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Role    int   `gorm:"column:role"`
}

func (GroupMember) TableName() string { return "group_member" }
