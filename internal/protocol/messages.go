package protocol

// Frame bodies are JSON. Field names follow the wire contract; zero
// values are omitted only where clients tolerate absence.

// Message types carried in SendMessageReq.Type / MsgPushNotify.Type.
const (
	MsgTypeText      int32 = 0
	MsgTypeSystem    int32 = 1
	MsgTypeFriendReq int32 = 2
)

// Result is embedded in every response body. Logic failures travel
// here, never as transport errors.
type Result struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func Fail(msg string) Result {
	return Result{Success: false, ErrorMessage: msg}
}

func OK() Result {
	return Result{Success: true}
}

// --- auth ---

type RegisterReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

type RegisterResp struct {
	Result
	UserID int64 `json:"user_id,omitempty"`
}

type LoginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

type LoginResp struct {
	Result
	UserID   int64  `json:"user_id,omitempty"`
	Token    string `json:"token,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

type LogoutReq struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token,omitempty"`
	Device string `json:"device,omitempty"`
}

type LogoutResp struct {
	Result
}

// --- chat ---

type SendMessageReq struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id,omitempty"`
	GroupID    int64  `json:"group_id,omitempty"`
	Type       int32  `json:"type"`
	Content    string `json:"content"`
}

type SendMessageResp struct {
	Result
	MsgID int64 `json:"msg_id,omitempty"`
	SeqID int64 `json:"seq_id,omitempty"`
}

// MsgPushNotify is the body of the server-initiated CMD_MSG_PUSH_NOTIFY
// signal: "you have messages up to max_seq, come and sync".
type MsgPushNotify struct {
	MaxSeq int64 `json:"max_seq"`
	Type   int32 `json:"type"`
}

type SyncMessagesReq struct {
	UserID   int64 `json:"user_id"`
	LocalSeq int64 `json:"local_seq"`
	Limit    int32 `json:"limit"`
	Reverse  bool  `json:"reverse,omitempty"`
}

type MessageItem struct {
	SeqID     int64  `json:"seq_id"`
	MsgID     int64  `json:"msg_id"`
	SenderID  int64  `json:"sender_id"`
	GroupID   int64  `json:"group_id,omitempty"`
	Type      int32  `json:"type"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type SyncMessagesResp struct {
	Result
	Msgs   []MessageItem `json:"msgs"`
	MaxSeq int64         `json:"max_seq"`
}

// --- relation: friends ---

type ApplyFriendReq struct {
	UserID   int64  `json:"user_id"`
	FriendID int64  `json:"friend_id"`
	Remark   string `json:"remark,omitempty"`
}

type ApplyFriendResp struct {
	Result
	ApplyID int64 `json:"apply_id,omitempty"`
}

type AcceptFriendReq struct {
	UserID      int64 `json:"user_id"`
	RequesterID int64 `json:"requester_id"`
	Accept      bool  `json:"accept"`
}

type AcceptFriendResp struct {
	Result
}

type GetFriendListReq struct {
	UserID int64 `json:"user_id"`
}

type FriendItem struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

type GetFriendListResp struct {
	Result
	Friends []FriendItem `json:"friends"`
}

// --- relation: groups ---

type CreateGroupReq struct {
	OwnerID        int64   `json:"owner_id"`
	GroupName      string  `json:"group_name"`
	InitialMembers []int64 `json:"initial_members,omitempty"`
}

type CreateGroupResp struct {
	Result
	GroupID int64 `json:"group_id,omitempty"`
}

type JoinGroupReq struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
}

type JoinGroupResp struct {
	Result
}

type GetGroupListReq struct {
	UserID int64 `json:"user_id"`
}

type GroupItem struct {
	GroupID   int64  `json:"group_id"`
	GroupName string `json:"group_name"`
	OwnerID   int64  `json:"owner_id"`
}

type GetGroupListResp struct {
	Result
	Groups []GroupItem `json:"groups"`
}

type ApplyGroupReq struct {
	UserID  int64  `json:"user_id"`
	GroupID int64  `json:"group_id"`
	Remark  string `json:"remark,omitempty"`
}

type ApplyGroupResp struct {
	Result
	ApplyID int64 `json:"apply_id,omitempty"`
}

type AcceptGroupReq struct {
	UserID      int64 `json:"user_id"`
	GroupID     int64 `json:"group_id"`
	ApplicantID int64 `json:"applicant_id"`
	Accept      bool  `json:"accept"`
}

type AcceptGroupResp struct {
	Result
}
