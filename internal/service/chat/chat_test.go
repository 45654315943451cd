package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyim/tinyim/internal/db"
	"github.com/tinyim/tinyim/internal/kv"
	"github.com/tinyim/tinyim/internal/protocol"
	"github.com/tinyim/tinyim/internal/push"
)

// recordingDirector captures pushes instead of touching a broker.
type recordingDirector struct {
	mu       sync.Mutex
	notifies []recordedNotify
}

type recordedNotify struct {
	addr string
	req  push.NotifyReq
}

func (d *recordingDirector) Get(addr string) push.Notifier {
	return &recordingNotifier{d: d, addr: addr}
}

func (d *recordingDirector) all() []recordedNotify {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedNotify(nil), d.notifies...)
}

type recordingNotifier struct {
	d    *recordingDirector
	addr string
}

func (n *recordingNotifier) PushNotify(_ context.Context, req push.NotifyReq) error {
	n.d.mu.Lock()
	defer n.d.mu.Unlock()
	n.d.notifies = append(n.d.notifies, recordedNotify{addr: n.addr, req: req})
	return nil
}

func (n *recordingNotifier) KickUser(context.Context, push.KickReq) error { return nil }

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(db.Config{
		Driver:       db.DriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, d.AutoMigrate())
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestService(t *testing.T) (*Service, *kv.Memory, *recordingDirector, *db.DB) {
	t.Helper()
	store := kv.NewMemory()
	director := &recordingDirector{}
	database := openTestDB(t)
	svc := New(database, store, director, zerolog.Nop())
	return svc, store, director, database
}

func befriend(t *testing.T, database *db.DB, a, b int64) {
	t.Helper()
	for _, pair := range [][2]int64{{a, b}, {b, a}} {
		rel := db.Relation{UserID: pair[0], FriendID: pair[1], Status: db.RelationAccepted}
		require.NoError(t, database.Write().Create(&rel).Error)
	}
}

func enroll(t *testing.T, database *db.DB, groupID int64, role int, users ...int64) {
	t.Helper()
	for _, uid := range users {
		m := db.GroupMember{GroupID: groupID, UserID: uid, Role: role}
		require.NoError(t, database.Write().Create(&m).Error)
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	resp := svc.SendMessage(ctx, &protocol.SendMessageReq{SenderID: 1, ReceiverID: 2})
	assert.False(t, resp.Success, "empty content")

	resp = svc.SendMessage(ctx, &protocol.SendMessageReq{SenderID: 1, Content: "hi"})
	assert.False(t, resp.Success, "no recipient")

	resp = svc.SendMessage(ctx, &protocol.SendMessageReq{SenderID: 1, ReceiverID: 2, GroupID: 3, Content: "hi"})
	assert.False(t, resp.Success, "both recipient kinds")
}

func TestSendSingleRequiresFriendship(t *testing.T) {
	svc, _, director, _ := newTestService(t)

	resp := svc.SendMessage(context.Background(), &protocol.SendMessageReq{
		SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: "hi",
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "not friends with receiver", resp.ErrorMessage)
	assert.Empty(t, director.all())
}

func TestSendSingleHappyPath(t *testing.T) {
	svc, store, director, database := newTestService(t)
	ctx := context.Background()
	befriend(t, database, 1, 2)
	require.NoError(t, store.PutLocation(ctx, 2, "phone", "gwpush.b", time.Minute))

	resp := svc.SendMessage(ctx, &protocol.SendMessageReq{
		SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: "hello",
	})
	require.True(t, resp.Success, resp.ErrorMessage)
	assert.Positive(t, resp.MsgID)
	assert.Equal(t, int64(1), resp.SeqID)

	// One body, one index row per timeline.
	var bodies []db.MessageBody
	require.NoError(t, database.Read().Find(&bodies).Error)
	require.Len(t, bodies, 1)
	assert.Equal(t, "hello", bodies[0].Content)

	var rows []db.MessageIndex
	require.NoError(t, database.Read().Order("owner_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].OwnerID)
	assert.True(t, rows[0].IsSender)
	assert.Equal(t, int64(2), rows[1].OwnerID)
	assert.False(t, rows[1].IsSender)
	assert.Equal(t, resp.MsgID, rows[1].MsgID)

	// Receiver notified at their gateway, sender not.
	notifies := director.all()
	require.Len(t, notifies, 1)
	assert.Equal(t, "gwpush.b", notifies[0].addr)
	assert.Equal(t, int64(2), notifies[0].req.UserID)
	assert.Equal(t, int64(1), notifies[0].req.MaxSeq)
	assert.Equal(t, "phone", notifies[0].req.Device)
}

func TestSendSingleReturnsReceiverSeq(t *testing.T) {
	svc, _, _, database := newTestService(t)
	ctx := context.Background()
	befriend(t, database, 1, 2)

	// A notice from a third user advances owner 1's timeline first, so
	// sender and receiver seqs diverge.
	require.True(t, svc.SendMessage(ctx, &protocol.SendMessageReq{
		SenderID: 3, ReceiverID: 1, Type: protocol.MsgTypeSystem, Content: "notice",
	}).Success)

	resp := svc.SendMessage(ctx, &protocol.SendMessageReq{
		SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: "hello",
	})
	require.True(t, resp.Success, resp.ErrorMessage)
	assert.Equal(t, int64(1), resp.SeqID, "seq assigned on the receiver's timeline, not the sender's")

	var row db.MessageIndex
	require.NoError(t, database.Read().Where("owner_id = ? AND msg_id = ?", int64(2), resp.MsgID).First(&row).Error)
	assert.Equal(t, row.SeqID, resp.SeqID)
}

func TestSendSystemNoticeBypassesFriendship(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	resp := svc.SendMessage(context.Background(), &protocol.SendMessageReq{
		SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeFriendReq, Content: "friend application",
	})
	assert.True(t, resp.Success, resp.ErrorMessage)
}

func TestSendSeqMonotonePerOwner(t *testing.T) {
	svc, _, _, database := newTestService(t)
	ctx := context.Background()
	befriend(t, database, 1, 2)

	for want := int64(1); want <= 5; want++ {
		resp := svc.SendMessage(ctx, &protocol.SendMessageReq{
			SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: fmt.Sprintf("m%d", want),
		})
		require.True(t, resp.Success)
		assert.Equal(t, want, resp.SeqID)
	}
}

func TestSendGroupRequiresMembership(t *testing.T) {
	svc, _, _, database := newTestService(t)
	require.NoError(t, database.Write().Create(&db.Group{GroupID: 10, Name: "g", OwnerID: 2}).Error)
	enroll(t, database, 10, db.RoleMember, 2, 3)

	resp := svc.SendMessage(context.Background(), &protocol.SendMessageReq{
		SenderID: 1, GroupID: 10, Type: protocol.MsgTypeText, Content: "hi",
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "not a member of the group", resp.ErrorMessage)
}

func TestSendGroupFanOutExcludesSender(t *testing.T) {
	svc, store, director, database := newTestService(t)
	ctx := context.Background()
	require.NoError(t, database.Write().Create(&db.Group{GroupID: 10, Name: "g", OwnerID: 1}).Error)
	enroll(t, database, 10, db.RoleMember, 1, 2, 3)
	require.NoError(t, store.PutLocation(ctx, 2, "phone", "gwpush.b", time.Minute))
	require.NoError(t, store.PutLocation(ctx, 3, "web", "gwpush.c", time.Minute))

	resp := svc.SendMessage(ctx, &protocol.SendMessageReq{
		SenderID: 1, GroupID: 10, Type: protocol.MsgTypeText, Content: "hey group",
	})
	require.True(t, resp.Success, resp.ErrorMessage)
	assert.Zero(t, resp.SeqID, "no single receiver seq for a group send")

	var rows []db.MessageIndex
	require.NoError(t, database.Read().Order("owner_id").Find(&rows).Error)
	require.Len(t, rows, 3, "one timeline row per member")
	for _, row := range rows {
		assert.Equal(t, int64(10), row.OtherID)
		assert.Equal(t, resp.MsgID, row.MsgID)
		assert.Equal(t, row.OwnerID == 1, row.IsSender)
	}

	notified := map[int64]bool{}
	for _, n := range director.all() {
		notified[n.req.UserID] = true
	}
	assert.Equal(t, map[int64]bool{2: true, 3: true}, notified, "sender must not be notified")
}

func TestSyncForward(t *testing.T) {
	svc, _, _, database := newTestService(t)
	ctx := context.Background()
	befriend(t, database, 1, 2)

	for i := 1; i <= 4; i++ {
		resp := svc.SendMessage(ctx, &protocol.SendMessageReq{
			SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: fmt.Sprintf("m%d", i),
		})
		require.True(t, resp.Success)
	}

	// Receiver syncs from scratch.
	sync := svc.SyncMessages(ctx, &protocol.SyncMessagesReq{UserID: 2, LocalSeq: 0})
	require.True(t, sync.Success)
	assert.Equal(t, int64(4), sync.MaxSeq)
	require.Len(t, sync.Msgs, 4)
	for i, item := range sync.Msgs {
		assert.Equal(t, int64(i+1), item.SeqID, "ascending seq order")
		assert.Equal(t, fmt.Sprintf("m%d", i+1), item.Content)
		assert.Equal(t, int64(1), item.SenderID)
	}

	// Incremental sync picks up only the tail.
	tail := svc.SyncMessages(ctx, &protocol.SyncMessagesReq{UserID: 2, LocalSeq: 2})
	require.True(t, tail.Success)
	require.Len(t, tail.Msgs, 2)
	assert.Equal(t, int64(3), tail.Msgs[0].SeqID)
	assert.Equal(t, int64(4), tail.Msgs[1].SeqID)
}

func TestSyncReverseReturnsLatest(t *testing.T) {
	svc, _, _, database := newTestService(t)
	ctx := context.Background()
	befriend(t, database, 1, 2)

	for i := 1; i <= 5; i++ {
		require.True(t, svc.SendMessage(ctx, &protocol.SendMessageReq{
			SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: fmt.Sprintf("m%d", i),
		}).Success)
	}

	// local_seq does not narrow a reverse read; the newest rows come
	// back regardless of the caller's watermark.
	page := svc.SyncMessages(ctx, &protocol.SyncMessagesReq{UserID: 2, LocalSeq: 0, Limit: 2, Reverse: true})
	require.True(t, page.Success)
	require.Len(t, page.Msgs, 2)
	assert.Equal(t, int64(5), page.Msgs[0].SeqID, "newest first")
	assert.Equal(t, int64(4), page.Msgs[1].SeqID)
	assert.Equal(t, int64(5), page.MaxSeq)

	same := svc.SyncMessages(ctx, &protocol.SyncMessagesReq{UserID: 2, LocalSeq: 4, Limit: 2, Reverse: true})
	require.True(t, same.Success)
	require.Len(t, same.Msgs, 2)
	assert.Equal(t, int64(5), same.Msgs[0].SeqID)
}

func TestSyncReverseFindsOfflineMessage(t *testing.T) {
	svc, _, _, database := newTestService(t)
	ctx := context.Background()
	befriend(t, database, 1, 2)

	require.True(t, svc.SendMessage(ctx, &protocol.SendMessageReq{
		SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: "while you were away",
	}).Success)

	// A fresh client starts at local_seq 0 and reads backwards.
	resp := svc.SyncMessages(ctx, &protocol.SyncMessagesReq{UserID: 2, LocalSeq: 0, Limit: 5, Reverse: true})
	require.True(t, resp.Success)
	require.Len(t, resp.Msgs, 1)
	assert.Equal(t, "while you were away", resp.Msgs[0].Content)
}

func TestSyncLimitDefaultsAndCaps(t *testing.T) {
	svc, _, _, database := newTestService(t)
	ctx := context.Background()
	befriend(t, database, 1, 2)

	for i := 0; i < 15; i++ {
		require.True(t, svc.SendMessage(ctx, &protocol.SendMessageReq{
			SenderID: 1, ReceiverID: 2, Type: protocol.MsgTypeText, Content: "x",
		}).Success)
	}

	def := svc.SyncMessages(ctx, &protocol.SyncMessagesReq{UserID: 2, LocalSeq: 0})
	require.True(t, def.Success)
	assert.Len(t, def.Msgs, defaultSyncLimit)
	assert.Equal(t, int64(defaultSyncLimit), def.MaxSeq, "max_seq is the greatest seq in the returned page")

	// Resuming from the reported max_seq picks up the remainder.
	rest := svc.SyncMessages(ctx, &protocol.SyncMessagesReq{UserID: 2, LocalSeq: def.MaxSeq})
	require.True(t, rest.Success)
	require.Len(t, rest.Msgs, 5)
	assert.Equal(t, def.MaxSeq+1, rest.Msgs[0].SeqID)
	assert.Equal(t, int64(15), rest.MaxSeq)
}

func TestSyncEmptyTimeline(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	resp := svc.SyncMessages(context.Background(), &protocol.SyncMessagesReq{UserID: 7, LocalSeq: 0})
	require.True(t, resp.Success)
	assert.Empty(t, resp.Msgs)
	assert.Zero(t, resp.MaxSeq)

	// With nothing to return, max_seq echoes the caller's watermark.
	ahead := svc.SyncMessages(context.Background(), &protocol.SyncMessagesReq{UserID: 7, LocalSeq: 3})
	require.True(t, ahead.Success)
	assert.Equal(t, int64(3), ahead.MaxSeq)
}
