package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-talk/internal/config"
	"github.com/weiawesome/wes-io-talk/internal/conversation"
	"github.com/weiawesome/wes-io-talk/internal/domain"
	"github.com/weiawesome/wes-io-talk/internal/gateway"
	"github.com/weiawesome/wes-io-talk/internal/hub"
	"github.com/weiawesome/wes-io-talk/internal/message"
	"github.com/weiawesome/wes-io-talk/internal/presence"
	"github.com/weiawesome/wes-io-talk/internal/room"
	"github.com/weiawesome/wes-io-talk/internal/search"
	"github.com/weiawesome/wes-io-talk/internal/signal"
	"github.com/weiawesome/wes-io-talk/pkg/jwt"
)

type fakeProducer struct {
	mu    sync.Mutex
	msgs  []*domain.ChatMessage
	reads []string
}

func (p *fakeProducer) ProduceMessage(ctx context.Context, msg *domain.ChatMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakeProducer) ProduceRead(ctx context.Context, roomID, readerID string, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, roomID+"/"+readerID)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) readEvents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reads...)
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
}

func (f *fakeIndexer) Index(ctx context.Context, msg *domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, msg.ID)
	return nil
}

func (f *fakeIndexer) Search(ctx context.Context, roomID, query string, offset, limit int) ([]*search.Hit, int, error) {
	return []*search.Hit{{ID: "m1", RoomID: roomID, Message: query}}, 1, nil
}

// unavailableStore fails every append.
type unavailableStore struct {
	message.Store
}

func (unavailableStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	return nil, domain.ErrUnavailable
}

type fixture struct {
	hub      *hub.Hub
	store    message.Store
	chat     ChatService
	calls    CallService
	tokens   *jwt.Manager
	producer *fakeProducer
	indexer  *fakeIndexer
}

type option func(*ChatDeps)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(config.WebSocketConfig{SendBuffer: 64})
	go h.Run(ctx)

	tracker := presence.NewTracker(time.Minute)
	t.Cleanup(tracker.Close)

	tokens, err := jwt.NewManager(jwt.Config{Secret: "test-secret"})
	require.NoError(t, err)

	store := message.NewMemoryStore(message.Options{})
	resolver := room.NewResolver(room.NewMemoryRosterRepository(), store)
	f := &fixture{
		hub:      h,
		store:    store,
		tokens:   tokens,
		producer: &fakeProducer{},
		indexer:  &fakeIndexer{},
	}

	deps := ChatDeps{
		Resolver:   resolver,
		Store:      store,
		Aggregator: conversation.NewAggregator(store, 4),
		Gateway:    gateway.New(h, tracker, nil, "test"),
		Tokens:     tokens,
		Producer:   f.producer,
		Indexer:    f.indexer,
	}
	for _, o := range opts {
		o(&deps)
	}
	f.chat, err = NewChatService(deps)
	require.NoError(t, err)
	f.calls = NewCallService(resolver, signal.NewRelay(h, signal.NewMemoryRosterStore(), nil, "test"))
	return f
}

func (f *fixture) connect(t *testing.T, id string) *hub.Client {
	t.Helper()
	c := hub.NewClient(id, f.hub, nil, config.WebSocketConfig{SendBuffer: 64})
	f.hub.Register(c)
	c.OnDisconnect(func(c *hub.Client) {
		f.chat.HandleDisconnect(context.Background(), c)
		f.calls.HandleDisconnect(context.Background(), c)
	})
	return c
}

// login connects and authenticates userID.
func (f *fixture) login(t *testing.T, id, userID string, role domain.SenderRole) *hub.Client {
	t.Helper()
	c := f.connect(t, id)
	token, err := f.tokens.Sign(userID, string(role), userID, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.chat.HandleAuth(context.Background(), c, token))
	ev := next(t, c)
	require.Equal(t, domain.MsgTypeAuthResult, ev["type"])
	require.Equal(t, true, ev["success"])
	return c
}

func (f *fixture) join(t *testing.T, c *hub.Client, roomID string) map[string]interface{} {
	t.Helper()
	require.NoError(t, f.chat.HandleJoinRoom(context.Background(), c, roomID))
	return nextOfType(t, c, domain.MsgTypeRoomJoined)
}

func next(t *testing.T, c *hub.Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.Send:
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s received nothing", c.ID)
	}
	return nil
}

func nextOfType(t *testing.T, c *hub.Client, eventType string) map[string]interface{} {
	t.Helper()
	for {
		ev := next(t, c)
		if ev["type"] == eventType {
			return ev
		}
	}
}

func silent(t *testing.T, c *hub.Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("client %s got unexpected %s", c.ID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

// drain discards whatever is queued for c.
func drain(c *hub.Client) {
	for {
		select {
		case <-c.Send:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestAuthHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.connect(t, "c1")

	err := f.chat.HandleAuth(ctx, c, "garbage")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	ev := next(t, c)
	assert.Equal(t, domain.MsgTypeAuthResult, ev["type"])
	assert.Equal(t, false, ev["success"])
	assert.False(t, c.Session.IsAuthenticated())

	token, err := f.tokens.Sign("u1", "recruiter", "Uma", time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.chat.HandleAuth(ctx, c, token))
	ev = next(t, c)
	assert.Equal(t, true, ev["success"])
	assert.Equal(t, "u1", ev["user_id"])
	assert.Equal(t, "recruiter", ev["role"])
	assert.Equal(t, domain.RoleRecruiter, c.Session.GetRole())

	other, err := f.tokens.Sign("u2", "candidate", "", time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, f.chat.HandleAuth(ctx, c, other), domain.ErrForbidden)
	assert.Equal(t, "u1", c.Session.GetUserID())
}

func TestActionsRequireAuth(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "c1")

	err := f.chat.HandleJoinRoom(context.Background(), c, "u1_u2")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	ev := next(t, c)
	assert.Equal(t, domain.ErrCodeUnauthorized, ev["code"])

	err = f.calls.HandleJoinCall(context.Background(), c, &domain.CallJoinMessage{Topology: domain.TopologyDirect, CallID: "u1_u2"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestJoinRoomRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outsider := f.login(t, "c3", "u3", domain.RoleCandidate)
	err := f.chat.HandleJoinRoom(ctx, outsider, "u1_u2")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.ErrCodeForbidden, next(t, outsider)["code"])
	assert.False(t, outsider.Session.InRoom("u1_u2"))

	u1 := f.login(t, "c1", "u1", domain.RoleCandidate)
	ev := f.join(t, u1, "u1_u2")
	assert.Equal(t, []interface{}{"u1", "u2"}, ev["participants"])
	assert.EqualValues(t, 0, ev["unread_count"])
	online := ev["online"].([]interface{})
	require.Len(t, online, 1)
	assert.Equal(t, "u1", online[0].(map[string]interface{})["user_id"])

	assert.ErrorIs(t, f.chat.HandleJoinRoom(ctx, u1, "bad room"), domain.ErrValidation)
}

func TestSendMessageAcksAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u1 := f.login(t, "c1", "u1", domain.RoleRecruiter)
	u2 := f.login(t, "c2", "u2", domain.RoleCandidate)
	f.join(t, u2, "u1_u2")
	f.join(t, u1, "u1_u2")
	drain(u2)

	require.NoError(t, f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{
		RoomID:      "u1_u2",
		ClientMsgID: "tmp-1",
		Message:     "  hello  ",
	}))

	ack := next(t, u1)
	assert.Equal(t, domain.MsgTypeMessageSent, ack["type"])
	assert.Equal(t, "tmp-1", ack["client_msg_id"])
	sent := ack["message"].(map[string]interface{})
	assert.Equal(t, "hello", sent["message"])
	assert.Equal(t, "recruiter", sent["senderRole"])
	assert.EqualValues(t, 1, sent["seq"])

	created := next(t, u2)
	assert.Equal(t, domain.MsgTypeMessageCreated, created["type"])
	assert.Equal(t, sent["id"], created["message"].(map[string]interface{})["id"])
	silent(t, u1)

	assert.Equal(t, 1, f.producer.count())
	assert.Len(t, f.indexer.indexed, 1)

	n, err := f.chat.UnreadCount(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRejectedSendIsNotBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u1 := f.login(t, "c1", "u1", domain.RoleCandidate)
	u2 := f.login(t, "c2", "u2", domain.RoleCandidate)
	f.join(t, u2, "u1_u2")
	f.join(t, u1, "u1_u2")
	drain(u2)

	err := f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{RoomID: "u1_u2", ClientMsgID: "tmp-1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	ev := next(t, u1)
	assert.Equal(t, domain.ErrCodeBadRequest, ev["code"])
	assert.Equal(t, "tmp-1", ev["client_msg_id"])

	err = f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{RoomID: "u1_u2", SenderRole: "admin", Message: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	next(t, u1)

	err = f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{RoomID: "u1_u2", SenderRole: domain.RoleSystem, Message: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	next(t, u1)

	err = f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{RoomID: "u2_u3", Message: "x"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	next(t, u1)

	silent(t, u2)
	msgs, err := f.store.List(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Zero(t, f.producer.count())
}

func TestSenderRoleComesFromSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u1 := f.login(t, "c1", "u1", domain.RoleCandidate)
	u2 := f.login(t, "c2", "u2", domain.RoleRecruiter)
	f.join(t, u2, "u1_u2")
	f.join(t, u1, "u1_u2")
	drain(u2)

	err := f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{RoomID: "u1_u2", SenderRole: domain.RoleRecruiter, Message: "x", ClientMsgID: "tmp-2"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	ev := next(t, u1)
	assert.Equal(t, domain.ErrCodeBadRequest, ev["code"])
	assert.Equal(t, "tmp-2", ev["client_msg_id"])

	silent(t, u2)
	msgs, err := f.store.List(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{RoomID: "u1_u2", SenderRole: domain.RoleCandidate, Message: "y"}))
	msgs, err = f.store.List(ctx, "u1_u2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleCandidate, msgs[0].SenderRole)
}

func TestStorageFailureIsRetryable(t *testing.T) {
	f := newFixture(t, func(d *ChatDeps) { d.Store = unavailableStore{d.Store} })
	ctx := context.Background()

	u1 := f.login(t, "c1", "u1", domain.RoleCandidate)
	u2 := f.login(t, "c2", "u2", domain.RoleCandidate)
	f.join(t, u2, "u1_u2")
	f.join(t, u1, "u1_u2")
	drain(u2)

	err := f.chat.HandleSendMessage(ctx, u1, &domain.SendMessageWS{RoomID: "u1_u2", ClientMsgID: "tmp-9", Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	ev := next(t, u1)
	assert.Equal(t, domain.ErrCodeUnavailable, ev["code"])
	assert.Equal(t, "tmp-9", ev["client_msg_id"])
	assert.Equal(t, true, ev["retryable"])
	silent(t, u2)
	assert.Zero(t, f.producer.count())
}

func TestUnreadCountsAndReadOnFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.chat.UnreadCount(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		_, err := f.chat.SendMessage(ctx, "u1", domain.RoleRecruiter, &domain.ChatMessage{RoomID: "u1_u2", Message: "ping"})
		require.NoError(t, err)
	}
	_, err = f.chat.SendMessage(ctx, "u2", domain.RoleCandidate, &domain.ChatMessage{RoomID: "u1_u2", Message: "pong"})
	require.NoError(t, err)

	n, err = f.chat.UnreadCount(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = f.chat.UnreadCount(ctx, "u1_u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u1 := f.login(t, "c1", "u1", domain.RoleRecruiter)
	f.join(t, u1, "u1_u2")

	msgs, more, err := f.chat.ListMessages(ctx, "u1_u2", "u2", 0, 0)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.EqualValues(t, i+1, m.Seq)
		assert.True(t, m.ReadBy["u2"])
	}

	receipt := nextOfType(t, u1, domain.MsgTypeMessagesRead)
	assert.Equal(t, "u2", receipt["reader_id"])
	assert.EqualValues(t, 4, receipt["count"])

	n, err = f.chat.UnreadCount(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	assert.Zero(t, n)

	read, err := f.chat.MarkRead(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	assert.Zero(t, read)
	silent(t, u1)
	assert.Equal(t, []string{"u1_u2/u2"}, f.producer.readEvents())

	page, more, err := f.chat.ListMessages(ctx, "u1_u2", "u2", 1, 2)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.EqualValues(t, 2, page[0].Seq)

	_, _, err = f.chat.ListMessages(ctx, "u1_u2", "u3", 0, 0)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSenderIDPattern(t *testing.T) {
	f := newFixture(t, func(d *ChatDeps) { d.SenderIDPattern = `^[0-9a-f]{24}$` })
	ctx := context.Background()

	_, err := f.chat.SendMessage(ctx, "u1", domain.RoleCandidate, &domain.ChatMessage{RoomID: "u1_u2", Message: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	a, b := "64b7f0c2a1e4b5d6c7e8f901", "64b7f0c2a1e4b5d6c7e8f902"
	_, err = f.chat.SendMessage(ctx, a, domain.RoleCandidate, &domain.ChatMessage{RoomID: a + "_" + b, Message: "x"})
	assert.NoError(t, err)

	_, err = NewChatService(ChatDeps{SenderIDPattern: "("})
	assert.Error(t, err)
}

func TestGroupLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g1, err := f.chat.CreateGroup(ctx, "Team A", "creator1", []string{"m1", "m2"})
	require.NoError(t, err)
	g2, err := f.chat.CreateGroup(ctx, "Team A", "creator1", []string{"m1", "m2"})
	require.NoError(t, err)
	assert.NotEqual(t, g1.ID, g2.ID)
	assert.Equal(t, []string{"creator1", "m1", "m2"}, g1.Members)

	_, err = f.chat.GroupRoom(ctx, g1.ID, "outsider")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	got, err := f.chat.GroupRoom(ctx, g1.ID, "m2")
	require.NoError(t, err)
	assert.Equal(t, "Team A", got.Name)

	groups, err := f.chat.Groups(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, groups, 2)

	msgs, _, err := f.chat.ListMessages(ctx, g1.ID, "m1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleSystem, msgs[0].SenderRole)
	assert.Equal(t, `Group "Team A" created`, msgs[0].Message)

	_, err = f.chat.SendMessage(ctx, "m2", domain.RoleCandidate, &domain.ChatMessage{RoomID: g1.ID, Message: "hi all"})
	assert.NoError(t, err)
	_, err = f.chat.SendMessage(ctx, "outsider", domain.RoleCandidate, &domain.ChatMessage{RoomID: g1.ID, Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.chat.SendMessage(ctx, "m1", domain.RoleCandidate, &domain.ChatMessage{RoomID: "group_missing", Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConversationsAndInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.chat.SendMessage(ctx, "u1", domain.RoleRecruiter, &domain.ChatMessage{RoomID: "u1_u2", Message: "first"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.chat.SendMessage(ctx, "u3", domain.RoleCandidate, &domain.ChatMessage{RoomID: "u1_u3", Gif: "https://g/1.gif"})
	require.NoError(t, err)

	inbox, err := f.chat.Inbox(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "u3", inbox[0].CounterpartID)
	assert.Equal(t, "[gif]", inbox[0].LastMessage)
	assert.Equal(t, 1, inbox[0].UnreadCount)
	assert.Equal(t, "u2", inbox[1].CounterpartID)

	summaries, err := f.chat.Conversations(ctx, "u1", []string{"u2", "u4"})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "first", summaries[0].LastMessage)
	assert.True(t, summaries[1].Empty())
}

func TestSearchIsAuthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hits, total, err := f.chat.Search(ctx, "u1_u2", "u1", "offer", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "u1_u2", hits[0].RoomID)

	_, _, err = f.chat.Search(ctx, "u1_u2", "u3", "offer", 0, 10)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	disabled := newFixture(t, func(d *ChatDeps) { d.Indexer = nil })
	_, _, err = disabled.chat.Search(ctx, "u1_u2", "u1", "offer", 0, 10)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestTypingAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u1 := f.login(t, "c1", "u1", domain.RoleCandidate)
	u2 := f.login(t, "c2", "u2", domain.RoleCandidate)
	f.join(t, u2, "u1_u2")
	f.join(t, u1, "u1_u2")
	drain(u2)

	require.NoError(t, f.chat.HandleTyping(ctx, u1, "u1_u2", true))
	ev := next(t, u2)
	assert.Equal(t, domain.MsgTypeTypingChanged, ev["type"])
	assert.Equal(t, true, ev["typing"])

	assert.ErrorIs(t, f.chat.HandleTyping(ctx, u1, "u1_u3", true), domain.ErrForbidden)

	u1.Close()
	ev = nextOfType(t, u2, domain.MsgTypePresenceChanged)
	assert.Equal(t, "u1", ev["user_id"])
	assert.Equal(t, false, ev["online"])
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u1 := f.login(t, "c1", "u1", domain.RoleCandidate)
	assert.ErrorIs(t, f.chat.HandleLeaveRoom(ctx, u1, "u1_u2"), domain.ErrForbidden)
	next(t, u1)

	f.join(t, u1, "u1_u2")
	require.NoError(t, f.chat.HandleLeaveRoom(ctx, u1, "u1_u2"))
	assert.Equal(t, domain.MsgTypeRoomLeft, nextOfType(t, u1, domain.MsgTypeRoomLeft)["type"])
	assert.False(t, u1.Session.InRoom("u1_u2"))
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := func(kind domain.SignalKind) *domain.CallSignalMessage {
		return &domain.CallSignalMessage{
			Topology: domain.TopologyDirect,
			CallID:   "u1_u2",
			Kind:     kind,
			Payload:  json.RawMessage(`{"sdp":"v=0"}`),
		}
	}

	outsider := f.login(t, "c3", "u3", domain.RoleCandidate)
	err := f.calls.HandleJoinCall(ctx, outsider, &domain.CallJoinMessage{Topology: domain.TopologyDirect, CallID: "u1_u2"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	u1 := f.login(t, "c1", "u1", domain.RoleRecruiter)
	u2 := f.login(t, "c2", "u2", domain.RoleCandidate)

	require.NoError(t, f.calls.HandleJoinCall(ctx, u1, &domain.CallJoinMessage{Topology: domain.TopologyDirect, CallID: "u1_u2"}))
	joined := next(t, u1)
	assert.Equal(t, domain.MsgTypeCallJoined, joined["type"])
	assert.Equal(t, "waiting", joined["session"].(map[string]interface{})["state"])

	require.NoError(t, f.calls.HandleJoinCall(ctx, u2, &domain.CallJoinMessage{Topology: domain.TopologyDirect, CallID: "u1_u2", Name: "Cand"}))
	next(t, u2)
	ev := next(t, u1)
	assert.Equal(t, domain.MsgTypeParticipantJoined, ev["type"])
	assert.Equal(t, "Cand", ev["participant"].(map[string]interface{})["name"])

	require.NoError(t, f.calls.HandleSignal(ctx, u2, ref(domain.SignalOffer)))
	ev = next(t, u1)
	assert.Equal(t, domain.MsgTypeCallSignal, ev["type"])
	assert.Equal(t, "u2", ev["from"])
	assert.Equal(t, map[string]interface{}{"sdp": "v=0"}, ev["payload"])

	require.NoError(t, f.calls.HandleMediaState(ctx, u1, &domain.CallMediaMessage{
		Topology: domain.TopologyDirect, CallID: "u1_u2",
		MediaState: domain.MediaState{Mic: true, Cam: false},
	}))
	ev = next(t, u2)
	assert.Equal(t, domain.MsgTypeParticipantUpdated, ev["type"])

	session, err := f.calls.Roster(ctx, "u2", domain.TopologyDirect, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, domain.CallActive, session.State)
	_, err = f.calls.Roster(ctx, "u3", domain.TopologyDirect, "u1_u2")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	// A hard disconnect ends the direct call for the peer.
	u1.Close()
	nextOfType(t, u2, domain.MsgTypeParticipantLeft)
	ended := nextOfType(t, u2, domain.MsgTypeCallEnded)
	assert.Equal(t, domain.EndReasonPeerLeft, ended["reason"])
	assert.Eventually(t, func() bool {
		return !u2.Session.InCall(domain.CallRef{Topology: domain.TopologyDirect, CallID: "u1_u2"})
	}, time.Second, 10*time.Millisecond)

	_, err = f.calls.Roster(ctx, "u2", domain.TopologyDirect, "u1_u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = f.calls.HandleSignal(ctx, u2, ref(domain.SignalAnswer))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCallLeaveAcks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u1 := f.login(t, "c1", "u1", domain.RoleCandidate)
	g, err := f.chat.CreateGroup(ctx, "Panel", "u1", []string{"u2", "u3"})
	require.NoError(t, err)

	require.NoError(t, f.calls.HandleJoinCall(ctx, u1, &domain.CallJoinMessage{Topology: domain.TopologyInterview, CallID: g.ID}))
	next(t, u1)

	require.NoError(t, f.calls.HandleLeaveCall(ctx, u1, &domain.CallLeaveMessage{Topology: domain.TopologyInterview, CallID: g.ID}))
	ev := next(t, u1)
	assert.Equal(t, domain.MsgTypeCallLeft, ev["type"])
	assert.Equal(t, "interview", ev["topology"])

	err = f.calls.HandleLeaveCall(ctx, u1, &domain.CallLeaveMessage{Topology: domain.TopologyInterview, CallID: g.ID})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	err = f.calls.HandleMediaState(ctx, u1, &domain.CallMediaMessage{Topology: "webinar", CallID: g.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
