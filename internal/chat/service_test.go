package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/hub"
	"github.com/ashureev/spotter/internal/mocks"
	"github.com/ashureev/spotter/internal/notify"
	"github.com/ashureev/spotter/internal/presence"
	"github.com/ashureev/spotter/internal/store"
)

type testConn struct {
	id     string
	userID string
	probe  func(env event.Envelope)

	mu     sync.Mutex
	frames []event.Envelope
}

func (c *testConn) ID() string     { return c.id }
func (c *testConn) UserID() string { return c.userID }

func (c *testConn) Send(env event.Envelope) bool {
	if c.probe != nil {
		c.probe(env)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return true
}

func (c *testConn) events(name event.Name) []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Envelope
	for _, f := range c.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	svc        *Service
	repo       store.Repository
	registry   *presence.Registry
	hub        *hub.Hub
	notifier   *mocks.MockNotifier
	dispatcher *notify.Dispatcher
}

// tickingClock advances one second per call so consecutive writes never share a timestamp.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith builds a fixture whose service sees the repository through wrap.
func newFixtureWith(t *testing.T, wrap func(store.Repository) store.Repository) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	dispatcher := notify.NewDispatcher(notifier, time.Second, nil)

	registry := presence.NewRegistry()
	h := hub.New(registry)
	var svcStore store.Repository = repo
	if wrap != nil {
		svcStore = wrap(repo)
	}
	svc := NewService(Deps{
		Store:    svcStore,
		Registry: registry,
		Hub:      h,
		Notifier: dispatcher,
		Clock:    tickingClock(),
	}, Config{})

	ctx := context.Background()
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, repo.UpsertUser(ctx, &domain.User{UserID: u, DisplayName: u}))
	}
	return &fixture{svc: svc, repo: repo, registry: registry, hub: h, notifier: notifier, dispatcher: dispatcher}
}

func (f *fixture) connect(t *testing.T, id, userID string) *testConn {
	t.Helper()
	c := &testConn{id: id, userID: userID}
	f.svc.Connect(context.Background(), c)
	return c
}

func TestResolveOrCreate_Symmetric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ab, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	ba, err := f.svc.ResolveOrCreate(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, ab.ID, ba.ID)
	require.Equal(t, [2]string{"alice", "bob"}, ab.Participants)
}

func TestResolveOrCreate_ConcurrentFirstContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const racers = 8
	ids := make([]string, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := f.svc.ResolveOrCreate(ctx, a, b)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	list, err := f.repo.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestResolveOrCreate_InvalidParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveOrCreate(ctx, "alice", "alice")
	require.ErrorIs(t, err, domain.ErrInvalidParticipants)
	_, err = f.svc.ResolveOrCreate(ctx, "alice", "")
	require.ErrorIs(t, err, domain.ErrInvalidParticipants)
	_, err = f.svc.ResolveOrCreate(ctx, "alice", "nobody")
	require.ErrorIs(t, err, domain.ErrInvalidParticipants)
}

func TestResolveOrCreate_ReactivatesInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.repo.SetConversationActive(ctx, conv.ID, false, time.Now()))

	again, err := f.svc.ResolveOrCreate(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, conv.ID, again.ID)
	require.True(t, again.IsActive)

	stored, err := f.repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, stored.IsActive)
}

func TestSend_FirstContactNotifiesOfflineRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var got notify.Notification
	f.notifier.EXPECT().
		NotifyOffline(gomock.Any(), "bob", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, n notify.Notification) error {
			got = n
			return nil
		})

	view, err := f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Content: "hi", Type: domain.MessageText})
	require.NoError(t, err)
	f.dispatcher.Wait()

	require.Equal(t, "hi", got.Data["content"])
	require.Equal(t, notify.KindNewMessage, got.Data["type"])
	require.Equal(t, "alice", got.Data["senderId"])
	require.Equal(t, view.ID, got.Data["messageId"])
	require.Equal(t, "alice", got.Title)

	require.Equal(t, "bob", view.RecipientID)
	require.True(t, view.IsDelivered)
	require.NotNil(t, view.DeliveredAt)
	require.Equal(t, "alice", view.Sender.UserID)

	stored, err := f.repo.GetMessage(ctx, view.ID)
	require.NoError(t, err)
	require.True(t, stored.IsDelivered)
	require.Equal(t, "hi", stored.Content)

	conv, err := f.repo.GetConversation(ctx, view.ConversationID)
	require.NoError(t, err)
	require.Equal(t, view.ID, conv.LastMessageID)
}

func TestSend_OnlineRecipientIsNotNotified(t *testing.T) {
	f := newFixture(t)
	bob := f.connect(t, "b1", "bob")

	// No NotifyOffline expectation: gomock fails the test on any call.
	view, err := f.svc.Send(context.Background(), "alice", SendRequest{RecipientID: "bob", Content: "hey"})
	require.NoError(t, err)
	f.dispatcher.Wait()

	got := bob.events(event.NewMessage)
	require.Len(t, got, 1)
	require.Equal(t, view.ID, got[0].Data.(domain.MessageView).ID)
}

func TestSend_PersistsBeforeBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var checked int
	bob := &testConn{id: "b1", userID: "bob"}
	bob.probe = func(env event.Envelope) {
		if env.Event != event.NewMessage {
			return
		}
		view := env.Data.(domain.MessageView)
		stored, err := f.repo.GetMessage(ctx, view.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.NotNil(t, stored.DeliveredAt)
		checked++
	}
	f.svc.Connect(ctx, bob)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	require.Equal(t, 3, checked)
}

func TestSend_RecipientIsOtherParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "a1", "alice")
	f.connect(t, "b1", "bob")

	first, err := f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Content: "one"})
	require.NoError(t, err)
	reply, err := f.svc.Send(ctx, "bob", SendRequest{ConversationID: first.ConversationID, Content: "two"})
	require.NoError(t, err)

	require.Equal(t, first.ConversationID, reply.ConversationID)
	require.Equal(t, "alice", reply.RecipientID)

	page, err := f.svc.History(ctx, first.ConversationID, "alice", 1, 10)
	require.NoError(t, err)
	for _, m := range page.Messages {
		conv := &domain.Conversation{Participants: [2]string{"alice", "bob"}}
		other, ok := conv.Other(m.SenderID)
		require.True(t, ok)
		require.Equal(t, other, m.RecipientID)
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	long := make([]rune, domain.MaxContentLength+1)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"no target", SendRequest{Content: "hi"}},
		{"both targets", SendRequest{ConversationID: conv.ID, RecipientID: "bob", Content: "hi"}},
		{"empty text", SendRequest{RecipientID: "bob", Content: "   "}},
		{"unknown type", SendRequest{RecipientID: "bob", Content: "hi", Type: "sticker"}},
		{"media without url", SendRequest{RecipientID: "bob", Type: domain.MessageImage}},
		{"text with media url", SendRequest{RecipientID: "bob", Content: "hi", MediaURL: "/media/x.jpg"}},
		{"too long", SendRequest{RecipientID: "bob", Content: string(long)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, "alice", tt.req)
			require.ErrorIs(t, err, domain.ErrInvalidMessage)
		})
	}

	f.connect(t, "b1", "bob")
	limit := long[:domain.MaxContentLength]
	limit[0] = 'é'
	_, err = f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Content: string(limit)})
	require.NoError(t, err)

	view, err := f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Type: domain.MessageImage, MediaURL: "/media/p.jpg"})
	require.NoError(t, err)
	require.Equal(t, domain.MessageImage, view.Type)
}

func TestSend_AccessChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, "carol", SendRequest{ConversationID: conv.ID, Content: "intrude"})
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.Send(ctx, "alice", SendRequest{ConversationID: "missing", Content: "hi"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Send(ctx, "alice", SendRequest{RecipientID: "alice", Content: "me"})
	require.ErrorIs(t, err, domain.ErrInvalidParticipants)
}

func TestSend_FansOutOncePerConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "a1", "alice")
	bob := f.connect(t, "b1", "bob")
	conv, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.svc.JoinConversation(ctx, bob, conv.ID)
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, "alice", SendRequest{ConversationID: conv.ID, Content: "hi"})
	require.NoError(t, err)

	require.Len(t, bob.events(event.NewMessage), 1)
	require.Len(t, alice.events(event.NewMessage), 1)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "b1", "bob")
	alice := f.connect(t, "a1", "alice")

	view, err := f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Content: "oops"})
	require.NoError(t, err)
	_, err = f.svc.JoinConversation(ctx, bob, view.ConversationID)
	require.NoError(t, err)

	err = f.svc.Delete(ctx, view.ID, "bob")
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	require.NoError(t, f.svc.Delete(ctx, view.ID, "alice"))

	stored, err := f.repo.GetMessage(ctx, view.ID)
	require.NoError(t, err)
	require.Nil(t, stored)

	deleted := bob.events(event.MessageDeleted)
	require.Len(t, deleted, 1)
	require.Equal(t, event.Deleted{MessageID: view.ID, ConversationID: view.ConversationID}, deleted[0].Data)
	require.Len(t, alice.events(event.MessageDeleted), 1)

	err = f.svc.Delete(ctx, view.ID, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)

	conv, err := f.repo.GetConversation(ctx, view.ConversationID)
	require.NoError(t, err)
	require.Empty(t, conv.LastMessageID)
}

func TestMarkRead_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "b1", "bob")
	alice := f.connect(t, "a1", "alice")

	var convID string
	for i := 0; i < 3; i++ {
		v, err := f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		convID = v.ConversationID
	}

	first, err := f.svc.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)
	require.Equal(t, 3, first.Count)

	second, err := f.svc.MarkRead(ctx, convID, "bob")
	require.NoError(t, err)
	require.Equal(t, 0, second.Count)

	reads := alice.events(event.MessagesRead)
	require.Len(t, reads, 1)
	receipt := reads[0].Data.(domain.ReadReceipt)
	require.Equal(t, "bob", receipt.ReadBy)
	require.Equal(t, 3, receipt.Count)

	_, err = f.svc.MarkRead(ctx, convID, "carol")
	require.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestHistory_Paging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "b1", "bob")

	var convID string
	var ids []string
	for i := 0; i < 120; i++ {
		v, err := f.svc.Send(ctx, "alice", SendRequest{RecipientID: "bob", Content: fmt.Sprintf("m%03d", i)})
		require.NoError(t, err)
		convID = v.ConversationID
		ids = append(ids, v.ID)
	}

	page, err := f.svc.History(ctx, convID, "bob", 1, 50)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Messages, 50)
	for i, m := range page.Messages {
		require.Equal(t, ids[70+i], m.ID)
		require.Equal(t, "alice", m.Sender.UserID)
	}

	last, err := f.svc.History(ctx, convID, "bob", 3, 50)
	require.NoError(t, err)
	require.False(t, last.HasMore)
	require.Len(t, last.Messages, 20)
	require.Equal(t, ids[0], last.Messages[0].ID)

	clamped, err := f.svc.History(ctx, convID, "bob", 0, 1000)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxPageSize, clamped.Limit)
	require.Equal(t, 1, clamped.Page)

	list, err := f.svc.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 0, list[0].UnreadCount)

	_, err = f.svc.History(ctx, convID, "carol", 1, 50)
	require.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "b1", "bob")
	f.connect(t, "c1", "carol")
	f.notifier.EXPECT().NotifyOffline(gomock.Any(), "alice", gomock.Any()).Return(nil).Times(2)

	_, err := f.svc.Send(ctx, "bob", SendRequest{RecipientID: "alice", Content: "from bob"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "carol", SendRequest{RecipientID: "alice", Content: "from carol"})
	require.NoError(t, err)
	f.dispatcher.Wait()

	list, err := f.svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "carol", list[0].OtherUser.UserID)
	require.True(t, list[0].OtherUser.IsOnline)
	require.Equal(t, 1, list[0].UnreadCount)
	require.Equal(t, "from carol", list[0].LastMessage.Content)
	require.Equal(t, "carol", list[0].LastMessage.Sender.UserID)
	require.Equal(t, "bob", list[1].OtherUser.UserID)
}

func TestPresence_TwoDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.connect(t, "b1", "bob")
	_, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	phone := &testConn{id: "a1", userID: "alice"}
	laptop := &testConn{id: "a2", userID: "alice"}

	require.True(t, f.svc.Connect(ctx, phone).Changed)
	require.False(t, f.svc.Connect(ctx, laptop).Changed)
	require.Len(t, bob.events(event.UserStatusChanged), 1)

	f.svc.Disconnect(ctx, phone)
	status, err := f.svc.Presence(ctx, "alice")
	require.NoError(t, err)
	require.True(t, status.IsOnline)
	require.Len(t, bob.events(event.UserStatusChanged), 1)

	f.svc.Disconnect(ctx, laptop)
	status, err = f.svc.Presence(ctx, "alice")
	require.NoError(t, err)
	require.False(t, status.IsOnline)

	changes := bob.events(event.UserStatusChanged)
	require.Len(t, changes, 2)
	require.False(t, changes[1].Data.(event.Status).IsOnline)

	stored, err := f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.False(t, stored.IsOnline)

	// A stale handle changes nothing.
	require.False(t, f.svc.Disconnect(ctx, phone).Applied)

	_, err = f.svc.Presence(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTypingAndSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "a1", "alice")
	bob := f.connect(t, "b1", "bob")
	conv, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	err = f.svc.Typing(alice, conv.ID, true)
	require.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.JoinConversation(ctx, alice, conv.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Typing(alice, conv.ID, true))

	typing := bob.events(event.UserTyping)
	require.Len(t, typing, 1)
	require.Equal(t, event.TypingNotice{ConversationID: conv.ID, UserID: "alice", IsTyping: true}, typing[0].Data)
	require.Empty(t, alice.events(event.UserTyping))

	sent, err := f.svc.Signal(ctx, alice, event.InitiateCall, event.Call{TargetID: "bob", CallType: "video"})
	require.NoError(t, err)
	require.True(t, sent)
	calls := bob.events(event.IncomingCall)
	require.Len(t, calls, 1)
	require.Equal(t, "alice", calls[0].Data.(event.CallNotice).FromUserID)

	sent, err = f.svc.Signal(ctx, alice, event.EndCall, event.Call{TargetID: "carol"})
	require.NoError(t, err)
	require.False(t, sent)

	_, err = f.svc.Signal(ctx, alice, event.InitiateCall, event.Call{TargetID: "alice"})
	require.ErrorIs(t, err, domain.ErrInvalidParticipants)

	carol := &testConn{id: "c1", userID: "carol"}
	_, err = f.svc.JoinConversation(ctx, carol, conv.ID)
	require.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestShutdownMarksUsersOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "a1", "alice")

	stored, err := f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, stored.IsOnline)

	f.svc.Shutdown(ctx)
	stored, err = f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.False(t, stored.IsOnline)
	require.Empty(t, f.registry.OnlineUsers())
}

// parkedStore holds offline presence writes until release is closed.
type parkedStore struct {
	store.Repository
	parked  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *parkedStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time, seq int64) (bool, error) {
	if !online {
		p.once.Do(func() { close(p.parked) })
		<-p.release
	}
	return p.Repository.UpdatePresence(ctx, userID, online, lastSeen, seq)
}

func TestPresence_ReconnectDuringSlowDisconnect(t *testing.T) {
	parked := &parkedStore{parked: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWith(t, func(r store.Repository) store.Repository {
		parked.Repository = r
		return parked
	})
	ctx := context.Background()
	bob := f.connect(t, "b1", "bob")
	_, err := f.svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	first := f.connect(t, "a1", "alice")
	require.Len(t, bob.events(event.UserStatusChanged), 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.svc.Disconnect(ctx, first)
	}()
	<-parked.parked

	second := &testConn{id: "a2", userID: "alice"}
	go func() {
		defer wg.Done()
		f.svc.Connect(ctx, second)
	}()
	require.Eventually(t, func() bool { return f.registry.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	close(parked.release)
	wg.Wait()

	require.True(t, f.registry.IsOnline("alice"))
	changes := bob.events(event.UserStatusChanged)
	require.NotEmpty(t, changes)
	require.True(t, changes[len(changes)-1].Data.(event.Status).IsOnline)

	stored, err := f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, stored.IsOnline)
}
