package chatclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxchat/voxclient/bridge"
)

type fakeBridger struct {
	sync.Mutex

	eventChan chan *bridge.Event

	rooms       []*bridge.Room
	messages    map[string][]*bridge.Message
	members     map[string][]*bridge.Member
	invitations []*bridge.Invitation
	me          *bridge.Member

	sent     []string
	markRead []string

	messagesStarted chan struct{}
	messagesGate    chan struct{}

	loggedOut bool
}

func newFakeBridger() *fakeBridger {
	return &fakeBridger{
		rooms: []*bridge.Room{
			{ID: "room1", Name: "general"},
			{ID: "room2", Name: "random"},
		},
		messages: make(map[string][]*bridge.Message),
		members:  make(map[string][]*bridge.Member),
		me:       &bridge.Member{UserID: "me", DisplayName: "Me", Me: true},
	}
}

func (f *fakeBridger) push(kind string, data interface{}) {
	f.eventChan <- &bridge.Event{Type: kind, Data: data}
}

func (f *fakeBridger) Logout() error {
	f.Lock()
	defer f.Unlock()
	f.loggedOut = true

	return nil
}

func (f *fakeBridger) Connected() bool { return !f.loggedOut }
func (f *fakeBridger) Protocol() string {
	return "fake"
}
func (f *fakeBridger) GetMe() *bridge.Member { return f.me }
func (f *fakeBridger) Credentials() bridge.Credentials {
	return bridge.Credentials{Server: "chat.example.com", UserID: "me", Token: "token"}
}

func (f *fakeBridger) GetRooms() ([]*bridge.Room, error) {
	f.Lock()
	defer f.Unlock()

	return f.rooms, nil
}

func (f *fakeBridger) GetMessages(roomID string, limit int) ([]*bridge.Message, error) {
	if f.messagesStarted != nil {
		f.messagesStarted <- struct{}{}
	}

	if f.messagesGate != nil {
		<-f.messagesGate
	}

	f.Lock()
	defer f.Unlock()

	return f.messages[roomID], nil
}

func (f *fakeBridger) GetMembers(roomID string) ([]*bridge.Member, error) {
	f.Lock()
	defer f.Unlock()

	return f.members[roomID], nil
}

func (f *fakeBridger) GetInvitations() ([]*bridge.Invitation, error) {
	f.Lock()
	defer f.Unlock()

	return f.invitations, nil
}

func (f *fakeBridger) SendMessage(roomID, text string) (string, error) {
	f.Lock()
	defer f.Unlock()
	f.sent = append(f.sent, text)

	return "", nil
}

func (f *fakeBridger) SendFile(roomID, name, fileURL string, info *bridge.FileInfo) (string, error) {
	return "", nil
}
func (f *fakeBridger) SendReaction(roomID, messageID, emoji string) error { return nil }
func (f *fakeBridger) EditMessage(roomID, messageID, text string) error   { return nil }
func (f *fakeBridger) DeleteMessage(roomID, messageID string) error       { return nil }
func (f *fakeBridger) Invite(roomID, userID string) error                 { return nil }
func (f *fakeBridger) AcceptInvite(roomID string) error                   { return nil }
func (f *fakeBridger) RejectInvite(roomID string) error                   { return nil }

func (f *fakeBridger) MarkRead(roomID string) error {
	f.Lock()
	defer f.Unlock()
	f.markRead = append(f.markRead, roomID)

	return nil
}

func (f *fakeBridger) SendTyping(roomID string, typing bool) error { return nil }
func (f *fakeBridger) CreateRoom(name, topic string, public bool) (string, error) {
	return "room-new", nil
}
func (f *fakeBridger) CreateDirect(userID string) (string, error) { return "dm-" + userID, nil }
func (f *fakeBridger) JoinRoom(roomID string) (string, error)     { return roomID, nil }
func (f *fakeBridger) LeaveRoom(roomID string) error              { return nil }
func (f *fakeBridger) SearchUsers(query string) ([]*bridge.Member, error) {
	return nil, nil
}
func (f *fakeBridger) SetDisplayName(name string) error { return nil }
func (f *fakeBridger) UploadFile(data []byte, filename, mimeType string) (string, error) {
	return "/uploads/" + filename, nil
}
func (f *fakeBridger) MediaURL(ref string) string { return ref }

type fixture struct {
	client       *Client
	bridger      *fakeBridger
	factoryCalls int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fx := &fixture{bridger: newFakeBridger()}

	factory := func(v *viper.Viper, cred bridge.Credentials, eventChan chan *bridge.Event) (bridge.Bridger, error) {
		fx.factoryCalls++
		fx.bridger.eventChan = eventChan

		return fx.bridger, nil
	}

	fx.client = New(viper.New(), factory, nil)

	require.NoError(t, fx.client.Login(context.Background(), bridge.Credentials{
		Server: "chat.example.com",
		Login:  "alice@example.com",
		Pass:   "secret",
	}))

	t.Cleanup(func() {
		_ = fx.client.Logout()
	})

	return fx
}

func msg(id, roomID, sender, content string, ts int64) *bridge.Message {
	return &bridge.Message{
		ID:        id,
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
		Type:      bridge.MessageText,
	}
}

func waitFor(t *testing.T, sub *Subscription, match func(Notification) bool) Notification {
	t.Helper()

	deadline := time.After(time.Second * 2)

	for {
		select {
		case n := <-sub.C:
			if match(n) {
				return n
			}
		case <-deadline:
			t.Fatal("timed out waiting for notification")

			return nil
		}
	}
}

func TestDuplicateMessagesKeepFirst(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	first := msg("m1", "room1", "bob", "hello", 100)
	dup := msg("m1", "room1", "bob", "hello again", 200)

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: first})
	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageArrived)

		return ok
	})

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: dup})
	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m2", "room1", "bob", "bye", 300)})
	waitFor(t, sub, func(n Notification) bool {
		arrived, ok := n.(MessageArrived)

		return ok && arrived.Message.ID == "m2"
	})

	messages := fx.client.Messages("room1")
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "hello", messages[0].Content, "first occurrence wins")
	assert.Equal(t, "m2", messages[1].ID)
}

func TestEditResolvesToOriginal(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "bob", "helo", 100)})
	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageArrived)

		return ok
	})

	fx.bridger.push(bridge.EventMessageEdited, &bridge.MessageEditedEvent{
		RoomID:     "room1",
		MessageID:  "m1",
		NewContent: "hello",
	})
	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageChanged)

		return ok
	})

	messages := fx.client.Messages("room1")
	require.Len(t, messages, 1, "edit must not appear as a new message")
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "hello", messages[0].Content)
	assert.True(t, messages[0].IsEdited)
}

func TestEditOfUncachedMessageInvalidatesRoom(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventMessageEdited, &bridge.MessageEditedEvent{
		RoomID:     "room1",
		MessageID:  "ancient",
		NewContent: "rewritten history",
	})

	n := waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(RoomInvalidated)

		return ok
	})
	assert.Equal(t, "room1", n.(RoomInvalidated).RoomID)
	assert.Empty(t, fx.client.Messages("room1"))
}

func TestReactionAggregationIdempotent(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "bob", "hi", 100)})
	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageArrived)

		return ok
	})

	react := &bridge.ReactionEvent{RoomID: "room1", MessageID: "m1", Key: "👍", UserID: "carol"}
	fx.bridger.push(bridge.EventReaction, react)
	fx.bridger.push(bridge.EventReaction, react)
	fx.bridger.push(bridge.EventReaction, &bridge.ReactionEvent{RoomID: "room1", MessageID: "m1", Key: "👍", UserID: "dave"})

	waitFor(t, sub, func(n Notification) bool {
		changed, ok := n.(MessageChanged)

		return ok && len(changed.Message.Reactions) == 1 && changed.Message.Reactions[0].Count == 2
	})

	messages := fx.client.Messages("room1")
	require.Len(t, messages[0].Reactions, 1)
	assert.Equal(t, 2, messages[0].Reactions[0].Count)
	assert.ElementsMatch(t, []string{"carol", "dave"}, messages[0].Reactions[0].Users)

	// removing one user's reaction leaves the other's
	fx.bridger.push(bridge.EventReaction, &bridge.ReactionEvent{RoomID: "room1", MessageID: "m1", Key: "👍", UserID: "carol", Removed: true})
	waitFor(t, sub, func(n Notification) bool {
		changed, ok := n.(MessageChanged)

		return ok && len(changed.Message.Reactions) == 1 && changed.Message.Reactions[0].Count == 1
	})

	messages = fx.client.Messages("room1")
	assert.Equal(t, []string{"dave"}, messages[0].Reactions[0].Users)
}

func TestUnreadAccounting(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.client.SelectRoom("room1")

	// message in the selected room: no unread
	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "bob", "hi", 100)})
	// messages elsewhere: unread counts up
	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room2", Message: msg("m2", "room2", "bob", "psst", 200)})
	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room2", Message: msg("m3", "room2", "bob", "psst!", 300)})
	// own echo never counts as unread
	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room2", Message: msg("m4", "room2", "me", "on my way", 400)})

	waitFor(t, sub, func(n Notification) bool {
		arrived, ok := n.(MessageArrived)

		return ok && arrived.Message.ID == "m4"
	})

	unread := func(roomID string) int {
		for _, room := range fx.client.Rooms() {
			if room.ID == roomID {
				return room.UnreadCount
			}
		}

		return -1
	}

	assert.Equal(t, 0, unread("room1"))
	assert.Equal(t, 2, unread("room2"))

	require.NoError(t, fx.client.MarkRead(context.Background(), "room2"))
	assert.Equal(t, []string{"room2"}, fx.bridger.markRead)
	assert.Equal(t, 0, unread("room2"))
}

func TestLoginIdempotent(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.client.Login(context.Background(), bridge.Credentials{
		Server: "chat.example.com",
		Login:  "alice@example.com",
		Pass:   "secret",
	}))
	assert.Equal(t, 1, fx.factoryCalls, "second login must not reconnect")

	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "bob", "once", 100)})

	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageArrived)

		return ok
	})

	// exactly one apply loop: no duplicate notification follows
	select {
	case n := <-sub.C:
		if _, dup := n.(MessageArrived); dup {
			t.Fatalf("message notified twice: %#v", n)
		}
	case <-time.After(time.Millisecond * 200):
	}

	assert.Len(t, fx.client.Messages("room1"), 1)
}

func TestSendThenReceiveSingleEntry(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	require.NoError(t, fx.client.SendMessage("room1", "hello"))
	assert.Empty(t, fx.client.Messages("room1"), "no optimistic insert")

	// the backend echoes the message back
	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "me", "hello", 100)})
	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageArrived)

		return ok
	})

	assert.Len(t, fx.client.Messages("room1"), 1)
}

func TestRoomSwitchDiscardsStaleLoad(t *testing.T) {
	fx := newFixture(t)
	fx.bridger.messages["room1"] = []*bridge.Message{msg("old1", "room1", "bob", "stale", 100)}
	fx.bridger.messagesStarted = make(chan struct{})
	fx.bridger.messagesGate = make(chan struct{})

	fx.client.SelectRoom("room1")

	type loadResult struct {
		messages []*bridge.Message
		err      error
	}

	resultCh := make(chan loadResult, 1)

	go func() {
		messages, err := fx.client.LoadMessages(context.Background(), "room1", 50)
		resultCh <- loadResult{messages, err}
	}()

	// the fetch is in flight; the user switches rooms
	<-fx.bridger.messagesStarted
	fx.client.SelectRoom("room2")
	close(fx.bridger.messagesGate)

	result := <-resultCh
	require.NoError(t, result.err)
	assert.Nil(t, result.messages, "stale load must be discarded")
	assert.Empty(t, fx.client.Messages("room1"), "stale fetch must not land in the cache")
}

func TestLoadMessagesDedupsAndSorts(t *testing.T) {
	fx := newFixture(t)
	fx.bridger.messages["room1"] = []*bridge.Message{
		msg("m2", "room1", "bob", "second", 200),
		msg("m1", "room1", "bob", "first", 100),
		msg("m2", "room1", "bob", "second again", 200),
	}

	messages, err := fx.client.LoadMessages(context.Background(), "room1", 50)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, "m2", messages[1].ID)
	assert.Equal(t, "second", messages[1].Content)
}

func TestDeleteTombstonesMessage(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "bob", "oops", 100)})
	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageArrived)

		return ok
	})

	fx.bridger.push(bridge.EventMessageDeleted, &bridge.MessageDeletedEvent{RoomID: "room1", MessageID: "m1"})
	waitFor(t, sub, func(n Notification) bool {
		changed, ok := n.(MessageChanged)

		return ok && changed.Message.IsDeleted
	})

	messages := fx.client.Messages("room1")
	require.Len(t, messages, 1)
	assert.True(t, messages[0].IsDeleted)
	assert.Empty(t, messages[0].Content)
	assert.Empty(t, messages[0].Reactions)
}

func TestHistoryRetention(t *testing.T) {
	v := viper.New()
	v.Set("historylimit", 3)

	fx := &fixture{bridger: newFakeBridger()}
	factory := func(v *viper.Viper, cred bridge.Credentials, eventChan chan *bridge.Event) (bridge.Bridger, error) {
		fx.bridger.eventChan = eventChan

		return fx.bridger, nil
	}
	fx.client = New(v, factory, nil)
	require.NoError(t, fx.client.Login(context.Background(), bridge.Credentials{Server: "chat.example.com"}))

	defer fx.client.Logout() //nolint:errcheck

	sub := fx.client.Subscribe()
	defer sub.Close()

	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{
			RoomID:  "room1",
			Message: msg(id, "room1", "bob", id, int64(100+i)),
		})
	}

	waitFor(t, sub, func(n Notification) bool {
		arrived, ok := n.(MessageArrived)

		return ok && arrived.Message.ID == "m5"
	})

	messages := fx.client.Messages("room1")
	require.Len(t, messages, 3)
	assert.Equal(t, "m3", messages[0].ID, "oldest evicted first")
	assert.Equal(t, "m5", messages[2].ID)
}

func TestTypingClearedByMessage(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventTyping, &bridge.TypingEvent{RoomID: "room1", UserID: "bob", Typing: true})
	waitFor(t, sub, func(n Notification) bool {
		typing, ok := n.(TypingChanged)

		return ok && len(typing.Users) == 1
	})
	assert.Equal(t, []string{"bob"}, fx.client.Typing("room1"))

	// own typing never shows
	fx.bridger.push(bridge.EventTyping, &bridge.TypingEvent{RoomID: "room1", UserID: "me", Typing: true})

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "bob", "done typing", 100)})
	waitFor(t, sub, func(n Notification) bool {
		typing, ok := n.(TypingChanged)

		return ok && len(typing.Users) == 0
	})
	assert.Empty(t, fx.client.Typing("room1"))
}

func TestTypingExpiresWithoutRefresh(t *testing.T) {
	orig := typingTimeout
	typingTimeout = time.Millisecond * 50

	defer func() { typingTimeout = orig }()

	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventTyping, &bridge.TypingEvent{RoomID: "room1", UserID: "bob", Typing: true})
	waitFor(t, sub, func(n Notification) bool {
		typing, ok := n.(TypingChanged)

		return ok && len(typing.Users) == 1
	})

	// no refresh arrives; the indicator must clear on its own
	waitFor(t, sub, func(n Notification) bool {
		typing, ok := n.(TypingChanged)

		return ok && len(typing.Users) == 0
	})
	assert.Empty(t, fx.client.Typing("room1"))
}

func TestRemoteLogoutAllowsRelogin(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	// the backend ends the session on its own, not via Logout()
	fx.bridger.push(bridge.EventLogout, &bridge.LogoutEvent{})
	waitFor(t, sub, func(n Notification) bool {
		state, ok := n.(SyncChanged)

		return ok && state.State == StateLoggedOut
	})

	assert.False(t, fx.client.IsLoggedIn())

	require.NoError(t, fx.client.Login(context.Background(), bridge.Credentials{
		Server: "chat.example.com",
		Login:  "alice@example.com",
		Pass:   "secret",
	}))
	assert.Equal(t, 2, fx.factoryCalls, "a fresh login must reconnect")
	assert.True(t, fx.client.IsLoggedIn())
}

func TestLogoutIdempotentAndClearsCache(t *testing.T) {
	fx := newFixture(t)
	sub := fx.client.Subscribe()
	defer sub.Close()

	fx.bridger.push(bridge.EventMessage, &bridge.MessageEvent{RoomID: "room1", Message: msg("m1", "room1", "bob", "hi", 100)})
	waitFor(t, sub, func(n Notification) bool {
		_, ok := n.(MessageArrived)

		return ok
	})

	require.NoError(t, fx.client.Logout())
	require.NoError(t, fx.client.Logout())

	assert.False(t, fx.client.IsLoggedIn())
	assert.Equal(t, StateLoggedOut, fx.client.State())
	assert.Empty(t, fx.client.Messages("room1"))
	assert.Empty(t, fx.client.Rooms())
	assert.True(t, fx.bridger.loggedOut)

	assert.ErrorIs(t, fx.client.SendMessage("room1", "ghost"), bridge.ErrNotLoggedIn)
}

func TestLogoutWithoutLogin(t *testing.T) {
	c := New(viper.New(), func(v *viper.Viper, cred bridge.Credentials, eventChan chan *bridge.Event) (bridge.Bridger, error) {
		t.Fatal("factory must not be called")

		return nil, nil
	}, nil)

	require.NoError(t, c.Logout())
	assert.False(t, c.IsLoggedIn())
}
