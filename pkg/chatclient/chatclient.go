// Package chatclient is the synchronization core: it owns the session
// lifecycle, consumes the backend event channel, maintains the room and
// message cache, and fans notifications out to subscribers. The UI never
// talks to a backend directly; it reads snapshots from here and issues
// commands through here.
package chatclient

import (
	"context"
	"sync"
	"time"

	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/voxchat/voxclient/bridge"
	"github.com/voxchat/voxclient/pkg/statestore"
)

// Session states as observed by subscribers.
const (
	StateLoggedOut  = "LOGGED_OUT"
	StateConnecting = "CONNECTING"
	StateSyncing    = "SYNCING"
	StateReady      = "READY"
)

const (
	eventChanBuffer     = 1000
	defaultHistoryLimit = 200
)

// typingTimeout is how long a typing indicator survives without a refresh.
var typingTimeout = time.Second * 10

// BridgerFactory constructs a backend adapter. The concrete backend is
// injected here; chatclient itself has no idea whether it is talking to vox
// or matrix.
type BridgerFactory func(v *viper.Viper, cred bridge.Credentials, eventChan chan *bridge.Event) (bridge.Bridger, error)

var logger *logrus.Entry

type Client struct {
	sync.RWMutex

	v       *viper.Viper
	factory BridgerFactory
	store   *statestore.Store

	b         bridge.Bridger
	eventChan chan *bridge.Event
	done      chan struct{}

	state       string
	rooms       []*bridge.Room
	roomCache   map[string]*roomState
	invitations []*bridge.Invitation
	selected    string
	generation  uint64

	historyLimit int

	subMutex    sync.RWMutex
	subscribers map[*Subscription]struct{}
}

// New creates an unconnected client. The store may be nil; sessions are then
// not persisted across restarts.
func New(v *viper.Viper, factory BridgerFactory, store *statestore.Store) *Client {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 12,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "chatclient"})

	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	limit := v.GetInt("historylimit")
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	return &Client{
		v:            v,
		factory:      factory,
		store:        store,
		state:        StateLoggedOut,
		roomCache:    make(map[string]*roomState),
		subscribers:  make(map[*Subscription]struct{}),
		historyLimit: limit,
	}
}

func (c *Client) IsLoggedIn() bool {
	c.RLock()
	defer c.RUnlock()

	return c.b != nil
}

func (c *Client) State() string {
	c.RLock()
	defer c.RUnlock()

	return c.state
}

func (c *Client) Protocol() string {
	c.RLock()
	defer c.RUnlock()

	if c.b == nil {
		return ""
	}

	return c.b.Protocol()
}

func (c *Client) Me() *bridge.Member {
	c.RLock()
	defer c.RUnlock()

	if c.b == nil {
		return nil
	}

	return c.b.GetMe()
}

// Login connects the backend and performs the initial full fetch. Calling it
// while already logged in is a no-op: there is never more than one active
// connection or one running apply loop.
func (c *Client) Login(ctx context.Context, cred bridge.Credentials) error {
	if c.IsLoggedIn() {
		logger.Debug("login ignored, already logged in")

		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.setState(StateConnecting)

	eventChan := make(chan *bridge.Event, eventChanBuffer)

	b, err := c.factory(c.v, cred, eventChan)
	if err != nil {
		c.setState(StateLoggedOut)

		return err
	}

	c.setState(StateSyncing)

	if c.store != nil {
		active := b.Credentials()
		err := c.store.SaveSession(active.Server, statestore.Session{
			Token:  active.Token,
			UserID: active.UserID,
			Login:  active.Login,
		})
		if err != nil {
			logger.Errorf("failed to persist session: %v", err)
		}
	}

	c.Lock()
	c.b = b
	c.eventChan = eventChan
	c.done = make(chan struct{})
	c.Unlock()

	go c.handleEventChan()

	c.refreshRooms()
	c.refreshInvitations()

	c.setState(StateReady)

	return nil
}

// LoginToken resumes the session persisted for the given server. It fails
// with bridge.ErrNotFound when nothing was saved.
func (c *Client) LoginToken(ctx context.Context, server string) error {
	if c.store == nil {
		return bridge.ErrNotFound
	}

	session, err := c.store.Session(server)
	if err != nil {
		return err
	}

	if session == nil {
		return bridge.ErrNotFound
	}

	return c.Login(ctx, bridge.Credentials{
		Server: server,
		Token:  session.Token,
		UserID: session.UserID,
		Login:  session.Login,
	})
}

// Logout tears everything down: backend connection, apply loop, cache and the
// persisted session. Safe to call repeatedly, connected or not.
func (c *Client) Logout() error {
	c.Lock()

	b := c.b
	if b == nil {
		c.Unlock()

		return nil
	}

	c.b = nil
	close(c.done)

	c.stopTypingTimers()
	c.rooms = nil
	c.roomCache = make(map[string]*roomState)
	c.invitations = nil
	c.selected = ""
	c.generation++

	server := b.Credentials().Server
	c.Unlock()

	if err := b.Logout(); err != nil {
		logger.Errorf("backend logout failed: %v", err)
	}

	if c.store != nil {
		if err := c.store.ClearSession(server); err != nil {
			logger.Errorf("failed to clear persisted session: %v", err)
		}
	}

	c.setState(StateLoggedOut)

	return nil
}

func (c *Client) setState(state string) {
	c.Lock()
	changed := c.state != state
	c.state = state
	c.Unlock()

	if changed {
		c.publish(SyncChanged{State: state})
	}
}

func (c *Client) bridger() (bridge.Bridger, error) {
	c.RLock()
	defer c.RUnlock()

	if c.b == nil {
		return nil, bridge.ErrNotLoggedIn
	}

	return c.b, nil
}

// handleEventChan is the apply loop: every backend event mutates the cache
// exactly once, then subscribers are notified.
func (c *Client) handleEventChan() {
	c.RLock()
	eventChan, done := c.eventChan, c.done
	c.RUnlock()

	for {
		select {
		case <-done:
			return
		case ev := <-eventChan:
			logger.Tracef("event %s", ev.Type)

			switch data := ev.Data.(type) {
			case *bridge.MessageEvent:
				c.handleMessage(data)
			case *bridge.MessageEditedEvent:
				c.handleEdited(data)
			case *bridge.MessageDeletedEvent:
				c.handleDeleted(data)
			case *bridge.ReactionEvent:
				c.handleReaction(data)
			case *bridge.TypingEvent:
				c.handleTyping(data)
			case *bridge.InvitationEvent:
				c.refreshInvitations()
			case *bridge.MemberJoinedEvent:
				c.handleMemberJoined(data)
			case *bridge.MemberLeftEvent:
				c.handleMemberLeft(data)
			case *bridge.PresenceEvent:
				c.handlePresence(data)
			case *bridge.RoomDataEvent:
				c.publish(RoomInvalidated{RoomID: data.RoomID})
			case *bridge.SyncStateEvent:
				c.handleSyncState(data)
			case *bridge.LogoutEvent:
				// a backend-initiated logout tears the session down the
				// same way an explicit Logout does, so Login works again
				if err := c.Logout(); err != nil {
					logger.Errorf("logout failed: %v", err)
				}

				return
			default:
				logger.Debugf("unhandled event %s", ev.Type)
			}
		}
	}
}

func (c *Client) handleMessage(ev *bridge.MessageEvent) {
	if ev.Message == nil {
		return
	}

	// adapters normally resolve edits before they get here; this is the
	// safety net for a backend that tags the relation on the message itself
	if ev.Message.EditsID != "" {
		c.handleEdited(&bridge.MessageEditedEvent{
			RoomID:           ev.RoomID,
			MessageID:        ev.Message.EditsID,
			NewContent:       ev.Message.Content,
			FormattedContent: ev.Message.FormattedContent,
			Format:           ev.Message.Format,
		})

		return
	}

	c.Lock()
	rs := c.roomState(ev.RoomID)

	added := rs.addMessage(ev.Message, c.historyLimit)
	if added && ev.RoomID != c.selected && !c.isOwn(ev.Message.Sender) {
		rs.unread++
	}

	// a message ends any typing indicator for its sender
	typingChanged := c.clearTyping(rs, ev.Message.Sender)
	typingUsers := rs.typingUsers()
	c.Unlock()

	if !added {
		return
	}

	c.publish(MessageArrived{RoomID: ev.RoomID, Message: ev.Message})
	c.publish(RoomsUpdated{Rooms: c.Rooms()})

	if typingChanged {
		c.publish(TypingChanged{RoomID: ev.RoomID, Users: typingUsers})
	}
}

// isOwn reports whether the sender is the local user. Caller holds the lock.
func (c *Client) isOwn(sender string) bool {
	if c.b == nil {
		return false
	}

	me := c.b.GetMe()

	return me != nil && me.UserID == sender
}

func (c *Client) handleEdited(ev *bridge.MessageEditedEvent) {
	c.Lock()
	rs := c.roomState(ev.RoomID)
	ok := rs.applyEdit(ev.MessageID, ev.NewContent, ev.FormattedContent, ev.Format)

	var snapshot *bridge.Message

	if ok {
		snapshot = copyMessages([]*bridge.Message{rs.index[ev.MessageID]})[0]
	}
	c.Unlock()

	if !ok {
		// the original fell outside the cached window; the room needs a
		// refetch rather than a silent drop
		c.publish(RoomInvalidated{RoomID: ev.RoomID})

		return
	}

	c.publish(MessageChanged{RoomID: ev.RoomID, Message: snapshot})
}

func (c *Client) handleDeleted(ev *bridge.MessageDeletedEvent) {
	c.Lock()
	rs := c.roomState(ev.RoomID)
	ok := rs.applyDelete(ev.MessageID)

	var snapshot *bridge.Message

	if ok {
		snapshot = copyMessages([]*bridge.Message{rs.index[ev.MessageID]})[0]
	}
	c.Unlock()

	if !ok {
		c.publish(RoomInvalidated{RoomID: ev.RoomID})

		return
	}

	c.publish(MessageChanged{RoomID: ev.RoomID, Message: snapshot})
}

func (c *Client) handleReaction(ev *bridge.ReactionEvent) {
	c.Lock()
	rs := c.roomState(ev.RoomID)
	ok := rs.applyReaction(ev.MessageID, ev.Key, ev.UserID, ev.Removed)

	var snapshot *bridge.Message

	if ok {
		if msg, cached := rs.index[ev.MessageID]; cached {
			snapshot = copyMessages([]*bridge.Message{msg})[0]
		}
	}
	c.Unlock()

	if !ok {
		c.publish(RoomInvalidated{RoomID: ev.RoomID})

		return
	}

	if snapshot != nil {
		c.publish(MessageChanged{RoomID: ev.RoomID, Message: snapshot})
	}
}

func (c *Client) handleTyping(ev *bridge.TypingEvent) {
	c.Lock()

	if c.isOwn(ev.UserID) {
		c.Unlock()

		return
	}

	rs := c.roomState(ev.RoomID)

	changed := false

	if ev.Typing {
		_, already := rs.typing[ev.UserID]
		c.setTyping(rs, ev.RoomID, ev.UserID)
		changed = !already
	} else {
		changed = c.clearTyping(rs, ev.UserID)
	}

	users := rs.typingUsers()
	c.Unlock()

	if changed {
		c.publish(TypingChanged{RoomID: ev.RoomID, Users: users})
	}
}

func (c *Client) handleMemberJoined(ev *bridge.MemberJoinedEvent) {
	if ev.Member == nil {
		return
	}

	c.Lock()
	rs := c.roomState(ev.RoomID)

	found := false

	for i, m := range rs.members {
		if m.UserID == ev.Member.UserID {
			rs.members[i] = ev.Member
			found = true

			break
		}
	}

	if !found {
		rs.members = append(rs.members, ev.Member)
	}
	c.Unlock()

	c.publish(MembersChanged{RoomID: ev.RoomID})
}

func (c *Client) handleMemberLeft(ev *bridge.MemberLeftEvent) {
	c.Lock()
	rs := c.roomState(ev.RoomID)

	for i, m := range rs.members {
		if m.UserID == ev.UserID {
			rs.members = append(rs.members[:i], rs.members[i+1:]...)

			break
		}
	}

	c.clearTyping(rs, ev.UserID)
	c.Unlock()

	c.publish(MembersChanged{RoomID: ev.RoomID})
}

func (c *Client) handlePresence(ev *bridge.PresenceEvent) {
	c.Lock()
	for _, rs := range c.roomCache {
		for _, m := range rs.members {
			if m.UserID == ev.UserID {
				m.Presence = ev.Status
			}
		}
	}
	c.Unlock()

	c.publish(PresenceChanged{UserID: ev.UserID, Status: ev.Status})
}

func (c *Client) handleSyncState(ev *bridge.SyncStateEvent) {
	switch ev.State {
	case bridge.SyncSyncing, bridge.SyncConnecting:
		c.setState(StateSyncing)
	case bridge.SyncPrepared:
		c.setState(StateReady)
	case bridge.SyncStopped, bridge.SyncError:
		c.setState(StateLoggedOut)
	}
}

func (c *Client) refreshRooms() {
	b, err := c.bridger()
	if err != nil {
		return
	}

	rooms, err := b.GetRooms()
	if err != nil {
		logger.Errorf("failed to fetch rooms: %v", err)

		return
	}

	c.Lock()
	c.rooms = rooms
	c.Unlock()

	c.publish(RoomsUpdated{Rooms: c.Rooms()})
}

func (c *Client) refreshInvitations() {
	b, err := c.bridger()
	if err != nil {
		return
	}

	invitations, err := b.GetInvitations()
	if err != nil {
		logger.Errorf("failed to fetch invitations: %v", err)

		return
	}

	c.Lock()
	c.invitations = invitations
	c.Unlock()

	c.publish(InvitationsUpdated{Invitations: c.Invitations()})
}

// LoadMessages fetches history for a room and installs it in the cache.
// The load is tagged with the selection generation at call time: if the user
// switched rooms while the fetch was in flight, the stale result is thrown
// away instead of clobbering the new room's view.
func (c *Client) LoadMessages(ctx context.Context, roomID string, limit int) ([]*bridge.Message, error) {
	b, err := c.bridger()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = c.historyLimit
	}

	c.RLock()
	gen := c.generation
	c.RUnlock()

	messages, err := b.GetMessages(roomID, limit)
	if err != nil {
		logger.Errorf("failed to fetch messages for %s: %v", roomID, err)

		return nil, err
	}

	c.Lock()

	if c.generation != gen {
		c.Unlock()
		logger.Debugf("discarding stale message load for %s", roomID)

		return nil, nil
	}

	rs := c.roomState(roomID)
	rs.replaceMessages(messages, c.historyLimit)
	snapshot := copyMessages(rs.messages)
	c.Unlock()

	return snapshot, nil
}

func (c *Client) LoadMembers(ctx context.Context, roomID string) ([]*bridge.Member, error) {
	b, err := c.bridger()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.RLock()
	gen := c.generation
	c.RUnlock()

	members, err := b.GetMembers(roomID)
	if err != nil {
		logger.Errorf("failed to fetch members for %s: %v", roomID, err)

		return nil, err
	}

	c.Lock()

	if c.generation != gen {
		c.Unlock()

		return nil, nil
	}

	rs := c.roomState(roomID)
	rs.members = members
	c.Unlock()

	c.publish(MembersChanged{RoomID: roomID})

	return c.Members(roomID), nil
}

// MarkRead waits for the server ack, then refreshes the room list so unread
// counters come from the server rather than an optimistic local guess.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.MarkRead(roomID); err != nil {
		return err
	}

	c.Lock()
	if rs, ok := c.roomCache[roomID]; ok {
		rs.unread = 0
	}
	c.Unlock()

	c.refreshRooms()

	return nil
}

func (c *Client) SendMessage(roomID, text string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	// no optimistic insert: the message enters the cache when the backend
	// echoes it, so it appears exactly once
	_, err = b.SendMessage(roomID, text)

	return err
}

func (c *Client) SendFile(roomID, name string, data []byte, mimeType string, info *bridge.FileInfo) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	fileURL, err := b.UploadFile(data, name, mimeType)
	if err != nil {
		return err
	}

	if info == nil {
		info = &bridge.FileInfo{MimeType: mimeType, Size: int64(len(data))}
	}

	_, err = b.SendFile(roomID, name, fileURL, info)

	return err
}

func (c *Client) SendReaction(roomID, messageID, emoji string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	return b.SendReaction(roomID, messageID, emoji)
}

func (c *Client) EditMessage(roomID, messageID, text string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	return b.EditMessage(roomID, messageID, text)
}

func (c *Client) DeleteMessage(roomID, messageID string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	return b.DeleteMessage(roomID, messageID)
}

func (c *Client) Invite(roomID, userID string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	return b.Invite(roomID, userID)
}

func (c *Client) AcceptInvite(roomID string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	if err := b.AcceptInvite(roomID); err != nil {
		return err
	}

	c.refreshInvitations()
	c.refreshRooms()

	return nil
}

func (c *Client) RejectInvite(roomID string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	if err := b.RejectInvite(roomID); err != nil {
		return err
	}

	c.refreshInvitations()

	return nil
}

func (c *Client) SendTyping(roomID string, typing bool) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	return b.SendTyping(roomID, typing)
}

func (c *Client) CreateRoom(name, topic string, public bool) (string, error) {
	b, err := c.bridger()
	if err != nil {
		return "", err
	}

	roomID, err := b.CreateRoom(name, topic, public)
	if err != nil {
		return "", err
	}

	c.refreshRooms()

	return roomID, nil
}

func (c *Client) CreateDirect(userID string) (string, error) {
	b, err := c.bridger()
	if err != nil {
		return "", err
	}

	roomID, err := b.CreateDirect(userID)
	if err != nil {
		return "", err
	}

	c.refreshRooms()

	return roomID, nil
}

func (c *Client) JoinRoom(roomID string) (string, error) {
	b, err := c.bridger()
	if err != nil {
		return "", err
	}

	joined, err := b.JoinRoom(roomID)
	if err != nil {
		return "", err
	}

	c.refreshRooms()

	return joined, nil
}

func (c *Client) LeaveRoom(roomID string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	if err := b.LeaveRoom(roomID); err != nil {
		return err
	}

	c.Lock()
	delete(c.roomCache, roomID)
	c.Unlock()

	c.refreshRooms()

	return nil
}

func (c *Client) SearchUsers(query string) ([]*bridge.Member, error) {
	b, err := c.bridger()
	if err != nil {
		return nil, err
	}

	return b.SearchUsers(query)
}

func (c *Client) SetDisplayName(name string) error {
	b, err := c.bridger()
	if err != nil {
		return err
	}

	return b.SetDisplayName(name)
}

func (c *Client) MediaURL(ref string) string {
	b, err := c.bridger()
	if err != nil {
		return ref
	}

	return b.MediaURL(ref)
}
