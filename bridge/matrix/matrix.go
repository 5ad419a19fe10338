// Package matrix implements bridge.Bridger on top of a matrix homeserver
// via mautrix. It is interchangeable with the vox backend: the sync core
// never knows which one it is talking to.
package matrix

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	lru "github.com/hashicorp/golang-lru"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/voxchat/voxclient/bridge"
	"github.com/voxchat/voxclient/pkg/markup"
)

type Matrix struct {
	sync.RWMutex

	mc          *mautrix.Client
	credentials bridge.Credentials
	eventChan   chan *bridge.Event
	v           *viper.Viper

	rooms   map[id.RoomID]*Room
	users   map[id.UserID]*User
	invites map[id.RoomID]*bridge.Invitation

	loggedOut bool
	syncedCh  chan struct{}
	syncOnce  sync.Once

	// edit event id -> the original event id it replaced
	editTargets *lru.Cache
}

var logger *logrus.Entry

func New(v *viper.Viper, cred bridge.Credentials, eventChan chan *bridge.Event) (bridge.Bridger, error) {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "bridge/matrix"})

	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	m := &Matrix{
		credentials: cred,
		eventChan:   eventChan,
		v:           v,
		rooms:       make(map[id.RoomID]*Room),
		users:       make(map[id.UserID]*User),
		invites:     make(map[id.RoomID]*bridge.Invitation),
		syncedCh:    make(chan struct{}),
	}
	m.editTargets, _ = lru.New(500)

	mc, err := mautrix.NewClient(cred.Server, id.UserID(cred.UserID), cred.Token)
	if err != nil {
		return nil, &bridge.ConnectionError{Op: "client", Err: err}
	}

	m.mc = mc

	if cred.Token == "" {
		_, err := mc.Login(&mautrix.ReqLogin{
			Type: "m.login.password",
			Identifier: mautrix.UserIdentifier{
				Type: "m.id.user",
				User: cred.Login,
			},
			Password:         cred.Pass,
			StoreCredentials: true,
		})
		if err != nil {
			return nil, &bridge.ConnectionError{Op: "login", Err: err}
		}
	}

	m.startSync()

	select {
	case <-m.syncedCh:
	case <-time.After(time.Second * 30):
		return nil, &bridge.ConnectionError{Op: "sync", Err: errors.New("initial sync timeout")}
	}

	m.pushEvent(bridge.EventSyncState, &bridge.SyncStateEvent{State: bridge.SyncPrepared})

	return m, nil
}

func (m *Matrix) startSync() {
	syncer := m.mc.Syncer.(*mautrix.DefaultSyncer) //nolint:forcetypeassert

	syncer.OnEventType(event.EventMessage, m.handleMessageEvent)
	syncer.OnEventType(event.EventReaction, m.handleReactionEvent)
	syncer.OnEventType(event.EventRedaction, m.handleRedactionEvent)
	syncer.OnEventType(event.StateMember, m.handleMember)
	syncer.OnEventType(event.StateRoomName, m.handleRoomName)
	syncer.OnEventType(event.StateTopic, m.handleTopic)
	syncer.OnEventType(event.EphemeralEventTyping, m.handleTyping)
	syncer.OnEventType(event.EphemeralEventPresence, m.handlePresence)

	syncer.OnSync(func(resp *mautrix.RespSync, since string) bool {
		logger.Tracef("sync %s: %d joined rooms", resp.NextBatch, len(resp.Rooms.Join))

		m.syncOnce.Do(func() {
			close(m.syncedCh)
		})

		return true
	})

	go func() {
		for {
			m.RLock()
			done := m.loggedOut
			m.RUnlock()

			if done {
				return
			}

			if err := m.mc.Sync(); err != nil {
				logger.Errorf("sync failed: %v", err)
				m.pushEvent(bridge.EventSyncState, &bridge.SyncStateEvent{State: bridge.SyncSyncing})
				time.Sleep(time.Second * 5)
			}
		}
	}()
}

func (m *Matrix) room(roomID id.RoomID) *Room {
	m.Lock()
	defer m.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		room = &Room{
			ID:      roomID,
			Members: make(map[id.UserID]*User),
		}
		m.rooms[roomID] = room
	}

	return room
}

func (m *Matrix) handleRoomName(source mautrix.EventSource, ev *event.Event) {
	room := m.room(ev.RoomID)

	room.Lock()
	room.Name = ev.Content.AsRoomName().Name
	room.Unlock()
}

func (m *Matrix) handleTopic(source mautrix.EventSource, ev *event.Event) {
	room := m.room(ev.RoomID)

	room.Lock()
	room.Topic = ev.Content.AsTopic().Topic
	room.Unlock()
}

//nolint:funlen
func (m *Matrix) handleMember(source mautrix.EventSource, ev *event.Event) {
	member, ok := ev.Content.Parsed.(*event.MemberEventContent)
	if !ok || ev.StateKey == nil {
		return
	}

	userID := id.UserID(*ev.StateKey)

	m.Lock()
	user, exists := m.users[userID]
	if !exists {
		user = &User{ID: userID, MemberEventContent: member}
		m.users[userID] = user
	} else {
		user.MemberEventContent = member
	}
	m.Unlock()

	room := m.room(ev.RoomID)

	switch member.Membership {
	case event.MembershipJoin:
		room.Lock()
		_, present := room.Members[userID]
		room.Members[userID] = user

		if member.IsDirect {
			room.IsDirect = true
		}
		room.Unlock()

		if !present && source&mautrix.EventSourceTimeline != 0 {
			m.pushEvent(bridge.EventMemberJoined, &bridge.MemberJoinedEvent{
				RoomID: ev.RoomID.String(),
				Member: m.bridgeMember(userID),
			})
		}
	case event.MembershipInvite:
		if userID.String() != m.mc.UserID.String() {
			return
		}

		inviter := m.displayName(ev.Sender)
		roomName := m.roomName(ev.RoomID)

		m.Lock()
		m.invites[ev.RoomID] = &bridge.Invitation{
			RoomID:      ev.RoomID.String(),
			RoomName:    roomName,
			Inviter:     ev.Sender.String(),
			InviterName: inviter,
			Timestamp:   ev.Timestamp,
		}
		m.Unlock()

		m.pushEvent(bridge.EventInvitation, &bridge.InvitationEvent{})
	case event.MembershipLeave, event.MembershipBan:
		room.Lock()
		_, present := room.Members[userID]
		delete(room.Members, userID)
		room.Unlock()

		m.Lock()
		delete(m.invites, ev.RoomID)
		m.Unlock()

		if present && source&mautrix.EventSourceTimeline != 0 {
			m.pushEvent(bridge.EventMemberLeft, &bridge.MemberLeftEvent{
				RoomID: ev.RoomID.String(),
				UserID: userID.String(),
			})
		}
	}
}

func (m *Matrix) handleMessageEvent(source mautrix.EventSource, ev *event.Event) {
	logger.Tracef("handleMessageEvent %s", spew.Sdump(ev))

	content, ok := ev.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		logger.Warnf("handleMessageEvent: unparsed content in %s", ev.ID)

		return
	}

	room := m.room(ev.RoomID)
	room.Lock()
	room.LastEventID = ev.ID
	room.Unlock()

	// replacement events update the original message instead of appearing
	// as a new one
	if rel := content.GetRelatesTo(); rel != nil && rel.Type == event.RelReplace {
		newBody := content.Body
		if content.NewContent != nil {
			newBody = content.NewContent.Body
		}

		m.editTargets.Add(ev.ID.String(), rel.EventID.String())

		m.pushEvent(bridge.EventMessageEdited, &bridge.MessageEditedEvent{
			RoomID:     ev.RoomID.String(),
			MessageID:  rel.EventID.String(),
			NewContent: newBody,
		})

		return
	}

	m.pushEvent(bridge.EventMessage, &bridge.MessageEvent{
		RoomID:  ev.RoomID.String(),
		Message: m.bridgeMessage(ev, content),
	})
}

func (m *Matrix) handleReactionEvent(source mautrix.EventSource, ev *event.Event) {
	content, ok := ev.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return
	}

	m.pushEvent(bridge.EventReaction, &bridge.ReactionEvent{
		RoomID:    ev.RoomID.String(),
		MessageID: content.RelatesTo.EventID.String(),
		Key:       content.RelatesTo.Key,
		UserID:    ev.Sender.String(),
	})
}

func (m *Matrix) handleRedactionEvent(source mautrix.EventSource, ev *event.Event) {
	if ev.Redacts == "" {
		return
	}

	// a redacted edit means the original is gone too as far as the cache
	// is concerned; resolve through the edit target when we know it
	target := ev.Redacts.String()
	if orig, ok := m.editTargets.Get(target); ok {
		target, _ = orig.(string)
	}

	m.pushEvent(bridge.EventMessageDeleted, &bridge.MessageDeletedEvent{
		RoomID:    ev.RoomID.String(),
		MessageID: target,
	})
}

func (m *Matrix) handleTyping(source mautrix.EventSource, ev *event.Event) {
	for _, userID := range ev.Content.AsTyping().UserIDs {
		if userID == m.mc.UserID {
			continue
		}

		m.pushEvent(bridge.EventTyping, &bridge.TypingEvent{
			RoomID: ev.RoomID.String(),
			UserID: userID.String(),
			Typing: true,
		})
	}
}

func (m *Matrix) handlePresence(source mautrix.EventSource, ev *event.Event) {
	presence := ev.Content.AsPresence()

	m.Lock()
	if user, ok := m.users[ev.Sender]; ok {
		user.Presence = string(presence.Presence)
	}
	m.Unlock()

	m.pushEvent(bridge.EventPresence, &bridge.PresenceEvent{
		UserID: ev.Sender.String(),
		Status: string(presence.Presence),
	})
}

func (m *Matrix) bridgeMessage(ev *event.Event, content *event.MessageEventContent) *bridge.Message {
	msg := &bridge.Message{
		ID:               ev.ID.String(),
		RoomID:           ev.RoomID.String(),
		Sender:           ev.Sender.String(),
		SenderName:       m.displayName(ev.Sender),
		Content:          content.Body,
		FormattedContent: content.FormattedBody,
		Format:           string(content.Format),
		Timestamp:        ev.Timestamp,
		Type:             string(content.MsgType),
	}

	if content.MsgType == event.MsgImage || content.MsgType == event.MsgFile {
		msg.FileURL = string(content.URL)

		if content.Info != nil {
			msg.FileInfo = &bridge.FileInfo{
				MimeType: content.Info.MimeType,
				Size:     int64(content.Info.Size),
				Width:    content.Info.Width,
				Height:   content.Info.Height,
			}
		}
	}

	return msg
}

func (m *Matrix) displayName(userID id.UserID) string {
	m.RLock()
	defer m.RUnlock()

	if user, ok := m.users[userID]; ok && user.MemberEventContent != nil && user.Displayname != "" {
		return user.Displayname
	}

	local, _, err := userID.Parse()
	if err != nil {
		return userID.String()
	}

	return local
}

// roomName resolves a displayable name; direct rooms borrow the peer's
// display name, matching what the web client showed.
func (m *Matrix) roomName(roomID id.RoomID) string {
	m.RLock()
	room, ok := m.rooms[roomID]
	m.RUnlock()

	if !ok {
		return roomID.String()
	}

	room.RLock()
	defer room.RUnlock()

	if room.IsDirect || (room.Name == "" && len(room.Members) == 2) {
		for userID := range room.Members {
			if userID != m.mc.UserID {
				return m.displayName(userID)
			}
		}
	}

	if room.Name != "" {
		return room.Name
	}

	return roomID.String()
}

func (m *Matrix) bridgeMember(userID id.UserID) *bridge.Member {
	member := &bridge.Member{
		UserID:      userID.String(),
		DisplayName: m.displayName(userID),
		Membership:  bridge.MembershipJoined,
		Me:          userID == m.mc.UserID,
	}

	m.RLock()
	if user, ok := m.users[userID]; ok {
		member.Presence = user.Presence

		if user.MemberEventContent != nil {
			member.AvatarURL = string(user.AvatarURL)
		}
	}
	m.RUnlock()

	return member
}

func (m *Matrix) Logout() error {
	m.Lock()

	if m.loggedOut {
		m.Unlock()

		return nil
	}

	m.loggedOut = true
	m.Unlock()

	m.mc.StopSync()

	if _, err := m.mc.Logout(); err != nil {
		logger.Debugf("server side logout failed: %v", err)
	}

	m.pushEvent(bridge.EventLogout, &bridge.LogoutEvent{})

	return nil
}

func (m *Matrix) Connected() bool {
	m.RLock()
	defer m.RUnlock()

	return !m.loggedOut
}

func (m *Matrix) Protocol() string {
	return "matrix"
}

func (m *Matrix) Credentials() bridge.Credentials {
	cred := m.credentials
	cred.Token = m.mc.AccessToken
	cred.UserID = m.mc.UserID.String()

	return cred
}

func (m *Matrix) GetMe() *bridge.Member {
	return m.bridgeMember(m.mc.UserID)
}

func (m *Matrix) GetRooms() ([]*bridge.Room, error) {
	m.RLock()
	ids := make([]id.RoomID, 0, len(m.rooms))
	for roomID := range m.rooms {
		ids = append(ids, roomID)
	}
	m.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rooms := make([]*bridge.Room, 0, len(ids))
	for _, roomID := range ids {
		m.RLock()
		room := m.rooms[roomID]
		m.RUnlock()

		room.RLock()
		entry := &bridge.Room{
			ID:          roomID.String(),
			Topic:       room.Topic,
			MemberCount: len(room.Members),
			IsDirect:    room.IsDirect,
		}
		room.RUnlock()

		entry.Name = m.roomName(roomID)
		rooms = append(rooms, entry)
	}

	return rooms, nil
}

//nolint:funlen
func (m *Matrix) GetMessages(roomID string, limit int) ([]*bridge.Message, error) {
	resp, err := m.mc.Messages(id.RoomID(roomID), "", "", 'b', limit)
	if err != nil {
		return nil, &bridge.FetchError{Path: "messages/" + roomID, Err: err}
	}

	// chunk comes newest first; walk it oldest first so edits and
	// reactions find their targets already present
	events := make([]*event.Event, len(resp.Chunk))
	for i := range resp.Chunk {
		events[len(resp.Chunk)-1-i] = resp.Chunk[i]
	}

	var messages []*bridge.Message

	index := make(map[string]*bridge.Message)

	for _, ev := range events {
		if err := ev.Content.ParseRaw(ev.Type); err != nil {
			continue
		}

		switch ev.Type {
		case event.EventMessage:
			content, ok := ev.Content.Parsed.(*event.MessageEventContent)
			if !ok {
				continue
			}

			if rel := content.GetRelatesTo(); rel != nil && rel.Type == event.RelReplace {
				newBody := content.Body
				if content.NewContent != nil {
					newBody = content.NewContent.Body
				}

				if original, ok := index[rel.EventID.String()]; ok {
					original.Content = newBody
					original.IsEdited = true
				}

				m.editTargets.Add(ev.ID.String(), rel.EventID.String())

				continue
			}

			if _, dup := index[ev.ID.String()]; dup {
				continue
			}

			msg := m.bridgeMessage(ev, content)
			index[msg.ID] = msg
			messages = append(messages, msg)
		case event.EventReaction:
			content, ok := ev.Content.Parsed.(*event.ReactionEventContent)
			if !ok {
				continue
			}

			if msg, ok := index[content.RelatesTo.EventID.String()]; ok {
				addReaction(msg, content.RelatesTo.Key, ev.Sender.String())
			}
		case event.EventRedaction:
			if msg, ok := index[ev.Redacts.String()]; ok {
				msg.IsDeleted = true
				msg.Content = ""
				msg.FormattedContent = ""
			}
		}
	}

	return messages, nil
}

func addReaction(msg *bridge.Message, key, userID string) {
	for _, r := range msg.Reactions {
		if r.Key != key {
			continue
		}

		for _, u := range r.Users {
			if u == userID {
				return
			}
		}

		r.Users = append(r.Users, userID)
		r.Count++

		return
	}

	msg.Reactions = append(msg.Reactions, &bridge.Reaction{Key: key, Count: 1, Users: []string{userID}})
}

func (m *Matrix) GetMembers(roomID string) ([]*bridge.Member, error) {
	resp, err := m.mc.JoinedMembers(id.RoomID(roomID))
	if err != nil {
		return nil, &bridge.FetchError{Path: "members/" + roomID, Err: err}
	}

	members := make([]*bridge.Member, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, m.bridgeMember(userID))
	}

	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	return members, nil
}

func (m *Matrix) GetInvitations() ([]*bridge.Invitation, error) {
	m.RLock()
	defer m.RUnlock()

	invitations := make([]*bridge.Invitation, 0, len(m.invites))
	for _, inv := range m.invites {
		invitations = append(invitations, inv)
	}

	sort.Slice(invitations, func(i, j int) bool { return invitations[i].Timestamp < invitations[j].Timestamp })

	return invitations, nil
}

func (m *Matrix) SendMessage(roomID, text string) (string, error) {
	m.RLock()
	room, ok := m.rooms[id.RoomID(roomID)]
	m.RUnlock()

	var userIDs []id.UserID

	if ok {
		room.RLock()
		for userID := range room.Members {
			userIDs = append(userIDs, userID)
		}
		room.RUnlock()
	}

	members := make([]*bridge.Member, 0, len(userIDs))
	for _, userID := range userIDs {
		members = append(members, m.bridgeMember(userID))
	}

	content, formatted, _ := markup.Prepare(text, members)

	msgContent := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content,
	}

	if formatted != "" {
		msgContent.Format = "org.matrix.custom.html"
		msgContent.FormattedBody = formatted
	}

	resp, err := m.mc.SendMessageEvent(id.RoomID(roomID), event.EventMessage, msgContent)
	if err != nil {
		return "", &bridge.CommandError{Action: "message:send", Reason: err.Error()}
	}

	return resp.EventID.String(), nil
}

func (m *Matrix) SendFile(roomID, name, fileURL string, info *bridge.FileInfo) (string, error) {
	msgType := event.MsgFile
	if info != nil && strings.HasPrefix(info.MimeType, "image/") {
		msgType = event.MsgImage
	}

	msgContent := event.MessageEventContent{
		MsgType: msgType,
		Body:    name,
		URL:     id.ContentURIString(fileURL),
	}

	if info != nil {
		msgContent.Info = &event.FileInfo{
			MimeType: info.MimeType,
			Size:     int(info.Size),
			Width:    info.Width,
			Height:   info.Height,
		}
	}

	resp, err := m.mc.SendMessageEvent(id.RoomID(roomID), event.EventMessage, msgContent)
	if err != nil {
		return "", &bridge.CommandError{Action: "message:send", Reason: err.Error()}
	}

	return resp.EventID.String(), nil
}

func (m *Matrix) SendReaction(roomID, messageID, emoji string) error {
	content := event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: id.EventID(messageID),
			Key:     emoji,
		},
	}

	if _, err := m.mc.SendMessageEvent(id.RoomID(roomID), event.EventReaction, content); err != nil {
		return &bridge.CommandError{Action: "message:react", Reason: err.Error()}
	}

	return nil
}

func (m *Matrix) EditMessage(roomID, messageID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "* " + text,
		NewContent: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    text,
		},
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(messageID),
		},
	}

	if _, err := m.mc.SendMessageEvent(id.RoomID(roomID), event.EventMessage, content); err != nil {
		return &bridge.CommandError{Action: "message:edit", Reason: err.Error()}
	}

	return nil
}

func (m *Matrix) DeleteMessage(roomID, messageID string) error {
	if _, err := m.mc.RedactEvent(id.RoomID(roomID), id.EventID(messageID)); err != nil {
		return &bridge.CommandError{Action: "message:delete", Reason: err.Error()}
	}

	return nil
}

func (m *Matrix) Invite(roomID, userID string) error {
	_, err := m.mc.InviteUser(id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: id.UserID(userID)})
	if err != nil {
		return &bridge.CommandError{Action: "room:invite", Reason: err.Error()}
	}

	return nil
}

func (m *Matrix) AcceptInvite(roomID string) error {
	if _, err := m.mc.JoinRoomByID(id.RoomID(roomID)); err != nil {
		return &bridge.CommandError{Action: "room:acceptInvite", Reason: err.Error()}
	}

	m.Lock()
	delete(m.invites, id.RoomID(roomID))
	m.Unlock()

	m.pushEvent(bridge.EventInvitation, &bridge.InvitationEvent{})

	return nil
}

func (m *Matrix) RejectInvite(roomID string) error {
	if _, err := m.mc.LeaveRoom(id.RoomID(roomID)); err != nil {
		return &bridge.CommandError{Action: "room:rejectInvite", Reason: err.Error()}
	}

	m.Lock()
	delete(m.invites, id.RoomID(roomID))
	m.Unlock()

	m.pushEvent(bridge.EventInvitation, &bridge.InvitationEvent{})

	return nil
}

func (m *Matrix) MarkRead(roomID string) error {
	room := m.room(id.RoomID(roomID))

	room.RLock()
	last := room.LastEventID
	room.RUnlock()

	if last == "" {
		return nil
	}

	if err := m.mc.MarkRead(id.RoomID(roomID), last); err != nil {
		return &bridge.CommandError{Action: "room:markRead", Reason: err.Error()}
	}

	return nil
}

// typing indicator lifetime, in milliseconds as the homeserver expects it
const typingTimeoutMS = 10000

func (m *Matrix) SendTyping(roomID string, typing bool) error {
	if _, err := m.mc.UserTyping(id.RoomID(roomID), typing, typingTimeoutMS); err != nil {
		return &bridge.CommandError{Action: "typing", Reason: err.Error()}
	}

	return nil
}

func (m *Matrix) CreateRoom(name, topic string, public bool) (string, error) {
	req := &mautrix.ReqCreateRoom{
		Name:   name,
		Topic:  topic,
		Preset: "private_chat",
	}

	if public {
		req.Preset = "public_chat"
		req.Visibility = "public"
	}

	resp, err := m.mc.CreateRoom(req)
	if err != nil {
		return "", &bridge.CommandError{Action: "room:create", Reason: err.Error()}
	}

	return resp.RoomID.String(), nil
}

func (m *Matrix) CreateDirect(userID string) (string, error) {
	m.RLock()
	for roomID, room := range m.rooms {
		room.RLock()
		_, hasPeer := room.Members[id.UserID(userID)]
		direct := room.IsDirect
		room.RUnlock()

		if direct && hasPeer {
			m.RUnlock()

			return roomID.String(), nil
		}
	}
	m.RUnlock()

	resp, err := m.mc.CreateRoom(&mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{id.UserID(userID)},
		IsDirect: true,
	})
	if err != nil {
		return "", &bridge.CommandError{Action: "room:direct", Reason: err.Error()}
	}

	room := m.room(resp.RoomID)
	room.Lock()
	room.IsDirect = true
	room.Unlock()

	return resp.RoomID.String(), nil
}

func (m *Matrix) JoinRoom(roomID string) (string, error) {
	resp, err := m.mc.JoinRoom(roomID, "", nil)
	if err != nil {
		return "", &bridge.CommandError{Action: "room:join", Reason: err.Error()}
	}

	return resp.RoomID.String(), nil
}

func (m *Matrix) LeaveRoom(roomID string) error {
	if _, err := m.mc.LeaveRoom(id.RoomID(roomID)); err != nil {
		return &bridge.CommandError{Action: "room:leave", Reason: err.Error()}
	}

	m.Lock()
	delete(m.rooms, id.RoomID(roomID))
	m.Unlock()

	return nil
}

// SearchUsers matches against the users seen during sync; the homeserver
// directory is not consulted.
func (m *Matrix) SearchUsers(query string) ([]*bridge.Member, error) {
	query = strings.ToLower(query)

	// collect ids under one read lock; bridgeMember locks again and a
	// nested read lock can wedge behind a queued sync writer
	m.RLock()

	var matched []id.UserID

	for userID, user := range m.users {
		name := ""
		if user.MemberEventContent != nil {
			name = user.Displayname
		}

		if strings.Contains(strings.ToLower(userID.String()), query) ||
			strings.Contains(strings.ToLower(name), query) {
			matched = append(matched, userID)
		}
	}
	m.RUnlock()

	members := make([]*bridge.Member, 0, len(matched))
	for _, userID := range matched {
		members = append(members, m.bridgeMember(userID))
	}

	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	return members, nil
}

func (m *Matrix) SetDisplayName(name string) error {
	if err := m.mc.SetDisplayName(name); err != nil {
		return &bridge.CommandError{Action: "profile:displayName", Reason: err.Error()}
	}

	return nil
}

func (m *Matrix) UploadFile(data []byte, filename, mimeType string) (string, error) {
	resp, err := m.mc.UploadBytes(data, mimeType)
	if err != nil {
		return "", &bridge.CommandError{Action: "upload", Reason: err.Error()}
	}

	return resp.ContentURI.String(), nil
}

// MediaURL turns an mxc reference into a fetchable download URL on the
// homeserver.
func (m *Matrix) MediaURL(ref string) string {
	uri, err := id.ParseContentURI(ref)
	if err != nil {
		return ref
	}

	return fmt.Sprintf("%s/_matrix/media/r0/download/%s/%s", m.mc.HomeserverURL.String(), uri.Homeserver, uri.FileID)
}

func (m *Matrix) pushEvent(kind string, data interface{}) {
	select {
	case m.eventChan <- &bridge.Event{Type: kind, Data: data}:
	default:
		logger.Warnf("event channel full, dropping %s", kind)
	}
}
