package chatclient

import (
	"sort"

	"github.com/desertbit/timer"

	"github.com/voxchat/voxclient/bridge"
)

// roomState holds everything cached for one room. All access goes through the
// Client mutex; the UI only ever sees copies.
type roomState struct {
	messages []*bridge.Message
	index    map[string]*bridge.Message
	members  []*bridge.Member
	typing   map[string]*timer.Timer
	unread   int
}

func (c *Client) roomState(roomID string) *roomState {
	rs, ok := c.roomCache[roomID]
	if !ok {
		rs = &roomState{
			index:  make(map[string]*bridge.Message),
			typing: make(map[string]*timer.Timer),
		}
		c.roomCache[roomID] = rs
	}

	return rs
}

// addMessage appends a message, dropping duplicates by id (first occurrence
// wins) and evicting the oldest entries beyond the retention limit. Returns
// whether the message was actually added.
func (rs *roomState) addMessage(msg *bridge.Message, limit int) bool {
	if _, dup := rs.index[msg.ID]; dup {
		return false
	}

	rs.messages = append(rs.messages, msg)
	rs.index[msg.ID] = msg

	for len(rs.messages) > limit {
		evicted := rs.messages[0]
		rs.messages = rs.messages[1:]
		delete(rs.index, evicted.ID)
	}

	return true
}

// applyEdit rewrites the content of the original message in place. Identity
// never changes: reactions and later edits keep pointing at the same entry.
// Returns false when the target is not cached.
func (rs *roomState) applyEdit(messageID, content, formatted, format string) bool {
	msg, ok := rs.index[messageID]
	if !ok {
		return false
	}

	msg.Content = content

	if formatted != "" {
		msg.FormattedContent = formatted
		msg.Format = format
	} else {
		msg.FormattedContent = ""
		msg.Format = ""
	}

	msg.IsEdited = true

	return true
}

// applyDelete tombstones a message: the entry stays so ordering and identity
// survive, but the content is gone.
func (rs *roomState) applyDelete(messageID string) bool {
	msg, ok := rs.index[messageID]
	if !ok {
		return false
	}

	msg.IsDeleted = true
	msg.Content = ""
	msg.FormattedContent = ""
	msg.FileURL = ""
	msg.FileInfo = nil
	msg.Reactions = nil

	return true
}

// applyReaction is idempotent per (key, user): re-adding an existing reaction
// or removing an absent one is a no-op.
func (rs *roomState) applyReaction(messageID, key, userID string, removed bool) bool {
	msg, ok := rs.index[messageID]
	if !ok {
		return false
	}

	for i, r := range msg.Reactions {
		if r.Key != key {
			continue
		}

		at := -1

		for j, u := range r.Users {
			if u == userID {
				at = j

				break
			}
		}

		switch {
		case removed && at >= 0:
			r.Users = append(r.Users[:at], r.Users[at+1:]...)
			r.Count--

			if r.Count <= 0 {
				msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			}
		case !removed && at < 0:
			r.Users = append(r.Users, userID)
			r.Count++
		}

		return true
	}

	if removed {
		return true
	}

	msg.Reactions = append(msg.Reactions, &bridge.Reaction{Key: key, Count: 1, Users: []string{userID}})

	return true
}

// replaceMessages swaps in a freshly fetched history: sorted chronologically,
// deduplicated by id keeping the first under stable sort.
func (rs *roomState) replaceMessages(messages []*bridge.Message, limit int) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})

	rs.messages = rs.messages[:0]
	rs.index = make(map[string]*bridge.Message)

	for _, msg := range messages {
		rs.addMessage(msg, limit)
	}
}

func (rs *roomState) typingUsers() []string {
	users := make([]string, 0, len(rs.typing))
	for userID := range rs.typing {
		users = append(users, userID)
	}

	sort.Strings(users)

	return users
}

// Messages returns a snapshot of the cached history for a room, oldest first.
// The returned slice and messages are copies; mutating them does not touch
// the cache.
func (c *Client) Messages(roomID string) []*bridge.Message {
	c.RLock()
	defer c.RUnlock()

	rs, ok := c.roomCache[roomID]
	if !ok {
		return nil
	}

	return copyMessages(rs.messages)
}

func copyMessages(in []*bridge.Message) []*bridge.Message {
	out := make([]*bridge.Message, 0, len(in))

	for _, msg := range in {
		clone := *msg

		if msg.FileInfo != nil {
			info := *msg.FileInfo
			clone.FileInfo = &info
		}

		clone.Reactions = make([]*bridge.Reaction, 0, len(msg.Reactions))
		for _, r := range msg.Reactions {
			rc := *r
			rc.Users = append([]string(nil), r.Users...)
			clone.Reactions = append(clone.Reactions, &rc)
		}

		out = append(out, &clone)
	}

	return out
}

// Rooms returns the cached room list in server order, with the locally
// tracked unread counters applied.
func (c *Client) Rooms() []*bridge.Room {
	c.RLock()
	defer c.RUnlock()

	rooms := make([]*bridge.Room, 0, len(c.rooms))

	for _, room := range c.rooms {
		clone := *room

		if rs, ok := c.roomCache[room.ID]; ok && rs.unread > clone.UnreadCount {
			clone.UnreadCount = rs.unread
		}

		rooms = append(rooms, &clone)
	}

	return rooms
}

func (c *Client) Members(roomID string) []*bridge.Member {
	c.RLock()
	defer c.RUnlock()

	rs, ok := c.roomCache[roomID]
	if !ok {
		return nil
	}

	members := make([]*bridge.Member, 0, len(rs.members))

	for _, m := range rs.members {
		clone := *m
		members = append(members, &clone)
	}

	return members
}

func (c *Client) Invitations() []*bridge.Invitation {
	c.RLock()
	defer c.RUnlock()

	invitations := make([]*bridge.Invitation, 0, len(c.invitations))

	for _, inv := range c.invitations {
		clone := *inv
		invitations = append(invitations, &clone)
	}

	return invitations
}

func (c *Client) Typing(roomID string) []string {
	c.RLock()
	defer c.RUnlock()

	rs, ok := c.roomCache[roomID]
	if !ok {
		return nil
	}

	return rs.typingUsers()
}

// SelectRoom marks a room as the one on screen: its unread counter resets
// and the selection generation advances, so loads started for the previous
// room are discarded when they complete.
func (c *Client) SelectRoom(roomID string) {
	c.Lock()
	defer c.Unlock()

	c.selected = roomID
	c.generation++

	if rs, ok := c.roomCache[roomID]; ok {
		rs.unread = 0
	}
}

func (c *Client) SelectedRoom() string {
	c.RLock()
	defer c.RUnlock()

	return c.selected
}

// setTyping adds or refreshes a typing entry; the entry expires on its own
// after typingTimeout without a refresh. Caller holds the lock.
func (c *Client) setTyping(rs *roomState, roomID, userID string) {
	if t, ok := rs.typing[userID]; ok {
		t.Reset(typingTimeout)

		return
	}

	t := timer.NewTimer(typingTimeout)
	rs.typing[userID] = t

	go func() {
		<-t.C
		c.expireTyping(roomID, userID)
	}()
}

// clearTyping removes the entry and fires its timer immediately so the
// expiry goroutine exits; expireTyping finds nothing and is a no-op.
func (c *Client) clearTyping(rs *roomState, userID string) bool {
	t, ok := rs.typing[userID]
	if !ok {
		return false
	}

	delete(rs.typing, userID)
	t.Reset(0)

	return true
}

func (c *Client) expireTyping(roomID, userID string) {
	c.Lock()

	rs, ok := c.roomCache[roomID]
	if !ok {
		c.Unlock()

		return
	}

	if _, ok := rs.typing[userID]; !ok {
		c.Unlock()

		return
	}

	delete(rs.typing, userID)
	users := rs.typingUsers()
	c.Unlock()

	c.publish(TypingChanged{RoomID: roomID, Users: users})
}

func (c *Client) stopTypingTimers() {
	for _, rs := range c.roomCache {
		for userID, t := range rs.typing {
			delete(rs.typing, userID)
			t.Reset(0)
		}
	}
}
