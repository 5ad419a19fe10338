package chatclient

import (
	"sync"

	"github.com/voxchat/voxclient/bridge"
)

// Notification is what subscribers receive. Each kind is a concrete struct;
// consumers type-switch on it.
type Notification interface {
	notification()
}

// RoomsUpdated carries a fresh snapshot of the room list, server order.
type RoomsUpdated struct {
	Rooms []*bridge.Room
}

type MessageArrived struct {
	RoomID  string
	Message *bridge.Message
}

// RoomInvalidated tells the consumer the cached view of a room can no longer
// be patched incrementally and should be refetched.
type RoomInvalidated struct {
	RoomID string
}

type MessageChanged struct {
	RoomID  string
	Message *bridge.Message
}

type SyncChanged struct {
	State string
}

type TypingChanged struct {
	RoomID string
	Users  []string
}

type InvitationsUpdated struct {
	Invitations []*bridge.Invitation
}

type PresenceChanged struct {
	UserID string
	Status string
}

type MembersChanged struct {
	RoomID string
}

func (RoomsUpdated) notification()       {}
func (MessageArrived) notification()     {}
func (RoomInvalidated) notification()    {}
func (MessageChanged) notification()     {}
func (SyncChanged) notification()        {}
func (TypingChanged) notification()      {}
func (InvitationsUpdated) notification() {}
func (PresenceChanged) notification()    {}
func (MembersChanged) notification()     {}

const subscriptionBuffer = 64

// Subscription is one consumer's view of the notification stream. Close it
// when done; C is closed afterwards.
type Subscription struct {
	C chan Notification

	c    *Client
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.c.unsubscribe(s)
		close(s.C)
	})
}

// Subscribe registers a new consumer. Any number of subscribers can be active
// at once; every one receives every notification.
func (c *Client) Subscribe() *Subscription {
	sub := &Subscription{
		C: make(chan Notification, subscriptionBuffer),
		c: c,
	}

	c.subMutex.Lock()
	c.subscribers[sub] = struct{}{}
	c.subMutex.Unlock()

	return sub
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.subMutex.Lock()
	delete(c.subscribers, sub)
	c.subMutex.Unlock()
}

// publish fans a notification out to every subscriber. It never blocks the
// apply loop: a subscriber that stopped draining loses notifications, with a
// warning, instead of stalling everyone else.
func (c *Client) publish(n Notification) {
	c.subMutex.RLock()
	defer c.subMutex.RUnlock()

	for sub := range c.subscribers {
		select {
		case sub.C <- n:
		default:
			logger.Warnf("subscriber not draining, dropping %T", n)
		}
	}
}
