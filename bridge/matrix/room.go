package matrix

import (
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type User struct {
	ID id.UserID
	*event.MemberEventContent
	Presence string
}

type Room struct {
	ID          id.RoomID
	Name        string
	Topic       string
	Members     map[id.UserID]*User
	IsDirect    bool
	LastEventID id.EventID
	sync.RWMutex
}
