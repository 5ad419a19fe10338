package bridge

// Bridger is the backend-neutral client contract. Every chat backend
// (vox, matrix) implements it; the sync core in pkg/chatclient only ever
// talks to this interface.
type Bridger interface {
	Logout() error
	Connected() bool
	Protocol() string
	GetMe() *Member
	// Credentials returns the active session credentials, token included,
	// so a caller can persist them for later resumption.
	Credentials() Credentials

	GetRooms() ([]*Room, error)
	GetMessages(roomID string, limit int) ([]*Message, error)
	GetMembers(roomID string) ([]*Member, error)
	GetInvitations() ([]*Invitation, error)

	SendMessage(roomID, text string) (string, error)
	SendFile(roomID, name, fileURL string, info *FileInfo) (string, error)
	SendReaction(roomID, messageID, emoji string) error
	EditMessage(roomID, messageID, text string) error
	DeleteMessage(roomID, messageID string) error

	Invite(roomID, userID string) error
	AcceptInvite(roomID string) error
	RejectInvite(roomID string) error
	MarkRead(roomID string) error
	SendTyping(roomID string, typing bool) error

	CreateRoom(name, topic string, public bool) (string, error)
	CreateDirect(userID string) (string, error)
	JoinRoom(roomID string) (string, error)
	LeaveRoom(roomID string) error

	SearchUsers(query string) ([]*Member, error)
	SetDisplayName(name string) error
	UploadFile(data []byte, filename, mimeType string) (string, error)
	MediaURL(ref string) string
}

type Credentials struct {
	Login         string
	Pass          string
	Server        string
	Token         string
	UserID        string
	NoTLS         bool
	SkipTLSVerify bool
}

type Room struct {
	ID          string
	Name        string
	Topic       string
	MemberCount int
	UnreadCount int
	AvatarURL   string
	IsDirect    bool
}

// Message kinds, matrix msgtype wire values kept for both backends.
const (
	MessageText  = "m.text"
	MessageImage = "m.image"
	MessageFile  = "m.file"
)

type FileInfo struct {
	MimeType string
	Size     int64
	Width    int
	Height   int
}

type Reaction struct {
	Key   string
	Count int
	Users []string
}

// Message is a normalized chat message. ID is always the identifier of the
// original event: edits resolve to the message they replace, so reactions
// and further edits keep targeting the same entry.
type Message struct {
	ID               string
	RoomID           string
	Sender           string
	SenderName       string
	Content          string
	FormattedContent string
	Format           string
	Timestamp        int64
	Type             string
	FileURL          string
	FileInfo         *FileInfo
	Reactions        []*Reaction
	IsEdited         bool
	IsDeleted        bool
	Mentions         []string
	// EditsID is set on a freshly received event that replaces an earlier
	// message; it carries the original event identifier.
	EditsID string
}

const (
	MembershipJoined  = "join"
	MembershipInvited = "invite"
	MembershipLeft    = "leave"
)

type Member struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Membership  string
	Presence    string
	Me          bool
}

type Invitation struct {
	RoomID      string
	RoomName    string
	Inviter     string
	InviterName string
	Timestamp   int64
}

// Sync states as surfaced to the UI. SyncPrepared matches the wire value the
// original web clients expect.
const (
	SyncConnecting = "CONNECTING"
	SyncSyncing    = "SYNCING"
	SyncPrepared   = "PREPARED"
	SyncStopped    = "STOPPED"
	SyncError      = "ERROR"
)

type Event struct {
	Type string
	Data interface{}
}

const (
	EventMessage        = "message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventReaction       = "reaction"
	EventTyping         = "typing"
	EventInvitation     = "invitation"
	EventMemberJoined   = "member_joined"
	EventMemberLeft     = "member_left"
	EventPresence       = "presence"
	EventRoomData       = "room_data"
	EventSyncState      = "sync_state"
	EventLogout         = "logout"
)

type MessageEvent struct {
	RoomID  string
	Message *Message
}

// MessageEditedEvent references the original message identifier, never the
// edit's own.
type MessageEditedEvent struct {
	RoomID           string
	MessageID        string
	NewContent       string
	FormattedContent string
	Format           string
}

type MessageDeletedEvent struct {
	RoomID    string
	MessageID string
}

type ReactionEvent struct {
	RoomID    string
	MessageID string
	Key       string
	UserID    string
	Removed   bool
}

type TypingEvent struct {
	RoomID string
	UserID string
	Typing bool
}

// InvitationEvent is signal-only: the invitation list is refetched from the
// backend when it fires.
type InvitationEvent struct{}

type MemberJoinedEvent struct {
	RoomID string
	Member *Member
}

type MemberLeftEvent struct {
	RoomID string
	UserID string
}

type PresenceEvent struct {
	UserID string
	Status string
}

// RoomDataEvent is the fallback for wire events that could not be decoded
// into a richer variant: the room's data changed, refetch it.
type RoomDataEvent struct {
	RoomID string
}

type SyncStateEvent struct {
	State string
}

type LogoutEvent struct{}
