package vox

import (
	"time"

	"github.com/voxchat/voxclient/bridge"
)

// Wire shapes as the vox backend sends them. The same structs are decoded
// from REST JSON and (via mapstructure) from websocket event payloads, so
// both paths normalize identically.

type wireRoom struct {
	ID          string `json:"_id" mapstructure:"_id"`
	Name        string `json:"name" mapstructure:"name"`
	Topic       string `json:"topic" mapstructure:"topic"`
	MemberCount int    `json:"memberCount" mapstructure:"memberCount"`
	UnreadCount int    `json:"unreadCount" mapstructure:"unreadCount"`
	AvatarURL   string `json:"avatarUrl" mapstructure:"avatarUrl"`
	IsDirect    bool   `json:"isDirect" mapstructure:"isDirect"`
}

type wireReaction struct {
	Emoji string   `json:"emoji" mapstructure:"emoji"`
	Count int      `json:"count" mapstructure:"count"`
	Users []string `json:"users" mapstructure:"users"`
}

type wireFileInfo struct {
	MimeType string  `json:"mimeType" mapstructure:"mimeType"`
	Size     int64   `json:"size" mapstructure:"size"`
	W        int     `json:"w" mapstructure:"w"`
	H        int     `json:"h" mapstructure:"h"`
}

// wireMessage tolerates the backend's two sender encodings: a bare user id
// string, or a populated {_id, displayName, username} object.
type wireMessage struct {
	ID               string         `json:"_id" mapstructure:"_id"`
	SenderID         interface{}    `json:"senderId" mapstructure:"senderId"`
	Content          string         `json:"content" mapstructure:"content"`
	CreatedAt        interface{}    `json:"createdAt" mapstructure:"createdAt"`
	Type             string         `json:"type" mapstructure:"type"`
	Reactions        []wireReaction `json:"reactions" mapstructure:"reactions"`
	EditedAt         interface{}    `json:"editedAt" mapstructure:"editedAt"`
	DeletedAt        interface{}    `json:"deletedAt" mapstructure:"deletedAt"`
	FormattedContent string         `json:"formattedContent" mapstructure:"formattedContent"`
	Format           string         `json:"format" mapstructure:"format"`
	Mentions         []string       `json:"mentions" mapstructure:"mentions"`
	FileURL          string         `json:"fileUrl" mapstructure:"fileUrl"`
	FileInfo         *wireFileInfo  `json:"fileInfo" mapstructure:"fileInfo"`
	EditOf           string         `json:"editOf" mapstructure:"editOf"`
}

type wireMember struct {
	UserID      string `json:"userId" mapstructure:"userId"`
	DisplayName string `json:"displayName" mapstructure:"displayName"`
	AvatarURL   string `json:"avatarUrl" mapstructure:"avatarUrl"`
	Status      string `json:"status" mapstructure:"status"`
}

type wireInvitation struct {
	RoomID string `json:"roomId" mapstructure:"roomId"`
	Room   struct {
		Name string `json:"name" mapstructure:"name"`
	} `json:"room" mapstructure:"room"`
	InvitedBy struct {
		UserID      string `json:"userId" mapstructure:"userId"`
		DisplayName string `json:"displayName" mapstructure:"displayName"`
	} `json:"invitedBy" mapstructure:"invitedBy"`
	CreatedAt interface{} `json:"createdAt" mapstructure:"createdAt"`
}

// parseTime accepts the backend's timestamp encodings: RFC3339 strings and
// unix milliseconds as a JSON number. Returns 0 when absent.
func parseTime(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		if t == "" {
			return 0
		}

		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixMilli()
		}

		return 0
	case float64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

func present(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

func parseSender(v interface{}) (string, string) {
	switch s := v.(type) {
	case string:
		return s, s
	case map[string]interface{}:
		id, _ := s["_id"].(string)

		name, _ := s["displayName"].(string)
		if name == "" {
			name, _ = s["username"].(string)
		}

		if name == "" {
			name = id
		}

		return id, name
	default:
		return "", ""
	}
}

func (w *wireMessage) toBridge(roomID string) *bridge.Message {
	sender, senderName := parseSender(w.SenderID)

	kind := w.Type
	if kind == "" {
		kind = bridge.MessageText
	}

	msg := &bridge.Message{
		ID:               w.ID,
		RoomID:           roomID,
		Sender:           sender,
		SenderName:       senderName,
		Content:          w.Content,
		FormattedContent: w.FormattedContent,
		Format:           w.Format,
		Timestamp:        parseTime(w.CreatedAt),
		Type:             kind,
		FileURL:          w.FileURL,
		Mentions:         w.Mentions,
		IsEdited:         present(w.EditedAt),
		IsDeleted:        present(w.DeletedAt),
		EditsID:          w.EditOf,
	}

	if w.FileInfo != nil {
		msg.FileInfo = &bridge.FileInfo{
			MimeType: w.FileInfo.MimeType,
			Size:     w.FileInfo.Size,
			Width:    w.FileInfo.W,
			Height:   w.FileInfo.H,
		}
	}

	for _, r := range w.Reactions {
		msg.Reactions = append(msg.Reactions, &bridge.Reaction{
			Key:   r.Emoji,
			Count: r.Count,
			Users: r.Users,
		})
	}

	return msg
}

func (w *wireRoom) toBridge() *bridge.Room {
	return &bridge.Room{
		ID:          w.ID,
		Name:        w.Name,
		Topic:       w.Topic,
		MemberCount: w.MemberCount,
		UnreadCount: w.UnreadCount,
		AvatarURL:   w.AvatarURL,
		IsDirect:    w.IsDirect,
	}
}

func (w *wireMember) toBridge() *bridge.Member {
	presence := "offline"
	if w.Status == "online" {
		presence = "online"
	}

	return &bridge.Member{
		UserID:      w.UserID,
		DisplayName: w.DisplayName,
		AvatarURL:   w.AvatarURL,
		Membership:  bridge.MembershipJoined,
		Presence:    presence,
	}
}

func (w *wireInvitation) toBridge() *bridge.Invitation {
	inviter := w.InvitedBy.UserID
	if inviter == "" {
		inviter = "unknown"
	}

	inviterName := w.InvitedBy.DisplayName
	if inviterName == "" {
		inviterName = "Unknown"
	}

	return &bridge.Invitation{
		RoomID:      w.RoomID,
		RoomName:    w.Room.Name,
		Inviter:     inviter,
		InviterName: inviterName,
		Timestamp:   parseTime(w.CreatedAt),
	}
}
