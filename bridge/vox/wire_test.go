package vox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxchat/voxclient/bridge"
)

func TestParseTime(t *testing.T) {
	assert.Equal(t, int64(0), parseTime(nil))
	assert.Equal(t, int64(0), parseTime(""))
	assert.Equal(t, int64(0), parseTime("not a date"))
	assert.Equal(t, int64(1700000000123), parseTime(float64(1700000000123)))

	when := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	assert.Equal(t, when.UnixMilli(), parseTime(when.Format(time.RFC3339Nano)))
}

func TestParseSender(t *testing.T) {
	id, name := parseSender("u1")
	assert.Equal(t, "u1", id)
	assert.Equal(t, "u1", name)

	id, name = parseSender(map[string]interface{}{"_id": "u1", "displayName": "Alice"})
	assert.Equal(t, "u1", id)
	assert.Equal(t, "Alice", name)

	// username is the fallback when displayName is absent
	id, name = parseSender(map[string]interface{}{"_id": "u1", "username": "alice"})
	assert.Equal(t, "u1", id)
	assert.Equal(t, "alice", name)

	id, name = parseSender(nil)
	assert.Empty(t, id)
	assert.Empty(t, name)
}

func TestWireMessageToBridge(t *testing.T) {
	raw := `{
		"_id": "m1",
		"senderId": {"_id": "u1", "displayName": "Alice"},
		"content": "hello",
		"createdAt": "2023-11-14T22:13:20Z",
		"editedAt": "2023-11-14T22:14:00Z",
		"reactions": [{"emoji": "👍", "count": 2, "users": ["u2", "u3"]}],
		"fileUrl": "/uploads/pic.png",
		"fileInfo": {"mimeType": "image/png", "size": 1024, "w": 64, "h": 48},
		"type": "m.image"
	}`

	var w wireMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &w))

	msg := w.toBridge("room1")
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "room1", msg.RoomID)
	assert.Equal(t, "u1", msg.Sender)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.True(t, msg.IsEdited)
	assert.False(t, msg.IsDeleted)
	assert.Equal(t, "m.image", msg.Type)
	require.NotNil(t, msg.FileInfo)
	assert.Equal(t, 64, msg.FileInfo.Width)
	require.Len(t, msg.Reactions, 1)
	assert.Equal(t, "👍", msg.Reactions[0].Key)
	assert.Equal(t, 2, msg.Reactions[0].Count)
}

func TestWireMessageDefaults(t *testing.T) {
	w := wireMessage{ID: "m1", SenderID: "u1", Content: "hi"}

	msg := w.toBridge("room1")
	assert.Equal(t, bridge.MessageText, msg.Type, "type defaults to text")
	assert.False(t, msg.IsEdited)
	assert.False(t, msg.IsDeleted)
	assert.Zero(t, msg.Timestamp)
}

func TestWireMessageEditRelation(t *testing.T) {
	w := wireMessage{ID: "m2", SenderID: "u1", Content: "fixed", EditOf: "m1"}

	msg := w.toBridge("room1")
	assert.Equal(t, "m1", msg.EditsID)
}

func TestWireMemberPresence(t *testing.T) {
	online := wireMember{UserID: "u1", Status: "online"}
	assert.Equal(t, "online", online.toBridge().Presence)

	away := wireMember{UserID: "u2", Status: "away"}
	assert.Equal(t, "offline", away.toBridge().Presence)

	assert.Equal(t, bridge.MembershipJoined, online.toBridge().Membership)
}

func TestWireInvitationDefaults(t *testing.T) {
	w := wireInvitation{RoomID: "room1"}

	inv := w.toBridge()
	assert.Equal(t, "unknown", inv.Inviter)
	assert.Equal(t, "Unknown", inv.InviterName)
}
