// Package vox implements bridge.Bridger against the vox backend: REST for
// resource reads and writes, a websocket channel for realtime events and
// acknowledged commands.
package vox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/voxchat/voxclient/bridge"
	"github.com/voxchat/voxclient/pkg/markup"
)

const membersCacheTTL = time.Second * 30

type Vox struct {
	sync.RWMutex

	credentials bridge.Credentials
	v           *viper.Viper
	api         *apiClient
	ws          *wsConn
	eventChan   chan *bridge.Event
	me          *bridge.Member
	loggedOut   bool

	// room membership snapshots for outgoing mention resolution
	membersCache *lru.Cache
}

var logger *logrus.Entry

type cachedMembers struct {
	members []*bridge.Member
	at      time.Time
}

func New(v *viper.Viper, cred bridge.Credentials, eventChan chan *bridge.Event) (bridge.Bridger, error) {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 12,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "bridge/vox"})

	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	m := &Vox{
		credentials: cred,
		v:           v,
		eventChan:   eventChan,
		api:         newAPIClient(cred.Server, cred.NoTLS, cred.SkipTLSVerify, logger),
	}
	m.membersCache, _ = lru.New(50)

	if err := m.login(); err != nil {
		return nil, err
	}

	m.ws = newWsConn(cred.Server, m.api.token, cred.NoTLS, cred.SkipTLSVerify, eventChan, logger)
	if err := m.ws.connect(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Vox) login() error {
	if m.credentials.Token != "" {
		return m.loginToken()
	}

	logger.Infof("login as %s on %s", m.credentials.Login, m.credentials.Server)

	resp, err := m.api.login(m.credentials.Login, m.credentials.Pass)
	if err != nil {
		return &bridge.ConnectionError{Op: "login", Err: err}
	}

	m.credentials.Token = resp.AccessToken
	m.credentials.UserID = resp.User.ID
	m.me = &bridge.Member{
		UserID:      resp.User.ID,
		DisplayName: resp.User.DisplayName,
		Membership:  bridge.MembershipJoined,
		Me:          true,
	}

	return nil
}

// loginToken resumes a saved session. The token is inspected (unverified,
// validation is the server's job) so an expired one fails fast instead of
// producing a cryptic 401 later.
func (m *Vox) loginToken() error {
	if token, _, err := jwt.NewParser().ParseUnverified(m.credentials.Token, jwt.MapClaims{}); err == nil {
		if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
			return &bridge.ConnectionError{Op: "login", Err: errors.New("saved token is expired")}
		}
	}

	logger.Infof("token login as %s on %s", m.credentials.UserID, m.credentials.Server)

	m.api.token = m.credentials.Token

	resp, err := m.api.me()
	if err != nil {
		return &bridge.ConnectionError{Op: "login", Err: err}
	}

	m.me = &bridge.Member{
		UserID:      resp.User.ID,
		DisplayName: resp.User.DisplayName,
		AvatarURL:   resp.User.AvatarURL,
		Membership:  bridge.MembershipJoined,
		Me:          true,
	}

	if m.credentials.UserID == "" {
		m.credentials.UserID = resp.User.ID
	}

	return nil
}

func (m *Vox) Logout() error {
	m.Lock()
	defer m.Unlock()

	if m.loggedOut {
		return nil
	}

	m.loggedOut = true

	logger.Debugf("logout as %s on %s", m.credentials.UserID, m.credentials.Server)

	if m.ws != nil {
		m.ws.close()
	}

	if err := m.api.logout(); err != nil {
		logger.Debugf("server side logout failed: %v", err)
	}

	m.pushEvent(bridge.EventLogout, &bridge.LogoutEvent{})

	return nil
}

func (m *Vox) Connected() bool {
	return m.ws != nil && m.ws.isConnected()
}

func (m *Vox) Protocol() string {
	return "vox"
}

func (m *Vox) Credentials() bridge.Credentials {
	m.RLock()
	defer m.RUnlock()

	return m.credentials
}

func (m *Vox) GetMe() *bridge.Member {
	return m.me
}

func (m *Vox) GetRooms() ([]*bridge.Room, error) {
	return m.api.rooms()
}

func (m *Vox) GetMessages(roomID string, limit int) ([]*bridge.Message, error) {
	return m.api.messages(roomID, limit)
}

func (m *Vox) GetMembers(roomID string) ([]*bridge.Member, error) {
	members, err := m.api.members(roomID)
	if err != nil {
		return nil, err
	}

	for _, member := range members {
		if member.UserID == m.credentials.UserID {
			member.Me = true
		}
	}

	m.membersCache.Add(roomID, &cachedMembers{members: members, at: time.Now()})

	return members, nil
}

func (m *Vox) GetInvitations() ([]*bridge.Invitation, error) {
	return m.api.invitations()
}

func (m *Vox) roomMembers(roomID string) []*bridge.Member {
	if v, ok := m.membersCache.Get(roomID); ok {
		if cached, ok := v.(*cachedMembers); ok && time.Since(cached.at) < membersCacheTTL {
			return cached.members
		}
	}

	members, err := m.GetMembers(roomID)
	if err != nil {
		logger.Errorf("failed to get members of %s: %v", roomID, err)

		return nil
	}

	return members
}

func (m *Vox) SendMessage(roomID, text string) (string, error) {
	content, formatted, mentions := markup.Prepare(text, m.roomMembers(roomID))

	data := map[string]interface{}{
		"roomId":  roomID,
		"content": content,
		"type":    bridge.MessageText,
	}

	if formatted != "" {
		data["formattedContent"] = formatted
	}

	if len(mentions) > 0 {
		data["mentions"] = mentions
	}

	if err := m.ws.command("message:send", data); err != nil {
		return "", err
	}

	// the backend assigns the id; it arrives with the message:new echo
	return "", nil
}

func (m *Vox) SendFile(roomID, name, fileURL string, info *bridge.FileInfo) (string, error) {
	kind := bridge.MessageFile
	if info != nil && len(info.MimeType) >= 6 && info.MimeType[:6] == "image/" {
		kind = bridge.MessageImage
	}

	data := map[string]interface{}{
		"roomId":  roomID,
		"content": name,
		"type":    kind,
		"fileUrl": fileURL,
	}

	if info != nil {
		fileInfo := map[string]interface{}{
			"name":     name,
			"size":     info.Size,
			"mimeType": info.MimeType,
		}

		if info.Width > 0 {
			fileInfo["w"] = info.Width
			fileInfo["h"] = info.Height
		}

		data["fileInfo"] = fileInfo
	}

	if err := m.ws.command("message:send", data); err != nil {
		return "", err
	}

	return "", nil
}

func (m *Vox) SendReaction(roomID, messageID, emoji string) error {
	return m.ws.command("message:react", map[string]interface{}{
		"roomId":    roomID,
		"messageId": messageID,
		"emoji":     emoji,
	})
}

func (m *Vox) EditMessage(roomID, messageID, text string) error {
	return m.ws.command("message:edit", map[string]interface{}{
		"roomId":     roomID,
		"messageId":  messageID,
		"newContent": text,
	})
}

func (m *Vox) DeleteMessage(roomID, messageID string) error {
	return m.ws.command("message:delete", map[string]interface{}{
		"roomId":    roomID,
		"messageId": messageID,
	})
}

func (m *Vox) Invite(roomID, userID string) error {
	return m.ws.command("room:invite", map[string]interface{}{
		"roomId":        roomID,
		"invitedUserId": userID,
	})
}

func (m *Vox) AcceptInvite(roomID string) error {
	return m.ws.command("room:acceptInvite", map[string]interface{}{"roomId": roomID})
}

func (m *Vox) RejectInvite(roomID string) error {
	return m.ws.command("room:rejectInvite", map[string]interface{}{"roomId": roomID})
}

func (m *Vox) MarkRead(roomID string) error {
	return m.ws.command("room:markRead", map[string]interface{}{"roomId": roomID})
}

func (m *Vox) SendTyping(roomID string, typing bool) error {
	action := "typing:stop"
	if typing {
		action = "typing:start"
	}

	return m.ws.emit(action, map[string]interface{}{"roomId": roomID})
}

func (m *Vox) CreateRoom(name, topic string, public bool) (string, error) {
	return m.api.createRoom(name, topic, public)
}

func (m *Vox) CreateDirect(userID string) (string, error) {
	return m.api.createDirect(userID)
}

func (m *Vox) JoinRoom(roomID string) (string, error) {
	if err := m.api.joinRoom(roomID); err != nil {
		return "", err
	}

	return roomID, nil
}

func (m *Vox) LeaveRoom(roomID string) error {
	return m.api.leaveRoom(roomID)
}

func (m *Vox) SearchUsers(query string) ([]*bridge.Member, error) {
	return m.api.searchUsers(query)
}

func (m *Vox) SetDisplayName(name string) error {
	if err := m.api.setDisplayName(name); err != nil {
		return err
	}

	m.Lock()
	if m.me != nil {
		m.me.DisplayName = name
	}
	m.Unlock()

	return nil
}

func (m *Vox) UploadFile(data []byte, filename, mimeType string) (string, error) {
	return m.api.upload(data, filename, mimeType)
}

// MediaURL resolves the backend's relative upload paths against the API
// base. Absolute URLs pass through.
func (m *Vox) MediaURL(ref string) string {
	if ref == "" {
		return ""
	}

	if len(ref) >= 4 && ref[:4] == "http" {
		return ref
	}

	return fmt.Sprintf("%s%s", m.api.baseURL, ref)
}

func (m *Vox) pushEvent(kind string, data interface{}) {
	select {
	case m.eventChan <- &bridge.Event{Type: kind, Data: data}:
	default:
		logger.Warnf("event channel full, dropping %s", kind)
	}
}
