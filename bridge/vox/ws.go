package vox

import (
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/voxchat/voxclient/bridge"
)

const (
	connectTimeout = time.Second * 10
	commandTimeout = time.Second * 30
	pongWait       = time.Second * 60
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = time.Second * 10
)

// wsFrame is the single frame shape on the vox realtime channel. Commands
// carry ID+Action, acks echo ID (plus Error on rejection), server pushes
// carry Event.
type wsFrame struct {
	ID     string                 `json:"id,omitempty"`
	Action string                 `json:"action,omitempty"`
	Event  string                 `json:"event,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

type wsConn struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mutex sync.Mutex
	conn  *websocket.Conn

	pendingMutex sync.Mutex
	pending      map[string]chan string

	eventChan chan *bridge.Event
	quit      chan struct{}
	quitOnce  sync.Once
	connected bool

	logger *logrus.Entry
}

func newWsConn(server string, token string, noTLS, skipTLSVerify bool, eventChan chan *bridge.Event, logger *logrus.Entry) *wsConn {
	scheme := "wss://"
	if noTLS {
		scheme = "ws://"
	}

	return &wsConn{
		url:   scheme + server + "/ws",
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerify, //nolint:gosec
			},
			Proxy: http.ProxyFromEnvironment,
		},
		pending:   make(map[string]chan string),
		eventChan: eventChan,
		quit:      make(chan struct{}),
		logger:    logger,
	}
}

func (w *wsConn) connect() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.token)

	conn, resp, err := w.dialer.Dial(w.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &bridge.ConnectionError{Op: "dial", Err: errors.New("authentication rejected")}
		}

		return &bridge.ConnectionError{Op: "dial", Err: err}
	}

	w.mutex.Lock()
	w.conn = conn
	w.connected = true
	w.mutex.Unlock()

	go w.readPump(conn)
	go w.pinger(conn)

	return nil
}

func (w *wsConn) close() {
	w.quitOnce.Do(func() {
		close(w.quit)
	})

	w.mutex.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
	w.mutex.Unlock()

	w.failPending("connection closed")
}

func (w *wsConn) isConnected() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.connected
}

func (w *wsConn) closed() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

func (w *wsConn) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame wsFrame

		if err := conn.ReadJSON(&frame); err != nil {
			if w.closed() {
				return
			}

			w.logger.Errorf("read failed: %v", err)
			w.reconnect(conn)

			return
		}

		switch {
		case frame.Event != "":
			w.handleEvent(&frame)
		case frame.ID != "":
			w.resolve(frame.ID, frame.Error)
		default:
			w.logger.Warnf("unparseable frame: %#v", frame)
		}
	}
}

func (w *wsConn) pinger(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mutex.Lock()

			if w.conn != conn {
				w.mutex.Unlock()

				return
			}

			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.mutex.Unlock()

			if err != nil {
				return
			}
		case <-w.quit:
			return
		}
	}
}

// reconnect re-dials with jittered exponential backoff until it succeeds or
// the connection is deliberately closed. Sync state transitions bracket the
// outage so the session layer can surface it.
func (w *wsConn) reconnect(old *websocket.Conn) {
	w.mutex.Lock()
	if w.conn != old {
		// someone else already replaced the connection
		w.mutex.Unlock()

		return
	}

	w.conn = nil
	w.connected = false
	w.mutex.Unlock()

	old.Close()
	w.failPending("connection lost")

	w.pushEvent(bridge.EventSyncState, &bridge.SyncStateEvent{State: bridge.SyncSyncing})

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    5 * time.Minute,
		Jitter: true,
	}

	for {
		if w.closed() {
			return
		}

		if err := w.connect(); err != nil {
			d := b.Duration()
			w.logger.Debugf("reconnect failed: %v, retrying in %s", err, d)
			time.Sleep(d)

			continue
		}

		break
	}

	w.logger.Info("reconnect successful")
	w.pushEvent(bridge.EventSyncState, &bridge.SyncStateEvent{State: bridge.SyncPrepared})
}

func (w *wsConn) writeFrame(frame *wsFrame) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.conn == nil {
		return bridge.ErrNotConnected
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck

	return w.conn.WriteJSON(frame)
}

// command sends an acknowledged command and waits for the server's answer.
func (w *wsConn) command(action string, data map[string]interface{}) error {
	id := uuid.NewString()
	ack := make(chan string, 1)

	w.pendingMutex.Lock()
	w.pending[id] = ack
	w.pendingMutex.Unlock()

	defer func() {
		w.pendingMutex.Lock()
		delete(w.pending, id)
		w.pendingMutex.Unlock()
	}()

	if err := w.writeFrame(&wsFrame{ID: id, Action: action, Data: data}); err != nil {
		return err
	}

	select {
	case reason := <-ack:
		if reason != "" {
			return &bridge.CommandError{Action: action, Reason: reason}
		}

		return nil
	case <-time.After(commandTimeout):
		return &bridge.CommandError{Action: action, Reason: "ack timeout"}
	case <-w.quit:
		return bridge.ErrNotConnected
	}
}

// emit sends a fire-and-forget command (typing notifications).
func (w *wsConn) emit(action string, data map[string]interface{}) error {
	return w.writeFrame(&wsFrame{Action: action, Data: data})
}

func (w *wsConn) resolve(id, reason string) {
	w.pendingMutex.Lock()
	ack, ok := w.pending[id]
	w.pendingMutex.Unlock()

	if !ok {
		w.logger.Debugf("ack for unknown command %s", id)

		return
	}

	ack <- reason
}

func (w *wsConn) failPending(reason string) {
	w.pendingMutex.Lock()
	defer w.pendingMutex.Unlock()

	for id, ack := range w.pending {
		select {
		case ack <- reason:
		default:
		}

		delete(w.pending, id)
	}
}

func (w *wsConn) pushEvent(kind string, data interface{}) {
	select {
	case w.eventChan <- &bridge.Event{Type: kind, Data: data}:
	default:
		w.logger.Warnf("event channel full, dropping %s", kind)
	}
}

// handleEvent decodes a server push into its typed variant. Payloads that
// do not decode into a complete variant degrade to RoomDataEvent so the
// session layer can refetch instead of dropping the change.
func (w *wsConn) handleEvent(frame *wsFrame) {
	switch frame.Event {
	case "message:new":
		var payload struct {
			RoomID  string      `mapstructure:"roomId"`
			Message wireMessage `mapstructure:"message"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil || payload.Message.ID == "" {
			w.fallback(frame)

			return
		}

		msg := payload.Message.toBridge(payload.RoomID)
		if msg.EditsID != "" {
			w.pushEvent(bridge.EventMessageEdited, &bridge.MessageEditedEvent{
				RoomID:           payload.RoomID,
				MessageID:        msg.EditsID,
				NewContent:       msg.Content,
				FormattedContent: msg.FormattedContent,
				Format:           msg.Format,
			})

			return
		}

		w.pushEvent(bridge.EventMessage, &bridge.MessageEvent{RoomID: payload.RoomID, Message: msg})
	case "message:edited":
		var payload struct {
			RoomID           string `mapstructure:"roomId"`
			MessageID        string `mapstructure:"messageId"`
			NewContent       string `mapstructure:"newContent"`
			FormattedContent string `mapstructure:"formattedContent"`
			Format           string `mapstructure:"format"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil || payload.MessageID == "" {
			w.fallback(frame)

			return
		}

		w.pushEvent(bridge.EventMessageEdited, &bridge.MessageEditedEvent{
			RoomID:           payload.RoomID,
			MessageID:        payload.MessageID,
			NewContent:       payload.NewContent,
			FormattedContent: payload.FormattedContent,
			Format:           payload.Format,
		})
	case "message:deleted":
		var payload struct {
			RoomID    string `mapstructure:"roomId"`
			MessageID string `mapstructure:"messageId"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil || payload.MessageID == "" {
			w.fallback(frame)

			return
		}

		w.pushEvent(bridge.EventMessageDeleted, &bridge.MessageDeletedEvent{
			RoomID:    payload.RoomID,
			MessageID: payload.MessageID,
		})
	case "message:reactions":
		var payload struct {
			RoomID    string `mapstructure:"roomId"`
			MessageID string `mapstructure:"messageId"`
			Emoji     string `mapstructure:"emoji"`
			UserID    string `mapstructure:"userId"`
			Removed   bool   `mapstructure:"removed"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil || payload.MessageID == "" || payload.Emoji == "" {
			w.fallback(frame)

			return
		}

		w.pushEvent(bridge.EventReaction, &bridge.ReactionEvent{
			RoomID:    payload.RoomID,
			MessageID: payload.MessageID,
			Key:       payload.Emoji,
			UserID:    payload.UserID,
			Removed:   payload.Removed,
		})
	case "typing:update":
		var payload struct {
			RoomID   string `mapstructure:"roomId"`
			UserID   string `mapstructure:"userId"`
			IsTyping bool   `mapstructure:"isTyping"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil {
			return
		}

		w.pushEvent(bridge.EventTyping, &bridge.TypingEvent{
			RoomID: payload.RoomID,
			UserID: payload.UserID,
			Typing: payload.IsTyping,
		})
	case "user:status":
		var payload struct {
			UserID string `mapstructure:"userId"`
			Status string `mapstructure:"status"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil {
			return
		}

		w.pushEvent(bridge.EventPresence, &bridge.PresenceEvent{UserID: payload.UserID, Status: payload.Status})
	case "room:invitation":
		w.pushEvent(bridge.EventInvitation, &bridge.InvitationEvent{})
	case "room:memberJoined":
		var payload struct {
			RoomID string     `mapstructure:"roomId"`
			Member wireMember `mapstructure:"member"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil || payload.Member.UserID == "" {
			w.fallback(frame)

			return
		}

		w.pushEvent(bridge.EventMemberJoined, &bridge.MemberJoinedEvent{
			RoomID: payload.RoomID,
			Member: payload.Member.toBridge(),
		})
	case "room:memberLeft":
		var payload struct {
			RoomID string `mapstructure:"roomId"`
			UserID string `mapstructure:"userId"`
		}

		if err := mapstructure.Decode(frame.Data, &payload); err != nil {
			return
		}

		w.pushEvent(bridge.EventMemberLeft, &bridge.MemberLeftEvent{RoomID: payload.RoomID, UserID: payload.UserID})
	default:
		w.logger.Debugf("unhandled event %s", frame.Event)
	}
}

func (w *wsConn) fallback(frame *wsFrame) {
	roomID, _ := frame.Data["roomId"].(string)
	if roomID == "" {
		w.logger.Warnf("dropping undecodable %s event without roomId", frame.Event)

		return
	}

	w.pushEvent(bridge.EventRoomData, &bridge.RoomDataEvent{RoomID: roomID})
}
