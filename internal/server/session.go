package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/spatial/internal/apperr"
	"github.com/MarcoPoloResearchLab/spatial/internal/auth"
	"github.com/MarcoPoloResearchLab/spatial/internal/chat"
	"github.com/MarcoPoloResearchLab/spatial/internal/presence"
	"github.com/MarcoPoloResearchLab/spatial/internal/raid"
	"github.com/MarcoPoloResearchLab/spatial/internal/realtime"
	"github.com/MarcoPoloResearchLab/spatial/internal/relics"
	"github.com/MarcoPoloResearchLab/spatial/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPresenceChannel = "skill-map-presence"
	inventoryTopicPrefix   = "inventory-"

	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxFrameSize    = 64 * 1024
	sendQueueSize   = 64
	teardownTimeout = 5 * time.Second
)

// Inbound frame types.
const (
	FrameCursor    = "cursor"
	FrameJoinNode  = "join_node"
	FrameLeaveNode = "leave_node"
	FrameEdit      = "edit"
	FrameSubmit    = "submit"
	FrameChat      = "chat"
	FrameAuth      = "auth"
	FrameSignOut   = "sign_out"
)

// Outbound frame types. Chat frames are shared with the inbound set.
const (
	FramePresence = "presence"
	FrameRaid     = "raid"
	FrameLoadout  = "loadout"
	FrameNotice   = "notice"
	FrameError    = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type nodePayload struct {
	NodeID string `json:"node_id"`
}

type editPayload struct {
	Text string `json:"text"`
}

type submitPayload struct {
	Code string `json:"code"`
}

type chatSendPayload struct {
	Content string `json:"content"`
}

type authPayload struct {
	Token string `json:"token"`
}

type presencePayload struct {
	Self         presence.Participant `json:"self"`
	Participants []presence.State     `json:"participants"`
}

type chatPayload struct {
	Messages []chat.Message `json:"messages"`
}

type noticePayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// participantSession runs one websocket participant: their presence, cursor broadcaster,
// raid controller, tavern stream and loadout feed.
type participantSession struct {
	handler *httpHandler
	conn    *websocket.Conn
	userID  string
	profile users.Profile
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	self            presence.Participant
	identity        *auth.SessionIdentity
	unsubscribeAuth func()
	presence        *presence.Handle
	cursor          *presence.CursorBroadcaster
	raid            *raid.Controller
	chat            *chat.Stream
	inventory       *realtime.Subscription

	chatMu   sync.Mutex
	chatSent map[string]struct{}

	outMu     sync.Mutex
	outbound  chan []byte
	outClosed bool

	teardownOnce sync.Once
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.EnsureProfile(c.Request.Context(), claims)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newParticipantSession(h, conn, claims, profile)
	go session.writePump()
	if err := session.start(); err != nil {
		session.logger.Error("participant session failed to start", zap.Error(err))
		session.sendError(err)
		session.teardown()
		return
	}
	session.readPump()
}

func newParticipantSession(h *httpHandler, conn *websocket.Conn, claims auth.SessionClaims, profile users.Profile) *participantSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &participantSession{
		handler:  h,
		conn:     conn,
		userID:   claims.UserID,
		profile:  profile,
		logger:   h.logger.With(zap.String("user_id", claims.UserID)),
		ctx:      ctx,
		cancel:   cancel,
		identity: auth.IdentityFromClaims(claims),
		chatSent: make(map[string]struct{}),
		outbound: make(chan []byte, sendQueueSize),
	}
}

func (s *participantSession) start() error {
	settings := s.handler.settings

	s.unsubscribeAuth = s.identity.OnAuthChange(func(_ auth.User, signedIn bool) {
		code := "signed_out"
		if signedIn {
			code = "signed_in"
		}
		s.sendFrame(FrameNotice, noticePayload{Code: code})
	})

	connectionID, err := s.handler.ids.NewID()
	if err != nil {
		return apperr.Persistence("session.start", "connection_id_failed", err)
	}
	s.self = presence.Participant{
		ID:       s.userID,
		Username: s.profile.DisplayUsername(),
		Color:    s.profile.DisplayColor(),
	}
	handle, err := s.handler.presence.Join(s.ctx, settings.PresenceChannel, s.self, presence.JoinOptions{
		Key:    connectionID,
		OnSync: s.sendPresence,
	})
	if err != nil {
		return err
	}
	s.presence = handle

	cursor, err := presence.NewCursorBroadcaster(presence.CursorBroadcasterConfig{
		Publisher: handle,
		Interval:  settings.CursorInterval,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	s.cursor = cursor

	controller, err := raid.NewController(raid.ControllerConfig{
		Identity:   s.identity,
		Tracker:    s.handler.occupancy,
		Sessions:   s.handler.raids,
		Subscriber: s.handler.realtime,
		Threshold:  settings.RaidThreshold,
		RewardXP:   settings.RaidRewardXP,
		Logger:     s.logger,
		OnChange: func(view raid.View) {
			s.sendFrame(FrameRaid, view)
		},
		OnError: s.sendError,
	})
	if err != nil {
		return err
	}
	s.raid = controller
	s.handler.live.add(s)
	s.sendFrame(FrameRaid, controller.View())

	stream, err := chat.NewStream(chat.StreamConfig{
		Log:          s.handler.chat,
		Subscriber:   s.handler.realtime,
		HistoryLimit: settings.ChatHistoryLimit,
		OnAppend: func(message chat.Message) {
			s.sendChat([]chat.Message{message})
		},
		Logger: s.logger,
	})
	if err != nil {
		return err
	}
	s.chat = stream
	if err := s.attachChat(); err != nil {
		return err
	}

	inventory, err := s.handler.realtime.Subscribe(s.ctx, inventoryTopicPrefix+s.userID, realtime.SubscribeOptions{
		Changes: []realtime.ChangeFilter{relics.InventoryFilter(s.userID)},
	})
	if err != nil {
		return apperr.Persistence("session.start", "inventory_subscribe_failed", err)
	}
	s.inventory = inventory
	s.pushLoadout()
	go s.followInventory(inventory)
	return nil
}

// attachChat sends the history before any appended message so the client sees each message once.
func (s *participantSession) attachChat() error {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	if err := s.chat.Attach(s.ctx); err != nil {
		return err
	}
	history := s.chat.Messages()
	for _, message := range history {
		s.chatSent[message.ID] = struct{}{}
	}
	s.sendFrame(FrameChat, chatPayload{Messages: history})
	return nil
}

func (s *participantSession) sendChat(messages []chat.Message) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	fresh := make([]chat.Message, 0, len(messages))
	for _, message := range messages {
		if _, sent := s.chatSent[message.ID]; sent {
			continue
		}
		s.chatSent[message.ID] = struct{}{}
		fresh = append(fresh, message)
	}
	if len(fresh) == 0 {
		return
	}
	s.sendFrame(FrameChat, chatPayload{Messages: fresh})
}

func (s *participantSession) followInventory(subscription *realtime.Subscription) {
	for event := range subscription.Events() {
		if event.Kind != realtime.EventRowChange {
			continue
		}
		s.pushLoadout()
	}
}

func (s *participantSession) pushLoadout() {
	loadout, err := s.handler.relics.Loadout(s.ctx, s.userID)
	if err != nil {
		s.sendError(err)
		return
	}
	s.sendFrame(FrameLoadout, loadout)
}

func (s *participantSession) sendPresence(others []presence.State) {
	s.sendFrame(FramePresence, presencePayload{Self: s.self, Participants: others})
}

func (s *participantSession) readPump() {
	defer s.teardown()
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.sendFrame(FrameError, noticePayload{Code: "invalid_frame"})
			continue
		}
		s.dispatch(frame)
	}
}

func (s *participantSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *participantSession) dispatch(frame Frame) {
	switch frame.Type {
	case FrameCursor:
		if _, ok := s.identity.CurrentUser(); !ok {
			s.sendError(apperr.NotAuthenticated("session.cursor"))
			return
		}
		var cursor presence.Cursor
		if !s.decode(frame, &cursor) {
			return
		}
		s.cursor.Update(cursor)
	case FrameJoinNode:
		var payload nodePayload
		if !s.decode(frame, &payload) {
			return
		}
		if err := s.raid.EnterNode(s.ctx, payload.NodeID); err != nil {
			s.sendError(err)
			return
		}
		s.sendFrame(FrameNotice, noticePayload{Code: "joined_node", Message: strings.TrimSpace(payload.NodeID)})
	case FrameLeaveNode:
		if err := s.raid.LeaveNode(s.ctx); err != nil {
			s.sendError(err)
		}
	case FrameEdit:
		var payload editPayload
		if !s.decode(frame, &payload) {
			return
		}
		if err := s.raid.Edit(payload.Text); err != nil {
			s.sendError(err)
		}
	case FrameSubmit:
		var payload submitPayload
		if !s.decode(frame, &payload) {
			return
		}
		if err := s.raid.Submit(s.ctx, payload.Code); err != nil {
			s.sendError(err)
			return
		}
		s.sendFrame(FrameNotice, noticePayload{Code: "raid_completed"})
	case FrameChat:
		var payload chatSendPayload
		if !s.decode(frame, &payload) {
			return
		}
		user, _ := s.identity.CurrentUser()
		if err := s.chat.Send(s.ctx, user.ID, payload.Content); err != nil {
			s.sendError(err)
		}
	case FrameAuth:
		var payload authPayload
		if !s.decode(frame, &payload) {
			return
		}
		claims, err := s.handler.sessions.ValidateToken(payload.Token)
		if err != nil {
			s.sendError(apperr.NotAuthenticated("session.auth"))
			return
		}
		if claims.UserID != s.userID {
			s.sendFrame(FrameError, noticePayload{Code: "session.user_mismatch"})
			return
		}
		s.identity.SetUser(auth.UserFromClaims(claims))
	case FrameSignOut:
		if err := s.raid.LeaveNode(s.ctx); err != nil && !errors.Is(err, apperr.ErrNotAuthenticated) {
			s.logger.Warn("leave on sign out failed", zap.Error(err))
		}
		s.identity.Clear()
	default:
		s.sendFrame(FrameError, noticePayload{Code: "unknown_frame", Message: frame.Type})
	}
}

func (s *participantSession) decode(frame Frame, target any) bool {
	if len(frame.Payload) == 0 {
		frame.Payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		s.sendFrame(FrameError, noticePayload{Code: "invalid_payload", Message: frame.Type})
		return false
	}
	return true
}

func (s *participantSession) sendError(err error) {
	_, code := errorStatus(err)
	s.sendFrame(FrameError, noticePayload{Code: code})
}

// sendFrame queues a frame for the writer. Frames are dropped once the session is torn
// down or while the client is too slow to drain its queue.
func (s *participantSession) sendFrame(frameType string, payload any) {
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("frame", frameType), zap.Error(err))
		return
	}
	encoded, err := json.Marshal(Frame{Type: frameType, Payload: encodedPayload})
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("frame", frameType), zap.Error(err))
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	select {
	case s.outbound <- encoded:
	default:
		s.logger.Warn("dropping frame for slow client", zap.String("frame", frameType))
	}
}

// teardown releases every component the session started. Occupancy is kept while another
// open session of the same user is still at the node. It runs once, on whichever exit
// path comes first.
func (s *participantSession) teardown() {
	s.teardownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		if s.raid != nil {
			nodeID := s.raid.View().NodeID
			s.raid.Close()
			s.handler.live.remove(s)
			if nodeID != "" && !s.handler.live.atNode(s.userID, nodeID) {
				if err := s.handler.occupancy.LeaveNode(ctx, s.userID, nodeID); err != nil {
					s.logger.Warn("failed to release occupancy", zap.String("node_id", nodeID), zap.Error(err))
				}
			}
		}
		if s.cursor != nil {
			s.cursor.Close()
		}
		if s.presence != nil {
			s.presence.Close()
		}
		if s.chat != nil {
			s.chat.Close()
		}
		if s.inventory != nil {
			s.inventory.Close()
		}
		if s.unsubscribeAuth != nil {
			s.unsubscribeAuth()
		}
		s.cancel()

		s.outMu.Lock()
		s.outClosed = true
		close(s.outbound)
		s.outMu.Unlock()
	})
}

// liveSessions indexes the open participant sessions of each user.
type liveSessions struct {
	mu     sync.Mutex
	byUser map[string]map[*participantSession]struct{}
}

func newLiveSessions() *liveSessions {
	return &liveSessions{byUser: make(map[string]map[*participantSession]struct{})}
}

func (l *liveSessions) add(session *participantSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sessions, ok := l.byUser[session.userID]
	if !ok {
		sessions = make(map[*participantSession]struct{})
		l.byUser[session.userID] = sessions
	}
	sessions[session] = struct{}{}
}

func (l *liveSessions) remove(session *participantSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sessions := l.byUser[session.userID]
	delete(sessions, session)
	if len(sessions) == 0 {
		delete(l.byUser, session.userID)
	}
}

// atNode reports whether any open session of userID is at nodeID.
func (l *liveSessions) atNode(userID, nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for session := range l.byUser[userID] {
		if session.raid.View().NodeID == nodeID {
			return true
		}
	}
	return false
}
