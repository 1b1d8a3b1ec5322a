package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"examwatch/internal/config"
	"examwatch/internal/hub"
	"examwatch/internal/ingest"
	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is deferred to the deployment's reverse proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler owns the WebSocket endpoint: upgrade, in-band authentication,
// read loop, and disconnect cleanup. Authentication happens over the
// socket itself because exam clients carry either an access code (fresh
// attempt) or an attempt ID (reconnect), neither of which belongs in a
// URL that may be logged.
type Handler struct {
	registry *Registry
	store    interfaces.SessionStore
	gateway  *ingest.Gateway
	hub      *hub.Hub
	wsCfg    *config.WebSocketConfig
	procCfg  *config.ProctoringConfig
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, store interfaces.SessionStore, gateway *ingest.Gateway, h *hub.Hub, wsCfg *config.WebSocketConfig, procCfg *config.ProctoringConfig) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		gateway:  gateway,
		hub:      h,
		wsCfg:    wsCfg,
		procCfg:  procCfg,
	}
}

// HandleWebSocket upgrades the request and runs the connection to
// completion.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(raw, h.wsCfg.BufferSize)

	if err := h.authenticate(conn); err != nil {
		h.rejectAndClose(conn, err)
		return
	}

	if err := h.registry.Register(conn); err != nil {
		log.Printf("Failed to register connection %s: %v", conn.ID(), err)
		_ = conn.Close()
		return
	}

	go h.handleConnection(conn)
}

// authenticate waits for the first message and binds the connection to
// an attempt (student) or an exam (supervisor). The client gets the auth
// grace period to produce the message before the socket is dropped.
func (h *Handler) authenticate(conn *Connection) error {
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.procCfg.AuthGrace)); err != nil {
		return err
	}

	_, data, err := conn.conn.ReadMessage()
	if err != nil {
		return ErrAuthTimeout
	}

	var msg types.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ErrAuthExpected
	}
	if msg.Type != types.MessageTypeAuthenticate {
		return ErrAuthExpected
	}

	switch msg.Role {
	case types.RoleStudent:
		return h.authenticateStudent(conn, &msg)
	case types.RoleSupervisor:
		return h.authenticateSupervisor(conn, &msg)
	default:
		return ErrInvalidCredentials
	}
}

func (h *Handler) authenticateStudent(conn *Connection, msg *types.ClientMessage) error {
	ctx := context.Background()

	var session *types.Session
	if msg.AttemptID != "" {
		resumed, withinGrace, err := h.store.Reconnect(ctx, msg.AttemptID)
		if err != nil {
			return ErrInvalidCredentials
		}
		session = resumed
		if !withinGrace {
			log.Printf("Attempt %s reconnected past grace window", session.AttemptID)
		}
	} else {
		if !types.IsValidID(msg.StudentID) || msg.AccessCode == "" {
			return ErrInvalidCredentials
		}
		exam, err := h.store.GetExamByAccessCode(msg.AccessCode)
		if err != nil {
			return ErrInvalidCredentials
		}
		created, err := h.store.CreateSession(ctx, msg.StudentID, exam.ID)
		if err != nil {
			return ErrInvalidCredentials
		}
		session = created
	}

	conn.SetCredentials(types.RoleStudent, session.AttemptID, session.ExamID)
	h.hub.AttachStudent(session.AttemptID, conn)

	notice := types.SystemNotice{
		Type:      types.MessageTypeSystem,
		Event:     "authenticated",
		AttemptID: session.AttemptID,
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(notice); err != nil {
		return err
	}
	// The current state follows immediately so a reconnecting client can
	// restore its timer and question position without waiting for the
	// next change.
	return conn.WriteJSON(types.NewSessionUpdate(session))
}

func (h *Handler) authenticateSupervisor(conn *Connection, msg *types.ClientMessage) error {
	if msg.ExamID == "" {
		return ErrInvalidCredentials
	}
	if _, err := h.store.GetExam(msg.ExamID); err != nil {
		return ErrInvalidCredentials
	}

	conn.SetCredentials(types.RoleSupervisor, "", msg.ExamID)

	notice := types.SystemNotice{
		Type:      types.MessageTypeSystem,
		Event:     "authenticated",
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(notice); err != nil {
		return err
	}
	// Subscribe delivers the snapshot before any incremental update.
	return h.hub.Subscribe(msg.ExamID, conn)
}

func (h *Handler) rejectAndClose(conn *Connection, reason error) {
	notice := types.SystemNotice{
		Type:      types.MessageTypeSystem,
		Event:     "auth_failed",
		Message:   reason.Error(),
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(notice); err == nil {
		// Give the write loop a moment to flush the rejection.
		time.Sleep(100 * time.Millisecond)
	}
	_ = conn.Close()
}

// handleConnection runs the read loop with ping/pong liveness until the
// socket drops, then performs role-specific cleanup.
func (h *Handler) handleConnection(conn *Connection) {
	defer h.cleanup(conn)

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.wsCfg.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.wsCfg.ReadTimeout))
	})

	ticker := time.NewTicker(h.wsCfg.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.wsCfg.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	ctx := context.Background()
	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error on %s: %v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Each read refreshes the deadline; a client that sends data is
		// alive even if pongs are delayed.
		_ = conn.conn.SetReadDeadline(time.Now().Add(h.wsCfg.ReadTimeout))

		h.dispatch(ctx, conn, data)
	}
}

// dispatch routes one inbound message by role. Malformed or unknown
// messages are dropped without closing the connection.
func (h *Handler) dispatch(ctx context.Context, conn *Connection, data []byte) {
	switch conn.Role() {
	case types.RoleStudent:
		if err := h.gateway.Ingest(ctx, conn.AttemptID(), data); err != nil {
			h.notifyDropped(conn, err)
		}
	case types.RoleSupervisor:
		h.dispatchSupervisor(conn, data)
	}
}

func (h *Handler) dispatchSupervisor(conn *Connection, data []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case types.MessageTypeSubscribe:
		if msg.ExamID == "" {
			return
		}
		if _, err := h.store.GetExam(msg.ExamID); err != nil {
			h.notifyDropped(conn, err)
			return
		}
		if err := h.hub.Subscribe(msg.ExamID, conn); err != nil {
			log.Printf("Subscribe failed for connection %s: %v", conn.ID(), err)
		}
	case types.MessageTypeUnsubscribe:
		if msg.ExamID != "" {
			h.hub.Unsubscribe(msg.ExamID, conn.ID())
		}
	default:
		log.Printf("Dropping supervisor message with type %q from %s", msg.Type, conn.ID())
	}
}

func (h *Handler) notifyDropped(conn *Connection, cause error) {
	notice := types.SystemNotice{
		Type:      types.MessageTypeSystem,
		Event:     "message_dropped",
		Message:   cause.Error(),
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(notice); err != nil {
		log.Printf("Failed to notify %s of dropped message: %v", conn.ID(), err)
	}
}

// cleanup tears down role-specific state. A student socket displaced by
// a reconnect must not report a disconnect for the attempt it no longer
// owns.
func (h *Handler) cleanup(conn *Connection) {
	switch conn.Role() {
	case types.RoleStudent:
		attemptID := conn.AttemptID()
		wasCurrent := h.registry.IsCurrentStudentConnection(conn)
		h.registry.Unregister(conn)
		if wasCurrent {
			h.hub.DetachStudent(attemptID, conn.ID())
			h.gateway.SynthesizeDisconnect(context.Background(), attemptID)
		}
	case types.RoleSupervisor:
		h.registry.Unregister(conn)
		h.hub.Unsubscribe(conn.ExamID(), conn.ID())
	default:
		h.registry.Unregister(conn)
	}
	_ = conn.Close()
}
