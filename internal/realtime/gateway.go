package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/backend/internal/logging"
)

const (
	defaultSendBuffer       = 64
	defaultHandshakeTimeout = 10 * time.Second
	policyViolationReason   = "authentication failed"
	supersededReason        = "superseded by a newer connection"
)

var errSuperseded = errors.New("realtime: connection superseded")

// UnreadCounter reports the unread notification total pushed right after the handshake.
type UnreadCounter interface {
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
}

// PrincipalObserver is told about every principal that completes the handshake.
type PrincipalObserver interface {
	Observe(ctx context.Context, principal auth.Principal) error
}

// GatewayConfig wires the websocket endpoint to the registries.
type GatewayConfig struct {
	Connections      *ConnectionRegistry
	Rooms            *RoomRegistry
	UnreadCounter    UnreadCounter
	Observer         PrincipalObserver
	AllowedOrigins   []string
	SendBuffer       int
	HandshakeTimeout time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Gateway upgrades HTTP requests to websocket sessions, authenticates them, and runs the
// per-connection inbound loop.
type Gateway struct {
	connections   *ConnectionRegistry
	rooms         *RoomRegistry
	unreadCounter UnreadCounter
	observer      PrincipalObserver
	upgrader      websocket.Upgrader
	sendBuffer    int
	clock         func() time.Time
	logger        *zap.Logger
}

// NewGateway validates cfg and constructs a gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Connections == nil {
		return nil, errMissingConnections
	}
	if cfg.Rooms == nil {
		return nil, errMissingRoomRegistry
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	gateway := &Gateway{
		connections:   cfg.Connections,
		rooms:         cfg.Rooms,
		unreadCounter: cfg.UnreadCounter,
		observer:      cfg.Observer,
		sendBuffer:    sendBuffer,
		clock:         clock,
		logger:        logging.OrNop(cfg.Logger),
	}
	gateway.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	return gateway, nil
}

// ServeHTTP handles one websocket connection for its whole lifetime.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	session := newSession(conn, g.sendBuffer, g.logger)
	go session.writePump()

	ctx := r.Context()
	principal, err := g.connections.AuthenticateAndRegister(ctx, auth.TokenFromRequest(r), session)
	if err != nil {
		g.logger.Info("websocket authentication rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		_ = session.Close(websocket.ClosePolicyViolation, policyViolationReason)
		return
	}
	defer func() {
		g.connections.Release(principal.ID, session)
		_ = session.Close(websocket.CloseNormalClosure, "")
	}()

	g.greet(ctx, principal, session)
	g.readLoop(principal, conn, session)
}

func (g *Gateway) greet(ctx context.Context, principal auth.Principal, session *Session) {
	if g.observer != nil {
		if err := g.observer.Observe(ctx, principal); err != nil {
			g.logger.Warn("principal observer failed",
				zap.String("principal_id", principal.ID),
				zap.Error(err))
		}
	}
	g.reply(principal.ID, session, ConnectionEstablished(principal))
	if g.unreadCounter == nil {
		return
	}
	count, err := g.unreadCounter.UnreadCount(ctx, principal.ID)
	if err != nil {
		g.logger.Warn("unread count lookup failed",
			zap.String("principal_id", principal.ID),
			zap.Error(err))
		return
	}
	g.reply(principal.ID, session, UnreadCount(count))
}

// readLoop handles inbound frames until the peer goes away or a newer connection for the same
// principal takes over the registry entry.
func (g *Gateway) readLoop(principal auth.Principal, conn *websocket.Conn, session *Session) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		if !g.connections.Owns(principal.ID, session) {
			return errSuperseded
		}
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, errSuperseded) {
				g.closeSuperseded(principal, session)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("websocket read failed",
					zap.String("principal_id", principal.ID),
					zap.Error(err))
			}
			return
		}
		if !g.connections.Touch(principal.ID, session) {
			g.closeSuperseded(principal, session)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		g.handleFrame(principal, session, data)
	}
}

func (g *Gateway) closeSuperseded(principal auth.Principal, session *Session) {
	g.logger.Info("superseded websocket closed", zap.String("principal_id", principal.ID))
	_ = session.Close(websocket.CloseNormalClosure, supersededReason)
}

func (g *Gateway) handleFrame(principal auth.Principal, session *Session, data []byte) {
	message, err := ParseInbound(data)
	if err != nil {
		var unknown *UnknownMessageTypeError
		if errors.As(err, &unknown) {
			g.logger.Warn("unknown inbound message type",
				zap.String("principal_id", principal.ID),
				zap.String("message_type", unknown.Type))
			g.reply(principal.ID, session, ErrorReply("unknown_message_type", unknown.Type))
			return
		}
		g.reply(principal.ID, session, ErrorReply("invalid_message", err.Error()))
		return
	}

	switch typed := message.(type) {
	case JoinRoom:
		g.rooms.Join(principal.ID, typed.RoomID)
	case LeaveRoom:
		g.rooms.Leave(principal.ID, typed.RoomID)
	case SubscribeDiscussion:
		g.rooms.Join(principal.ID, DiscussionRoom(typed.DiscussionID))
	case UnsubscribeDiscussion:
		g.rooms.Leave(principal.ID, DiscussionRoom(typed.DiscussionID))
	case Ping:
		g.reply(principal.ID, session, Pong(g.clock()))
	default:
		g.logger.Error("unhandled inbound message", zap.String("principal_id", principal.ID))
	}
}

func (g *Gateway) reply(principalID string, session *Session, message Outbound) {
	payload, err := Encode(message)
	if err != nil {
		g.logger.Error("outbound encoding failed", zap.String("principal_id", principalID), zap.Error(err))
		return
	}
	if err := session.Send(payload); err != nil {
		g.logger.Warn("direct reply dropped",
			zap.String("principal_id", principalID),
			zap.String("message_type", string(message.Type)),
			zap.Error(err))
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	wildcard := len(allowed) == 0
	for _, origin := range allowed {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			wildcard = true
		}
		if trimmed != "" {
			origins[strings.ToLower(trimmed)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[strings.ToLower(origin)]
		return ok
	}
}
