package ws

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"call-signal-backend/pkg/config"
	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/models"
	"call-signal-backend/pkg/realtime"
	"call-signal-backend/pkg/utils"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Frame is one server-to-client push message.
type Frame struct {
	Type   string              `json:"type"` // "incoming_call", "call_resolved"
	Call   *models.CallRequest `json:"call,omitempty"`
	CallID string              `json:"call_id,omitempty"`
}

// SourceFactory opens a fresh event source for one connection. Against
// Postgres this is a new pq.Listener; against the in-memory store it is a
// bus subscription.
type SourceFactory func() (realtime.EventSource, error)

// Handler upgrades authenticated clients to a WebSocket and streams their
// incoming-call events. Each connection owns exactly one Notifier for the
// authenticated user, started on connect and stopped on disconnect.
type Handler struct {
	cfg       *config.Config
	db        database.DatabaseInterface
	newSource SourceFactory
	upgrader  websocket.Upgrader
}

// NewHandler 创建WebSocket处理器
func NewHandler(cfg *config.Config, db database.DatabaseInterface, newSource SourceFactory) *Handler {
	h := &Handler{cfg: cfg, db: db, newSource: newSource}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.IsDevelopment() {
				return true
			}
			return originAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins)
		},
	}
	return h
}

// ServeHTTP handles GET /api/ws. Browsers cannot set headers on WebSocket
// dials, so the access token is accepted from ?token= as well as from the
// Authorization header.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		utils.WriteUnauthorizedResponse(w, "Missing access token")
		return
	}

	claims, err := utils.NewJWTService(h.cfg.JWTSecret).ValidateToken(token)
	if err != nil || claims.Type != "access" {
		utils.WriteUnauthorizedResponse(w, "Invalid access token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		fmt.Printf("[warn] ws: upgrade failed for user %s: %v\n", claims.UserID, err)
		return
	}

	source, err := h.newSource()
	if err != nil {
		fmt.Printf("[warn] ws: event source unavailable for user %s: %v\n", claims.UserID, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "event source unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	out := make(chan Frame, 32)
	notifier := realtime.NewNotifier(h.db, source, realtime.NotifierConfig{
		CalleeID:      claims.UserID,
		SweepInterval: h.cfg.SweepInterval(),
		OnIncomingCall: func(cr models.CallRequest) {
			pushFrame(out, Frame{Type: "incoming_call", Call: &cr})
		},
		OnCallResolved: func(callID string) {
			pushFrame(out, Frame{Type: "call_resolved", CallID: callID})
		},
	})

	if err := notifier.Start(); err != nil {
		fmt.Printf("[warn] ws: notifier start failed for user %s: %v\n", claims.UserID, err)
		source.Close()
		conn.Close()
		return
	}

	fmt.Printf("📡 ws: user %s connected\n", claims.UserID)

	done := make(chan struct{})
	go h.writePump(conn, out, done)
	h.readPump(conn)

	// Read side is gone: stop the notifier first so no callback can push
	// after the writer exits, then release the writer.
	notifier.Stop()
	close(done)
	conn.Close()

	fmt.Printf("📴 ws: user %s disconnected\n", claims.UserID)
}

// pushFrame never blocks: a client that cannot drain its buffer misses
// events rather than stalling the notifier loop.
func pushFrame(out chan Frame, f Frame) {
	select {
	case out <- f:
	default:
		fmt.Printf("[warn] ws: dropping %s frame (slow client)\n", f.Type)
	}
}

// readPump consumes (and discards) client messages until the connection
// errors or closes. Accept/decline travel over the REST API, not the socket.
func (h *Handler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, out <-chan Frame, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case frame := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// tokenFromRequest 从 Authorization 头或 token 查询参数提取访问令牌
func tokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if token := strings.TrimPrefix(authHeader, "Bearer "); token != authHeader {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// originAllowed 检查 Origin 是否在允许列表中（支持 "*" 与前缀通配）
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true // non-browser client
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.HasSuffix(a, "*") && strings.HasPrefix(origin, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}
