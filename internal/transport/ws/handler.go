package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"codeground/internal/merr"
	"codeground/internal/model"
	"codeground/internal/protocol"
	"codeground/internal/service"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	loadTimeout = 3 * time.Second
)

// SnapshotLoader fetches a persisted snapshot for a session that is not live.
type SnapshotLoader interface {
	Load(ctx context.Context, sessionID string) (*model.Snapshot, error)
}

// HandlerOptions tunes per-connection limits.
type HandlerOptions struct {
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	authSvc  *service.AuthService
	loader   SnapshotLoader
	opts     HandlerOptions
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates a new WebSocket handler. authSvc and loader may be nil.
func NewHandler(hub *Hub, authSvc *service.AuthService, loader SnapshotLoader, opts HandlerOptions, log *zap.Logger) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	h := &Handler{
		hub:     hub,
		authSvc: authSvc,
		loader:  loader,
		opts:    opts,
		log:     log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(h.opts.AllowedOrigins, "*") || lo.Contains(h.opts.AllowedOrigins, origin)
}

// ServeWS handles GET /v1/ws
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	var claims *model.ParticipantClaims
	if h.authSvc != nil && h.authSvc.Enabled() {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		var err error
		claims, err = h.authSvc.ValidateParticipantToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(uuid.NewString(), h.hub, h.opts.SendBuffer)
	if claims != nil {
		conn.identity = claims.Username
		conn.tokenSession = claims.SessionID
	}

	if err := h.hub.Register(conn); err != nil {
		h.log.Warn("connection refused", zap.Error(err))
		_ = wsConn.Close()
		return
	}
	h.log.Info("participant connected",
		zap.String("conn", conn.ID),
		zap.String("remote", r.RemoteAddr))

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn)
}

func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection) {
	defer func() {
		h.hub.Unregister(conn)
		wsConn.Close()
	}()

	wsConn.SetReadLimit(h.opts.MaxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", zap.String("conn", conn.ID),
					zap.Error(merr.WrapErrTransportFailure(err, conn.ID)))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			h.log.Warn("undecodable message", zap.String("conn", conn.ID), zap.Error(err))
			continue
		}

		var seed *model.Snapshot
		if env.Type == protocol.EventJoin {
			seed = h.loadSeed(env)
		}
		if err := h.hub.Dispatch(conn, env, seed); err != nil {
			return
		}
	}
}

// loadSeed looks up persisted state for a join that may create a new
// session. Only sessions with participants are skipped: an empty one can be
// destroyed by the hub before this join reaches it. The hub ignores the seed
// when the session is still live. Failures degrade to an empty session.
func (h *Handler) loadSeed(env *protocol.Envelope) *model.Snapshot {
	if h.loader == nil {
		return nil
	}
	var p protocol.JoinPayload
	if err := env.Bind(&p); err != nil || strings.TrimSpace(p.ID) == "" {
		return nil
	}
	if !h.hub.Registry().IsEmpty(p.ID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	snap, err := h.loader.Load(ctx, p.ID)
	if err != nil {
		h.log.Warn("snapshot load failed", zap.String("session", p.ID), zap.Error(err))
		return nil
	}
	return snap
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
