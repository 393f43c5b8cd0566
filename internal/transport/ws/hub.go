package ws

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"codeground/internal/merr"
	"codeground/internal/metrics"
	"codeground/internal/model"
	"codeground/internal/protocol"
	"codeground/internal/registry"
)

// ErrHubStopped is returned to connections arriving after shutdown.
var ErrHubStopped = errors.New("relay hub stopped")

type connState int

const (
	stateUnjoined connState = iota
	stateJoined
	stateTerminated
)

// Connection represents a participant WebSocket connection
type Connection struct {
	ID   string
	Send chan []byte
	Hub  *Hub

	// Set from a verified participant token; empty when auth is disabled.
	identity     string
	tokenSession string

	// Owned by the hub goroutine.
	state     connState
	username  string
	sessionID string
}

// NewConnection creates an unjoined connection with a bounded send queue.
func NewConnection(id string, hub *Hub, sendBuffer int) *Connection {
	return &Connection{
		ID:   id,
		Send: make(chan []byte, sendBuffer),
		Hub:  hub,
	}
}

// SnapshotSink receives session state changes. Implementations must not block.
type SnapshotSink interface {
	MarkDirty(sessionID string)
	Archive(snap model.Snapshot)
}

type noopSink struct{}

func (noopSink) MarkDirty(string)       {}
func (noopSink) Archive(model.Snapshot) {}

type inboundMessage struct {
	conn *Connection
	env  *protocol.Envelope
	seed *model.Snapshot
}

type expiry struct {
	sessionID  string
	generation uint64
}

type pendingDestroy struct {
	timer      *time.Timer
	generation uint64
}

// Hub is the single ordering point of the relay. Every registration,
// message, disconnect and grace expiry is handled by Run, one at a time,
// in arrival order.
type Hub struct {
	registry *registry.Registry
	sink     SnapshotSink
	grace    time.Duration
	log      *zap.Logger

	conns      map[string]*Connection
	pending    map[string]*pendingDestroy
	generation uint64
	slow       []*Connection

	register chan *Connection
	inbound  chan inboundMessage
	expire   chan expiry
	stopped  chan struct{}
}

// NewHub creates a new relay hub. A nil sink discards snapshot updates.
func NewHub(reg *registry.Registry, sink SnapshotSink, grace time.Duration, log *zap.Logger) *Hub {
	if sink == nil {
		sink = noopSink{}
	}
	return &Hub{
		registry:   reg,
		sink:       sink,
		grace:      grace,
		log:        log,
		conns:      make(map[string]*Connection),
		pending:    make(map[string]*pendingDestroy),
		register:   make(chan *Connection),
		inbound:    make(chan inboundMessage, 256),
		expire:     make(chan expiry),
		stopped:    make(chan struct{}),
	}
}

// Registry returns the session registry the hub writes to.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Run processes hub events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case conn := <-h.register:
			h.handleRegister(conn)
		case msg := <-h.inbound:
			h.handleInbound(msg)
		case e := <-h.expire:
			h.handleExpiry(e)
		}
		h.dropSlowConnections()
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) error {
	select {
	case h.register <- conn:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// Unregister removes a connection. It is queued behind the connection's
// earlier messages. Safe to call more than once.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.inbound <- inboundMessage{conn: conn}:
	case <-h.stopped:
	}
}

// Dispatch queues a decoded message from conn. seed, when set, hydrates a
// session that join would otherwise create empty.
func (h *Hub) Dispatch(conn *Connection, env *protocol.Envelope, seed *model.Snapshot) error {
	select {
	case h.inbound <- inboundMessage{conn: conn, env: env, seed: seed}:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

func (h *Hub) handleRegister(conn *Connection) {
	h.conns[conn.ID] = conn
	metrics.ActiveConnections.Inc()
	h.log.Debug("connection registered", zap.String("conn", conn.ID))
	h.deliver(conn, protocol.MustEncode(protocol.EventConnected, protocol.ConnectedPayload{SocketID: conn.ID}))
}

func (h *Hub) handleUnregister(conn *Connection) {
	if existing, ok := h.conns[conn.ID]; !ok || existing != conn {
		h.log.Debug("unregister for untracked connection",
			zap.String("conn", conn.ID),
			zap.Error(merr.WrapErrUnknownConnection(conn.ID)))
		return
	}
	h.terminate(conn)
}

func (h *Hub) terminate(conn *Connection) {
	if conn.state == stateJoined {
		h.leave(conn)
	}
	delete(h.conns, conn.ID)
	conn.state = stateTerminated
	close(conn.Send)
	metrics.ActiveConnections.Dec()
	h.log.Debug("connection terminated", zap.String("conn", conn.ID))
}

func (h *Hub) handleInbound(msg inboundMessage) {
	conn, env := msg.conn, msg.env
	if env == nil {
		h.handleUnregister(conn)
		return
	}
	if existing, ok := h.conns[conn.ID]; !ok || existing != conn {
		// Last message raced with the disconnect.
		h.drop(conn, env.Type, merr.WrapErrUnknownConnection(conn.ID))
		return
	}
	metrics.InboundMessages.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.EventJoin:
		h.join(conn, env, msg.seed)
	case protocol.EventLeave:
		h.handleLeave(conn, env)
	case protocol.EventCodeChange:
		h.codeChange(conn, env)
	case protocol.EventChangeLanguage:
		h.changeLanguage(conn, env)
	case protocol.EventSyncCode:
		h.syncCode(conn, env)
	default:
		h.drop(conn, env.Type, errors.Wrapf(merr.ErrMalformedMessage, "unexpected event %q", env.Type))
	}
}

func (h *Hub) join(conn *Connection, env *protocol.Envelope, seed *model.Snapshot) {
	if conn.state == stateJoined {
		h.reject(conn, env.Type, merr.WrapErrAlreadyJoined(conn.ID, conn.sessionID))
		return
	}

	var p protocol.JoinPayload
	if err := env.Bind(&p); err != nil {
		h.reject(conn, env.Type, errors.Wrap(merr.ErrInvalidSession, err.Error()))
		return
	}
	if err := registry.ValidateSessionID(p.ID); err != nil {
		h.reject(conn, env.Type, err)
		return
	}

	username := p.User.Username
	if conn.identity != "" {
		if conn.tokenSession != p.ID {
			h.reject(conn, env.Type, errors.Wrapf(merr.ErrInvalidToken, "token is not valid for session %q", p.ID))
			return
		}
		username = conn.identity
	}
	if err := protocol.ValidateUsername(username); err != nil {
		h.reject(conn, env.Type, err)
		return
	}

	h.cancelDestroy(p.ID)
	if _, created := h.registry.Hydrate(p.ID, seed); created {
		metrics.ActiveSessions.Set(float64(h.registry.Len()))
		h.log.Info("session created", zap.String("session", p.ID), zap.Bool("hydrated", seed != nil))
	}
	if _, err := h.registry.AddParticipant(p.ID, conn.ID, username); err != nil {
		h.reject(conn, env.Type, err)
		if h.registry.IsEmpty(p.ID) {
			h.scheduleDestroy(p.ID)
		}
		return
	}
	conn.state = stateJoined
	conn.sessionID = p.ID
	conn.username = username
	h.log.Info("participant joined",
		zap.String("session", p.ID),
		zap.String("conn", conn.ID),
		zap.String("username", username))

	participants := h.registry.ListParticipants(p.ID)
	clients := make([]protocol.Client, 0, len(participants))
	for _, pt := range participants {
		clients = append(clients, protocol.Client{Username: pt.Username, SocketID: pt.ConnectionID})
	}
	h.broadcast(p.ID, "", protocol.MustEncode(protocol.EventJoined, protocol.JoinedPayload{
		Clients:  clients,
		Username: username,
		SocketID: conn.ID,
	}))

	if snap, ok := h.registry.Snapshot(p.ID); ok {
		h.deliver(conn, protocol.MustEncode(protocol.EventSnapshot, protocol.SnapshotPayload{
			ID:       snap.ID,
			Code:     snap.Document,
			Language: snap.Language,
		}))
	}
}

func (h *Hub) handleLeave(conn *Connection, env *protocol.Envelope) {
	var p protocol.LeavePayload
	if len(env.Payload) > 0 {
		if err := env.Bind(&p); err != nil {
			h.drop(conn, env.Type, err)
			return
		}
	}
	if !h.checkJoined(conn, env.Type, p.ID) {
		return
	}
	h.leave(conn)
}

// leave removes conn from its session and announces it. The connection
// itself stays open.
func (h *Hub) leave(conn *Connection) {
	sessionID := conn.sessionID
	conn.state = stateUnjoined
	conn.sessionID = ""

	p, ok := h.registry.RemoveParticipant(conn.ID)
	if !ok {
		return
	}
	h.log.Info("participant left",
		zap.String("session", sessionID),
		zap.String("conn", conn.ID),
		zap.String("username", p.Username))

	h.broadcast(sessionID, conn.ID, protocol.MustEncode(protocol.EventDisconnected, protocol.DisconnectedPayload{
		SocketID: p.ConnectionID,
		Username: p.Username,
	}))
	if h.registry.IsEmpty(sessionID) {
		h.scheduleDestroy(sessionID)
	}
}

func (h *Hub) codeChange(conn *Connection, env *protocol.Envelope) {
	var p protocol.CodeChangePayload
	if err := env.Bind(&p); err != nil {
		h.drop(conn, env.Type, err)
		return
	}
	if !h.checkJoined(conn, env.Type, p.ID) {
		return
	}
	if err := h.registry.UpdateDocument(conn.sessionID, p.Code); err != nil {
		h.drop(conn, env.Type, err)
		return
	}
	h.sink.MarkDirty(conn.sessionID)
	h.broadcast(conn.sessionID, conn.ID, protocol.MustEncode(protocol.EventCodeChange, protocol.CodeChangePayload{
		ID:   conn.sessionID,
		Code: p.Code,
	}))
}

func (h *Hub) changeLanguage(conn *Connection, env *protocol.Envelope) {
	var p protocol.ChangeLanguagePayload
	if err := env.Bind(&p); err != nil {
		h.drop(conn, env.Type, err)
		return
	}
	if !h.checkJoined(conn, env.Type, p.ID) {
		return
	}
	if err := h.registry.UpdateLanguage(conn.sessionID, p.Language); err != nil {
		h.drop(conn, env.Type, err)
		return
	}
	h.sink.MarkDirty(conn.sessionID)
	h.broadcast(conn.sessionID, conn.ID, protocol.MustEncode(protocol.EventChangeLanguage, protocol.ChangeLanguagePayload{
		ID:       conn.sessionID,
		Language: p.Language,
	}))
}

func (h *Hub) syncCode(conn *Connection, env *protocol.Envelope) {
	var p protocol.SyncCodePayload
	if err := env.Bind(&p); err != nil {
		h.drop(conn, env.Type, err)
		return
	}
	if !h.checkJoined(conn, env.Type, "") {
		return
	}
	target, ok := h.conns[p.SocketID]
	if !ok || target == conn || target.state != stateJoined || target.sessionID != conn.sessionID {
		h.drop(conn, env.Type, merr.WrapErrUnknownConnection(p.SocketID))
		return
	}
	if err := h.registry.UpdateDocument(conn.sessionID, p.Code); err != nil {
		h.drop(conn, env.Type, err)
		return
	}
	h.sink.MarkDirty(conn.sessionID)
	h.deliver(target, protocol.MustEncode(protocol.EventSyncCode, protocol.SyncCodePayload{
		Code:     p.Code,
		SocketID: target.ID,
	}))
}

// checkJoined drops messages from unjoined connections and messages that
// name a session other than the connection's own.
func (h *Hub) checkJoined(conn *Connection, event protocol.Event, sessionID string) bool {
	if conn.state != stateJoined {
		h.drop(conn, event, errors.Wrapf(merr.ErrNotJoined, "connection=%s", conn.ID))
		return false
	}
	if sessionID != "" && sessionID != conn.sessionID {
		h.drop(conn, event, merr.WrapErrUnknownSession(sessionID))
		return false
	}
	if !h.registry.Exists(conn.sessionID) {
		h.drop(conn, event, merr.WrapErrUnknownSession(conn.sessionID))
		return false
	}
	return true
}

// broadcast sends data to every live participant of sessionID except exclude.
func (h *Hub) broadcast(sessionID, exclude string, data []byte) {
	for _, p := range h.registry.ListParticipants(sessionID) {
		if p.ConnectionID == exclude {
			continue
		}
		if conn, ok := h.conns[p.ConnectionID]; ok {
			h.deliver(conn, data)
		}
	}
}

// deliver never blocks the hub. A full send queue marks the connection as a
// slow consumer; it is terminated once the current event is handled.
func (h *Hub) deliver(conn *Connection, data []byte) {
	if conn.state == stateTerminated {
		return
	}
	select {
	case conn.Send <- data:
	default:
		metrics.DroppedMessages.WithLabelValues("slow_consumer").Inc()
		h.slow = append(h.slow, conn)
	}
}

func (h *Hub) dropSlowConnections() {
	for len(h.slow) > 0 {
		conn := h.slow[0]
		h.slow = h.slow[1:]
		if existing, ok := h.conns[conn.ID]; ok && existing == conn {
			h.log.Warn("terminating slow consumer",
				zap.String("conn", conn.ID),
				zap.String("session", conn.sessionID))
			h.terminate(conn)
		}
	}
}

func (h *Hub) drop(conn *Connection, event protocol.Event, err error) {
	metrics.DroppedMessages.WithLabelValues(merr.Code(err)).Inc()
	h.log.Warn("message dropped",
		zap.String("conn", conn.ID),
		zap.String("session", conn.sessionID),
		zap.String("event", string(event)),
		zap.Error(err))
}

func (h *Hub) reject(conn *Connection, event protocol.Event, err error) {
	h.drop(conn, event, err)
	h.deliver(conn, protocol.MustEncode(protocol.EventError, protocol.ErrorPayload{
		Code:    merr.Code(err),
		Message: err.Error(),
	}))
}

func (h *Hub) scheduleDestroy(sessionID string) {
	h.cancelDestroy(sessionID)
	if h.grace <= 0 {
		h.destroy(sessionID)
		return
	}
	h.generation++
	e := expiry{sessionID: sessionID, generation: h.generation}
	timer := time.AfterFunc(h.grace, func() {
		select {
		case h.expire <- e:
		case <-h.stopped:
		}
	})
	h.pending[sessionID] = &pendingDestroy{timer: timer, generation: e.generation}
	h.log.Debug("session empty, destroy scheduled",
		zap.String("session", sessionID),
		zap.Duration("grace", h.grace))
}

func (h *Hub) cancelDestroy(sessionID string) {
	if pd, ok := h.pending[sessionID]; ok {
		pd.timer.Stop()
		delete(h.pending, sessionID)
	}
}

func (h *Hub) handleExpiry(e expiry) {
	pd, ok := h.pending[e.sessionID]
	if !ok || pd.generation != e.generation {
		return
	}
	delete(h.pending, e.sessionID)
	if !h.registry.IsEmpty(e.sessionID) {
		return
	}
	h.destroy(e.sessionID)
}

func (h *Hub) destroy(sessionID string) {
	snap, ok := h.registry.Snapshot(sessionID)
	if !ok {
		return
	}
	h.registry.Destroy(sessionID)
	h.sink.Archive(snap)
	metrics.DestroyedSessions.Inc()
	metrics.ActiveSessions.Set(float64(h.registry.Len()))
	h.log.Info("session destroyed", zap.String("session", sessionID))
}

// shutdown archives every live session and closes all connections.
func (h *Hub) shutdown() {
	for id, pd := range h.pending {
		pd.timer.Stop()
		delete(h.pending, id)
	}
	for _, s := range h.registry.Summaries() {
		if snap, ok := h.registry.Snapshot(s.ID); ok {
			h.sink.Archive(snap)
		}
	}
	for _, conn := range h.conns {
		conn.state = stateTerminated
		close(conn.Send)
		delete(h.conns, conn.ID)
	}
	metrics.ActiveConnections.Set(0)
	h.log.Info("relay hub stopped")
}
