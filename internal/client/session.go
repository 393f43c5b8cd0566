package client

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codeground/internal/merr"
	"codeground/internal/protocol"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("session closed")

// Editor is the local editing surface.
type Editor interface {
	Value() string
	SetValue(text string)
}

// LanguageSetter is implemented by editors that display the language tag.
type LanguageSetter interface {
	SetLanguage(tag string)
}

type NotificationKind string

const (
	NotifyJoined       NotificationKind = "joined"
	NotifyLeft         NotificationKind = "left"
	NotifyLanguage     NotificationKind = "language"
	NotifyError        NotificationKind = "error"
	NotifyJoinTimeout  NotificationKind = "joinTimeout"
	NotifyReconnecting NotificationKind = "reconnecting"
)

// Notification is a passive message for the user. None of them end the session.
type Notification struct {
	Kind     NotificationKind
	Username string
	SocketID string
	Code     string
	Message  string
}

type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Options configure a Session.
type Options struct {
	SessionID      string
	Username       string
	JoinTimeout    time.Duration
	CoalesceWindow time.Duration
}

// Session is one participant's view of a collaborative session. It keeps
// the local document and language, applies remote updates to the Editor
// and emits local edits.
type Session struct {
	opts     Options
	editor   Editor
	notifier Notifier
	subs     *Subscriptions
	log      *zap.Logger

	mu            sync.Mutex
	conn          Conn
	closed        bool
	socketID      string
	joined        bool
	attempt       uint64
	joinTimer     *time.Timer
	members       []protocol.Client
	document      string
	documentKnown bool
	lastSynced    string
	language      string
	pending       *string
	coalesce      *time.Timer

	// Local changes the relay has not acknowledged through this join. They
	// are sent again after the next self joined and win over its snapshot.
	dirtyDoc  bool
	dirtyLang bool
	holdDoc   bool
	holdLang  bool
}

// NewSession creates a session that owns conn.
func NewSession(conn Conn, opts Options, editor Editor, notifier Notifier, log *zap.Logger) *Session {
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	s := &Session{
		opts:     opts,
		editor:   editor,
		notifier: notifier,
		subs:     NewSubscriptions(),
		log:      log.With(zap.String("session", opts.SessionID)),
		conn:     conn,
	}
	s.subs.On(protocol.EventConnected, s.onConnected)
	s.subs.On(protocol.EventJoined, s.onJoined)
	s.subs.On(protocol.EventSnapshot, s.onSnapshot)
	s.subs.On(protocol.EventDisconnected, s.onDisconnected)
	s.subs.On(protocol.EventCodeChange, s.onCodeChange)
	s.subs.On(protocol.EventSyncCode, s.onSyncCode)
	s.subs.On(protocol.EventChangeLanguage, s.onChangeLanguage)
	s.subs.On(protocol.EventError, s.onError)
	return s
}

// Run joins the session over the current connection and handles inbound
// events until the connection fails, ctx is done, or the session is closed.
// Cancelling ctx closes the session.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn := s.conn
	s.joined = false
	s.socketID = ""
	s.mu.Unlock()

	if err := s.Join(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			data, err := conn.Receive()
			if err != nil {
				return merr.WrapErrTransportFailure(err, s.SocketID())
			}
			s.handle(data)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			return s.Close()
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil || s.isClosed() {
		return nil
	}
	return err
}

func (s *Session) handle(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("undecodable frame", zap.Error(err))
		return
	}
	if !s.subs.Dispatch(env) {
		s.log.Debug("unhandled event", zap.String("event", string(env.Type)))
	}
}

// Join asks the relay to add this participant to the session over the
// current connection. Run calls it for every connection; call it directly to
// come back after Leave.
func (s *Session) Join() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.joined {
		socketID := s.socketID
		s.mu.Unlock()
		return merr.WrapErrAlreadyJoined(socketID, s.opts.SessionID)
	}
	s.attempt++
	s.mu.Unlock()

	if err := s.send(protocol.EventJoin, protocol.JoinPayload{
		ID:   s.opts.SessionID,
		User: protocol.User{Username: s.opts.Username},
	}); err != nil {
		return err
	}
	s.armJoinTimer()
	return nil
}

// Edit records a local edit and sends it to the relay. The local document is
// updated even when the edit cannot be sent: while not joined it returns an
// error wrapping merr.ErrNotJoined, and the document is sent after the next
// join instead.
func (s *Session) Edit(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.document = text
	s.documentKnown = true
	if !s.joined {
		s.dirtyDoc = true
		s.mu.Unlock()
		return errors.Wrap(merr.ErrNotJoined, "edit kept locally")
	}
	if s.opts.CoalesceWindow > 0 {
		s.pending = &text
		if s.coalesce == nil {
			s.coalesce = time.AfterFunc(s.opts.CoalesceWindow, s.flushPending)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.sendEdit(text)
}

func (s *Session) sendEdit(text string) error {
	err := s.send(protocol.EventCodeChange, protocol.CodeChangePayload{ID: s.opts.SessionID, Code: text})
	s.mu.Lock()
	s.dirtyDoc = err != nil
	s.mu.Unlock()
	return err
}

// flushPending sends the latest coalesced edit.
func (s *Session) flushPending() {
	s.mu.Lock()
	text := s.pending
	s.pending = nil
	s.coalesce = nil
	if text != nil && !s.joined {
		s.dirtyDoc = true
		text = nil
	}
	s.mu.Unlock()
	if text == nil {
		return
	}
	if err := s.sendEdit(*text); err != nil {
		s.notifier.Notify(Notification{Kind: NotifyError, Code: merr.Code(err), Message: err.Error()})
	}
}

// ChangeLanguage sets the local language and tells the other participants.
func (s *Session) ChangeLanguage(tag string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.language = tag
	joined := s.joined
	if !joined {
		s.dirtyLang = true
	}
	s.mu.Unlock()
	s.setEditorLanguage(tag)

	if !joined {
		return errors.Wrap(merr.ErrNotJoined, "language kept locally")
	}
	return s.sendLanguage(tag)
}

func (s *Session) sendLanguage(tag string) error {
	err := s.send(protocol.EventChangeLanguage, protocol.ChangeLanguagePayload{ID: s.opts.SessionID, Language: tag})
	s.mu.Lock()
	s.dirtyLang = err != nil
	s.mu.Unlock()
	return err
}

// Leave leaves the session but keeps the connection open. A pending
// coalesced edit is sent first. Edits made before the next Join stay local
// and are sent once it completes.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.joined {
		s.mu.Unlock()
		return errors.Wrap(merr.ErrNotJoined, "leave")
	}
	if s.coalesce != nil {
		s.coalesce.Stop()
		s.coalesce = nil
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		if err := s.sendEdit(*pending); err != nil {
			s.log.Debug("pending edit not sent before leave", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.joined = false
	s.members = nil
	s.mu.Unlock()
	return s.send(protocol.EventLeave, protocol.LeavePayload{ID: s.opts.SessionID})
}

// Close releases all subscriptions, flushes a pending coalesced edit and then
// closes the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.subs.Release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.joinTimer != nil {
		s.joinTimer.Stop()
	}
	if s.coalesce != nil {
		s.coalesce.Stop()
		s.coalesce = nil
	}
	pending := s.pending
	s.pending = nil
	conn := s.conn
	s.mu.Unlock()

	if pending != nil {
		if err := conn.Send(protocol.MustEncode(protocol.EventCodeChange,
			protocol.CodeChangePayload{ID: s.opts.SessionID, Code: *pending})); err != nil {
			s.log.Debug("pending edit lost on close", zap.Error(err))
		}
	}

	return conn.Close()
}

// replaceConn swaps in a fresh connection after a transport failure.
func (s *Session) replaceConn(conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return ErrSessionClosed
	}
	old := s.conn
	s.conn = conn
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Session) send(event protocol.Event, payload interface{}) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if err := conn.Send(data); err != nil {
		return merr.WrapErrTransportFailure(err, s.SocketID())
	}
	return nil
}

func (s *Session) armJoinTimer() {
	if s.opts.JoinTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinTimer != nil {
		s.joinTimer.Stop()
	}
	attempt := s.attempt
	s.joinTimer = time.AfterFunc(s.opts.JoinTimeout, func() {
		s.mu.Lock()
		timedOut := !s.closed && !s.joined && s.attempt == attempt
		s.mu.Unlock()
		if timedOut {
			s.notifier.Notify(Notification{
				Kind:    NotifyJoinTimeout,
				Message: "no response to join from the relay",
			})
		}
	})
}

func (s *Session) onConnected(env *protocol.Envelope) {
	var p protocol.ConnectedPayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad connected payload", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.socketID = p.SocketID
	s.mu.Unlock()
}

func (s *Session) onJoined(env *protocol.Envelope) {
	var p protocol.JoinedPayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad joined payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.members = p.Clients
	self := s.isSelfLocked(p.SocketID, p.Username)
	var resendDoc, resendLang bool
	if self {
		s.joined = true
		if s.socketID == "" {
			s.socketID = p.SocketID
		}
		resendDoc, resendLang = s.dirtyDoc, s.dirtyLang
		s.holdDoc, s.holdLang = resendDoc, resendLang
	}
	document, language := s.document, s.language
	var push *protocol.SyncCodePayload
	if !self && s.documentKnown && s.document != s.lastSynced {
		push = &protocol.SyncCodePayload{Code: s.document, SocketID: p.SocketID}
		s.lastSynced = s.document
	}
	s.mu.Unlock()

	if !self {
		s.notifier.Notify(Notification{Kind: NotifyJoined, Username: p.Username, SocketID: p.SocketID})
	}
	if resendLang {
		if err := s.sendLanguage(language); err != nil {
			s.notifier.Notify(Notification{Kind: NotifyError, Code: merr.Code(err), Message: err.Error()})
		}
	}
	if resendDoc {
		if err := s.sendEdit(document); err != nil {
			s.notifier.Notify(Notification{Kind: NotifyError, Code: merr.Code(err), Message: err.Error()})
		}
	}
	if push != nil {
		if err := s.send(protocol.EventSyncCode, *push); err != nil {
			s.notifier.Notify(Notification{Kind: NotifyError, Code: merr.Code(err), Message: err.Error()})
		}
	}
}

func (s *Session) isSelfLocked(socketID, username string) bool {
	if s.socketID != "" {
		return socketID == s.socketID
	}
	return username == s.opts.Username
}

func (s *Session) onSnapshot(env *protocol.Envelope) {
	var p protocol.SnapshotPayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad snapshot payload", zap.Error(err))
		return
	}
	s.mu.Lock()
	keepDoc := s.holdDoc || s.dirtyDoc
	keepLang := s.holdLang || s.dirtyLang
	s.holdDoc, s.holdLang = false, false
	if !keepLang {
		s.language = p.Language
	}
	s.mu.Unlock()

	// Local changes made while away replace the relay's copy.
	if !keepDoc {
		s.applyDocument(p.Code)
	}
	if !keepLang {
		s.setEditorLanguage(p.Language)
	}
}

func (s *Session) onDisconnected(env *protocol.Envelope) {
	var p protocol.DisconnectedPayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad disconnected payload", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.members = lo.Reject(s.members, func(c protocol.Client, _ int) bool { return c.SocketID == p.SocketID })
	s.mu.Unlock()
	s.notifier.Notify(Notification{Kind: NotifyLeft, Username: p.Username, SocketID: p.SocketID})
}

func (s *Session) onCodeChange(env *protocol.Envelope) {
	var p protocol.CodeChangePayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad codeChange payload", zap.Error(err))
		return
	}
	s.applyDocument(p.Code)
}

func (s *Session) onSyncCode(env *protocol.Envelope) {
	var p protocol.SyncCodePayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad syncCode payload", zap.Error(err))
		return
	}
	s.applyDocument(p.Code)
}

func (s *Session) onChangeLanguage(env *protocol.Envelope) {
	var p protocol.ChangeLanguagePayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad changeLanguage payload", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.language = p.Language
	s.mu.Unlock()
	s.setEditorLanguage(p.Language)
	s.notifier.Notify(Notification{Kind: NotifyLanguage, Message: p.Language})
}

func (s *Session) onError(env *protocol.Envelope) {
	var p protocol.ErrorPayload
	if err := env.Bind(&p); err != nil {
		s.log.Warn("bad error payload", zap.Error(err))
		return
	}
	s.notifier.Notify(Notification{Kind: NotifyError, Code: p.Code, Message: p.Message})
}

func (s *Session) applyDocument(text string) {
	s.mu.Lock()
	s.document = text
	s.documentKnown = true
	s.mu.Unlock()
	if s.editor != nil {
		s.editor.SetValue(text)
	}
}

func (s *Session) setEditorLanguage(tag string) {
	if ls, ok := s.editor.(LanguageSetter); ok {
		ls.SetLanguage(tag)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SocketID returns the relay-assigned id of the current connection, or ""
// before connected arrives.
func (s *Session) SocketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketID
}

// Joined reports whether the relay has confirmed this participant's join.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Members returns a copy of the membership view.
func (s *Session) Members() []protocol.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Client(nil), s.members...)
}

// Document returns the local document.
func (s *Session) Document() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.document
}

// Language returns the local language tag.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}
