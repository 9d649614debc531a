package wsoc

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"reflect"
	"sync"
	"time"
	"unicode/utf8"

	set "github.com/deckarep/golang-set"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/slugid-go/slugid"
	"github.com/taskcluster/wsoc/handshake"
	"github.com/taskcluster/wsoc/util"
)

// control frames must be written within this time
const controlWriteWait = 10 * time.Second

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// sessionParams are the inputs of newSession.
type sessionParams struct {
	conn        Conn
	config      *EndpointConfig
	endpoint    Endpoint
	request     *handshake.Request
	subprotocol string
	extensions  []handshake.Extension
	options     Options
	peers       set.Set
	logger      *logrus.Logger
	metrics     *Metrics
}

// Session is one established WebSocket connection bound to an endpoint
// instance. Message handlers run on the session's read loop, one message at
// a time.
type Session struct {
	id            string
	conn          Conn
	config        *EndpointConfig
	endpoint      Endpoint
	closeListener CloseListener
	errorListener ErrorListener

	requestURI  *url.URL
	pathParams  map[string]string
	subprotocol string
	extensions  []handshake.Extension

	// lock for the fields below
	mu             sync.Mutex
	state          SessionState
	handlers       map[MessageType]MessageHandler
	userProperties map[string]any
	maxIdle        time.Duration
	maxText        int
	maxBinary      int
	idleTimer      *time.Timer
	closeTimer     *time.Timer
	localClose     *CloseReason
	remoteClose    *CloseReason

	queue *sendQueue
	// open writer of a partial message; only used by the queue's drain
	partialWriter io.WriteCloser

	basic *BasicRemote
	async *AsyncRemote

	// open sessions of the same endpoint config, self included
	peers set.Set

	closeTimeout time.Duration
	logger       *logrus.Entry
	metrics      *Metrics

	// closed once OnClose has run
	finished chan struct{}
}

func newSession(p sessionParams) *Session {
	logger := util.LoggerOrNull(p.logger)
	s := &Session{
		id:             slugid.Nice(),
		conn:           p.conn,
		config:         p.config,
		endpoint:       p.endpoint,
		subprotocol:    p.subprotocol,
		extensions:     p.extensions,
		pathParams:     map[string]string{},
		state:          StateConnecting,
		handlers:       map[MessageType]MessageHandler{},
		userProperties: p.config.UserProperties(),
		maxIdle:        p.options.MaxIdleTimeout,
		maxText:        p.options.MaxTextMessageBufferSize,
		maxBinary:      p.options.MaxBinaryMessageBufferSize,
		peers:          p.peers,
		closeTimeout:   p.options.CloseTimeout,
		metrics:        p.metrics,
		finished:       make(chan struct{}),
	}
	if s.peers == nil {
		s.peers = set.NewSet()
	}
	if p.request != nil {
		s.requestURI = p.request.URI
		for k, v := range p.request.PathParams {
			s.pathParams[k] = v
		}
	}
	if p.config.closes {
		s.closeListener, _ = p.endpoint.(CloseListener)
	}
	if p.config.reportsErrors {
		s.errorListener, _ = p.endpoint.(ErrorListener)
	}

	fields := logrus.Fields{
		"session-id": s.id,
		"path":       p.config.Path(),
	}
	if addr := p.conn.RemoteAddr(); addr != nil {
		fields["remote-addr"] = addr.String()
	}
	s.logger = logger.WithFields(fields)

	s.queue = newSendQueue(p.options.SendQueueLimit, s.writeFrame)
	s.basic = &BasicRemote{s: s}
	s.async = &AsyncRemote{s: s, timeout: p.options.AsyncSendTimeout}

	s.conn.SetCloseHandler(s.closeHandler)
	s.conn.SetPingHandler(s.pingHandler)
	s.conn.SetPongHandler(s.pongHandler)
	return s
}

func (s *Session) logf(format string, v ...any) {
	s.logger.Debugf(format, v...)
}

func (s *Session) logerrorf(format string, v ...any) {
	s.logger.Errorf(format, v...)
}

// run opens the session, dispatches OnOpen and serves inbound frames until
// the connection ends. It returns once OnClose has run.
func (s *Session) run() {
	s.open()
	reason := s.readLoop()
	s.finish(reason)
}

func (s *Session) open() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	s.armIdleLocked()
	s.mu.Unlock()

	s.peers.Add(s)
	s.metrics.sessionOpened()
	s.queue.setReady(true)
	s.logger.Info("session opened")

	if err := s.invoke("OnOpen", func() { s.endpoint.OnOpen(s, s.config) }); err != nil {
		s.reportError(err)
	}
}

func (s *Session) readLoop() CloseReason {
	for {
		messageType, r, err := s.conn.NextReader()
		if err != nil {
			return s.readFailed(err)
		}
		s.touch()
		s.metrics.messageReceived(messageType)
		if s.State() != StateOpen {
			// closing: only the peer's close frame matters now
			continue
		}
		s.dispatch(messageType, r)
	}
}

// readFailed works out why the read loop ended.
func (s *Session) readFailed(err error) CloseReason {
	s.mu.Lock()
	local, remote := s.localClose, s.remoteClose
	s.mu.Unlock()

	switch {
	case local != nil:
		return *local
	case remote != nil:
		return *remote
	}
	if code, ok := rejectedCloseCode(err); ok {
		// the transport has already answered with a protocol error close
		reason := CloseReason{Code: CloseProtocolError, Phrase: fmt.Sprintf("Invalid close code %d", code)}
		s.mu.Lock()
		s.remoteClose = &reason
		s.state = StateClosing
		s.stopTimersLocked()
		s.mu.Unlock()
		s.logf("peer closed: %s", reason)
		return reason
	}
	s.notifyError(errors.Wrapf(ErrProtocol, "connection lost: %v", err))
	return CloseReason{
		Code:   CloseClosedAbnormally,
		Phrase: util.TruncateUTF8(err.Error(), maxCloseReasonBytes),
	}
}

func (s *Session) finish(reason CloseReason) {
	s.mu.Lock()
	s.state = StateClosed
	s.handlers = map[MessageType]MessageHandler{}
	s.stopTimersLocked()
	s.mu.Unlock()

	s.peers.Remove(s)
	s.queue.close(errors.Wrap(ErrSessionClosed, "session closed"))
	_ = s.conn.Close()
	s.metrics.sessionClosed(reason.Code)
	s.logger.WithField("close-code", reason.Code).Infof("session closed: %s", reason)

	if s.closeListener != nil {
		if err := s.invoke("OnClose", func() { s.closeListener.OnClose(s, reason) }); err != nil {
			s.logerrorf("%v", err)
		}
	}
	close(s.finished)
}

func (s *Session) dispatch(frameType int, r io.Reader) {
	var (
		mt    MessageType
		limit int
	)
	s.mu.Lock()
	switch frameType {
	case websocket.TextMessage:
		mt, limit = MessageText, s.maxText
	case websocket.BinaryMessage:
		mt, limit = MessageBinary, s.maxBinary
	}
	handler := s.handlers[mt]
	s.mu.Unlock()

	if handler == nil {
		s.logf("no handler for %s message", mt)
		_ = s.CloseWithReason(CloseReason{Code: CloseCannotAccept, Phrase: fmt.Sprintf("no %s message handler", mt)})
		return
	}

	var err error
	switch h := handler.(type) {
	case PartialTextHandler:
		err = s.deliverPartialText(r, limit, h)
	case PartialBinaryHandler:
		err = readParts(r, limit, func(part []byte, last bool) error {
			return s.invoke("binary handler", func() { h(part, last) })
		})
	default:
		var data []byte
		data, err = readMessage(r, limit)
		if err == nil {
			err = s.deliverWhole(handler, data)
		}
	}
	s.handleDispatchError(err)
}

func (s *Session) handleDispatchError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrMessageTooBig):
		s.logf("%v", err)
		_ = s.CloseWithReason(CloseReason{Code: CloseTooBig, Phrase: "message too big"})
	case errors.Is(err, errInvalidUTF8):
		_ = s.CloseWithReason(CloseReason{Code: CloseNotConsistent, Phrase: "invalid UTF-8 in text message"})
	case errors.Is(err, errReadFailed):
		// the next NextReader call reports the connection failure
		s.logf("%v", err)
	default:
		s.reportError(err)
	}
}

func (s *Session) deliverWhole(handler MessageHandler, data []byte) error {
	if handler.MessageType() == MessageText && !utf8.Valid(data) {
		return errInvalidUTF8
	}
	switch h := handler.(type) {
	case TextHandler:
		return s.invoke("text handler", func() { h(string(data)) })
	case BinaryHandler:
		return s.invoke("binary handler", func() { h(data) })
	case DecodedTextHandler:
		v, err := s.config.decodeText(string(data))
		if err != nil {
			return err
		}
		return s.invoke("decoded text handler", func() { h(v) })
	case DecodedBinaryHandler:
		v, err := s.config.decodeBinary(data)
		if err != nil {
			return err
		}
		return s.invoke("decoded binary handler", func() { h(v) })
	}
	return errors.Errorf("unsupported handler %T", handler)
}

// deliverPartialText hands text to h in pieces, holding back an incomplete
// UTF-8 sequence at the end of a piece until the next one arrives.
func (s *Session) deliverPartialText(r io.Reader, size int, h PartialTextHandler) error {
	var carry []byte
	return readParts(r, size, func(part []byte, last bool) error {
		data := append(carry, part...)
		carry = nil
		if !last {
			cut := len(data) - incompleteSuffix(data)
			carry = append([]byte(nil), data[cut:]...)
			data = data[:cut]
		}
		if !utf8.Valid(data) {
			return errInvalidUTF8
		}
		text := string(data)
		return s.invoke("text handler", func() { h(text, last) })
	})
}

func (s *Session) closeHandler(code int, text string) error {
	reason := receivedCloseReason(code, text)

	s.mu.Lock()
	s.remoteClose = &reason
	echo := s.state == StateOpen || s.state == StateConnecting
	if echo {
		s.state = StateClosing
		s.stopTimersLocked()
	}
	s.mu.Unlock()

	s.logf("peer closed: %s", reason)
	if echo {
		s.peers.Remove(s)
		s.queue.close(errors.Wrap(ErrSessionClosed, "peer closed the session"))
		echoed := CloseReason{Code: reason.Code}
		if err := s.conn.WriteControl(websocket.CloseMessage, echoed.payload(), time.Now().Add(controlWriteWait)); err != nil {
			s.logf("could not reply to close: %v", err)
		}
	}
	return nil
}

func (s *Session) pingHandler(appData string) error {
	s.touch()
	s.metrics.messageReceived(websocket.PingMessage)
	err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
	if err == websocket.ErrCloseSent {
		return nil
	}
	if _, ok := err.(net.Error); ok {
		return nil
	}
	return err
}

func (s *Session) pongHandler(appData string) error {
	s.touch()
	s.metrics.messageReceived(websocket.PongMessage)
	s.mu.Lock()
	h, _ := s.handlers[MessagePong].(PongHandler)
	s.mu.Unlock()
	if h != nil {
		if err := s.invoke("pong handler", func() { h([]byte(appData)) }); err != nil {
			s.reportError(err)
		}
	}
	return nil
}

// writeFrame is the queue's writer. It only runs on the drain goroutine.
func (s *Session) writeFrame(req *writeRequest) error {
	var err error
	switch req.kind {
	case writeControl:
		err = s.conn.WriteControl(req.messageType, req.data, time.Now().Add(controlWriteWait))
	case writeWhole:
		if s.partialWriter != nil {
			// an abandoned partial message; finish it before starting anew
			_ = s.partialWriter.Close()
			s.partialWriter = nil
		}
		err = s.conn.WriteMessage(req.messageType, req.data)
	case writePartial:
		if s.partialWriter == nil {
			s.partialWriter, err = s.conn.NextWriter(req.messageType)
			if err != nil {
				s.partialWriter = nil
				break
			}
		}
		if _, err = s.partialWriter.Write(req.data); err == nil && req.last {
			err = s.partialWriter.Close()
			s.partialWriter = nil
		}
	}
	if err != nil {
		if err != websocket.ErrCloseSent && s.IsOpen() {
			s.logerrorf("write failed, dropping connection: %v", err)
			// the read loop sees the closed connection and ends the session
			_ = s.conn.Close()
		}
		return errors.Wrapf(err, "writing %s frame", frameName(req.messageType))
	}
	s.metrics.frameSent(req.messageType)
	s.touch()
	return nil
}

// invoke runs application code, turning a panic into an error.
func (s *Session) invoke(what string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s panicked: %v", what, r)
		}
	}()
	f()
	return nil
}

// notifyError passes err to the endpoint's error listener and reports
// whether there was one.
func (s *Session) notifyError(err error) bool {
	if s.errorListener == nil {
		s.metrics.sessionError(false)
		return false
	}
	s.metrics.sessionError(true)
	s.logf("reporting error to endpoint: %v", err)
	if perr := s.invoke("OnError", func() { s.errorListener.OnError(s, err) }); perr != nil {
		s.logerrorf("%v", perr)
	}
	return true
}

// reportError notifies the endpoint, closing the session when it has no
// error listener.
func (s *Session) reportError(err error) {
	if s.notifyError(err) {
		return
	}
	s.logerrorf("unhandled error, closing session: %v", err)
	_ = s.CloseWithReason(CloseReason{Code: CloseUnexpectedCondition, Phrase: "unexpected error"})
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil && s.state == StateOpen {
		s.idleTimer.Reset(s.maxIdle)
	}
}

func (s *Session) armIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.maxIdle > 0 && s.state == StateOpen {
		idle := s.maxIdle
		s.idleTimer = time.AfterFunc(idle, func() { s.idleExpired(idle) })
	}
}

func (s *Session) stopTimersLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
}

func (s *Session) idleExpired(idle time.Duration) {
	if !s.IsOpen() {
		return
	}
	s.logf("idle for %s, closing", idle)
	s.notifyError(errors.Wrapf(ErrTimeout, "no activity for %s", idle))
	_ = s.CloseWithReason(CloseReason{Code: CloseGoingAway, Phrase: "idle timeout"})
}

// Close closes the session normally.
func (s *Session) Close() error {
	return s.CloseWithReason(CloseReason{Code: CloseNormal})
}

// CloseWithReason sends a close frame and starts the closing handshake.
// Only the first call on a session has any effect.
func (s *Session) CloseWithReason(reason CloseReason) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.localClose = &reason
	s.stopTimersLocked()
	s.mu.Unlock()

	s.peers.Remove(s)
	s.queue.close(errors.Wrap(ErrSessionClosed, "session is closing"))
	s.logf("closing: %s", reason)

	err := s.conn.WriteControl(websocket.CloseMessage, reason.payload(), time.Now().Add(controlWriteWait))

	// bound the wait for the peer's close frame
	s.mu.Lock()
	if s.state == StateClosing {
		s.closeTimer = time.AfterFunc(s.closeTimeout, func() { _ = s.conn.Close() })
	}
	s.mu.Unlock()

	if err != nil && err != websocket.ErrCloseSent {
		_ = s.conn.Close()
		return errors.Wrap(err, "sending close frame")
	}
	return nil
}

// Done is closed after the session has closed and OnClose has returned.
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// AddMessageHandler registers h for its message type. Only one handler per
// type is allowed.
func (s *Session) AddMessageHandler(h MessageHandler) error {
	if h == nil || reflect.ValueOf(h).IsNil() {
		return errors.Wrap(ErrIllegalArgument, "nil message handler")
	}
	switch h.(type) {
	case DecodedTextHandler:
		if !s.config.HasTextDecoder() {
			return errors.Wrap(ErrIllegalArgument, "no text decoder configured")
		}
	case DecodedBinaryHandler:
		if !s.config.HasBinaryDecoder() {
			return errors.Wrap(ErrIllegalArgument, "no binary decoder configured")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return errors.Wrap(ErrSessionClosed, "cannot add handler")
	}
	mt := h.MessageType()
	if _, ok := s.handlers[mt]; ok {
		return errors.Wrapf(ErrHandlerExists, "%s", mt)
	}
	s.handlers[mt] = h
	return nil
}

// RemoveMessageHandler removes the handler for t, if any.
func (s *Session) RemoveMessageHandler(t MessageType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, t)
}

// MessageHandlers returns the registered handlers.
func (s *Session) MessageHandlers() []MessageHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageHandler, 0, len(s.handlers))
	for _, t := range []MessageType{MessageText, MessageBinary, MessagePong} {
		if h, ok := s.handlers[t]; ok {
			out = append(out, h)
		}
	}
	return out
}

// OpenSessions returns the open sessions of this session's endpoint,
// including this one while it is open.
func (s *Session) OpenSessions() []*Session {
	items := s.peers.ToSlice()
	out := make([]*Session, 0, len(items))
	for _, item := range items {
		out = append(out, item.(*Session))
	}
	return out
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

func (s *Session) EndpointConfig() *EndpointConfig {
	return s.config
}

func (s *Session) BasicRemote() *BasicRemote {
	return s.basic
}

func (s *Session) AsyncRemote() *AsyncRemote {
	return s.async
}

// PathParameters returns the values bound to the path template variables.
func (s *Session) PathParameters() map[string]string {
	out := make(map[string]string, len(s.pathParams))
	for k, v := range s.pathParams {
		out[k] = v
	}
	return out
}

func (s *Session) RequestURI() *url.URL {
	return s.requestURI
}

func (s *Session) QueryString() string {
	if s.requestURI == nil {
		return ""
	}
	return s.requestURI.RawQuery
}

func (s *Session) NegotiatedSubprotocol() string {
	return s.subprotocol
}

func (s *Session) NegotiatedExtensions() []handshake.Extension {
	return append([]handshake.Extension(nil), s.extensions...)
}

func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// UserProperties returns a copy of the session's properties.
func (s *Session) UserProperties() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.userProperties))
	for k, v := range s.userProperties {
		out[k] = v
	}
	return out
}

func (s *Session) UserProperty(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.userProperties[key]
	return v, ok
}

func (s *Session) SetUserProperty(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userProperties[key] = value
}

func (s *Session) MaxIdleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxIdle
}

// SetMaxIdleTimeout changes the idle timeout; zero or less disables it.
func (s *Session) SetMaxIdleTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.maxIdle = d
	s.armIdleLocked()
}

func (s *Session) MaxTextMessageBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxText
}

// SetMaxTextMessageBufferSize limits whole text messages and sets the piece
// size for partial text handlers.
func (s *Session) SetMaxTextMessageBufferSize(size int) error {
	if size <= 0 {
		return errors.Wrapf(ErrIllegalArgument, "buffer size %d", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxText = size
	return nil
}

func (s *Session) MaxBinaryMessageBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBinary
}

// SetMaxBinaryMessageBufferSize is the binary counterpart of
// SetMaxTextMessageBufferSize.
func (s *Session) SetMaxBinaryMessageBufferSize(size int) error {
	if size <= 0 {
		return errors.Wrapf(ErrIllegalArgument, "buffer size %d", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBinary = size
	return nil
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s on %s", s.id, s.config.Path())
}
