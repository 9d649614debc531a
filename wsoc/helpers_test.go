package wsoc

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func genLogger() *log.Logger {
	return &log.Logger{
		Out:       os.Stdout,
		Formatter: new(log.TextFormatter),
		Level:     log.DebugLevel,
	}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeFrame struct {
	messageType int
	data        []byte
}

// fakeConn stands in for a websocket connection. Frames pushed with
// deliver are returned by NextReader; control frames are routed to the
// registered handlers the way gorilla does. Everything the session writes
// is recorded in order.
type fakeConn struct {
	inbound  chan fakeFrame
	closedCh chan struct{}

	mu           sync.Mutex
	written      []fakeFrame
	closeSent    bool
	closed       bool
	replyToClose bool
	closeHandler func(code int, text string) error
	pingHandler  func(appData string) error
	pongHandler  func(appData string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:      make(chan fakeFrame, 64),
		closedCh:     make(chan struct{}),
		replyToClose: true,
	}
}

func closePayload(code int, text string) []byte {
	return websocket.FormatCloseMessage(code, text)
}

func parseClosePayload(data []byte) (int, string) {
	if len(data) < 2 {
		return websocket.CloseNoStatusReceived, ""
	}
	return int(binary.BigEndian.Uint16(data)), string(data[2:])
}

// deliver queues a frame from the peer.
func (c *fakeConn) deliver(messageType int, data []byte) {
	c.inbound <- fakeFrame{messageType: messageType, data: data}
}

func (c *fakeConn) NextReader() (int, io.Reader, error) {
	for {
		select {
		case f := <-c.inbound:
			c.mu.Lock()
			closeH, pingH, pongH := c.closeHandler, c.pingHandler, c.pongHandler
			c.mu.Unlock()
			switch f.messageType {
			case websocket.CloseMessage:
				code, text := parseClosePayload(f.data)
				if err := closeH(code, text); err != nil {
					return 0, nil, err
				}
				return 0, nil, &websocket.CloseError{Code: code, Text: text}
			case websocket.PingMessage:
				if err := pingH(string(f.data)); err != nil {
					return 0, nil, err
				}
			case websocket.PongMessage:
				if err := pongH(string(f.data)); err != nil {
					return 0, nil, err
				}
			default:
				return f.messageType, bytes.NewReader(f.data), nil
			}
		case <-c.closedCh:
			return 0, nil, errors.New("use of closed network connection")
		}
	}
}

type fakeWriter struct {
	conn        *fakeConn
	messageType int
	buf         bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *fakeWriter) Close() error {
	return w.conn.record(w.messageType, w.buf.Bytes())
}

func (c *fakeConn) NextWriter(messageType int) (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSent {
		return nil, websocket.ErrCloseSent
	}
	return &fakeWriter{conn: c, messageType: messageType}, nil
}

func (c *fakeConn) record(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSent {
		return websocket.ErrCloseSent
	}
	c.written = append(c.written, fakeFrame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	return c.record(messageType, data)
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSent {
		return websocket.ErrCloseSent
	}
	c.written = append(c.written, fakeFrame{messageType: messageType, data: append([]byte(nil), data...)})
	if messageType == websocket.CloseMessage {
		c.closeSent = true
		if c.replyToClose {
			code, _ := parseClosePayload(data)
			select {
			case c.inbound <- fakeFrame{messageType: websocket.CloseMessage, data: closePayload(code, "")}:
			default:
			}
		}
	}
	return nil
}

func (c *fakeConn) SetCloseHandler(h func(code int, text string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = h
}

func (c *fakeConn) SetPingHandler(h func(appData string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingHandler = h
}

func (c *fakeConn) SetPongHandler(h func(appData string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongHandler = h
}

func (c *fakeConn) LocalAddr() net.Addr  { return fakeAddr("local") }
func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr("remote") }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// frames returns a copy of everything written so far.
func (c *fakeConn) frames() []fakeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeFrame(nil), c.written...)
}

// framesOf returns the payloads written with the given frame type.
func (c *fakeConn) framesOf(messageType int) []string {
	var out []string
	for _, f := range c.frames() {
		if f.messageType == messageType {
			out = append(out, string(f.data))
		}
	}
	return out
}

// closeCodes returns the codes of the close frames written so far.
func (c *fakeConn) closeCodes() []int {
	var out []int
	for _, f := range c.frames() {
		if f.messageType == websocket.CloseMessage {
			code, _ := parseClosePayload(f.data)
			out = append(out, code)
		}
	}
	return out
}

// recordingEndpoint implements every listener and records what it sees.
type recordingEndpoint struct {
	onOpen  func(s *Session)
	opened  chan *Session
	closes  chan CloseReason
	errs    chan error
	onError func(s *Session, err error)
}

func newRecordingEndpoint(onOpen func(s *Session)) *recordingEndpoint {
	return &recordingEndpoint{
		onOpen: onOpen,
		opened: make(chan *Session, 16),
		closes: make(chan CloseReason, 16),
		errs:   make(chan error, 16),
	}
}

func (e *recordingEndpoint) OnOpen(s *Session, _ *EndpointConfig) {
	if e.onOpen != nil {
		e.onOpen(s)
	}
	e.opened <- s
}

func (e *recordingEndpoint) OnClose(_ *Session, reason CloseReason) {
	e.closes <- reason
}

func (e *recordingEndpoint) OnError(s *Session, err error) {
	if e.onError != nil {
		e.onError(s, err)
	}
	e.errs <- err
}

// quietEndpoint has no error listener.
type quietEndpoint struct {
	onOpen func(s *Session)
	closes chan CloseReason
}

func (e *quietEndpoint) OnOpen(s *Session, _ *EndpointConfig) {
	if e.onOpen != nil {
		e.onOpen(s)
	}
}

func (e *quietEndpoint) OnClose(_ *Session, reason CloseReason) {
	e.closes <- reason
}

func testOptions() Options {
	return Options{CloseTimeout: 500 * time.Millisecond}.withDefaults()
}

// newTestSession creates a session on a fake connection without starting
// it; it stays CONNECTING until run is called.
func newTestSession(t *testing.T, ep Endpoint, opts Options, build func(b *EndpointConfigBuilder)) (*Session, *fakeConn) {
	t.Helper()
	b := NewEndpointConfigBuilder("/test/{id}", ep)
	if build != nil {
		build(b)
	}
	cfg, err := b.Build()
	require.NoError(t, err)
	conn := newFakeConn()
	s := newSession(sessionParams{
		conn:     conn,
		config:   cfg,
		endpoint: ep,
		options:  opts,
		logger:   genLogger(),
	})
	return s, conn
}

// startSession runs s in the background and waits for OnOpen.
func startSession(t *testing.T, s *Session, opened chan *Session) {
	t.Helper()
	go s.run()
	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("OnOpen was not called")
	}
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func recvReason(t *testing.T, ch chan CloseReason) CloseReason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose was not called")
	}
	return CloseReason{}
}

func recvErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("OnError was not called")
	}
	return nil
}
