package wsoc

import (
	"io"
	"net"
	"time"
)

// Conn is the part of *websocket.Conn that a Session drives. At most one
// goroutine reads and one writes data frames at a time; WriteControl and
// Close may be called concurrently with both.
type Conn interface {
	NextReader() (messageType int, r io.Reader, err error)
	NextWriter(messageType int) (io.WriteCloser, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetCloseHandler(h func(code int, text string) error)
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}
