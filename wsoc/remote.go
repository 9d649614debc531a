package wsoc

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// maxControlPayload is the largest payload of a ping or pong frame.
const maxControlPayload = 125

func checkControlPayload(data []byte) error {
	if data == nil {
		return errors.Wrap(ErrIllegalArgument, "nil control frame payload")
	}
	if len(data) > maxControlPayload {
		return errors.Wrapf(ErrIllegalArgument, "control frame payload of %d bytes exceeds %d", len(data), maxControlPayload)
	}
	return nil
}

func frameType(t MessageType) int {
	if t == MessageBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// sendAndWait queues req and blocks until it has been written or failed.
func (s *Session) sendAndWait(req *writeRequest) error {
	if err := s.queue.submit(req); err != nil {
		return err
	}
	<-req.future.Done()
	return req.future.err
}

// BasicRemote sends messages and blocks until each has been handed to the
// transport.
type BasicRemote struct {
	s *Session
}

func (b *BasicRemote) SendText(text string) error {
	return b.s.sendAndWait(newWriteRequest(writeWhole, websocket.TextMessage, []byte(text), true))
}

func (b *BasicRemote) SendBinary(data []byte) error {
	if data == nil {
		return errors.Wrap(ErrIllegalArgument, "nil binary payload")
	}
	return b.s.sendAndWait(newWriteRequest(writeWhole, websocket.BinaryMessage, data, true))
}

// SendPartialText sends one piece of a text message. No whole message may be
// sent until a piece with isLast set has been sent.
func (b *BasicRemote) SendPartialText(part string, isLast bool) error {
	return b.s.sendAndWait(newWriteRequest(writePartial, websocket.TextMessage, []byte(part), isLast))
}

func (b *BasicRemote) SendPartialBinary(part []byte, isLast bool) error {
	if part == nil {
		return errors.Wrap(ErrIllegalArgument, "nil binary payload")
	}
	return b.s.sendAndWait(newWriteRequest(writePartial, websocket.BinaryMessage, part, isLast))
}

// SendObject sends v as text if it is a string, as binary if it is a byte
// slice, and otherwise through the first configured encoder that accepts it.
func (b *BasicRemote) SendObject(v any) error {
	mt, data, err := b.s.config.encode(v)
	if err != nil {
		return err
	}
	return b.s.sendAndWait(newWriteRequest(writeWhole, frameType(mt), data, true))
}

func (b *BasicRemote) SendPing(data []byte) error {
	if err := checkControlPayload(data); err != nil {
		return err
	}
	return b.s.sendAndWait(newWriteRequest(writeControl, websocket.PingMessage, data, true))
}

func (b *BasicRemote) SendPong(data []byte) error {
	if err := checkControlPayload(data); err != nil {
		return err
	}
	return b.s.sendAndWait(newWriteRequest(writeControl, websocket.PongMessage, data, true))
}

// Flush returns once nothing is batched. Messages are never batched, so it
// only reports whether the session is still open.
func (b *BasicRemote) Flush() error {
	if !b.s.IsOpen() {
		return errors.Wrap(ErrSessionClosed, "flush")
	}
	return nil
}

// AsyncRemote sends messages without blocking. Results arrive through a
// Future or a SendHandler. Messages are written in the order the calls were
// made.
type AsyncRemote struct {
	s *Session

	mu      sync.Mutex
	timeout time.Duration
}

func (a *AsyncRemote) SendTimeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout
}

// SetSendTimeout bounds how long later sends may wait; zero or less means
// no limit.
func (a *AsyncRemote) SetSendTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d < 0 {
		d = 0
	}
	a.timeout = d
}

func (a *AsyncRemote) enqueue(req *writeRequest) {
	if req.handler != nil {
		req.notify = a.s.queue.notify
	}
	if d := a.SendTimeout(); d > 0 {
		req.expireAfter(d, a.s.metrics.sendTimeout)
	}
	if err := a.s.queue.submit(req); err != nil {
		req.complete(err)
	}
}

func (a *AsyncRemote) future(req *writeRequest) *Future {
	a.enqueue(req)
	return req.future
}

func (a *AsyncRemote) SendText(text string) *Future {
	return a.future(newWriteRequest(writeWhole, websocket.TextMessage, []byte(text), true))
}

func (a *AsyncRemote) SendBinary(data []byte) *Future {
	if data == nil {
		return failedFuture(errors.Wrap(ErrIllegalArgument, "nil binary payload"))
	}
	return a.future(newWriteRequest(writeWhole, websocket.BinaryMessage, data, true))
}

func (a *AsyncRemote) SendObject(v any) *Future {
	mt, data, err := a.s.config.encode(v)
	if err != nil {
		return failedFuture(err)
	}
	return a.future(newWriteRequest(writeWhole, frameType(mt), data, true))
}

// SendTextWithHandler sends text and reports the result to h. The returned
// error only covers invalid arguments.
func (a *AsyncRemote) SendTextWithHandler(text string, h SendHandler) error {
	if h == nil {
		return errors.Wrap(ErrIllegalArgument, "nil send handler")
	}
	a.enqueue(newWriteRequest(writeWhole, websocket.TextMessage, []byte(text), true).withHandler(h))
	return nil
}

func (a *AsyncRemote) SendBinaryWithHandler(data []byte, h SendHandler) error {
	if h == nil {
		return errors.Wrap(ErrIllegalArgument, "nil send handler")
	}
	if data == nil {
		return errors.Wrap(ErrIllegalArgument, "nil binary payload")
	}
	a.enqueue(newWriteRequest(writeWhole, websocket.BinaryMessage, data, true).withHandler(h))
	return nil
}

func (a *AsyncRemote) SendObjectWithHandler(v any, h SendHandler) error {
	if h == nil {
		return errors.Wrap(ErrIllegalArgument, "nil send handler")
	}
	mt, data, err := a.s.config.encode(v)
	if err != nil {
		return err
	}
	a.enqueue(newWriteRequest(writeWhole, frameType(mt), data, true).withHandler(h))
	return nil
}
