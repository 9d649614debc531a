package wsoc

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// sendQueue serializes every outbound frame of a session. Frames are written
// strictly in submission order by a single drain goroutine, which runs while
// the queue is ready and not empty.
type sendQueue struct {
	mu       sync.Mutex
	pending  []*writeRequest
	ready    bool
	draining bool
	closeErr error
	limit    int

	// message type of the partial message in progress, 0 when none
	fragment int

	write func(*writeRequest) error

	callbacks callbackQueue
}

func newSendQueue(limit int, write func(*writeRequest) error) *sendQueue {
	return &sendQueue{limit: limit, write: write}
}

// notify runs f on the queue's callback goroutine. Callbacks run one at a
// time in the order they were handed over, never on the drain goroutine, so
// a SendHandler may itself send and wait.
func (q *sendQueue) notify(f func()) {
	q.callbacks.run(f)
}

// submit appends req. Fragmentation rules are checked here, under the same
// lock that fixes the order, so they hold for concurrent senders.
func (q *sendQueue) submit(req *writeRequest) error {
	q.mu.Lock()
	if q.closeErr != nil {
		q.mu.Unlock()
		return q.closeErr
	}
	if q.limit > 0 && len(q.pending) >= q.limit {
		q.mu.Unlock()
		return errors.Wrapf(ErrQueueFull, "%d frames pending", len(q.pending))
	}
	switch req.kind {
	case writeWhole:
		if q.fragment != 0 {
			q.mu.Unlock()
			return errors.Wrap(ErrPartialInProgress, "cannot start a new message")
		}
	case writePartial:
		if q.fragment != 0 && q.fragment != req.messageType {
			q.mu.Unlock()
			return errors.Wrapf(ErrPartialInProgress, "cannot send a %s part", frameName(req.messageType))
		}
		q.fragment = req.messageType
		if req.last {
			q.fragment = 0
		}
	}
	q.pending = append(q.pending, req)
	start := q.ready && !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return nil
}

// setReady records whether the transport accepts writes and resumes
// draining when it does.
func (q *sendQueue) setReady(ready bool) {
	q.mu.Lock()
	q.ready = ready
	start := ready && !q.draining && len(q.pending) > 0 && q.closeErr == nil
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

func (q *sendQueue) drain() {
	for {
		q.mu.Lock()
		if !q.ready || len(q.pending) == 0 || q.closeErr != nil {
			q.draining = false
			q.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if !req.begin() {
			continue
		}
		req.complete(q.write(req))
	}
}

// close fails every pending request with err and rejects later submissions.
func (q *sendQueue) close(err error) {
	q.mu.Lock()
	if q.closeErr != nil {
		q.mu.Unlock()
		return
	}
	q.closeErr = err
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.complete(err)
	}
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// callbackQueue is an unbounded FIFO of functions with at most one goroutine
// running them.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (c *callbackQueue) run(f func()) {
	c.mu.Lock()
	c.pending = append(c.pending, f)
	start := !c.running
	c.running = true
	c.mu.Unlock()

	if start {
		go c.loop()
	}
}

func (c *callbackQueue) loop() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		f := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()

		f()
	}
}

func frameName(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	case websocket.CloseMessage:
		return "close"
	}
	return "unknown"
}
