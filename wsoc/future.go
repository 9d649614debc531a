package wsoc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Future is the result of an asynchronous send.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// failedFuture returns a future that is already complete with err.
func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

// resolve must be called exactly once.
func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the send has completed or failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the send completes or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome of a completed send, or ErrIllegalState if it has
// not completed yet.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return errors.Wrap(ErrIllegalState, "send has not completed")
	}
}

// SendHandler receives the outcome of an asynchronous send; err is nil on
// success.
type SendHandler func(err error)

type writeKind int

const (
	writeWhole writeKind = iota
	writePartial
	writeControl
)

const (
	requestQueued int32 = iota
	requestWriting
	requestCancelled
)

// writeRequest is one queued frame. Exactly one of future and handler is
// set; complete reports the outcome to whichever it is, once.
type writeRequest struct {
	kind        writeKind
	messageType int
	data        []byte
	last        bool

	future  *Future
	handler SendHandler
	// runs handler calls away from the writing goroutine; set by the queue
	notify func(func())

	state int32
	once  sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

func newWriteRequest(kind writeKind, messageType int, data []byte, last bool) *writeRequest {
	return &writeRequest{
		kind:        kind,
		messageType: messageType,
		data:        data,
		last:        last,
		future:      newFuture(),
	}
}

func (r *writeRequest) withHandler(h SendHandler) *writeRequest {
	r.future = nil
	r.handler = h
	return r
}

// begin moves the request to writing; false means it timed out while queued
// and must be skipped.
func (r *writeRequest) begin() bool {
	return atomic.CompareAndSwapInt32(&r.state, requestQueued, requestWriting)
}

// expireAfter arms the send timeout; onExpire runs if the timeout is what
// completes the request.
func (r *writeRequest) expireAfter(d time.Duration, onExpire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = time.AfterFunc(d, func() {
		if r.expire() && onExpire != nil {
			onExpire()
		}
	})
}

// expire fails the request with a timeout if it is still queued. A request
// that is already being written reports the result of the write.
func (r *writeRequest) expire() bool {
	if !atomic.CompareAndSwapInt32(&r.state, requestQueued, requestCancelled) {
		return false
	}
	return r.complete(errors.Wrap(ErrTimeout, "async send"))
}

// complete reports err and returns true, or returns false if the request
// had already completed.
func (r *writeRequest) complete(err error) bool {
	completed := false
	r.once.Do(func() {
		completed = true
		r.mu.Lock()
		timer := r.timer
		r.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		if r.future != nil {
			r.future.resolve(err)
			return
		}
		h := r.handler
		if r.notify == nil {
			h(err)
			return
		}
		r.notify(func() { h(err) })
	})
	return completed
}
