package wsoc

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	written []string
	active  int
	maxSeen int
}

func (w *recordingWriter) write(req *writeRequest) error {
	w.mu.Lock()
	w.active++
	if w.active > w.maxSeen {
		w.maxSeen = w.active
	}
	w.mu.Unlock()

	time.Sleep(time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	w.written = append(w.written, string(req.data))
	return nil
}

func (w *recordingWriter) result() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.written...)
}

func textRequest(text string) *writeRequest {
	return newWriteRequest(writeWhole, websocket.TextMessage, []byte(text), true)
}

func TestQueueKeepsSubmissionOrder(t *testing.T) {
	w := &recordingWriter{}
	q := newSendQueue(0, w.write)

	var futures []*Future
	for _, text := range []string{"A", "B", "C"} {
		req := textRequest(text)
		require.NoError(t, q.submit(req))
		futures = append(futures, req.future)
	}
	// nothing is written until the transport is ready
	assert.Empty(t, w.result())
	assert.Equal(t, 3, q.len())

	q.setReady(true)
	for _, f := range futures {
		require.NoError(t, f.Wait(t.Context()))
	}
	assert.Equal(t, []string{"A", "B", "C"}, w.result())
}

func TestQueueConcurrentSendersKeepTheirOwnOrder(t *testing.T) {
	w := &recordingWriter{}
	q := newSendQueue(0, w.write)
	q.setReady(true)

	var wg sync.WaitGroup
	for _, prefix := range []string{"ping", "pong"} {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				req := textRequest(fmt.Sprintf("%s-%02d", prefix, i))
				if err := q.submit(req); err != nil {
					t.Error(err)
					return
				}
				<-req.future.Done()
			}
		}(prefix)
	}
	wg.Wait()

	got := w.result()
	require.Len(t, got, 40)
	next := map[string]int{}
	for _, item := range got {
		prefix := item[:4]
		assert.Equal(t, fmt.Sprintf("%s-%02d", prefix, next[prefix]), item)
		next[prefix]++
	}
	assert.Equal(t, 1, w.maxSeen, "writes overlapped")
}

func TestQueueCloseFailsPending(t *testing.T) {
	w := &recordingWriter{}
	q := newSendQueue(0, w.write)
	req := textRequest("never")
	require.NoError(t, q.submit(req))

	q.close(ErrSessionClosed)
	<-req.future.Done()
	assert.True(t, errors.Is(req.future.Err(), ErrSessionClosed))
	assert.True(t, errors.Is(q.submit(textRequest("later")), ErrSessionClosed))

	q.setReady(true)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, w.result())
}

func TestQueueLimit(t *testing.T) {
	q := newSendQueue(2, (&recordingWriter{}).write)
	require.NoError(t, q.submit(textRequest("1")))
	require.NoError(t, q.submit(textRequest("2")))
	assert.True(t, errors.Is(q.submit(textRequest("3")), ErrQueueFull))
}

func TestQueueTimeoutOnlyFailsItsOwnRequest(t *testing.T) {
	w := &recordingWriter{}
	q := newSendQueue(0, w.write)

	first := textRequest("first")
	require.NoError(t, q.submit(first))
	stale := textRequest("stale")
	expired := make(chan struct{})
	stale.expireAfter(10*time.Millisecond, func() { close(expired) })
	require.NoError(t, q.submit(stale))
	last := textRequest("last")
	require.NoError(t, q.submit(last))

	<-expired
	assert.True(t, errors.Is(stale.future.Err(), ErrTimeout))

	q.setReady(true)
	require.NoError(t, first.future.Wait(t.Context()))
	require.NoError(t, last.future.Wait(t.Context()))
	assert.Equal(t, []string{"first", "last"}, w.result())
}

func TestQueueHandlerCompletion(t *testing.T) {
	w := &recordingWriter{}
	q := newSendQueue(0, w.write)
	q.setReady(true)

	done := make(chan error, 1)
	require.NoError(t, q.submit(textRequest("cb").withHandler(func(err error) { done <- err })))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestFutureErrBeforeCompletion(t *testing.T) {
	f := newFuture()
	assert.True(t, errors.Is(f.Err(), ErrIllegalState))
	f.resolve(nil)
	assert.NoError(t, f.Err())
}

func TestQueueTimeoutDuringWriteKeepsWriteResult(t *testing.T) {
	release := make(chan struct{})
	writing := make(chan struct{})
	q := newSendQueue(0, func(*writeRequest) error {
		close(writing)
		<-release
		return nil
	})

	req := textRequest("slow")
	expired := make(chan struct{})
	req.expireAfter(30*time.Millisecond, func() { close(expired) })
	require.NoError(t, q.submit(req))
	q.setReady(true)

	<-writing
	time.Sleep(60 * time.Millisecond)
	close(release)
	require.NoError(t, req.future.Wait(t.Context()))
	select {
	case <-expired:
		t.Fatal("a request being written must not time out")
	default:
	}
}

func TestQueueCallbacksRunInOrderOffTheWriter(t *testing.T) {
	w := &recordingWriter{}
	q := newSendQueue(0, w.write)

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("m%d", i)
		req := textRequest(name).withHandler(func(err error) {
			assert.NoError(t, err)
			if name == "m0" {
				// a slow callback must not hold up the writer
				time.Sleep(20 * time.Millisecond)
			}
			mu.Lock()
			seen = append(seen, name)
			n := len(seen)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		})
		req.notify = q.notify
		require.NoError(t, q.submit(req))
	}
	q.setReady(true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks not called")
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, seen)
	assert.Len(t, w.result(), 5)
}
