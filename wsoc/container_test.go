package wsoc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskcluster/wsoc/handshake"
	"github.com/taskcluster/wsoc/util"
)

type echoEndpoint struct {
	prefix string
}

func (e *echoEndpoint) OnOpen(s *Session, _ *EndpointConfig) {
	_ = s.AddMessageHandler(TextHandler(func(text string) {
		if text == "params" {
			_ = s.BasicRemote().SendText(s.PathParameters()["room"] + "?" + s.QueryString())
			return
		}
		_ = s.BasicRemote().SendText(e.prefix + text)
	}))
	_ = s.AddMessageHandler(BinaryHandler(func(data []byte) {
		_ = s.AsyncRemote().SendBinary(data)
	}))
}

type countingEndpoint struct{}

var openedCount int32

func (countingEndpoint) OnOpen(*Session, *EndpointConfig) {
	atomic.AddInt32(&openedCount, 1)
}

type failingConfigurator struct {
	DefaultConfigurator
	panics bool
}

func (f failingConfigurator) GetEndpointInstance(*EndpointConfig) (Endpoint, error) {
	if f.panics {
		panic("configurator exploded")
	}
	return nil, errors.New("no instances left")
}

type headerConfigurator struct {
	DefaultConfigurator
}

func (headerConfigurator) ModifyHandshake(cfg *EndpointConfig, req *handshake.Request, resp *handshake.Response) {
	resp.Header.Set("X-Endpoint", cfg.Path())
}

func genContainer(t *testing.T, next http.Handler, register func(c *Container)) (*Container, *httptest.Server) {
	t.Helper()
	c, err := New(Config{Logger: genLogger(), Next: next, Options: Options{CloseTimeout: time.Second}})
	require.NoError(t, err)
	register(c)
	c.Start()
	server := httptest.NewServer(c)
	t.Cleanup(server.Close)
	return c, server
}

func dial(t *testing.T, server *httptest.Server, path string, header http.Header, protocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(util.MakeWsURL(server.URL)+path, header)
}

func TestContainerEcho(t *testing.T) {
	_, server := genContainer(t, nil, func(c *Container) {
		require.NoError(t, c.AddEndpointType("/echo", &echoEndpoint{}))
	})
	conn, resp, err := dial(t, server, "/echo", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestContainerNegotiatesClientPreferredSubprotocol(t *testing.T) {
	_, server := genContainer(t, nil, func(c *Container) {
		cfg, err := NewEndpointConfigBuilder("/chat", &echoEndpoint{}).Subprotocols("v1").Build()
		require.NoError(t, err)
		require.NoError(t, c.AddEndpoint(cfg))
	})
	conn, resp, err := dial(t, server, "/chat", nil, "v2", "v1")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "v1", conn.Subprotocol())
}

func TestContainerPathParameters(t *testing.T) {
	_, server := genContainer(t, nil, func(c *Container) {
		require.NoError(t, c.AddEndpointType("/chat/{room}", &echoEndpoint{}))
	})
	conn, _, err := dial(t, server, "/chat/lobby?user=ann", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("params")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "lobby?user=ann", string(data))
}

func TestContainerUsesFactoryInstance(t *testing.T) {
	_, server := genContainer(t, nil, func(c *Container) {
		cfg, err := NewEndpointConfigBuilder("/shout", &echoEndpoint{}).
			Factory(func() (Endpoint, error) { return &echoEndpoint{prefix: ">> "}, nil }).
			Configurator(headerConfigurator{}).
			Build()
		require.NoError(t, err)
		require.NoError(t, c.AddEndpoint(cfg))
	})
	conn, resp, err := dial(t, server, "/shout", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "/shout", resp.Header.Get("X-Endpoint"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ">> hi", string(data))
}

func TestContainerUnknownPath(t *testing.T) {
	_, server := genContainer(t, nil, func(c *Container) {
		require.NoError(t, c.AddEndpointType("/echo", &echoEndpoint{}))
	})
	_, resp, err := dial(t, server, "/nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContainerPassesThroughPlainRequests(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	_, server := genContainer(t, next, func(c *Container) {
		require.NoError(t, c.AddEndpointType("/echo", &echoEndpoint{}))
	})
	resp, err := http.Get(server.URL + "/echo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	_, plain := genContainer(t, nil, func(c *Container) {})
	resp, err = http.Get(plain.URL + "/echo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContainerRejectsBadHandshake(t *testing.T) {
	atomic.StoreInt32(&openedCount, 0)
	_, server := genContainer(t, nil, func(c *Container) {
		require.NoError(t, c.AddEndpointType("/count", countingEndpoint{}))
	})

	req, err := http.NewRequest(http.MethodGet, server.URL+"/count", nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	// no Connection: Upgrade
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&openedCount))
}

func TestContainerRejectsHandshakeWithoutUpgrade(t *testing.T) {
	atomic.StoreInt32(&openedCount, 0)
	passed := int32(0)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&passed, 1)
		w.WriteHeader(http.StatusTeapot)
	})
	_, server := genContainer(t, next, func(c *Container) {
		require.NoError(t, c.AddEndpointType("/count", countingEndpoint{}))
	})

	for _, path := range []string{"/count", "/nowhere"} {
		req, err := http.NewRequest(http.MethodGet, server.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Sec-WebSocket-Version", "13")
		req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		// no Upgrade: websocket
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&passed))
	assert.Equal(t, int32(0), atomic.LoadInt32(&openedCount))
}

func TestContainerRejectsOrigin(t *testing.T) {
	atomic.StoreInt32(&openedCount, 0)
	_, server := genContainer(t, nil, func(c *Container) {
		cfg, err := NewEndpointConfigBuilder("/count", countingEndpoint{}).
			Configurator(OriginConfigurator{Allowed: []string{"https://good.example"}}).
			Build()
		require.NoError(t, err)
		require.NoError(t, c.AddEndpoint(cfg))
	})

	_, resp, err := dial(t, server, "/count", http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&openedCount))

	conn, _, err := dial(t, server, "/count", http.Header{"Origin": {"https://good.example"}})
	require.NoError(t, err)
	conn.Close()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&openedCount) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestContainerInstantiationFailure(t *testing.T) {
	for _, panics := range []bool{false, true} {
		_, server := genContainer(t, nil, func(c *Container) {
			cfg, err := NewEndpointConfigBuilder("/broken", &echoEndpoint{}).
				Configurator(failingConfigurator{panics: panics}).
				Build()
			require.NoError(t, err)
			require.NoError(t, c.AddEndpoint(cfg))
		})
		_, resp, err := dial(t, server, "/broken", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
}

func TestContainerSealedAfterStart(t *testing.T) {
	c, _ := genContainer(t, nil, func(c *Container) {})
	err := c.AddEndpointType("/late", &echoEndpoint{})
	assert.True(t, errors.Is(err, ErrIllegalState))
}

func TestContainerShutdownClosesSessions(t *testing.T) {
	c, server := genContainer(t, nil, func(c *Container) {
		require.NoError(t, c.AddEndpointType("/echo", &echoEndpoint{}))
	})
	conn, _, err := dial(t, server, "/echo", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return len(c.OpenSessions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- c.Shutdown(ctx)
	}()

	// reading lets the client answer the close frame
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, CloseGoingAway, closeErr.Code)
	require.NoError(t, <-shutdownErr)
	assert.Empty(t, c.OpenSessions())

	_, resp, err := dial(t, server, "/echo", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestContainerPeerCloseWithInvalidCode(t *testing.T) {
	ep := newRecordingEndpoint(nil)
	_, server := genContainer(t, nil, func(c *Container) {
		cfg, err := NewEndpointConfigBuilder("/rec", ep).
			Factory(func() (Endpoint, error) { return ep, nil }).
			Build()
		require.NoError(t, err)
		require.NoError(t, c.AddEndpoint(cfg))
	})

	for _, code := range []int{999, 1004, 2999} {
		conn, _, err := dial(t, server, "/rec", nil)
		require.NoError(t, err)
		select {
		case <-ep.opened:
		case <-time.After(5 * time.Second):
			t.Fatal("OnOpen was not called")
		}

		msg := websocket.FormatCloseMessage(code, "bye")
		require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

		_, _, err = conn.ReadMessage()
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "code %d: got %v", code, err)
		assert.Equal(t, CloseProtocolError, closeErr.Code, "code %d", code)

		reason := recvReason(t, ep.closes)
		assert.Equal(t, CloseProtocolError, reason.Code, "code %d", code)
		assert.Contains(t, reason.Phrase, "Invalid close code")
		assert.Empty(t, ep.errs, "code %d", code)
		conn.Close()
	}
}

func TestContainerShutdownCatchesSessionsNotYetOpen(t *testing.T) {
	c, err := New(Config{Logger: genLogger()})
	require.NoError(t, err)
	c.Start()

	ep := newRecordingEndpoint(nil)
	s, conn := newTestSession(t, ep, testOptions(), nil)
	require.True(t, c.track(s))

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- c.Shutdown(ctx)
	}()
	require.Eventually(t, func() bool { return len(conn.closeCodes()) == 1 }, 5*time.Second, 10*time.Millisecond)

	go s.run()
	require.NoError(t, <-shutdownErr)
	assert.Equal(t, []int{CloseGoingAway}, conn.closeCodes())
	assert.Empty(t, ep.opened)

	late, _ := newTestSession(t, ep, testOptions(), nil)
	assert.False(t, c.track(late))
}

func TestContainerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(Config{Logger: genLogger(), Registerer: reg})
	require.NoError(t, err)
	require.NoError(t, c.AddEndpointType("/echo", &echoEndpoint{}))
	c.Start()
	server := httptest.NewServer(c)
	defer server.Close()

	conn, _, err := dial(t, server, "/echo", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("x")))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	_, _, _ = dial(t, server, "/missing", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.handshakes.WithLabelValues("101")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.handshakes.WithLabelValues("404")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.sessionsOpen))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.received.WithLabelValues("text")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.sent.WithLabelValues("text")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	conn.Close()

	_, err = New(Config{Registerer: reg})
	assert.Error(t, err, "registering twice must fail")
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{ReadBufferSize: 10}.withDefaults()
	assert.Equal(t, 10, o.ReadBufferSize)
	assert.Equal(t, 4096, o.WriteBufferSize)
	assert.Equal(t, 10*time.Second, o.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, o.CloseTimeout)
	assert.Equal(t, 65536, o.MaxTextMessageBufferSize)
	assert.Equal(t, 1024, o.SendQueueLimit)
	assert.Equal(t, time.Duration(0), o.MaxIdleTimeout)
}
