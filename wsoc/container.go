package wsoc

import (
	"context"
	"net/http"
	"sync"
	"time"

	set "github.com/deckarep/golang-set"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/wsoc/handshake"
	"github.com/taskcluster/wsoc/util"
	"golang.org/x/sync/errgroup"
)

// Config is used to create a Container.
type Config struct {
	// Options tune transports and new sessions
	Options Options

	// Logger receives container and session logs; nil discards them
	Logger *logrus.Logger

	// Registerer, when set, receives the container's metrics
	Registerer prometheus.Registerer

	// Next serves requests that carry no websocket handshake headers; nil
	// means 404
	Next http.Handler
}

// Container accepts WebSocket upgrade requests for the endpoints in its
// Manager and runs the resulting sessions. It implements http.Handler.
type Container struct {
	manager *Manager
	options Options
	logger  *logrus.Logger
	metrics *Metrics
	next    http.Handler

	// lock for sessions, running and stopping
	mu       sync.Mutex
	sessions map[*EndpointConfig]set.Set
	// every session between upgrade and close, open or not
	running  set.Set
	stopping bool
}

// New creates a Container with an empty endpoint registry.
func New(conf Config) (*Container, error) {
	metrics, err := NewMetrics(conf.Registerer)
	if err != nil {
		return nil, errors.Wrap(err, "registering metrics")
	}
	return &Container{
		manager:  NewManager(),
		options:  conf.Options.withDefaults(),
		logger:   util.LoggerOrNull(conf.Logger),
		metrics:  metrics,
		next:     conf.Next,
		sessions: map[*EndpointConfig]set.Set{},
		running:  set.NewSet(),
	}, nil
}

// Manager returns the endpoint registry.
func (c *Container) Manager() *Manager {
	return c.manager
}

// AddEndpoint registers cfg with the container's Manager.
func (c *Container) AddEndpoint(cfg *EndpointConfig) error {
	return c.manager.AddEndpoint(cfg)
}

// AddEndpointType registers prototype's type at path.
func (c *Container) AddEndpointType(path string, prototype Endpoint) error {
	return c.manager.AddEndpointType(path, prototype)
}

// Start seals the registry. Call it once every endpoint has been added.
func (c *Container) Start() {
	c.manager.SealRegistry()
	for _, cfg := range c.manager.Endpoints() {
		c.logger.WithField("path", cfg.Path()).Infof("serving endpoint %s", cfg.ImplementationType())
	}
}

// Options returns the effective options.
func (c *Container) Options() Options {
	return c.options
}

func (c *Container) logf(r *http.Request, format string, v ...any) {
	c.logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
	}).Debugf(format, v...)
}

func (c *Container) logerrorf(r *http.Request, format string, v ...any) {
	c.logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
	}).Errorf(format, v...)
}

// reject answers a failed handshake with a plain HTTP error.
func (c *Container) reject(w http.ResponseWriter, r *http.Request, status int, err error) {
	c.logf(r, "handshake rejected (%d): %v", status, err)
	c.metrics.handshake(status)
	var he *handshake.Error
	if errors.As(err, &he) {
		for k, vs := range he.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}
	http.Error(w, http.StatusText(status), status)
}

// ServeHTTP performs the opening handshake and, when it succeeds, runs the
// session until it closes.
func (c *Container) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !handshake.IsHandshakeAttempt(r) {
		if c.next != nil {
			c.next.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		c.reject(w, r, http.StatusServiceUnavailable, errors.New("container is shutting down"))
		return
	}

	if err := handshake.VerifyRequest(r); err != nil {
		c.reject(w, r, handshake.StatusOf(err), err)
		return
	}

	match, err := c.manager.Resolve(r.URL.Path)
	if err != nil {
		c.reject(w, r, http.StatusNotFound, err)
		return
	}
	cfg := match.Config

	p := handshake.NewProcessor(configuratorPolicy{config: cfg}, cfg.subprotocols, cfg.extensions)
	if err := p.ReadRequestInfo(r, match.Params); err != nil {
		c.reject(w, r, handshake.StatusOf(err), err)
		return
	}
	if err := p.VerifyHeaders(); err != nil {
		c.reject(w, r, handshake.StatusOf(err), err)
		return
	}
	if !p.CheckOrigin() {
		herr := p.Err()
		c.reject(w, r, herr.Status, herr)
		return
	}

	endpoint, err := c.instantiate(cfg)
	if err != nil {
		c.logerrorf(r, "%v", err)
		c.reject(w, r, http.StatusInternalServerError, err)
		return
	}

	resp := handshake.NewResponse()
	for _, step := range []func() error{
		p.DetermineAndSetSubprotocol,
		p.DetermineAndSetExtensions,
		func() error { return p.AddResponseHeaders(resp) },
		func() error { return p.ModifyHandshake(resp) },
	} {
		if err := step(); err != nil {
			c.logerrorf(r, "%v", err)
			c.reject(w, r, http.StatusInternalServerError, err)
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:   c.options.ReadBufferSize,
		WriteBufferSize:  c.options.WriteBufferSize,
		HandshakeTimeout: c.options.HandshakeTimeout,
		// origin policy has already been applied
		CheckOrigin: func(*http.Request) bool { return true },
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			c.logerrorf(r, "upgrade failed (%d): %v", status, reason)
			http.Error(w, http.StatusText(status), status)
		},
	}
	// the upgrader takes the subprotocol from this header; extensions are
	// recorded on the session only
	header := resp.Header.Clone()
	header.Del("Sec-WebSocket-Extensions")
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		c.metrics.handshake(http.StatusBadRequest)
		return
	}
	c.metrics.handshake(http.StatusSwitchingProtocols)

	session := newSession(sessionParams{
		conn:        conn,
		config:      cfg,
		endpoint:    endpoint,
		request:     p.Request(),
		subprotocol: conn.Subprotocol(),
		extensions:  p.Extensions(),
		options:     c.options,
		peers:       c.peersOf(cfg),
		logger:      c.logger,
		metrics:     c.metrics,
	})
	if !c.track(session) {
		c.logf(r, "shutting down; dropping session %s", session.ID())
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseGoingAway, "server shutting down"),
			time.Now().Add(controlWriteWait))
		_ = conn.Close()
		return
	}
	defer c.untrack(session)
	c.logf(r, "upgraded; session %s", session.ID())
	session.run()
}

// track records a session that is about to run. It fails once Shutdown has
// begun, so every session Shutdown does not see is refused here.
func (c *Container) track(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return false
	}
	c.running.Add(s)
	return true
}

func (c *Container) untrack(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running.Remove(s)
}

// instantiate asks the configurator for an endpoint, falling back to a new
// instance of the registered type.
func (c *Container) instantiate(cfg *EndpointConfig) (ep Endpoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			ep = nil
			err = errors.Wrapf(ErrEndpointInstantiation, "configurator panicked: %v", r)
		}
	}()
	ep, err = cfg.configurator.GetEndpointInstance(cfg)
	if err != nil {
		if errors.Is(err, ErrEndpointInstantiation) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrEndpointInstantiation, "%v", err)
	}
	if ep == nil {
		return cfg.NewInstance()
	}
	return ep, nil
}

func (c *Container) peersOf(cfg *EndpointConfig) set.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers, ok := c.sessions[cfg]
	if !ok {
		peers = set.NewSet()
		c.sessions[cfg] = peers
	}
	return peers
}

// OpenSessions returns every open session across all endpoints.
func (c *Container) OpenSessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Session
	for _, peers := range c.sessions {
		for _, item := range peers.ToSlice() {
			out = append(out, item.(*Session))
		}
	}
	return out
}

// Shutdown refuses new upgrades, closes all open sessions with "going away"
// and waits for them to finish or for ctx to end.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	running := c.running.ToSlice()
	c.mu.Unlock()

	c.logger.Infof("shutting down %d sessions", len(running))

	g, ctx := errgroup.WithContext(ctx)
	for _, item := range running {
		s := item.(*Session)
		g.Go(func() error {
			if err := s.CloseWithReason(CloseReason{Code: CloseGoingAway, Phrase: "server shutting down"}); err != nil {
				c.logger.WithField("session-id", s.ID()).Debugf("close failed: %v", err)
			}
			select {
			case <-s.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
