package main

import (
	"net/url"

	"github.com/dchest/uniuri"
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/wsoc/wsoc"
)

// echoEndpoint sends every text and binary message back to its sender.
type echoEndpoint struct {
	logger *log.Logger
}

func (e *echoEndpoint) OnOpen(session *wsoc.Session, _ *wsoc.EndpointConfig) {
	remote := session.BasicRemote()
	_ = session.AddMessageHandler(wsoc.TextHandler(func(text string) {
		if err := remote.SendText(text); err != nil {
			e.logger.WithField("session-id", session.ID()).Debugf("echo failed: %v", err)
		}
	}))
	_ = session.AddMessageHandler(wsoc.BinaryHandler(func(data []byte) {
		if err := remote.SendBinary(data); err != nil {
			e.logger.WithField("session-id", session.ID()).Debugf("echo failed: %v", err)
		}
	}))
}

func (e *echoEndpoint) OnError(session *wsoc.Session, err error) {
	e.logger.WithField("session-id", session.ID()).Warnf("echo: %v", err)
}

// ChatMessage is the JSON document exchanged on chat endpoints. Clients
// only need to set Text.
type ChatMessage struct {
	Kind string `json:"kind"`
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text,omitempty"`
}

const (
	chatJoin    = "join"
	chatLeave   = "leave"
	chatMessage = "message"

	propNick = "nick"
	propRoom = "room"
)

// chatEndpoint relays messages between the sessions of a room. The room is
// the {room} path parameter and the nickname comes from the "name" query
// parameter, or is made up.
type chatEndpoint struct {
	logger *log.Logger
}

func (c *chatEndpoint) OnOpen(session *wsoc.Session, _ *wsoc.EndpointConfig) {
	nick := "guest-" + uniuri.NewLen(6)
	if q, err := url.ParseQuery(session.QueryString()); err == nil && q.Get("name") != "" {
		nick = q.Get("name")
	}
	room := session.PathParameters()["room"]
	session.SetUserProperty(propNick, nick)
	session.SetUserProperty(propRoom, room)

	_ = session.AddMessageHandler(wsoc.DecodedTextHandler(func(v any) {
		in, ok := v.(*ChatMessage)
		if !ok {
			return
		}
		c.broadcast(session, room, &ChatMessage{Kind: chatMessage, Room: room, From: nick, Text: in.Text})
	}))
	c.broadcast(session, room, &ChatMessage{Kind: chatJoin, Room: room, From: nick})
}

func (c *chatEndpoint) OnClose(session *wsoc.Session, reason wsoc.CloseReason) {
	nick, _ := session.UserProperty(propNick)
	room, _ := session.UserProperty(propRoom)
	r, _ := room.(string)
	n, _ := nick.(string)
	c.broadcast(session, r, &ChatMessage{Kind: chatLeave, Room: r, From: n})
	c.logger.WithFields(log.Fields{
		"session-id": session.ID(),
		"room":       r,
	}).Debugf("left chat: %s", reason)
}

func (c *chatEndpoint) OnError(session *wsoc.Session, err error) {
	c.logger.WithField("session-id", session.ID()).Warnf("chat: %v", err)
}

func (c *chatEndpoint) broadcast(from *wsoc.Session, room string, msg *ChatMessage) {
	for _, peer := range from.OpenSessions() {
		if r, _ := peer.UserProperty(propRoom); r != room {
			continue
		}
		peerID := peer.ID()
		err := peer.AsyncRemote().SendObjectWithHandler(msg, func(err error) {
			if err != nil {
				c.logger.WithField("session-id", peerID).Debugf("chat delivery failed: %v", err)
			}
		})
		if err != nil {
			c.logger.WithField("session-id", peerID).Warnf("chat: %v", err)
		}
	}
}

func endpointConfig(ep EndpointConfig, logger *log.Logger, origins []string) (*wsoc.EndpointConfig, error) {
	var b *wsoc.EndpointConfigBuilder
	switch ep.Kind {
	case kindChat:
		b = wsoc.NewEndpointConfigBuilder(ep.Path, &chatEndpoint{}).
			Factory(func() (wsoc.Endpoint, error) { return &chatEndpoint{logger: logger}, nil }).
			Decoders(wsoc.JSONDecoder{Prototype: &ChatMessage{}}).
			Encoders(wsoc.JSONEncoder{})
	default:
		b = wsoc.NewEndpointConfigBuilder(ep.Path, &echoEndpoint{}).
			Factory(func() (wsoc.Endpoint, error) { return &echoEndpoint{logger: logger}, nil })
	}
	if len(ep.Subprotocols) > 0 {
		b = b.Subprotocols(ep.Subprotocols...)
	}
	if len(origins) > 0 {
		b = b.Configurator(wsoc.OriginConfigurator{Allowed: origins})
	}
	return b.UserProperty("kind", ep.Kind).Build()
}
