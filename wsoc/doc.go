/*
Package wsoc is a server-side WebSocket engine built around application
endpoints.

Endpoints are registered on a Container, either by type with
AddEndpointType or with a fully built EndpointConfig. Paths may contain
template variables such as "/chat/{room}". Once the application has added all
of its endpoints it calls Start, after which the registry is sealed.

The Container is an http.Handler. For each handshake request it checks the
handshake headers, resolves the endpoint, runs the rest of the opening
handshake (origin check, subprotocol negotiation, configurator hooks),
obtains an endpoint instance and upgrades the connection. The resulting Session calls the endpoint's
OnOpen and then delivers inbound messages to the message handlers the
endpoint registered:

	type echo struct{}

	func (e *echo) OnOpen(s *wsoc.Session, _ *wsoc.EndpointConfig) {
		s.AddMessageHandler(wsoc.TextHandler(func(text string) {
			s.BasicRemote().SendText(text)
		}))
	}

	c, _ := wsoc.New(wsoc.Config{})
	c.AddEndpointType("/echo", &echo{})
	c.Start()
	http.ListenAndServe(":8080", c)

Outbound frames go through a per-session queue and are written strictly in
the order they were submitted, whether sent through BasicRemote, which
blocks, or AsyncRemote, which returns a Future or calls a SendHandler.
*/
package wsoc
