package wsoc

import (
	"strings"

	"github.com/taskcluster/wsoc/handshake"
)

// Configurator customizes the handshake and endpoint creation for one
// EndpointConfig. Embed DefaultConfigurator to override only some hooks.
type Configurator interface {
	CheckOrigin(origin string) bool
	GetNegotiatedSubprotocol(supported, requested []string) string
	GetNegotiatedExtensions(installed, requested []handshake.Extension) []handshake.Extension
	ModifyHandshake(config *EndpointConfig, req *handshake.Request, resp *handshake.Response)
	// GetEndpointInstance may return (nil, nil) to fall back to
	// EndpointConfig.NewInstance.
	GetEndpointInstance(config *EndpointConfig) (Endpoint, error)
}

// DefaultConfigurator accepts every origin and negotiates by ordered
// intersection in the client's order of preference.
type DefaultConfigurator struct{}

func (DefaultConfigurator) CheckOrigin(string) bool {
	return true
}

func (DefaultConfigurator) GetNegotiatedSubprotocol(supported, requested []string) string {
	return handshake.NegotiateSubprotocol(supported, requested)
}

func (DefaultConfigurator) GetNegotiatedExtensions(installed, requested []handshake.Extension) []handshake.Extension {
	return handshake.NegotiateExtensions(installed, requested)
}

func (DefaultConfigurator) ModifyHandshake(*EndpointConfig, *handshake.Request, *handshake.Response) {}

func (DefaultConfigurator) GetEndpointInstance(config *EndpointConfig) (Endpoint, error) {
	return config.NewInstance()
}

// OriginConfigurator only accepts the listed origins. Requests without an
// Origin header (non-browser clients) are accepted, and "*" accepts all.
type OriginConfigurator struct {
	DefaultConfigurator
	Allowed []string
}

func (o OriginConfigurator) CheckOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range o.Allowed {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// configuratorPolicy adapts a Configurator to the handshake processor.
type configuratorPolicy struct {
	config *EndpointConfig
}

func (p configuratorPolicy) CheckOrigin(origin string) bool {
	return p.config.configurator.CheckOrigin(origin)
}

func (p configuratorPolicy) NegotiateSubprotocol(supported, requested []string) string {
	return p.config.configurator.GetNegotiatedSubprotocol(supported, requested)
}

func (p configuratorPolicy) NegotiateExtensions(installed, requested []handshake.Extension) []handshake.Extension {
	return p.config.configurator.GetNegotiatedExtensions(installed, requested)
}

func (p configuratorPolicy) ModifyHandshake(req *handshake.Request, resp *handshake.Response) {
	p.config.configurator.ModifyHandshake(p.config, req, resp)
}
