package wsoc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/taskcluster/wsoc/handshake"
	"github.com/taskcluster/wsoc/pathtemplate"
)

// EndpointConfig describes one server endpoint. It is created by
// EndpointConfigBuilder.Build and is not modified afterwards.
type EndpointConfig struct {
	template       *pathtemplate.Template
	implType       reflect.Type
	factory        func() (Endpoint, error)
	textDecoders   []TextDecoder
	binaryDecoders []BinaryDecoder
	encoders       []any
	subprotocols   []string
	extensions     []handshake.Extension
	configurator   Configurator
	userProperties map[string]any

	// capabilities of the implementation type, fixed at build time
	closes        bool
	reportsErrors bool
}

// Path returns the path template as registered.
func (c *EndpointConfig) Path() string {
	return c.template.String()
}

// Template returns the parsed path template.
func (c *EndpointConfig) Template() *pathtemplate.Template {
	return c.template
}

// ImplementationType is the Go type of the endpoint prototype. Two configs
// with the same type at the same path are the same registration.
func (c *EndpointConfig) ImplementationType() reflect.Type {
	return c.implType
}

func (c *EndpointConfig) Subprotocols() []string {
	return append([]string(nil), c.subprotocols...)
}

func (c *EndpointConfig) Extensions() []handshake.Extension {
	return append([]handshake.Extension(nil), c.extensions...)
}

// Configurator returns the configured hook, or DefaultConfigurator.
func (c *EndpointConfig) Configurator() Configurator {
	return c.configurator
}

// UserProperties returns a copy of the config-level properties. Each new
// session starts with its own copy of these.
func (c *EndpointConfig) UserProperties() map[string]any {
	props := make(map[string]any, len(c.userProperties))
	for k, v := range c.userProperties {
		props[k] = v
	}
	return props
}

// HasTextDecoder reports whether a decoded text handler can be used.
func (c *EndpointConfig) HasTextDecoder() bool {
	return len(c.textDecoders) > 0
}

// HasBinaryDecoder reports whether a decoded binary handler can be used.
func (c *EndpointConfig) HasBinaryDecoder() bool {
	return len(c.binaryDecoders) > 0
}

func (c *EndpointConfig) String() string {
	return fmt.Sprintf("%s -> %s", c.template, c.implType)
}

// NewInstance creates an endpoint from the factory, or a zero value of the
// prototype's type when there is none.
func (c *EndpointConfig) NewInstance() (ep Endpoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			ep = nil
			err = errors.Wrapf(ErrEndpointInstantiation, "%s panicked: %v", c.implType, r)
		}
	}()
	if c.factory != nil {
		ep, err = c.factory()
		if err != nil {
			return nil, errors.Wrapf(ErrEndpointInstantiation, "%s: %v", c.implType, err)
		}
		if ep == nil {
			return nil, errors.Wrapf(ErrEndpointInstantiation, "%s: factory returned nil", c.implType)
		}
		return ep, nil
	}

	var v reflect.Value
	if c.implType.Kind() == reflect.Ptr {
		v = reflect.New(c.implType.Elem())
	} else {
		v = reflect.New(c.implType).Elem()
	}
	ep, ok := v.Interface().(Endpoint)
	if !ok {
		return nil, errors.Wrapf(ErrEndpointInstantiation, "%s does not implement Endpoint", c.implType)
	}
	return ep, nil
}

// EndpointConfigBuilder assembles an EndpointConfig.
type EndpointConfigBuilder struct {
	path           string
	prototype      Endpoint
	factory        func() (Endpoint, error)
	decoders       []any
	encoders       []any
	subprotocols   []string
	extensions     []handshake.Extension
	configurator   Configurator
	userProperties map[string]any
}

// NewEndpointConfigBuilder starts a config for the endpoint type of
// prototype at path.
func NewEndpointConfigBuilder(path string, prototype Endpoint) *EndpointConfigBuilder {
	return &EndpointConfigBuilder{
		path:           path,
		prototype:      prototype,
		userProperties: map[string]any{},
	}
}

// Factory sets the function creating one endpoint instance per connection.
func (b *EndpointConfigBuilder) Factory(f func() (Endpoint, error)) *EndpointConfigBuilder {
	b.factory = f
	return b
}

// Decoders appends decoders; each must be a TextDecoder or BinaryDecoder.
// Order is significant: the first willing decoder wins.
func (b *EndpointConfigBuilder) Decoders(decoders ...any) *EndpointConfigBuilder {
	b.decoders = append(b.decoders, decoders...)
	return b
}

// Encoders appends encoders; each must be a TextEncoder or BinaryEncoder.
func (b *EndpointConfigBuilder) Encoders(encoders ...any) *EndpointConfigBuilder {
	b.encoders = append(b.encoders, encoders...)
	return b
}

// Subprotocols sets the supported subprotocols.
func (b *EndpointConfigBuilder) Subprotocols(protocols ...string) *EndpointConfigBuilder {
	b.subprotocols = append(b.subprotocols, protocols...)
	return b
}

// Extensions sets the installed extensions. They are negotiated and
// recorded on the session but do not change framing.
func (b *EndpointConfigBuilder) Extensions(exts ...handshake.Extension) *EndpointConfigBuilder {
	b.extensions = append(b.extensions, exts...)
	return b
}

func (b *EndpointConfigBuilder) Configurator(c Configurator) *EndpointConfigBuilder {
	b.configurator = c
	return b
}

func (b *EndpointConfigBuilder) UserProperty(key string, value any) *EndpointConfigBuilder {
	b.userProperties[key] = value
	return b
}

// Build validates the collected settings.
func (b *EndpointConfigBuilder) Build() (*EndpointConfig, error) {
	if b.prototype == nil {
		return nil, errors.Wrap(ErrIllegalArgument, "endpoint prototype is nil")
	}
	tmpl, err := pathtemplate.Parse(b.path)
	if err != nil {
		return nil, errors.Wrap(ErrIllegalArgument, err.Error())
	}

	cfg := &EndpointConfig{
		template:       tmpl,
		implType:       reflect.TypeOf(b.prototype),
		factory:        b.factory,
		subprotocols:   append([]string(nil), b.subprotocols...),
		extensions:     append([]handshake.Extension(nil), b.extensions...),
		configurator:   b.configurator,
		userProperties: make(map[string]any, len(b.userProperties)),
	}
	for k, v := range b.userProperties {
		cfg.userProperties[k] = v
	}
	if cfg.configurator == nil {
		cfg.configurator = DefaultConfigurator{}
	}
	_, cfg.closes = b.prototype.(CloseListener)
	_, cfg.reportsErrors = b.prototype.(ErrorListener)

	for _, p := range cfg.subprotocols {
		if p == "" || strings.ContainsAny(p, ", ") {
			return nil, errors.Wrapf(ErrIllegalArgument, "invalid subprotocol %q", p)
		}
	}
	for _, d := range b.decoders {
		td, isText := d.(TextDecoder)
		bd, isBinary := d.(BinaryDecoder)
		if !isText && !isBinary {
			return nil, errors.Wrapf(ErrIllegalArgument, "%T is not a text or binary decoder", d)
		}
		if isText {
			cfg.textDecoders = append(cfg.textDecoders, td)
		}
		if isBinary {
			cfg.binaryDecoders = append(cfg.binaryDecoders, bd)
		}
	}
	for _, e := range b.encoders {
		_, isText := e.(TextEncoder)
		_, isBinary := e.(BinaryEncoder)
		if !isText && !isBinary {
			return nil, errors.Wrapf(ErrIllegalArgument, "%T is not a text or binary encoder", e)
		}
		cfg.encoders = append(cfg.encoders, e)
	}
	return cfg, nil
}
