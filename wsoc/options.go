package wsoc

import (
	"time"

	defaults "github.com/mcuadros/go-defaults"
)

// Options tune the container. Zero values are replaced by the defaults in
// the struct tags; MaxIdleTimeout and AsyncSendTimeout stay disabled when
// zero.
type Options struct {
	// Transport buffer sizes handed to the upgrader
	ReadBufferSize  int `yaml:"readBufferSize" default:"4096"`
	WriteBufferSize int `yaml:"writeBufferSize" default:"4096"`

	// Upper bound for completing the 101 response
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" default:"10s"`

	// Initial session settings; sessions may change their own
	MaxIdleTimeout             time.Duration `yaml:"maxIdleTimeout"`
	MaxTextMessageBufferSize   int           `yaml:"maxTextMessageBufferSize" default:"65536"`
	MaxBinaryMessageBufferSize int           `yaml:"maxBinaryMessageBufferSize" default:"65536"`

	// Initial send timeout of each session's AsyncRemote
	AsyncSendTimeout time.Duration `yaml:"asyncSendTimeout"`

	// How long a local close waits for the peer's close frame
	CloseTimeout time.Duration `yaml:"closeTimeout" default:"5s"`

	// Maximum number of frames waiting in a session's send queue
	SendQueueLimit int `yaml:"sendQueueLimit" default:"1024"`
}

// withDefaults returns a copy of o with defaults applied.
func (o Options) withDefaults() Options {
	defaults.SetDefaults(&o)
	return o
}
