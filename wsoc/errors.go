package wsoc

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateURI is returned when an endpoint of a different type is
	// already registered at an equivalent path.
	ErrDuplicateURI = errors.New("duplicate endpoint path")

	// ErrIllegalState is returned when an operation is not valid in the
	// current state, such as registering after the registry is sealed.
	ErrIllegalState = errors.New("illegal state")

	// ErrNotFound is returned when no endpoint matches a request path.
	ErrNotFound = errors.New("no endpoint matches path")

	// ErrEndpointInstantiation is returned when an endpoint instance could
	// not be created for a connection.
	ErrEndpointInstantiation = errors.New("endpoint instantiation failed")

	// ErrSessionClosed is returned by sends on a closing or closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrTimeout is returned when an async send or the idle timer expires.
	ErrTimeout = errors.New("timed out")

	// ErrIllegalArgument is returned for nil payloads, oversized control
	// frames and invalid configuration values.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrProtocol is reported when the peer violates the protocol or the
	// connection fails.
	ErrProtocol = errors.New("protocol error")

	// ErrPartialInProgress is returned when a whole message, or a partial
	// message of the other type, is sent while a partial message is in
	// progress.
	ErrPartialInProgress = errors.New("a partial message is in progress")

	// ErrHandlerExists is returned when a handler for the same message type
	// is already registered.
	ErrHandlerExists = fmt.Errorf("message handler already registered: %w", ErrIllegalState)

	// ErrMessageTooBig is reported when an inbound message exceeds the
	// session buffer size.
	ErrMessageTooBig = errors.New("message too big")

	// ErrNoEncoder is returned by SendObject when nothing can encode the value.
	ErrNoEncoder = errors.New("no encoder for object")

	// ErrDecode is reported when no decoder accepts a message or decoding
	// fails.
	ErrDecode = errors.New("decode failed")

	// ErrQueueFull is returned when the pending-send queue limit is reached.
	ErrQueueFull = errors.New("send queue full")
)
