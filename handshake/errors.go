package handshake

import (
	"errors"
	"net/http"
)

var (
	// ErrBadHandshake is returned when the upgrade request headers do not
	// describe a valid WebSocket opening handshake.
	ErrBadHandshake = errors.New("bad websocket handshake")

	// ErrMalformedRequest is returned when the request is missing its
	// method, URL or host.
	ErrMalformedRequest = errors.New("malformed upgrade request")

	// ErrOriginRejected is returned when the origin check refuses the
	// request.
	ErrOriginRejected = errors.New("origin rejected")

	// ErrIllegalState is returned when a processor step is called out of
	// order.
	ErrIllegalState = errors.New("handshake step called out of order")
)

// Error is a handshake rejection. Status is the HTTP status the client
// should receive, Header any extra headers to send with it.
type Error struct {
	Status int
	Header http.Header
	Err    error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status carried by a handshake error, or 500 for
// any other error.
func StatusOf(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.Status
	}
	return http.StatusInternalServerError
}
