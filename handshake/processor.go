// Package handshake implements the server side of the WebSocket opening
// handshake up to, but not including, the transport upgrade: request
// validation, origin checks and subprotocol/extension negotiation.
package handshake

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Version is the only protocol version accepted.
const Version = "13"

// State of a Processor.
type State int

const (
	Init State = iota
	HeadersRead
	Validated
	Negotiated
	Complete
	Rejected
)

var stateNames = map[State]string{
	Init:        "init",
	HeadersRead: "headers-read",
	Validated:   "validated",
	Negotiated:  "negotiated",
	Complete:    "complete",
	Rejected:    "rejected",
}

func (s State) String() string {
	return stateNames[s]
}

// Policy supplies the application decisions made during a handshake.
type Policy interface {
	CheckOrigin(origin string) bool
	NegotiateSubprotocol(supported, requested []string) string
	NegotiateExtensions(installed, requested []Extension) []Extension
	ModifyHandshake(req *Request, resp *Response)
}

// DefaultPolicy accepts any origin and negotiates by ordered intersection.
type DefaultPolicy struct{}

func (DefaultPolicy) CheckOrigin(string) bool { return true }

func (DefaultPolicy) NegotiateSubprotocol(supported, requested []string) string {
	return NegotiateSubprotocol(supported, requested)
}

func (DefaultPolicy) NegotiateExtensions(installed, requested []Extension) []Extension {
	return NegotiateExtensions(installed, requested)
}

func (DefaultPolicy) ModifyHandshake(*Request, *Response) {}

// NegotiateSubprotocol returns the first subprotocol, in the client's order
// of preference, that the server supports, or "" if there is none.
func NegotiateSubprotocol(supported, requested []string) string {
	for _, want := range requested {
		for _, have := range supported {
			if want == have {
				return want
			}
		}
	}
	return ""
}

// NegotiateExtensions returns the requested extensions, in the client's
// order, whose names are installed on the server.
func NegotiateExtensions(installed, requested []Extension) []Extension {
	var out []Extension
	for _, want := range requested {
		for _, have := range installed {
			if want.Name == have.Name {
				out = append(out, want)
				break
			}
		}
	}
	return out
}

// Processor walks one upgrade request through the handshake. Each step must
// be called in order; any failure leaves the processor Rejected.
type Processor struct {
	policy       Policy
	subprotocols []string
	extensions   []Extension

	state       State
	request     *Request
	subprotocol string
	negotiated  []Extension
	err         *Error
}

// NewProcessor creates a processor for an endpoint supporting the given
// subprotocols and extensions. A nil policy means DefaultPolicy.
func NewProcessor(policy Policy, subprotocols []string, extensions []Extension) *Processor {
	if policy == nil {
		policy = DefaultPolicy{}
	}
	return &Processor{
		policy:       policy,
		subprotocols: subprotocols,
		extensions:   extensions,
	}
}

// State returns the current state.
func (p *Processor) State() State {
	return p.state
}

// Request returns the captured request, nil before ReadRequestInfo.
func (p *Processor) Request() *Request {
	return p.request
}

// Subprotocol returns the negotiated subprotocol, "" for none.
func (p *Processor) Subprotocol() string {
	return p.subprotocol
}

// Extensions returns the negotiated extensions.
func (p *Processor) Extensions() []Extension {
	return p.negotiated
}

// Err returns the rejection, if any.
func (p *Processor) Err() *Error {
	return p.err
}

func (p *Processor) expect(s State) error {
	if p.state != s {
		return errors.Wrapf(ErrIllegalState, "in state %s, expected %s", p.state, s)
	}
	return nil
}

func (p *Processor) reject(status int, err error) error {
	p.state = Rejected
	p.err = &Error{Status: status, Err: err}
	return p.err
}

// ReadRequestInfo captures the parts of r the remaining steps need.
func (p *Processor) ReadRequestInfo(r *http.Request, pathParams map[string]string) error {
	if err := p.expect(Init); err != nil {
		return err
	}
	if r == nil || r.Method == "" || r.URL == nil || r.Host == "" {
		return p.reject(http.StatusBadRequest, errors.Wrap(ErrMalformedRequest, "missing method, URL or host"))
	}
	params := make(map[string]string, len(pathParams))
	for k, v := range pathParams {
		params[k] = v
	}
	p.request = &Request{
		Method:       r.Method,
		URI:          r.URL,
		Host:         r.Host,
		RemoteAddr:   r.RemoteAddr,
		Header:       r.Header.Clone(),
		Query:        r.URL.Query(),
		PathParams:   params,
		Origin:       r.Header.Get("Origin"),
		Subprotocols: headerTokens(r.Header, "Sec-WebSocket-Protocol"),
		Extensions:   ParseExtensions(r.Header),
	}
	p.state = HeadersRead
	return nil
}

// VerifyHeaders checks the upgrade headers required by RFC 6455.
func (p *Processor) VerifyHeaders() error {
	if err := p.expect(HeadersRead); err != nil {
		return err
	}
	if herr := checkHeaders(p.request.Method, p.request.Header); herr != nil {
		p.state = Rejected
		p.err = herr
		return herr
	}
	p.state = Validated
	return nil
}

// VerifyRequest applies the header checks of VerifyHeaders to r directly,
// so a malformed handshake can be refused before any endpoint is looked up.
func VerifyRequest(r *http.Request) error {
	if herr := checkHeaders(r.Method, r.Header); herr != nil {
		return herr
	}
	return nil
}

func checkHeaders(method string, h http.Header) *Error {
	bad := func(err error) *Error {
		return &Error{Status: http.StatusBadRequest, Err: err}
	}
	switch {
	case method != http.MethodGet:
		return bad(errors.Wrapf(ErrBadHandshake, "method %s", method))
	case !hasToken(h, "Upgrade", "websocket"):
		return bad(errors.Wrap(ErrBadHandshake, "'websocket' token not found in 'Upgrade' header"))
	case !hasToken(h, "Connection", "upgrade"):
		return bad(errors.Wrap(ErrBadHandshake, "'upgrade' token not found in 'Connection' header"))
	case strings.TrimSpace(h.Get("Sec-WebSocket-Version")) != Version:
		herr := bad(errors.Wrap(ErrBadHandshake, "unsupported version"))
		herr.Header = http.Header{"Sec-Websocket-Version": {Version}}
		return herr
	}
	key := strings.TrimSpace(h.Get("Sec-WebSocket-Key"))
	if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 16 {
		return bad(errors.Wrap(ErrBadHandshake, "'Sec-WebSocket-Key' is missing or invalid"))
	}
	return nil
}

// CheckOrigin asks the policy whether the request origin is acceptable.
// A refusal rejects the handshake with 403.
func (p *Processor) CheckOrigin() bool {
	if err := p.expect(Validated); err != nil {
		p.reject(http.StatusInternalServerError, err)
		return false
	}
	if !p.policy.CheckOrigin(p.request.Origin) {
		p.reject(http.StatusForbidden, errors.Wrapf(ErrOriginRejected, "origin %q", p.request.Origin))
		return false
	}
	return true
}

// DetermineAndSetSubprotocol negotiates the subprotocol.
func (p *Processor) DetermineAndSetSubprotocol() error {
	if err := p.expect(Validated); err != nil {
		return err
	}
	p.subprotocol = p.policy.NegotiateSubprotocol(p.subprotocols, p.request.Subprotocols)
	return nil
}

// DetermineAndSetExtensions negotiates extensions and completes negotiation.
func (p *Processor) DetermineAndSetExtensions() error {
	if err := p.expect(Validated); err != nil {
		return err
	}
	p.negotiated = p.policy.NegotiateExtensions(p.extensions, p.request.Extensions)
	p.state = Negotiated
	return nil
}

// AddResponseHeaders writes the negotiated subprotocol into resp. The
// transport writes the accept key and upgrade headers itself.
func (p *Processor) AddResponseHeaders(resp *Response) error {
	if err := p.expect(Negotiated); err != nil {
		return err
	}
	if p.subprotocol != "" {
		resp.Header.Set("Sec-WebSocket-Protocol", p.subprotocol)
	}
	return nil
}

// ModifyHandshake lets the policy adjust the response and marks the
// handshake complete.
func (p *Processor) ModifyHandshake(resp *Response) error {
	if err := p.expect(Negotiated); err != nil {
		return err
	}
	p.policy.ModifyHandshake(p.request, resp)
	// the policy may have replaced the subprotocol header
	p.subprotocol = resp.Header.Get("Sec-WebSocket-Protocol")
	p.state = Complete
	return nil
}
