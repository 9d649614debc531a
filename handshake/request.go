package handshake

import (
	"net/http"
	"net/url"
	"strings"
)

// Param is a single extension parameter; Value is empty for bare flags.
type Param struct {
	Name  string
	Value string
}

// Extension is one entry of a Sec-WebSocket-Extensions header.
type Extension struct {
	Name   string
	Params []Param
}

func (e Extension) String() string {
	var b strings.Builder
	b.WriteString(e.Name)
	for _, p := range e.Params {
		b.WriteString("; ")
		b.WriteString(p.Name)
		if p.Value != "" {
			b.WriteString("=")
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// Request is the handshake request as seen by configurators.
type Request struct {
	Method       string
	URI          *url.URL
	Host         string
	RemoteAddr   string
	Header       http.Header
	Query        url.Values
	PathParams   map[string]string
	Origin       string
	Subprotocols []string
	Extensions   []Extension
}

// Response collects the headers written with the 101 response.
type Response struct {
	Header http.Header
}

// NewResponse returns an empty response.
func NewResponse() *Response {
	return &Response{Header: http.Header{}}
}

// headerTokens splits every value of a comma separated header into trimmed,
// non-empty tokens, preserving order.
func headerTokens(h http.Header, name string) []string {
	var tokens []string
	for _, v := range h.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

func hasToken(h http.Header, name, token string) bool {
	for _, tok := range headerTokens(h, name) {
		if strings.EqualFold(tok, token) {
			return true
		}
	}
	return false
}

// ParseExtensions parses Sec-WebSocket-Extensions values.
func ParseExtensions(h http.Header) []Extension {
	var exts []Extension
	for _, entry := range headerTokens(h, "Sec-WebSocket-Extensions") {
		parts := strings.Split(entry, ";")
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		ext := Extension{Name: name}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			k, v, _ := strings.Cut(p, "=")
			ext.Params = append(ext.Params, Param{
				Name:  strings.TrimSpace(k),
				Value: strings.Trim(strings.TrimSpace(v), `"`),
			})
		}
		exts = append(exts, ext)
	}
	return exts
}

// FormatExtensions renders extensions as a header value.
func FormatExtensions(exts []Extension) string {
	parts := make([]string, len(exts))
	for i, e := range exts {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// IsUpgradeRequest reports whether r asks for a websocket upgrade. Requests
// that are not are left to ordinary HTTP handlers.
func IsUpgradeRequest(r *http.Request) bool {
	return hasToken(r.Header, "Upgrade", "websocket")
}

// IsHandshakeAttempt reports whether r carries any sign of a websocket
// handshake. Such requests get a handshake error when malformed instead of
// being passed on.
func IsHandshakeAttempt(r *http.Request) bool {
	return IsUpgradeRequest(r) ||
		hasToken(r.Header, "Connection", "upgrade") ||
		r.Header.Get("Sec-WebSocket-Key") != "" ||
		r.Header.Get("Sec-WebSocket-Version") != ""
}
