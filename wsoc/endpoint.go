package wsoc

// Endpoint is implemented by application endpoints. A fresh instance serves
// each connection unless the configurator hands out shared ones.
type Endpoint interface {
	OnOpen(session *Session, config *EndpointConfig)
}

// CloseListener is implemented by endpoints that want to know when their
// session has closed.
type CloseListener interface {
	OnClose(session *Session, reason CloseReason)
}

// ErrorListener is implemented by endpoints that handle errors raised after
// the handshake. Without one, such errors close the session.
type ErrorListener interface {
	OnError(session *Session, err error)
}

// MessageType identifies the slot a MessageHandler occupies on a session.
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
	MessagePong
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	case MessagePong:
		return "pong"
	}
	return "unknown"
}

// MessageHandler is one of the handler function types below.
type MessageHandler interface {
	MessageType() MessageType
}

// TextHandler receives whole text messages.
type TextHandler func(text string)

// PartialTextHandler receives text messages in pieces; last is set on the
// final piece. Pieces never split a UTF-8 sequence.
type PartialTextHandler func(part string, last bool)

// DecodedTextHandler receives text messages converted by the first willing
// TextDecoder of the endpoint config.
type DecodedTextHandler func(v any)

// BinaryHandler receives whole binary messages.
type BinaryHandler func(data []byte)

// PartialBinaryHandler receives binary messages in pieces.
type PartialBinaryHandler func(part []byte, last bool)

// DecodedBinaryHandler receives binary messages converted by the first
// willing BinaryDecoder.
type DecodedBinaryHandler func(v any)

// PongHandler receives the payload of pong frames.
type PongHandler func(data []byte)

func (TextHandler) MessageType() MessageType          { return MessageText }
func (PartialTextHandler) MessageType() MessageType   { return MessageText }
func (DecodedTextHandler) MessageType() MessageType   { return MessageText }
func (BinaryHandler) MessageType() MessageType        { return MessageBinary }
func (PartialBinaryHandler) MessageType() MessageType { return MessageBinary }
func (DecodedBinaryHandler) MessageType() MessageType { return MessageBinary }
func (PongHandler) MessageType() MessageType          { return MessagePong }
