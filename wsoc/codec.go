package wsoc

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// TextDecoder converts inbound text messages for DecodedTextHandler.
type TextDecoder interface {
	WillDecodeText(text string) bool
	DecodeText(text string) (any, error)
}

// BinaryDecoder converts inbound binary messages for DecodedBinaryHandler.
type BinaryDecoder interface {
	WillDecodeBinary(data []byte) bool
	DecodeBinary(data []byte) (any, error)
}

// TextEncoder renders objects passed to SendObject as text messages.
type TextEncoder interface {
	CanEncode(v any) bool
	EncodeText(v any) (string, error)
}

// BinaryEncoder renders objects passed to SendObject as binary messages.
type BinaryEncoder interface {
	CanEncode(v any) bool
	EncodeBinary(v any) ([]byte, error)
}

// JSONEncoder encodes any value that is not a string or byte slice as JSON
// text.
type JSONEncoder struct{}

func (JSONEncoder) CanEncode(v any) bool {
	switch v.(type) {
	case string, []byte:
		return false
	}
	return true
}

func (JSONEncoder) EncodeText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSONDecoder decodes JSON text into values of the same type as Prototype.
// A nil Prototype decodes into generic maps and slices.
type JSONDecoder struct {
	Prototype any
}

func (JSONDecoder) WillDecodeText(text string) bool {
	return json.Valid([]byte(text))
}

func (d JSONDecoder) DecodeText(text string) (any, error) {
	if d.Prototype == nil {
		var v any
		err := json.Unmarshal([]byte(text), &v)
		return v, err
	}
	t := reflect.TypeOf(d.Prototype)
	ptr := t.Kind() == reflect.Ptr
	if ptr {
		t = t.Elem()
	}
	target := reflect.New(t)
	if err := json.Unmarshal([]byte(text), target.Interface()); err != nil {
		return nil, err
	}
	if ptr {
		return target.Interface(), nil
	}
	return target.Elem().Interface(), nil
}

// encode renders v for the wire using the built-in conversions first and
// then the configured encoders in order.
func (c *EndpointConfig) encode(v any) (MessageType, []byte, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil, errors.Wrap(ErrIllegalArgument, "nil object")
	case string:
		return MessageText, []byte(val), nil
	case []byte:
		if val == nil {
			return 0, nil, errors.Wrap(ErrIllegalArgument, "nil object")
		}
		return MessageBinary, val, nil
	}
	for _, e := range c.encoders {
		switch enc := e.(type) {
		case TextEncoder:
			if enc.CanEncode(v) {
				text, err := enc.EncodeText(v)
				if err != nil {
					return 0, nil, errors.Wrapf(err, "encoding %T", v)
				}
				return MessageText, []byte(text), nil
			}
		case BinaryEncoder:
			if enc.CanEncode(v) {
				data, err := enc.EncodeBinary(v)
				if err != nil {
					return 0, nil, errors.Wrapf(err, "encoding %T", v)
				}
				return MessageBinary, data, nil
			}
		}
	}
	return 0, nil, errors.Wrapf(ErrNoEncoder, "%T", v)
}

func (c *EndpointConfig) decodeText(text string) (any, error) {
	for _, d := range c.textDecoders {
		if !d.WillDecodeText(text) {
			continue
		}
		v, err := d.DecodeText(text)
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "%T: %v", d, err)
		}
		return v, nil
	}
	return nil, errors.Wrap(ErrDecode, "no decoder accepts the text message")
}

func (c *EndpointConfig) decodeBinary(data []byte) (any, error) {
	for _, d := range c.binaryDecoders {
		if !d.WillDecodeBinary(data) {
			continue
		}
		v, err := d.DecodeBinary(data)
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "%T: %v", d, err)
		}
		return v, nil
	}
	return nil, errors.Wrap(ErrDecode, "no decoder accepts the binary message")
}
