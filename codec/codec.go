// Package codec provides the interchangeable body encodings of the dispatch
// envelope. All three carry the same Request/Response shape; which one
// applies to a payload is decided by channel identity (codec type /
// content type), never by sniffing the bytes.
package codec

import "servicekit/envelope"

// Type identifies an envelope encoding.
type Type byte

const (
	TypeJSON    Type = 0 // plain structured text
	TypeMsgpack Type = 1 // packed binary map
	TypeBinary  Type = 2 // schema-defined binary
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeMsgpack:
		return "msgpack"
	default:
		return "binary"
	}
}

// ContentType returns the HTTP content type announcing this encoding.
func (t Type) ContentType() string {
	switch t {
	case TypeJSON:
		return "application/json"
	case TypeMsgpack:
		return "application/msgpack"
	default:
		return "application/x-envelope-binary"
	}
}

// ChannelName returns the dispatch channel name bound to this encoding.
func (t Type) ChannelName() string {
	return "dispatch-" + t.String()
}

// Codec encodes and decodes the call envelope.
type Codec interface {
	EncodeRequest(req *envelope.Request) ([]byte, error)
	DecodeRequest(data []byte) (*envelope.Request, error)
	EncodeResponse(resp *envelope.Response) ([]byte, error)
	DecodeResponse(data []byte) (*envelope.Response, error)
	Type() Type
}

// ForType returns the codec for the given encoding.
func ForType(t Type) Codec {
	switch t {
	case TypeJSON:
		return &JSONCodec{}
	case TypeMsgpack:
		return &MsgpackCodec{}
	default:
		return &BinaryCodec{}
	}
}

// ForChannel resolves a codec from a dispatch channel name. The bool result
// is false for names that are not dispatch channels.
func ForChannel(name string) (Codec, bool) {
	for _, t := range []Type{TypeJSON, TypeMsgpack, TypeBinary} {
		if t.ChannelName() == name {
			return ForType(t), true
		}
	}
	return nil, false
}

// ForContentType resolves a codec from a declared HTTP content type.
// The bool result is false for content types no codec announces.
func ForContentType(contentType string) (Codec, bool) {
	for _, t := range []Type{TypeJSON, TypeMsgpack, TypeBinary} {
		if t.ContentType() == contentType {
			return ForType(t), true
		}
	}
	return nil, false
}
