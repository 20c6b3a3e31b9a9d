package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"servicekit/envelope"
)

// MsgpackCodec is the packed binary-map encoding: the envelope travels as a
// msgpack map, compact and still self-describing. Loose interface decoding
// keeps the decoded value shapes predictable (int64/float64/map[string]any).
type MsgpackCodec struct{}

func (c *MsgpackCodec) EncodeRequest(req *envelope.Request) ([]byte, error) {
	return msgpack.Marshal(req)
}

func (c *MsgpackCodec) DecodeRequest(data []byte) (*envelope.Request, error) {
	var req envelope.Request
	if err := unmarshalLoose(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *MsgpackCodec) EncodeResponse(resp *envelope.Response) ([]byte, error) {
	return msgpack.Marshal(resp)
}

func (c *MsgpackCodec) DecodeResponse(data []byte) (*envelope.Response, error) {
	var resp envelope.Response
	if err := unmarshalLoose(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *MsgpackCodec) Type() Type { return TypeMsgpack }

func unmarshalLoose(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
