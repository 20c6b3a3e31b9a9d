package codec

import (
	"encoding/json"

	"servicekit/envelope"
)

// JSONCodec is the plain structured-text encoding. Human-readable and
// cross-language; numbers decode as float64 on the receiving side.
type JSONCodec struct{}

func (c *JSONCodec) EncodeRequest(req *envelope.Request) ([]byte, error) {
	return json.Marshal(req)
}

func (c *JSONCodec) DecodeRequest(data []byte) (*envelope.Request, error) {
	var req envelope.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *JSONCodec) EncodeResponse(resp *envelope.Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (c *JSONCodec) DecodeResponse(data []byte) (*envelope.Response, error) {
	var resp envelope.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *JSONCodec) Type() Type { return TypeJSON }
