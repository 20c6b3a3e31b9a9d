package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"servicekit/envelope"
)

// BinaryCodec is the schema-defined binary encoding: the envelope layout is
// fixed (length-prefixed strings, tagged values, big-endian integers), so no
// field names travel on the wire. Values are limited to the wire value model
// (nil, bool, int64, float64, string, bytes, list, map); anything else is
// normalized through a JSON round trip before encoding.
type BinaryCodec struct{}

// Value tags of the binary schema.
const (
	tagNil byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
)

func (c *BinaryCodec) EncodeRequest(req *envelope.Request) ([]byte, error) {
	if len(req.Args) > math.MaxUint16 {
		return nil, fmt.Errorf("binary codec: %d arguments exceed the uint16 frame limit", len(req.Args))
	}
	if len(req.KWArgs) > math.MaxUint16 {
		return nil, fmt.Errorf("binary codec: %d named arguments exceed the uint16 frame limit", len(req.KWArgs))
	}
	w := &binWriter{}
	if err := w.writeString16(req.Service); err != nil {
		return nil, err
	}
	if err := w.writeString16(req.Method); err != nil {
		return nil, err
	}
	w.writeUint16(uint16(len(req.Args)))
	for _, arg := range req.Args {
		if err := w.writeValue(arg); err != nil {
			return nil, err
		}
	}
	w.writeUint16(uint16(len(req.KWArgs)))
	for key, val := range req.KWArgs {
		if err := w.writeString16(key); err != nil {
			return nil, err
		}
		if err := w.writeValue(val); err != nil {
			return nil, err
		}
	}
	return w.buf, nil
}

func (c *BinaryCodec) DecodeRequest(data []byte) (*envelope.Request, error) {
	r := &binReader{buf: data}
	req := &envelope.Request{}
	var err error
	if req.Service, err = r.readString16(); err != nil {
		return nil, err
	}
	if req.Method, err = r.readString16(); err != nil {
		return nil, err
	}
	argc, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	if argc > 0 {
		req.Args = make([]any, argc)
		for i := range req.Args {
			if req.Args[i], err = r.readValue(); err != nil {
				return nil, err
			}
		}
	}
	kwc, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	if kwc > 0 {
		req.KWArgs = make(map[string]any, kwc)
		for i := 0; i < int(kwc); i++ {
			key, err := r.readString16()
			if err != nil {
				return nil, err
			}
			if req.KWArgs[key], err = r.readValue(); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

// Response flag bits.
const (
	flagResult byte = 1 << 0
	flagError  byte = 1 << 1
)

func (c *BinaryCodec) EncodeResponse(resp *envelope.Response) ([]byte, error) {
	w := &binWriter{}
	var flags byte
	if resp.Result != nil {
		flags |= flagResult
	}
	if resp.Error != nil {
		flags |= flagError
	}
	w.buf = append(w.buf, flags)
	if resp.Result != nil {
		if err := w.writeValue(resp.Result); err != nil {
			return nil, err
		}
	}
	if resp.Error != nil {
		if err := w.writeString16(resp.Error.Type); err != nil {
			return nil, err
		}
		w.writeString32(resp.Error.Message)
	}
	return w.buf, nil
}

func (c *BinaryCodec) DecodeResponse(data []byte) (*envelope.Response, error) {
	r := &binReader{buf: data}
	flags, err := r.readByte()
	if err != nil {
		return nil, err
	}
	resp := &envelope.Response{}
	if flags&flagResult != 0 {
		if resp.Result, err = r.readValue(); err != nil {
			return nil, err
		}
	}
	if flags&flagError != 0 {
		e := &envelope.Error{}
		if e.Type, err = r.readString16(); err != nil {
			return nil, err
		}
		if e.Message, err = r.readString32(); err != nil {
			return nil, err
		}
		resp.Error = e
	}
	return resp, nil
}

func (c *BinaryCodec) Type() Type { return TypeBinary }

// binWriter accumulates the encoded frame.
type binWriter struct {
	buf []byte
}

func (w *binWriter) writeUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *binWriter) writeUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *binWriter) writeString16(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("binary codec: string length %d exceeds the uint16 frame limit", len(s))
	}
	w.writeUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *binWriter) writeString32(s string) {
	w.writeUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) writeValue(v any) error {
	switch x := v.(type) {
	case nil:
		w.buf = append(w.buf, tagNil)
	case bool:
		w.buf = append(w.buf, tagBool)
		if x {
			w.buf = append(w.buf, 1)
		} else {
			w.buf = append(w.buf, 0)
		}
	case int:
		return w.writeValue(int64(x))
	case int8:
		return w.writeValue(int64(x))
	case int16:
		return w.writeValue(int64(x))
	case int32:
		return w.writeValue(int64(x))
	case uint:
		return w.writeValue(int64(x))
	case uint8:
		return w.writeValue(int64(x))
	case uint16:
		return w.writeValue(int64(x))
	case uint32:
		return w.writeValue(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return fmt.Errorf("binary codec: uint64 value %d overflows int64", x)
		}
		return w.writeValue(int64(x))
	case int64:
		w.buf = append(w.buf, tagInt)
		w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(x))
	case float32:
		return w.writeValue(float64(x))
	case float64:
		w.buf = append(w.buf, tagFloat)
		w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(x))
	case string:
		w.buf = append(w.buf, tagString)
		w.writeString32(x)
	case []byte:
		w.buf = append(w.buf, tagBytes)
		w.writeUint32(uint32(len(x)))
		w.buf = append(w.buf, x...)
	case []any:
		w.buf = append(w.buf, tagList)
		w.writeUint32(uint32(len(x)))
		for _, item := range x {
			if err := w.writeValue(item); err != nil {
				return err
			}
		}
	case map[string]any:
		w.buf = append(w.buf, tagMap)
		w.writeUint32(uint32(len(x)))
		for key, val := range x {
			w.writeString32(key)
			if err := w.writeValue(val); err != nil {
				return err
			}
		}
	default:
		normalized, err := normalize(v)
		if err != nil {
			return fmt.Errorf("binary codec: unsupported value type %T: %w", v, err)
		}
		return w.writeValue(normalized)
	}
	return nil
}

// normalize maps an arbitrary Go value (typed struct, typed slice/map) onto
// the wire value model via a JSON round trip.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// binReader consumes an encoded frame.
type binReader struct {
	buf    []byte
	offset int
}

func (r *binReader) take(n int) ([]byte, error) {
	if r.offset+n > len(r.buf) {
		return nil, fmt.Errorf("binary codec: truncated frame (want %d bytes at offset %d of %d)", n, r.offset, len(r.buf))
	}
	b := r.buf[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *binReader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *binReader) readUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *binReader) readUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *binReader) readString16() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *binReader) readString32() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *binReader) readValue() (any, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagBool:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case tagInt:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case tagFloat:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case tagString:
		return r.readString32()
	case tagBytes:
		n, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	case tagList:
		n, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		list := make([]any, n)
		for i := range list {
			if list[i], err = r.readValue(); err != nil {
				return nil, err
			}
		}
		return list, nil
	case tagMap:
		n, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for i := 0; i < int(n); i++ {
			key, err := r.readString32()
			if err != nil {
				return nil, err
			}
			if m[key], err = r.readValue(); err != nil {
				return nil, err
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("binary codec: unknown value tag %d", tag)
	}
}
