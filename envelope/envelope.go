// Package envelope defines the wire envelope exchanged by dispatch channels.
//
// One Request/Response pair travels per call, delivered via a single POST to
// the component's /invoke endpoint. The same envelope shape is carried by all
// dispatch encodings (JSON, msgpack, binary); which one applies is decided by
// channel identity, never by inspecting the payload.
package envelope

// Request carries a single invocation to a remote component.
//
//   - On request: Service and Method identify the target, Args holds the
//     positional arguments, KWArgs the named ones (may be nil).
type Request struct {
	Service string         `json:"service" msgpack:"service"`
	Method  string         `json:"method" msgpack:"method"`
	Args    []any          `json:"args" msgpack:"args"`
	KWArgs  map[string]any `json:"kwargs,omitempty" msgpack:"kwargs,omitempty"`
}

// Error is the remote-reported failure payload: the callee's error type name
// plus its message. The caller side reconstructs a typed error from it.
type Error struct {
	Type    string `json:"type" msgpack:"type"`
	Message string `json:"message" msgpack:"message"`
}

// Response carries the result of an invocation back to the caller. Exactly
// one of Result and Error is meaningful: a set Error wins.
type Response struct {
	Result any    `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  *Error `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Failed reports whether the response carries a remote error.
func (r *Response) Failed() bool { return r.Error != nil }
