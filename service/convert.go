package service

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ConvertValue coerces a decoded wire value into the given parameter type.
//
// Values arriving over a dispatch channel are generic (map[string]any,
// float64, []any, whatever the codec produced); the handler side needs the
// declared types. Assignable and numerically convertible values pass
// through directly; structured values take a JSON round trip into a freshly
// allocated target, which handles nested records uniformly for all codecs.
func ConvertValue(v any, t reflect.Type) (reflect.Value, error) {
	if t == nil {
		return reflect.ValueOf(v), nil
	}
	if v == nil {
		return reflect.Zero(t), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) {
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.String, reflect.Bool:
			return rv.Convert(t), nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s: %w", v, t, err)
	}
	target := reflect.New(t)
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s: %w", v, t, err)
	}
	return target.Elem(), nil
}

// MergeArgs resolves a positional-plus-named argument set into the full
// positional list the method declares. Positional arguments fill the leading
// parameters, named arguments bind the rest by declared name.
func MergeArgs(m *Method, args []any, kwargs map[string]any) ([]any, error) {
	if len(args) > len(m.Params) {
		return nil, fmt.Errorf("method %q expects %d arguments, got %d positional", m.Name, len(m.Params), len(args))
	}

	out := make([]any, len(m.Params))
	copy(out, args)
	named := 0
	for i := len(args); i < len(m.Params); i++ {
		v, ok := kwargs[m.Params[i].Name]
		if !ok {
			return nil, fmt.Errorf("method %q: missing argument %q", m.Name, m.Params[i].Name)
		}
		out[i] = v
		named++
	}
	if named != len(kwargs) {
		for name := range kwargs {
			if !bindsNamed(m, len(args), name) {
				return nil, fmt.Errorf("method %q: unexpected argument %q", m.Name, name)
			}
		}
	}
	return out, nil
}

func bindsNamed(m *Method, positional int, name string) bool {
	for i := positional; i < len(m.Params); i++ {
		if m.Params[i].Name == name {
			return true
		}
	}
	return false
}

// ConvertArgs coerces a full positional argument list against the method's
// parameter declarations.
func ConvertArgs(m *Method, args []any) ([]any, error) {
	if len(args) != len(m.Params) {
		return nil, fmt.Errorf("method %q expects %d arguments, got %d", m.Name, len(m.Params), len(args))
	}
	out := make([]any, len(args))
	for i, arg := range args {
		v, err := ConvertValue(arg, m.Params[i].Type)
		if err != nil {
			return nil, fmt.Errorf("argument %q of %q: %w", m.Params[i].Name, m.Name, err)
		}
		out[i] = v.Interface()
	}
	return out, nil
}
