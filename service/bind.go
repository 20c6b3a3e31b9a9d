package service

import (
	"context"
	"fmt"
	"reflect"

	"servicekit/errors"
)

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	ctxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Bind attaches a receiver as the local implementation of a service: for
// every method the descriptor declares, a matching exported Go method is
// looked up on rcvr and wrapped as the descriptor's Handler.
//
// Expected method shape: func (r *T) Name(ctx context.Context, <params...>)
// (<result,> error): the trailing error is mandatory, the result optional,
// and the parameter count must match the descriptor.
//
// A service resolves to exactly one local implementation per process:
// binding over an existing handler fails fast.
func Bind(svc *Service, rcvr any) error {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bind %q: receiver must be a pointer to struct, got %s", svc.Name, typ)
	}

	for _, m := range svc.Methods() {
		if m.Handler != nil {
			return fmt.Errorf("bind %q.%s: %w", svc.Name, m.Name, errors.ErrAlreadyBound)
		}
		rm := val.MethodByName(m.Name)
		if !rm.IsValid() {
			return fmt.Errorf("bind %q: receiver %s has no method %s", svc.Name, typ, m.Name)
		}
		handler, err := makeHandler(svc.Name, m, rm)
		if err != nil {
			return err
		}
		m.Handler = handler
	}
	return nil
}

// makeHandler validates the Go method signature against the descriptor and
// wraps the reflective call.
func makeHandler(serviceName string, m *Method, fn reflect.Value) (Handler, error) {
	ft := fn.Type()

	wantIn := 1 + len(m.Params) // ctx + declared params
	if ft.NumIn() != wantIn || ft.In(0) != ctxType {
		return nil, fmt.Errorf("bind %q.%s: want func(context.Context, %d params), got %s",
			serviceName, m.Name, len(m.Params), ft)
	}
	switch ft.NumOut() {
	case 1:
		if ft.Out(0) != errorType {
			return nil, fmt.Errorf("bind %q.%s: single return value must be error, got %s", serviceName, m.Name, ft.Out(0))
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("bind %q.%s: last return value must be error, got %s", serviceName, m.Name, ft.Out(1))
		}
	default:
		return nil, fmt.Errorf("bind %q.%s: want (result, error) or (error), got %d return values", serviceName, m.Name, ft.NumOut())
	}

	paramTypes := make([]reflect.Type, len(m.Params))
	for i := range m.Params {
		declared := m.Params[i].Type
		actual := ft.In(i + 1)
		if declared != nil && declared != actual {
			return nil, fmt.Errorf("bind %q.%s: parameter %q declared as %s but method takes %s",
				serviceName, m.Name, m.Params[i].Name, declared, actual)
		}
		paramTypes[i] = actual
	}
	hasResult := ft.NumOut() == 2

	return func(ctx context.Context, args []any) (any, error) {
		if len(args) != len(paramTypes) {
			return nil, fmt.Errorf("%s.%s expects %d arguments, got %d", serviceName, m.Name, len(paramTypes), len(args))
		}
		in := make([]reflect.Value, 0, len(args)+1)
		in = append(in, reflect.ValueOf(ctx))
		for i, arg := range args {
			v, err := ConvertValue(arg, paramTypes[i])
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}

		out := fn.Call(in)
		errv := out[len(out)-1]
		if !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if hasResult {
			return out[0].Interface(), nil
		}
		return nil, nil
	}, nil
}
