package channel

import (
	"context"
	"fmt"

	"servicekit/errors"
	"servicekit/selector"
	"servicekit/service"
)

// LocalChannel is the synthetic in-process channel. Hosts register it first,
// so a caller living next to the implementation dispatches locally by
// default instead of going over the wire.
type LocalChannel struct {
	base
}

var _ Channel = (*LocalChannel)(nil)

// NewLocal creates the local channel.
func NewLocal() *LocalChannel {
	l := &LocalChannel{}
	l.init(service.LocalChannelName, &selector.First{})
	l.OnAddressesChanged([]string{"local:"})
	return l
}

// Invoke calls the bound implementation directly. Argument values still pass
// through the wire-type converter so local and remote calls see identical
// coercion behavior.
func (l *LocalChannel) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	m := inv.Method
	if m.Handler == nil {
		return nil, fmt.Errorf("%s.%s: %w", inv.Service, m.Name, errors.ErrNotRunning)
	}

	args, err := service.MergeArgs(m, inv.Args, inv.KWArgs)
	if err != nil {
		return nil, err
	}
	converted, err := service.ConvertArgs(m, args)
	if err != nil {
		return nil, err
	}
	return m.Handler(ctx, converted)
}

func (l *LocalChannel) InvokeAsync(ctx context.Context, inv *Invocation) <-chan Result {
	return invokeAsync(ctx, l, inv)
}
