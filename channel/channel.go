// Package channel implements the transports an invocation can travel over.
//
// A channel owns a live list of currently healthy URLs (pushed by the
// registry), a selection strategy, and the mechanics of moving one envelope
// to one implementation. Channels never retry across URLs and never inspect
// payloads to guess an encoding; both decisions belong to layers above.
package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"servicekit/errors"
	"servicekit/selector"
	"servicekit/service"
)

// Invocation is the per-call record a channel transports: the target service,
// the resolved method descriptor, and the caller's arguments.
type Invocation struct {
	Service string
	Method  *service.Method
	Args    []any
	KWArgs  map[string]any
}

// Result carries the outcome of an asynchronous invocation.
type Result struct {
	Value any
	Err   error
}

// Channel moves a single invocation to one implementation.
type Channel interface {
	// Name identifies the channel ("local", "dispatch-json", ...). Channel
	// names double as address keys in the registry.
	Name() string

	// Invoke performs one synchronous call. Transport failures surface as
	// *errors.TransportError, remote application errors as
	// *errors.RemoteError; neither is retried here.
	Invoke(ctx context.Context, inv *Invocation) (any, error)

	// InvokeAsync performs the call on a fresh goroutine and delivers exactly
	// one Result on the returned channel.
	InvokeAsync(ctx context.Context, inv *Invocation) <-chan Result

	// OnAddressesChanged atomically replaces the channel's URL list. Called
	// by the registry watch; in-flight calls keep the snapshot they picked.
	OnAddressesChanged(urls []string)

	// URLs returns a copy of the current URL list.
	URLs() []string

	// SetSelector swaps the selection strategy at runtime.
	SetSelector(sel selector.Selector)
}

// base carries the state every channel shares: name, the atomically swapped
// URL list, and the selector.
type base struct {
	name string
	urls atomic.Pointer[[]string]

	mu  sync.RWMutex
	sel selector.Selector
}

func (b *base) init(name string, sel selector.Selector) {
	b.name = name
	b.sel = sel
	b.urls.Store(&[]string{})
}

func (b *base) Name() string { return b.name }

func (b *base) OnAddressesChanged(urls []string) {
	snapshot := append([]string(nil), urls...)
	b.urls.Store(&snapshot)
}

func (b *base) URLs() []string {
	return append([]string(nil), *b.urls.Load()...)
}

func (b *base) SetSelector(sel selector.Selector) {
	b.mu.Lock()
	b.sel = sel
	b.mu.Unlock()
}

// pick selects the URL for the next call from the current snapshot. An empty
// list is a transport-level condition: the service may come back, the caller
// may retry.
func (b *base) pick() (string, error) {
	urls := *b.urls.Load()
	b.mu.RLock()
	sel := b.sel
	b.mu.RUnlock()

	url, err := sel.Next(urls)
	if err != nil {
		return "", errors.NewTransport("", err)
	}
	return url, nil
}

// invokeAsync adapts a synchronous Invoke to the async contract.
func invokeAsync(ctx context.Context, ch Channel, inv *Invocation) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		value, err := ch.Invoke(ctx, inv)
		out <- Result{Value: value, Err: err}
	}()
	return out
}

type headerKey struct{}

// WithHeader returns a context carrying an outbound HTTP header. Remote
// channels copy carried headers onto every request; interceptors use this to
// propagate credentials without the channel knowing about them.
func WithHeader(ctx context.Context, key, value string) context.Context {
	existing, _ := ctx.Value(headerKey{}).(map[string]string)
	merged := make(map[string]string, len(existing)+1)
	for k, v := range existing {
		merged[k] = v
	}
	merged[key] = value
	return context.WithValue(ctx, headerKey{}, merged)
}

func headersFromContext(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headerKey{}).(map[string]string)
	return h
}
