// Package dispatch drives a single invocation through its lifecycle: pick
// the local or remote path, run the interceptor hooks, map remote failures
// back into the caller's error taxonomy.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"servicekit/channel"
	"servicekit/errors"
	"servicekit/metrics"
	"servicekit/service"
)

// State names a position in the per-call lifecycle. Every call starts in
// Received, forks into Local or Remote, and ends in Completed or Failed.
type State int

const (
	StateReceived State = iota
	StateLocal
	StateRemote
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateLocal:
		return "local"
	case StateRemote:
		return "remote"
	case StateCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// BeforeHook runs before a remote dispatch, in registration order. It may
// derive a new context (attach an outbound header, a deadline) or veto the
// call by returning an error. Local dispatch bypasses hooks.
type BeforeHook func(ctx context.Context, inv *channel.Invocation) (context.Context, error)

// AfterHook observes the outcome of a remote dispatch, in registration order.
type AfterHook func(ctx context.Context, inv *channel.Invocation, result any, err error)

// Dispatcher routes invocations over a channel. Safe for concurrent use;
// hooks are expected to be registered at startup.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	before []BeforeHook
	after  []AfterHook
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics wires invocation counters and latency histograms.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher.
func New(logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Before appends a hook to run before every remote dispatch.
func (d *Dispatcher) Before(h BeforeHook) {
	d.mu.Lock()
	d.before = append(d.before, h)
	d.mu.Unlock()
}

// After appends a hook observing every remote dispatch outcome.
func (d *Dispatcher) After(h AfterHook) {
	d.mu.Lock()
	d.after = append(d.after, h)
	d.mu.Unlock()
}

// Dispatch performs one call over the given channel.
//
// The local path calls straight into the bound handler; its errors propagate
// unchanged. The remote path runs the before hooks, invokes the channel, runs
// the after hooks, and maps remote application errors through the registered
// type factories. Transport failures keep their TransportError identity.
func (d *Dispatcher) Dispatch(ctx context.Context, ch channel.Channel, inv *channel.Invocation) (any, error) {
	start := time.Now()

	var result any
	var err error

	path := StateLocal
	if ch.Name() == service.LocalChannelName {
		result, err = ch.Invoke(ctx, inv)
	} else {
		path = StateRemote
		result, err = d.remote(ctx, ch, inv)
	}

	final := StateCompleted
	if err != nil {
		final = StateFailed
	}
	d.logger.Debug("invocation finished",
		zap.String("service", inv.Service),
		zap.String("method", inv.Method.Name),
		zap.String("channel", ch.Name()),
		zap.Stringer("path", path),
		zap.Stringer("state", final),
		zap.Error(err))

	d.observe(ch, inv, start, err)
	return result, err
}

// DispatchAsync performs the call on a fresh goroutine and delivers exactly
// one result.
func (d *Dispatcher) DispatchAsync(ctx context.Context, ch channel.Channel, inv *channel.Invocation) <-chan channel.Result {
	out := make(chan channel.Result, 1)
	go func() {
		defer close(out)
		value, err := d.Dispatch(ctx, ch, inv)
		out <- channel.Result{Value: value, Err: err}
	}()
	return out
}

func (d *Dispatcher) remote(ctx context.Context, ch channel.Channel, inv *channel.Invocation) (any, error) {
	d.mu.RLock()
	before := d.before
	after := d.after
	d.mu.RUnlock()

	var err error
	for _, h := range before {
		if ctx, err = h(ctx, inv); err != nil {
			return nil, err
		}
	}

	result, err := ch.Invoke(ctx, inv)
	var remote *errors.RemoteError
	if errors.As(err, &remote) {
		err = errors.Reconstruct(remote.Type, remote.Message)
	}

	for _, h := range after {
		h(ctx, inv, result, err)
	}
	return result, err
}

func (d *Dispatcher) observe(ch channel.Channel, inv *channel.Invocation, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.IsTransport(err):
		outcome = "transport_error"
	case errors.IsRemote(err):
		outcome = "remote_error"
	default:
		outcome = "error"
	}
	d.metrics.Invocations.WithLabelValues(inv.Service, inv.Method.Name, ch.Name(), outcome).Inc()
	d.metrics.InvocationDuration.WithLabelValues(inv.Service, inv.Method.Name, ch.Name()).Observe(time.Since(start).Seconds())
}
