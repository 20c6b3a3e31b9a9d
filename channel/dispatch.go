package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"servicekit/codec"
	"servicekit/envelope"
	"servicekit/errors"
	"servicekit/selector"
)

// DefaultTimeout bounds a single remote invocation unless the channel is
// configured otherwise.
const DefaultTimeout = time.Second

// DispatchChannel ships the call envelope to a component's single
// POST {url}/invoke endpoint, encoded by the channel's codec. One
// DispatchChannel exists per (component, encoding); its name is derived from
// the codec ("dispatch-json", "dispatch-msgpack", "dispatch-binary").
type DispatchChannel struct {
	base
	codec   codec.Codec
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

var _ Channel = (*DispatchChannel)(nil)

// NewDispatch creates a dispatch channel over the given encoding.
// A timeout <= 0 selects DefaultTimeout.
func NewDispatch(c codec.Codec, timeout time.Duration, logger *zap.Logger) *DispatchChannel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DispatchChannel{
		codec:   c,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
	d.init(c.Type().ChannelName(), &selector.RoundRobin{})
	return d
}

// Invoke performs one call against the URL the selector picks. A failed
// transport is not retried against another URL; the caller decides whether
// and where to retry.
func (d *DispatchChannel) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	url, err := d.pick()
	if err != nil {
		return nil, err
	}

	payload, err := d.codec.EncodeRequest(&envelope.Request{
		Service: inv.Service,
		Method:  inv.Method.Name,
		Args:    inv.Args,
		KWArgs:  inv.KWArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewTransport(url, err)
	}
	req.Header.Set("Content-Type", d.codec.Type().ContentType())
	for k, v := range headersFromContext(ctx) {
		req.Header.Set(k, v)
	}

	d.logger.Debug("dispatch call",
		zap.String("channel", d.name),
		zap.String("url", url),
		zap.String("service", inv.Service),
		zap.String("method", inv.Method.Name))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.NewTransport(url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransport(url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.NewTransport(url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	decoded, err := d.codec.DecodeResponse(body)
	if err != nil {
		return nil, errors.NewTransport(url, err)
	}
	if decoded.Failed() {
		return nil, &errors.RemoteError{Type: decoded.Error.Type, Message: decoded.Error.Message}
	}
	return decoded.Result, nil
}

func (d *DispatchChannel) InvokeAsync(ctx context.Context, inv *Invocation) <-chan Result {
	return invokeAsync(ctx, d, inv)
}
