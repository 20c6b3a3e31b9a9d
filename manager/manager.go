// Package manager ties the runtime together on the caller side: it maps
// service names to owning components, resolves the channel a call travels
// over, and hands out cached proxies.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"servicekit/channel"
	"servicekit/codec"
	"servicekit/dispatch"
	"servicekit/errors"
	"servicekit/registry"
	"servicekit/service"
)

// Config carries the manager's call-side settings.
type Config struct {
	// PreferredChannel is the process-wide default channel for calls that do
	// not name one. A soft preference: when the component does not expose it,
	// the first registered channel wins instead.
	PreferredChannel string

	// TransportTimeout bounds a single remote call (default 1s).
	TransportTimeout time.Duration
}

// binding records which component owns a service.
type binding struct {
	component  string
	descriptor *service.Descriptor
	service    *service.Service
}

type channelKey struct{ component, name string }
type proxyKey struct{ service, channel string }

// Manager is the service-resolution facade. Descriptors are added at
// startup; GetService may be called concurrently afterwards.
type Manager struct {
	registry   registry.Directory
	dispatcher *dispatch.Dispatcher
	cfg        Config
	logger     *zap.Logger

	mu          sync.RWMutex
	descriptors map[string]*service.Descriptor
	services    map[string]*binding
	channels    map[channelKey]channel.Channel
	proxies     map[proxyKey]*Proxy
}

// New creates a manager over the given registry and dispatcher.
func New(reg registry.Directory, d *dispatch.Dispatcher, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d == nil {
		d = dispatch.New(logger)
	}
	return &Manager{
		registry:    reg,
		dispatcher:  d,
		cfg:         cfg,
		logger:      logger,
		descriptors: map[string]*service.Descriptor{},
		services:    map[string]*binding{},
		channels:    map[channelKey]channel.Channel{},
		proxies:     map[proxyKey]*Proxy{},
	}
}

// Dispatcher exposes the manager's dispatcher for hook registration.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// AddDescriptor registers a component descriptor. Every service name must be
// implemented by exactly one component.
func (m *Manager) AddDescriptor(desc *service.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.descriptors[desc.Name]; ok {
		return errors.NewRegistration(desc.Name, "component already registered")
	}
	for _, svc := range desc.Services() {
		if existing, ok := m.services[svc.Name]; ok {
			return errors.NewRegistration(desc.Name,
				fmt.Sprintf("service %q already provided by component %q", svc.Name, existing.component))
		}
	}

	m.descriptors[desc.Name] = desc
	for _, svc := range desc.Services() {
		m.services[svc.Name] = &binding{component: desc.Name, descriptor: desc, service: svc}
	}
	m.logger.Info("component descriptor added",
		zap.String("component", desc.Name),
		zap.Int("services", len(desc.Services())))
	return nil
}

// Descriptor looks up a registered component descriptor.
func (m *Manager) Descriptor(component string) (*service.Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, ok := m.descriptors[component]
	return desc, ok
}

// GetService resolves a proxy for the named service.
//
// With a non-empty preferred channel the component must expose it, else the
// call fails with a ChannelNotFoundError. Without one, the configured default
// applies when available; otherwise the first registered channel wins: with
// an in-process registry that is "local", while backend-connected registries
// carry only remote channels, so remote clients resolve a dispatch channel.
func (m *Manager) GetService(serviceName, preferred string) (*Proxy, error) {
	m.mu.RLock()
	b, ok := m.services[serviceName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", serviceName, errors.ErrUnknownService)
	}

	channelName, err := m.resolveChannel(b.component, preferred)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := proxyKey{service: serviceName, channel: channelName}
	if p, ok := m.proxies[key]; ok {
		return p, nil
	}

	ch, err := m.channelLocked(b, channelName)
	if err != nil {
		return nil, err
	}
	p := &Proxy{
		Service: serviceName,
		Channel: ch,
		svc:     b.service,
		d:       m.dispatcher,
	}
	m.proxies[key] = p
	return p, nil
}

func (m *Manager) resolveChannel(component, preferred string) (string, error) {
	channels := m.registry.Channels(component)
	if preferred != "" {
		if containsString(channels, preferred) {
			return preferred, nil
		}
		return "", &errors.ChannelNotFoundError{Channel: preferred, Component: component}
	}
	if m.cfg.PreferredChannel != "" && containsString(channels, m.cfg.PreferredChannel) {
		return m.cfg.PreferredChannel, nil
	}
	if len(channels) == 0 {
		return "", &errors.ChannelNotFoundError{Component: component}
	}
	return channels[0], nil
}

// channelLocked returns the component's channel of the given name, creating
// and registry-wiring it on first use.
func (m *Manager) channelLocked(b *binding, name string) (channel.Channel, error) {
	key := channelKey{component: b.component, name: name}
	if ch, ok := m.channels[key]; ok {
		return ch, nil
	}

	ch, err := m.newChannel(b, name)
	if err != nil {
		return nil, err
	}

	// Watch first, then seed: a change landing between the two is delivered
	// by the callback, and the seed can only read equal-or-newer state.
	m.registry.Watch(b.component, name, ch.OnAddressesChanged)
	ch.OnAddressesChanged(m.registry.Addresses(b.component, name))

	m.channels[key] = ch
	return ch, nil
}

func (m *Manager) newChannel(b *binding, name string) (channel.Channel, error) {
	switch name {
	case service.LocalChannelName:
		return channel.NewLocal(), nil
	case channel.RestName:
		return channel.NewRest(b.descriptor, m.cfg.TransportTimeout, m.logger)
	default:
		if c, ok := codec.ForChannel(name); ok {
			return channel.NewDispatch(c, m.cfg.TransportTimeout, m.logger), nil
		}
		return nil, &errors.ChannelNotFoundError{Channel: name, Component: b.component}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Proxy is the call-side handle of one service over one channel. Proxies are
// cached per (service, channel) pair and safe for concurrent use.
type Proxy struct {
	Service string
	Channel channel.Channel

	svc *service.Service
	d   *dispatch.Dispatcher
}

// Call invokes a method with positional arguments.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	m, ok := p.svc.Method(method)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", p.Service, method, errors.ErrUnknownMethod)
	}
	return p.d.Dispatch(ctx, p.Channel, &channel.Invocation{
		Service: p.Service,
		Method:  m,
		Args:    args,
	})
}

// CallNamed invokes a method with named arguments.
func (p *Proxy) CallNamed(ctx context.Context, method string, kwargs map[string]any) (any, error) {
	m, ok := p.svc.Method(method)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", p.Service, method, errors.ErrUnknownMethod)
	}
	return p.d.Dispatch(ctx, p.Channel, &channel.Invocation{
		Service: p.Service,
		Method:  m,
		KWArgs:  kwargs,
	})
}

// CallAsync invokes a method on a fresh goroutine, delivering exactly one
// result.
func (p *Proxy) CallAsync(ctx context.Context, method string, args ...any) <-chan channel.Result {
	m, ok := p.svc.Method(method)
	if !ok {
		out := make(chan channel.Result, 1)
		out <- channel.Result{Err: fmt.Errorf("%s.%s: %w", p.Service, method, errors.ErrUnknownMethod)}
		close(out)
		return out
	}
	return p.d.DispatchAsync(ctx, p.Channel, &channel.Invocation{
		Service: p.Service,
		Method:  m,
		Args:    args,
	})
}
