package registry

import (
	"context"
	"sync"

	"servicekit/errors"
	"servicekit/service"
)

// Local is the registry variant with no external backend, used for
// in-process hosting and tests: register and lookup operate on an in-memory
// map, there is no watchdog, and everything registered counts as healthy.
type Local struct {
	mu         sync.RWMutex
	components map[string][]service.ChannelAddress
	watchers   []*watcher
}

var _ Directory = (*Local)(nil)

// NewLocal creates an empty local registry.
func NewLocal() *Local {
	return &Local{components: map[string][]service.ChannelAddress{}}
}

// Register stores the component's address list. Re-registering replaces it.
func (l *Local) Register(ctx context.Context, component string, addrs []service.ChannelAddress, healthURL string) (*Registration, error) {
	if component == "" {
		return nil, errors.NewRegistration(component, "component name must not be empty")
	}
	if len(addrs) == 0 {
		return nil, errors.NewRegistration(component, "address list must not be empty")
	}

	l.mu.Lock()
	l.components[component] = append([]service.ChannelAddress(nil), addrs...)
	l.mu.Unlock()

	l.notify(component)

	return &Registration{
		Component: component,
		ID:        "local",
		deregister: func(context.Context) error {
			l.mu.Lock()
			delete(l.components, component)
			l.mu.Unlock()
			l.notify(component)
			return nil
		},
	}, nil
}

func (l *Local) Addresses(component, channel string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.addressesLocked(component, channel)
}

func (l *Local) addressesLocked(component, channel string) []string {
	var urls []string
	for _, addr := range l.components[component] {
		if addr.Channel == channel {
			urls = append(urls, addr.URI)
		}
	}
	return urls
}

func (l *Local) Channels(component string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := map[string]bool{}
	var names []string
	for _, addr := range l.components[component] {
		if !seen[addr.Channel] {
			seen[addr.Channel] = true
			names = append(names, addr.Channel)
		}
	}
	return names
}

func (l *Local) Watch(component, channel string, cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, &watcher{
		component: component,
		channel:   channel,
		cb:        cb,
		last:      l.addressesLocked(component, channel),
	})
}

func (l *Local) notify(component string) {
	type delivery struct {
		cb   Callback
		urls []string
	}
	var deliveries []delivery

	l.mu.Lock()
	for _, w := range l.watchers {
		if w.component != component {
			continue
		}
		current := l.addressesLocked(component, w.channel)
		if !equalStrings(current, w.last) {
			w.last = current
			deliveries = append(deliveries, delivery{cb: w.cb, urls: current})
		}
	}
	l.mu.Unlock()

	for _, d := range deliveries {
		d.cb(d.urls)
	}
}
