// Package discovery defines the protocol the component registry consumes to
// talk to an external discovery backend, plus the backend implementations:
// etcd (lease-based), Consul, and an in-memory static backend for tests and
// local-only setups.
//
// Backends only answer "which instances claim to exist": health gating,
// debouncing, and the healthy-address bookkeeping live in the registry.
// Every operation may fail transiently; callers tolerate failures and retry
// on their next watchdog tick instead of crashing.
package discovery

import (
	"context"
	"time"

	"servicekit/service"
)

// Instance is one registered component instance as the backend reports it.
type Instance struct {
	// ID distinguishes instances of the same component; stable for the
	// lifetime of the registering process.
	ID        string                   `json:"id"`
	Component string                   `json:"component"`
	Addresses []service.ChannelAddress `json:"addresses"`

	// HealthURL is the optional HTTP health endpoint of the instance. Empty
	// means backend presence counts as liveness.
	HealthURL string `json:"health_url,omitempty"`

	LastSeen time.Time `json:"last_seen,omitzero"`
}

// URL returns the instance's URI for the named channel, or "" if the
// instance does not expose it.
func (in Instance) URL(channelName string) string {
	for _, addr := range in.Addresses {
		if addr.Channel == channelName {
			return addr.URI
		}
	}
	return ""
}

// Channels returns the channel names the instance exposes, in registration
// order.
func (in Instance) Channels() []string {
	names := make([]string, 0, len(in.Addresses))
	for _, addr := range in.Addresses {
		names = append(names, addr.Channel)
	}
	return names
}

// Backend is the external discovery protocol.
type Backend interface {
	// Register announces an instance, keeping it alive for ttl unless
	// re-registered or explicitly deregistered. Implementations renew
	// automatically where the backend supports it (etcd leases).
	Register(ctx context.Context, instance Instance, ttl time.Duration) error

	// Deregister removes one instance of a component.
	Deregister(ctx context.Context, component, id string) error

	// List returns the raw instance list for a component. It reflects what
	// the backend believes, not what is healthy.
	List(ctx context.Context, component string) ([]Instance, error)

	// Watch emits the current instance list whenever membership changes.
	// The channel closes when ctx is done. Watch is advisory: consumers
	// still poll List periodically and must not rely on every change being
	// delivered.
	Watch(ctx context.Context, component string) (<-chan []Instance, error)

	// Close releases backend resources.
	Close() error
}
