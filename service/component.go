package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"servicekit/errors"
	"servicekit/health"
)

// ComponentStatus is the lifecycle state of a component. Transitions are
// monotonic: Virgin → Running → Stopped, never backwards.
type ComponentStatus int32

const (
	StatusVirgin ComponentStatus = iota
	StatusRunning
	StatusStopped
)

func (s ComponentStatus) String() string {
	switch s {
	case StatusVirgin:
		return "VIRGIN"
	case StatusRunning:
		return "RUNNING"
	default:
		return "STOPPED"
	}
}

// Component is a deployment unit: it owns a descriptor, a lifecycle, the
// channel addresses it exposes on a given port, and a health-producing
// function. Created at process boot, mutated only by Startup/Shutdown.
type Component interface {
	Descriptor() *Descriptor
	Status() ComponentStatus

	// Addresses enumerates the channel addresses exposed on the given port.
	// The list is stable for the life of one startup cycle; it is
	// regenerated only after a restart.
	Addresses(port int) []ChannelAddress

	Health(ctx context.Context) health.Health

	Startup() error
	Shutdown() error
}

// Base is the embeddable default Component implementation. It manages the
// monotonic lifecycle, the per-cycle address cache, and delegates health to
// a check manager.
type Base struct {
	desc     *Descriptor
	checks   *health.Manager
	host     string
	channels []string

	status atomic.Int32

	mu    sync.Mutex
	addrs map[int][]ChannelAddress
}

// DefaultChannels is the channel set a host exposes when none is named
// explicitly. The local channel comes first: local preference is the
// default behavior, not a special case.
var DefaultChannels = []string{
	LocalChannelName,
	"dispatch-json",
	"dispatch-msgpack",
	"dispatch-binary",
	"rest",
}

// NewBase creates a component base. host is the routable name or IP other
// processes reach this instance under; channels defaults to DefaultChannels
// when empty.
func NewBase(desc *Descriptor, checks *health.Manager, host string, channels ...string) *Base {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	if checks == nil {
		checks = health.NewManager(0, nil)
	}
	return &Base{
		desc:     desc,
		checks:   checks,
		host:     host,
		channels: channels,
		addrs:    map[int][]ChannelAddress{},
	}
}

func (b *Base) Descriptor() *Descriptor { return b.desc }

func (b *Base) Status() ComponentStatus {
	return ComponentStatus(b.status.Load())
}

// Checks exposes the health manager so implementations can register their
// checks during construction.
func (b *Base) Checks() *health.Manager { return b.checks }

func (b *Base) Health(ctx context.Context) health.Health {
	return b.checks.Check(ctx)
}

// Addresses returns the channel address list for the given port, computed
// once per startup cycle.
func (b *Base) Addresses(port int) []ChannelAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addrs, ok := b.addrs[port]; ok {
		return addrs
	}
	addrs := make([]ChannelAddress, 0, len(b.channels))
	for _, ch := range b.channels {
		uri := fmt.Sprintf("http://%s:%d", b.host, port)
		if ch == LocalChannelName {
			uri = "local:"
		}
		addrs = append(addrs, ChannelAddress{Channel: ch, URI: uri})
	}
	b.addrs[port] = addrs
	return addrs
}

// Startup transitions Virgin → Running. Any other starting state fails.
func (b *Base) Startup() error {
	if !b.status.CompareAndSwap(int32(StatusVirgin), int32(StatusRunning)) {
		return fmt.Errorf("component %q: cannot start from status %s", b.desc.Name, b.Status())
	}
	return nil
}

// Shutdown transitions Running → Stopped.
func (b *Base) Shutdown() error {
	if !b.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopped)) {
		return fmt.Errorf("component %q: cannot stop from status %s", b.desc.Name, b.Status())
	}
	b.mu.Lock()
	b.addrs = map[int][]ChannelAddress{}
	b.mu.Unlock()
	return nil
}

// Running guards operations that require a started component.
func (b *Base) Running() error {
	if b.Status() != StatusRunning {
		return errors.ErrNotRunning
	}
	return nil
}
