package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Meta keys under which the channel address list and health endpoint travel
// through the Consul catalog. Consul metadata values are strings, so the
// address list goes in as a JSON blob.
const (
	metaAddresses = "servicekit-addresses"
	metaHealthURL = "servicekit-health-url"
)

// ConsulBackend implements Backend on the Consul agent API.
type ConsulBackend struct {
	client       *api.Client
	logger       *zap.Logger
	pollInterval time.Duration
}

// NewConsulBackend connects to the Consul agent at addr ("" means the
// standard local agent).
func NewConsulBackend(addr string, logger *zap.Logger) (*ConsulBackend, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsulBackend{client: client, logger: logger, pollInterval: 5 * time.Second}, nil
}

// Register announces the instance as a Consul service. When the instance
// exposes a health endpoint, a matching agent check is registered too, with
// critical-service deregistration after the TTL as a backstop for crashed
// processes.
func (b *ConsulBackend) Register(ctx context.Context, instance Instance, ttl time.Duration) error {
	addresses, err := json.Marshal(instance.Addresses)
	if err != nil {
		return err
	}

	registration := &api.AgentServiceRegistration{
		ID:   instance.Component + "-" + instance.ID,
		Name: instance.Component,
		Meta: map[string]string{
			metaAddresses: string(addresses),
			metaHealthURL: instance.HealthURL,
		},
	}
	if instance.HealthURL != "" {
		registration.Check = &api.AgentServiceCheck{
			HTTP:                           instance.HealthURL,
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: ttl.String(),
		}
	}

	if err := b.client.Agent().ServiceRegisterOpts(registration, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}
	return nil
}

func (b *ConsulBackend) Deregister(ctx context.Context, component, id string) error {
	if err := b.client.Agent().ServiceDeregisterOpts(component+"-"+id, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	return nil
}

// List returns every cataloged instance of the component, healthy or not;
// the registry applies its own health gating on top.
func (b *ConsulBackend) List(ctx context.Context, component string) ([]Instance, error) {
	entries, _, err := b.client.Health().Service(component, "", false, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul list: %w", err)
	}

	instances := make([]Instance, 0, len(entries))
	for _, entry := range entries {
		instance := Instance{
			Component: component,
			ID:        entry.Service.ID,
			HealthURL: entry.Service.Meta[metaHealthURL],
			LastSeen:  time.Now().UTC(),
		}
		if raw := entry.Service.Meta[metaAddresses]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &instance.Addresses); err != nil {
				b.logger.Warn("skipping malformed registration",
					zap.String("service", entry.Service.ID), zap.Error(err))
				continue
			}
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch polls the catalog and emits whenever the membership differs from
// the previous poll.
func (b *ConsulBackend) Watch(ctx context.Context, component string) (<-chan []Instance, error) {
	out := make(chan []Instance, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()

		var previous []Instance
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			instances, err := b.List(ctx, component)
			if err != nil {
				b.logger.Warn("watch poll failed", zap.String("component", component), zap.Error(err))
				continue
			}
			if sameMembership(instances, previous) {
				continue
			}
			previous = instances
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *ConsulBackend) Close() error { return nil }

// sameMembership compares instance lists ignoring LastSeen, which List
// stamps with the poll time.
func sameMembership(a, b []Instance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		x.LastSeen, y.LastSeen = time.Time{}, time.Time{}
		if !reflect.DeepEqual(x, y) {
			return false
		}
	}
	return true
}
