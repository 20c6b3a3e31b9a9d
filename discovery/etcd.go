package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// keyPrefix is the etcd namespace of all component registrations:
//
//	Key:   /servicekit/components/{component}/{instance-id}
//	Value: JSON-encoded Instance
//
// Registrations carry a TTL lease with background keepalive, so entries of
// crashed processes expire on their own.
const keyPrefix = "/servicekit/components/"

// EtcdBackend implements Backend on etcd v3.
type EtcdBackend struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instance key → lease, for deregistration
}

// NewEtcdBackend connects to the given etcd endpoints.
func NewEtcdBackend(endpoints []string, logger *zap.Logger) (*EtcdBackend, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdBackend{client: client, logger: logger, leases: map[string]clientv3.LeaseID{}}, nil
}

func instanceKey(component, id string) string {
	return keyPrefix + component + "/" + id
}

// Register writes the instance under a TTL lease and starts keepalive
// renewal. Re-registering the same (component, id) replaces the value and
// the lease.
func (b *EtcdBackend) Register(ctx context.Context, instance Instance, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := b.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	instance.LastSeen = time.Now().UTC()
	value, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(instance.Component, instance.ID)
	if _, err = b.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}

	// Keepalive renews the lease until the client closes; consuming the
	// response channel keeps it from filling up.
	ch, err := b.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	b.mu.Lock()
	b.leases[key] = lease.ID
	b.mu.Unlock()
	return nil
}

// Deregister deletes the instance key and revokes its lease.
func (b *EtcdBackend) Deregister(ctx context.Context, component, id string) error {
	key := instanceKey(component, id)
	if _, err := b.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}

	b.mu.Lock()
	leaseID, ok := b.leases[key]
	delete(b.leases, key)
	b.mu.Unlock()
	if ok {
		if _, err := b.client.Revoke(ctx, leaseID); err != nil {
			b.logger.Debug("lease revoke failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// List fetches all instances under the component prefix. Malformed entries
// are skipped, not fatal.
func (b *EtcdBackend) List(ctx context.Context, component string) ([]Instance, error) {
	resp, err := b.client.Get(ctx, keyPrefix+component+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			b.logger.Warn("skipping malformed registration", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch follows the component prefix and re-lists on every change. Simpler
// than reconstructing state from individual events, and the registry only
// wants the full current picture anyway.
func (b *EtcdBackend) Watch(ctx context.Context, component string) (<-chan []Instance, error) {
	out := make(chan []Instance, 1)
	watchChan := b.client.Watch(ctx, keyPrefix+component+"/", clientv3.WithPrefix())

	go func() {
		defer close(out)
		for range watchChan {
			instances, err := b.List(ctx, component)
			if err != nil {
				b.logger.Warn("list after watch event failed", zap.String("component", component), zap.Error(err))
				continue
			}
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *EtcdBackend) Close() error {
	return b.client.Close()
}
