package discovery

import (
	"context"
	"sync"
	"time"
)

// StaticBackend is an in-memory Backend for tests and single-process
// setups: no external store, no TTL expiry, immediate watch notification.
type StaticBackend struct {
	mu        sync.RWMutex
	instances map[string]map[string]Instance // component → id → instance
	watchers  map[string][]chan []Instance
	closed    bool
}

// NewStaticBackend creates an empty in-memory backend.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{
		instances: map[string]map[string]Instance{},
		watchers:  map[string][]chan []Instance{},
	}
}

func (b *StaticBackend) Register(ctx context.Context, instance Instance, ttl time.Duration) error {
	instance.LastSeen = time.Now().UTC()

	b.mu.Lock()
	byID, ok := b.instances[instance.Component]
	if !ok {
		byID = map[string]Instance{}
		b.instances[instance.Component] = byID
	}
	byID[instance.ID] = instance
	b.mu.Unlock()

	b.notify(instance.Component)
	return nil
}

func (b *StaticBackend) Deregister(ctx context.Context, component, id string) error {
	b.mu.Lock()
	if byID, ok := b.instances[component]; ok {
		delete(byID, id)
	}
	b.mu.Unlock()

	b.notify(component)
	return nil
}

func (b *StaticBackend) List(ctx context.Context, component string) ([]Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listLocked(component), nil
}

func (b *StaticBackend) listLocked(component string) []Instance {
	byID := b.instances[component]
	out := make([]Instance, 0, len(byID))
	for _, instance := range byID {
		out = append(out, instance)
	}
	return out
}

func (b *StaticBackend) Watch(ctx context.Context, component string) (<-chan []Instance, error) {
	ch := make(chan []Instance, 4)

	b.mu.Lock()
	b.watchers[component] = append(b.watchers[component], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		watchers := b.watchers[component]
		for i, w := range watchers {
			if w == ch {
				b.watchers[component] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

func (b *StaticBackend) notify(component string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	instances := b.listLocked(component)
	for _, w := range b.watchers[component] {
		select {
		case w <- instances:
		default: // watcher is lagging; it will catch up on its next poll
		}
	}
}

func (b *StaticBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
