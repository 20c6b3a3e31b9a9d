// Package registry maintains the directory of component → service →
// address-list mappings. It watches an external discovery backend, gates
// addresses on health, and push-notifies interested channels when the
// healthy URL set of a component changes.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"servicekit/discovery"
	"servicekit/errors"
	"servicekit/health"
	"servicekit/metrics"
	"servicekit/service"
)

// Callback receives the new healthy URL set of a watched (component,
// channel) pair. Delivery is at-least-once; no ordering guarantee exists
// between distinct components.
type Callback func(urls []string)

// Directory is the registry contract the service manager and hosts consume.
type Directory interface {
	// Register announces a component instance. Idempotent per (component,
	// process identity); fails with a RegistrationError when the address
	// list is empty.
	Register(ctx context.Context, component string, addrs []service.ChannelAddress, healthURL string) (*Registration, error)

	// Addresses returns the URLs of the named channel that are currently
	// classified healthy. An empty slice means "service unavailable", not
	// an error.
	Addresses(component, channel string) []string

	// Channels returns the channel names the component's instances expose,
	// in registration order.
	Channels(component string) []string

	// Watch invokes cb whenever the healthy URL set of (component, channel)
	// changes.
	Watch(component, channel string, cb Callback)
}

// Registration is the registry's handle for one registered instance.
type Registration struct {
	Component string
	ID        string

	deregister func(ctx context.Context) error
}

// Deregister removes the instance from the backend.
func (r *Registration) Deregister(ctx context.Context) error {
	return r.deregister(ctx)
}

// Config carries the registry's timing knobs.
type Config struct {
	// PollInterval is the watchdog tick (default 5s).
	PollInterval time.Duration
	// HealthInterval is the minimum spacing between health probes of one
	// instance (default 10s).
	HealthInterval time.Duration
	// HealthTimeout bounds a single probe; a timed-out probe counts as
	// ERROR (default 5s).
	HealthTimeout time.Duration
	// DeregistrationGrace is how long an instance may fail continuously (or
	// stay missing from the backend) before its record is dropped
	// (default 5m).
	DeregistrationGrace time.Duration
	// RegistrationTTL is the backend lease for own registrations
	// (default 10s, renewed automatically by the backend).
	RegistrationTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.DeregistrationGrace <= 0 {
		c.DeregistrationGrace = 5 * time.Minute
	}
	if c.RegistrationTTL <= 0 {
		c.RegistrationTTL = 10 * time.Second
	}
	return c
}

type instanceState struct {
	instance discovery.Instance

	healthy      bool
	lastProbe    time.Time
	failingSince time.Time // zero while passing
	lastSeen     time.Time // last time the backend listed the instance
}

type watcher struct {
	component string
	channel   string
	cb        Callback
	last      []string
}

// Registry is the backend-connected directory. A single watchdog goroutine
// reconciles discovery and health state; readers see the latest computed
// snapshot.
type Registry struct {
	backend  discovery.Backend
	cfg      Config
	logger   *zap.Logger
	identity string
	client   *http.Client
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	components map[string]map[string]*instanceState
	watchers   []*watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Directory = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics wires the registry's gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a registry over the given backend. Call Start to run the
// watchdog.
func New(backend discovery.Backend, cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	r := &Registry{
		backend:    backend,
		cfg:        cfg,
		logger:     logger,
		identity:   uuid.NewString(),
		client:     &http.Client{Timeout: cfg.HealthTimeout},
		components: map[string]map[string]*instanceState{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the watchdog loop. It runs until Stop or ctx cancellation.
func (r *Registry) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.ctx, r.cancel = runCtx, cancel
	tracked := make([]string, 0, len(r.components))
	for component := range r.components {
		tracked = append(tracked, component)
	}
	r.mu.Unlock()

	for _, component := range tracked {
		r.startWatch(runCtx, component)
	}

	r.wg.Add(1)
	go r.watchdog(runCtx)
}

// Stop terminates the watchdog and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// watchdog is the periodic reconciliation loop: poll discovery, refresh
// health, recompute the healthy sets, notify watchers. Backend errors are
// logged and retried on the next tick, never fatal.
func (r *Registry) watchdog(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, component := range r.trackedComponents() {
			r.reconcile(ctx, component)
		}
	}
}

func (r *Registry) trackedComponents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.components))
	for component := range r.components {
		out = append(out, component)
	}
	sort.Strings(out)
	return out
}

// track starts following a component. The first caller triggers a
// synchronous reconciliation so that lookups right after have data.
func (r *Registry) track(component string) {
	r.mu.Lock()
	if _, ok := r.components[component]; ok {
		r.mu.Unlock()
		return
	}
	r.components[component] = map[string]*instanceState{}
	runCtx := r.ctx
	r.mu.Unlock()

	ctx := context.Background()
	if runCtx != nil {
		ctx = runCtx
		r.startWatch(runCtx, component)
	}
	r.reconcile(ctx, component)
}

// startWatch follows backend change events for a component so membership
// changes take effect before the next poll tick.
func (r *Registry) startWatch(ctx context.Context, component string) {
	events, err := r.backend.Watch(ctx, component)
	if err != nil {
		r.logger.Warn("backend watch unavailable, falling back to polling",
			zap.String("component", component), zap.Error(err))
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				r.reconcile(ctx, component)
			}
		}
	}()
}

// Register announces this process as an instance of the component. The local
// channel is never published: it is only callable inside the hosting process,
// and a remote client would otherwise resolve it as the component's first
// channel.
func (r *Registry) Register(ctx context.Context, component string, addrs []service.ChannelAddress, healthURL string) (*Registration, error) {
	if component == "" {
		return nil, errors.NewRegistration(component, "component name must not be empty")
	}
	if len(addrs) == 0 {
		return nil, errors.NewRegistration(component, "address list must not be empty")
	}
	remote := make([]service.ChannelAddress, 0, len(addrs))
	for _, addr := range addrs {
		if addr.Channel != service.LocalChannelName {
			remote = append(remote, addr)
		}
	}
	if len(remote) == 0 {
		return nil, errors.NewRegistration(component, "address list must contain a remotely reachable address")
	}

	instance := discovery.Instance{
		ID:        r.identity,
		Component: component,
		Addresses: remote,
		HealthURL: healthURL,
	}
	if err := r.backend.Register(ctx, instance, r.cfg.RegistrationTTL); err != nil {
		return nil, err
	}
	r.logger.Info("registered component instance",
		zap.String("component", component),
		zap.String("instance", r.identity),
		zap.Int("addresses", len(remote)))

	r.track(component)
	r.reconcile(ctx, component)

	return &Registration{
		Component: component,
		ID:        r.identity,
		deregister: func(ctx context.Context) error {
			return r.backend.Deregister(ctx, component, r.identity)
		},
	}, nil
}

// Addresses returns the currently healthy URLs for (component, channel).
func (r *Registry) Addresses(component, channel string) []string {
	r.track(component)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthyURLsLocked(component, channel)
}

func (r *Registry) healthyURLsLocked(component, channel string) []string {
	states := r.components[component]
	ids := make([]string, 0, len(states))
	for id, st := range states {
		if st.healthy && st.instance.URL(channel) != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		urls = append(urls, states[id].instance.URL(channel))
	}
	return urls
}

// Channels returns the channel names exposed by the component's instances,
// in per-instance registration order (first instance wins ties).
func (r *Registry) Channels(component string) []string {
	r.track(component)

	r.mu.RLock()
	defer r.mu.RUnlock()

	states := r.components[component]
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := map[string]bool{}
	var names []string
	for _, id := range ids {
		for _, name := range states[id].instance.Channels() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// Watch subscribes cb to healthy-set changes of (component, channel).
func (r *Registry) Watch(component, channel string, cb Callback) {
	r.track(component)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, &watcher{
		component: component,
		channel:   channel,
		cb:        cb,
		last:      r.healthyURLsLocked(component, channel),
	})
}

// reconcile refreshes one component: discovery list, health probes, healthy
// set, watcher notification.
func (r *Registry) reconcile(ctx context.Context, component string) {
	now := time.Now()

	instances, err := r.backend.List(ctx, component)
	if err != nil {
		// Transient backend trouble: keep the current records (the grace
		// period debounces real removals) and retry next tick.
		r.logger.Warn("discovery poll failed", zap.String("component", component), zap.Error(err))
		instances = nil
	} else {
		r.mergeListing(component, instances, now)
	}

	r.probeAll(ctx, component, now)
	r.recompute(component, now)
	r.notifyWatchers(component)
}

// mergeListing folds a successful backend listing into the state table.
func (r *Registry) mergeListing(component string, instances []discovery.Instance, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := r.components[component]
	if states == nil {
		states = map[string]*instanceState{}
		r.components[component] = states
	}
	listed := map[string]bool{}
	for _, instance := range instances {
		listed[instance.ID] = true
		st, ok := states[instance.ID]
		if !ok {
			st = &instanceState{}
			states[instance.ID] = st
		}
		st.instance = instance
		st.lastSeen = now
	}
	// Instances the backend no longer lists survive until the grace period
	// expires, a debounce against flapping backends.
	for id, st := range states {
		if !listed[id] && now.Sub(st.lastSeen) > r.cfg.DeregistrationGrace {
			delete(states, id)
		}
	}
}

// probeAll refreshes the health of every instance whose probe is due.
// Probes run concurrently, each bounded by the health timeout.
func (r *Registry) probeAll(ctx context.Context, component string, now time.Time) {
	r.mu.RLock()
	due := make([]*instanceState, 0)
	snapshots := make([]discovery.Instance, 0)
	for _, st := range r.components[component] {
		if now.Sub(st.lastProbe) >= r.cfg.HealthInterval || st.lastProbe.IsZero() {
			due = append(due, st)
			snapshots = append(snapshots, st.instance)
		}
	}
	r.mu.RUnlock()

	results := make([]bool, len(due))
	var wg sync.WaitGroup
	for i, instance := range snapshots {
		if instance.HealthURL == "" {
			// No health endpoint: backend presence counts as liveness.
			results[i] = true
			continue
		}
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = r.probe(ctx, url)
		}(i, instance.HealthURL)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, st := range due {
		st.lastProbe = now
		if results[i] {
			st.healthy = true
			st.failingSince = time.Time{}
		} else {
			st.healthy = false
			if st.failingSince.IsZero() {
				st.failingSince = now
			}
		}
	}
}

// probe performs one HTTP health check. Any transport error, timeout,
// non-2xx status, undecodable body, or reported ERROR counts as failing.
func (r *Registry) probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("health probe failed", zap.String("url", url), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	var doc health.Health
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return false
	}
	return doc.Status != health.StatusError
}

// recompute applies the logical-deregistration rule: an instance failing
// continuously for longer than the grace period loses its record entirely.
// It stays gone while the backend keeps listing it unhealthy and reappears
// immediately once a probe passes again.
func (r *Registry) recompute(component string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := r.components[component]
	healthy := 0
	for id, st := range states {
		if !st.healthy && !st.failingSince.IsZero() && now.Sub(st.failingSince) > r.cfg.DeregistrationGrace {
			delete(states, id)
			r.logger.Info("instance deregistered after grace period",
				zap.String("component", component), zap.String("instance", id))
			continue
		}
		if st.healthy {
			healthy++
		}
	}
	if r.metrics != nil {
		r.metrics.HealthyInstances.WithLabelValues(component).Set(float64(healthy))
	}
}

// notifyWatchers delivers changed healthy sets. Callbacks run outside the
// lock; a set that changes twice within one pass may be delivered once
// (at-least-once, not exactly-once).
func (r *Registry) notifyWatchers(component string) {
	type delivery struct {
		cb   Callback
		urls []string
	}
	var deliveries []delivery

	r.mu.Lock()
	for _, w := range r.watchers {
		if w.component != component {
			continue
		}
		current := r.healthyURLsLocked(component, w.channel)
		if !equalStrings(current, w.last) {
			w.last = current
			deliveries = append(deliveries, delivery{cb: w.cb, urls: current})
		}
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		d.cb(d.urls)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
