package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicekit/discovery"
	"servicekit/errors"
	"servicekit/service"
)

// healthServer is a toggleable health endpoint.
type healthServer struct {
	srv *httptest.Server
	ok  atomic.Bool
}

func newHealthServer(t *testing.T) *healthServer {
	t.Helper()
	hs := &healthServer{}
	hs.ok.Store(true)
	hs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hs.ok.Load() {
			w.Write([]byte(`{"status":"OK","checks":[]}`))
		} else {
			w.Write([]byte(`{"status":"ERROR","checks":[]}`))
		}
	}))
	t.Cleanup(hs.srv.Close)
	return hs
}

func fastConfig() Config {
	return Config{
		PollInterval:        10 * time.Millisecond,
		HealthInterval:      time.Millisecond,
		HealthTimeout:       time.Second,
		DeregistrationGrace: 30 * time.Millisecond,
		RegistrationTTL:     time.Minute,
	}
}

func addrs(url string) []service.ChannelAddress {
	return []service.ChannelAddress{
		{Channel: "dispatch-json", URI: url},
		{Channel: "rest", URI: url},
	}
}

func TestRegisterRejectsEmptyAddressList(t *testing.T) {
	r := New(discovery.NewStaticBackend(), fastConfig(), nil)

	_, err := r.Register(context.Background(), "calc", nil, "")
	var regErr *errors.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "calc", regErr.Component)
}

func TestAddressesReturnsOnlyHealthy(t *testing.T) {
	backend := discovery.NewStaticBackend()
	good := newHealthServer(t)
	bad := newHealthServer(t)
	bad.ok.Store(false)

	ctx := context.Background()
	require.NoError(t, backend.Register(ctx, discovery.Instance{
		ID: "good", Component: "calc",
		Addresses: addrs(good.srv.URL),
		HealthURL: good.srv.URL + "/health",
	}, time.Minute))
	require.NoError(t, backend.Register(ctx, discovery.Instance{
		ID: "bad", Component: "calc",
		Addresses: addrs(bad.srv.URL),
		HealthURL: bad.srv.URL + "/health",
	}, time.Minute))

	r := New(backend, fastConfig(), nil)

	urls := r.Addresses("calc", "dispatch-json")
	assert.Equal(t, []string{good.srv.URL}, urls)

	assert.Empty(t, r.Addresses("calc", "dispatch-msgpack"),
		"channel not exposed by any healthy instance yields an empty list, not an error")
	assert.Empty(t, r.Addresses("unknown", "dispatch-json"))
}

func TestUnhealthyInstanceLeavesAndReappearsImmediately(t *testing.T) {
	backend := discovery.NewStaticBackend()
	hs := newHealthServer(t)
	ctx := context.Background()

	require.NoError(t, backend.Register(ctx, discovery.Instance{
		ID: "a", Component: "calc",
		Addresses: addrs(hs.srv.URL),
		HealthURL: hs.srv.URL + "/health",
	}, time.Minute))

	r := New(backend, fastConfig(), nil)
	require.Equal(t, []string{hs.srv.URL}, r.Addresses("calc", "dispatch-json"))

	hs.ok.Store(false)
	time.Sleep(2 * time.Millisecond) // let the probe become due
	r.reconcile(ctx, "calc")
	assert.Empty(t, r.Addresses("calc", "dispatch-json"),
		"a failing instance leaves the healthy set on the next pass")

	hs.ok.Store(true)
	time.Sleep(2 * time.Millisecond)
	r.reconcile(ctx, "calc")
	assert.Equal(t, []string{hs.srv.URL}, r.Addresses("calc", "dispatch-json"),
		"a passing probe brings the instance back immediately")
}

func TestGracePeriodDeregistration(t *testing.T) {
	backend := discovery.NewStaticBackend()
	hs := newHealthServer(t)
	hs.ok.Store(false)
	ctx := context.Background()

	require.NoError(t, backend.Register(ctx, discovery.Instance{
		ID: "a", Component: "calc",
		Addresses: addrs(hs.srv.URL),
		HealthURL: hs.srv.URL + "/health",
	}, time.Minute))

	r := New(backend, fastConfig(), nil)
	assert.Empty(t, r.Addresses("calc", "dispatch-json"),
		"failing instance never enters the healthy set")

	// Fail continuously past the grace period: the record is dropped even
	// though the backend still lists the instance.
	time.Sleep(40 * time.Millisecond)
	r.reconcile(ctx, "calc")

	r.mu.RLock()
	_, present := r.components["calc"]["a"]
	r.mu.RUnlock()
	assert.False(t, present, "continuously failing instance should be logically deregistered")
	assert.Empty(t, r.Addresses("calc", "dispatch-json"))

	// Recovering makes it reappear on the next pass.
	hs.ok.Store(true)
	time.Sleep(2 * time.Millisecond)
	r.reconcile(ctx, "calc")
	assert.Equal(t, []string{hs.srv.URL}, r.Addresses("calc", "dispatch-json"))
}

func TestWatchDeliversNewHealthyInstance(t *testing.T) {
	backend := discovery.NewStaticBackend()
	hs := newHealthServer(t)
	ctx := context.Background()

	r := New(backend, fastConfig(), nil)

	var mu sync.Mutex
	var delivered [][]string
	r.Watch("calc", "dispatch-json", func(urls []string) {
		mu.Lock()
		delivered = append(delivered, urls)
		mu.Unlock()
	})

	require.NoError(t, backend.Register(ctx, discovery.Instance{
		ID: "a", Component: "calc",
		Addresses: addrs(hs.srv.URL),
		HealthURL: hs.srv.URL + "/health",
	}, time.Minute))
	r.reconcile(ctx, "calc")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, delivered, "watch callback must fire when a healthy instance appears")
	assert.Contains(t, delivered[len(delivered)-1], hs.srv.URL)
}

func TestWatchdogLoopNotifiesWithoutManualReconcile(t *testing.T) {
	backend := discovery.NewStaticBackend()
	hs := newHealthServer(t)

	r := New(backend, fastConfig(), nil)
	r.Start(context.Background())
	defer r.Stop()

	changed := make(chan []string, 8)
	r.Watch("calc", "dispatch-json", func(urls []string) { changed <- urls })

	require.NoError(t, backend.Register(context.Background(), discovery.Instance{
		ID: "a", Component: "calc",
		Addresses: addrs(hs.srv.URL),
		HealthURL: hs.srv.URL + "/health",
	}, time.Minute))

	select {
	case urls := <-changed:
		assert.Contains(t, urls, hs.srv.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not deliver the address change within the poll+health window")
	}
}

func TestInstanceWithoutHealthURLCountsAsHealthy(t *testing.T) {
	backend := discovery.NewStaticBackend()
	ctx := context.Background()

	require.NoError(t, backend.Register(ctx, discovery.Instance{
		ID: "a", Component: "calc",
		Addresses: addrs("http://10.0.0.9:8000"),
	}, time.Minute))

	r := New(backend, fastConfig(), nil)
	assert.Equal(t, []string{"http://10.0.0.9:8000"}, r.Addresses("calc", "dispatch-json"))
}

func TestChannelsPreserveRegistrationOrder(t *testing.T) {
	backend := discovery.NewStaticBackend()
	ctx := context.Background()

	require.NoError(t, backend.Register(ctx, discovery.Instance{
		ID: "a", Component: "calc",
		Addresses: []service.ChannelAddress{
			{Channel: "dispatch-msgpack", URI: "http://10.0.0.1:8000"},
			{Channel: "dispatch-json", URI: "http://10.0.0.1:8000"},
			{Channel: "rest", URI: "http://10.0.0.1:8000"},
		},
	}, time.Minute))

	r := New(backend, fastConfig(), nil)
	assert.Equal(t, []string{"dispatch-msgpack", "dispatch-json", "rest"}, r.Channels("calc"))
}

func TestRegisterThroughRegistry(t *testing.T) {
	backend := discovery.NewStaticBackend()
	r := New(backend, fastConfig(), nil)
	ctx := context.Background()

	reg, err := r.Register(ctx, "calc", addrs("http://10.0.0.1:8000"), "")
	require.NoError(t, err)
	assert.Equal(t, "calc", reg.Component)

	assert.Equal(t, []string{"http://10.0.0.1:8000"}, r.Addresses("calc", "dispatch-json"))

	require.NoError(t, reg.Deregister(ctx))
	instances, err := backend.List(ctx, "calc")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRegisterPublishesOnlyRemoteAddresses(t *testing.T) {
	backend := discovery.NewStaticBackend()
	r := New(backend, fastConfig(), nil)
	ctx := context.Background()

	full := append([]service.ChannelAddress{
		{Channel: service.LocalChannelName, URI: "local:"},
	}, addrs("http://10.0.0.1:8000")...)
	_, err := r.Register(ctx, "calc", full, "")
	require.NoError(t, err)

	// A remote client resolving the default channel must never see "local".
	assert.Equal(t, []string{"dispatch-json", "rest"}, r.Channels("calc"))
	assert.Empty(t, r.Addresses("calc", service.LocalChannelName))

	instances, err := backend.List(ctx, "calc")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	for _, addr := range instances[0].Addresses {
		assert.NotEqual(t, service.LocalChannelName, addr.Channel)
	}

	_, err = r.Register(ctx, "solo", []service.ChannelAddress{
		{Channel: service.LocalChannelName, URI: "local:"},
	}, "")
	var regErr *errors.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "solo", regErr.Component)
}

func TestStartConcurrentWithLookups(t *testing.T) {
	backend := discovery.NewStaticBackend()
	r := New(backend, fastConfig(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := r.Register(ctx, "calc", addrs("http://10.0.0.1:8000"), "")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Addresses("calc", "dispatch-json")
		}
	}()
	r.Start(ctx)
	wg.Wait()
	r.Stop()
}

func TestLocalRegistry(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	_, err := l.Register(ctx, "calc", nil, "")
	var regErr *errors.RegistrationError
	require.ErrorAs(t, err, &regErr)

	var delivered [][]string
	l.Watch("calc", "local", func(urls []string) { delivered = append(delivered, urls) })

	reg, err := l.Register(ctx, "calc", []service.ChannelAddress{
		{Channel: "local", URI: "local:"},
		{Channel: "dispatch-json", URI: "http://127.0.0.1:8000"},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"local:"}, l.Addresses("calc", "local"))
	assert.Equal(t, []string{"http://127.0.0.1:8000"}, l.Addresses("calc", "dispatch-json"))
	assert.Equal(t, []string{"local", "dispatch-json"}, l.Channels("calc"))
	assert.Empty(t, l.Addresses("calc", "rest"))

	require.Len(t, delivered, 1)
	assert.Equal(t, []string{"local:"}, delivered[0])

	require.NoError(t, reg.Deregister(ctx))
	assert.Empty(t, l.Addresses("calc", "local"))
	assert.Len(t, delivered, 2)
}
