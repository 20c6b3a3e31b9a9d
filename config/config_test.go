package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicekit/discovery"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Registry.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 5*time.Second, cfg.Registry.HealthTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Registry.DeregistrationGrace)
	assert.Equal(t, 10*time.Second, cfg.Registry.RegistrationTTL)
	assert.Equal(t, time.Second, cfg.TransportTimeout)
	assert.Equal(t, "static", cfg.Discovery.Backend)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Empty(t, cfg.PreferredChannel)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servicekit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
registry:
  poll_interval: 2s
  deregistration_grace: 1m
discovery:
  backend: etcd
  endpoints: ["10.0.0.1:2379", "10.0.0.2:2379"]
server:
  port: 9000
preferred_channel: dispatch-msgpack
transport_timeout: 3s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Registry.PollInterval)
	assert.Equal(t, time.Minute, cfg.Registry.DeregistrationGrace)
	assert.Equal(t, 10*time.Second, cfg.Registry.HealthInterval, "unset keys keep their defaults")
	assert.Equal(t, "etcd", cfg.Discovery.Backend)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Discovery.Endpoints)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "dispatch-msgpack", cfg.PreferredChannel)
	assert.Equal(t, 3*time.Second, cfg.TransportTimeout)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SERVICEKIT_REGISTRY_POLL_INTERVAL", "250ms")
	t.Setenv("SERVICEKIT_PREFERRED_CHANNEL", "rest")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Registry.PollInterval)
	assert.Equal(t, "rest", cfg.PreferredChannel)
}

func TestRegistryConfigConversion(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	rc := cfg.RegistryConfig()
	assert.Equal(t, cfg.Registry.PollInterval, rc.PollInterval)
	assert.Equal(t, cfg.Registry.DeregistrationGrace, rc.DeregistrationGrace)
}

func TestBuildBackend(t *testing.T) {
	backend, err := Discovery{Backend: "static"}.BuildBackend(nil)
	require.NoError(t, err)
	assert.IsType(t, &discovery.StaticBackend{}, backend)

	_, err = Discovery{Backend: "zookeeper"}.BuildBackend(nil)
	assert.Error(t, err)
}
