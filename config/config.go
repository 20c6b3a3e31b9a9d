// Package config loads the runtime configuration: a YAML file plus
// SERVICEKIT_-prefixed environment overrides, with every knob carrying a
// usable default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"servicekit/discovery"
	"servicekit/registry"
)

// Registry holds the watchdog and health timing knobs.
type Registry struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	HealthTimeout       time.Duration `mapstructure:"health_timeout"`
	DeregistrationGrace time.Duration `mapstructure:"deregistration_grace"`
	RegistrationTTL     time.Duration `mapstructure:"registration_ttl"`
}

// Discovery selects and parameterizes the discovery backend.
type Discovery struct {
	// Backend is "etcd", "consul" or "static" (default).
	Backend   string   `mapstructure:"backend"`
	Endpoints []string `mapstructure:"endpoints"` // etcd
	Address   string   `mapstructure:"address"`   // consul
}

// Server holds the component host settings.
type Server struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Config is the full runtime configuration.
type Config struct {
	Registry  Registry  `mapstructure:"registry"`
	Discovery Discovery `mapstructure:"discovery"`
	Server    Server    `mapstructure:"server"`

	// PreferredChannel is the process-wide default channel preference.
	PreferredChannel string `mapstructure:"preferred_channel"`

	// TransportTimeout bounds a single remote call.
	TransportTimeout time.Duration `mapstructure:"transport_timeout"`

	// Development switches logging to the development encoder.
	Development bool `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.poll_interval", "5s")
	v.SetDefault("registry.health_interval", "10s")
	v.SetDefault("registry.health_timeout", "5s")
	v.SetDefault("registry.deregistration_grace", "5m")
	v.SetDefault("registry.registration_ttl", "10s")
	v.SetDefault("discovery.backend", "static")
	v.SetDefault("discovery.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("discovery.address", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("preferred_channel", "")
	v.SetDefault("transport_timeout", "1s")
	v.SetDefault("development", false)
}

// Load reads the configuration. An empty path looks for servicekit.yaml in
// the working directory; a missing file is fine, defaults and environment
// apply. A non-empty path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SERVICEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	} else {
		v.SetConfigName("servicekit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// RegistryConfig converts the timing section into the registry's knobs.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		PollInterval:        c.Registry.PollInterval,
		HealthInterval:      c.Registry.HealthInterval,
		HealthTimeout:       c.Registry.HealthTimeout,
		DeregistrationGrace: c.Registry.DeregistrationGrace,
		RegistrationTTL:     c.Registry.RegistrationTTL,
	}
}

// BuildBackend constructs the configured discovery backend.
func (d Discovery) BuildBackend(logger *zap.Logger) (discovery.Backend, error) {
	switch d.Backend {
	case "etcd":
		return discovery.NewEtcdBackend(d.Endpoints, logger)
	case "consul":
		return discovery.NewConsulBackend(d.Address, logger)
	case "static", "":
		return discovery.NewStaticBackend(), nil
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", d.Backend)
	}
}
