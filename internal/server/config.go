package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/cmdq-dev/cmdq/internal/bus"
	"github.com/cmdq-dev/cmdq/internal/identity"
	"github.com/cmdq-dev/cmdq/internal/secrets"
	"github.com/cmdq-dev/cmdq/internal/store"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

const (
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Store    StoreConfig    `mapstructure:"store"`
	Bus      BusConfig      `mapstructure:"bus"`
	Identity IdentityConfig `mapstructure:"identity"`
	Registry RegistryConfig `mapstructure:"registry"`
	Security SecurityConfig `mapstructure:"security"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// PublicURL is the base URL agents use to reach the result endpoint.
	PublicURL string `mapstructure:"public_url"`
	Port      string `mapstructure:"port"`
}

// NATSConfig selects between the embedded server and an external cluster.
type NATSConfig struct {
	Embedded bool   `mapstructure:"embedded"`
	URL      string `mapstructure:"url"`
	DataDir  string `mapstructure:"data_dir"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Token    string `mapstructure:"token"`
}

// StoreConfig selects the correlation store backend.
type StoreConfig struct {
	Backend  string        `mapstructure:"backend"`
	Bucket   string        `mapstructure:"bucket"`
	TTL      time.Duration `mapstructure:"ttl"`
	Replicas int           `mapstructure:"replicas"`
}

// BusConfig names the dispatch stream.
type BusConfig struct {
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`
}

// IdentityConfig configures agent token verification.
type IdentityConfig struct {
	DiscoveryURL       string        `mapstructure:"discovery_url"`
	Issuer             string        `mapstructure:"issuer"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval"`
	Leeway             time.Duration `mapstructure:"leeway"`
}

// RegistryConfig configures agent liveness reporting.
type RegistryConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// SecurityConfig holds application-level security settings.
type SecurityConfig struct {
	DispatchSecret string `mapstructure:"dispatch_secret"`
}

// LoadConfig reads configuration from file, env, and defaults.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.public_url", "http://localhost:3000")
	v.SetDefault("nats.embedded", true)

	homeDir, _ := os.UserHomeDir()
	v.SetDefault("nats.data_dir", filepath.Join(homeDir, ".local", "share", "cmdq", "nats"))

	v.SetDefault("store.backend", BackendNATS)
	v.SetDefault("store.bucket", store.DefaultBucket)
	v.SetDefault("store.ttl", store.DefaultTTL)
	v.SetDefault("store.replicas", 1)

	v.SetDefault("bus.stream", bus.DefaultStream)
	v.SetDefault("bus.subject", protocol.SubjectDispatch)

	v.SetDefault("identity.discovery_url", identity.GoogleDiscoveryURL)
	v.SetDefault("identity.refresh_interval", time.Hour)
	v.SetDefault("identity.min_refresh_interval", 30*time.Second)
	v.SetDefault("identity.leeway", 30*time.Second)

	v.SetDefault("registry.stale_after", 3*time.Minute)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cmdqd")
		v.AddConfigPath("/etc/cmdq")
		v.AddConfigPath("$HOME/.config/cmdq")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CMDQ")
	v.AutomaticEnv()

	// MY_URL and PORT are what hosting platforms usually inject.
	v.BindEnv("server.public_url", "CMDQ_PUBLIC_URL", "MY_URL")
	v.BindEnv("server.listen", "CMDQ_LISTEN")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("nats.url", "CMDQ_NATS_URL")
	v.BindEnv("nats.token", "CMDQ_NATS_TOKEN")
	v.BindEnv("security.dispatch_secret", "CMDQ_DISPATCH_SECRET")

	if err := v.ReadInConfig(); err != nil && cfgFile != "" {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := secrets.DecryptConfig(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	if cfg.Server.Listen == "" {
		port := cfg.Server.Port
		if port == "" {
			port = "3000"
		}
		cfg.Server.Listen = ":" + port
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case BackendNATS, BackendMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendNATS, BackendMemory, c.Store.Backend)
	}
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required (set via config file or MY_URL env var)")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	return nil
}
