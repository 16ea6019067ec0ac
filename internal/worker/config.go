package worker

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cmdq-dev/cmdq/internal/bus"
	"github.com/cmdq-dev/cmdq/internal/runner"
	"github.com/cmdq-dev/cmdq/internal/secrets"
	"github.com/cmdq-dev/cmdq/internal/workload"
	"github.com/cmdq-dev/cmdq/pkg/agent"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Bus      BusConfig      `mapstructure:"bus"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Workload WorkloadConfig `mapstructure:"workload"`
	Security SecurityConfig `mapstructure:"security"`
}

// AgentConfig identifies the agent on the bus.
type AgentConfig struct {
	Name string `mapstructure:"name"`
	// Identity is the principal this agent's tokens assert. Commands
	// targeted at it are only run here.
	Identity          string        `mapstructure:"identity"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// BusConfig names the dispatch consumer.
type BusConfig struct {
	Stream     string        `mapstructure:"stream"`
	Subject    string        `mapstructure:"subject"`
	Consumer   string        `mapstructure:"consumer"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
	MaxDeliver int           `mapstructure:"max_deliver"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// AuthConfig locates the credentials used to mint result tokens.
type AuthConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

// WorkloadConfig selects what the agent runs for each command.
type WorkloadConfig struct {
	Kind            string        `mapstructure:"kind"`
	Script          string        `mapstructure:"script"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HotReload       bool          `mapstructure:"hot_reload"`
	VerifyIntegrity bool          `mapstructure:"verify_integrity"`
}

// SecurityConfig holds application-level security settings.
type SecurityConfig struct {
	DispatchSecret string `mapstructure:"dispatch_secret"`
}

// LoadConfig reads configuration from file, env, and defaults.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("agent.max_concurrent", 8)
	v.SetDefault("agent.heartbeat_interval", agent.DefaultHeartbeatInterval)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.stream", bus.DefaultStream)
	v.SetDefault("bus.subject", protocol.SubjectDispatch)
	v.SetDefault("bus.consumer", bus.DefaultConsumer)
	v.SetDefault("bus.ack_wait", 30*time.Second)
	v.SetDefault("bus.max_deliver", 5)
	v.SetDefault("bus.retry_delay", 5*time.Second)
	v.SetDefault("workload.kind", workload.KindSample)
	v.SetDefault("workload.timeout", 5*time.Minute)
	v.SetDefault("workload.hot_reload", true)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cmdq-agent")
		v.AddConfigPath("/etc/cmdq")
		v.AddConfigPath("$HOME/.config/cmdq")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CMDQ")
	v.AutomaticEnv()

	v.BindEnv("auth.credentials_file", "CMDQ_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("agent.name", "CMDQ_AGENT_NAME")
	v.BindEnv("agent.identity", "CMDQ_AGENT_IDENTITY")
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

	if cfg.Agent.Identity == "" && cfg.Auth.CredentialsFile != "" {
		id, err := runner.CredentialsIdentity(cfg.Auth.CredentialsFile)
		if err != nil {
			return cfg, fmt.Errorf("agent.identity: %w", err)
		}
		cfg.Agent.Identity = id
	}
	cfg.Agent.Name = agentName(cfg.Agent.Name, cfg.Agent.Identity)

	if cfg.Workload.Kind == workload.KindLua && cfg.Workload.Script == "" {
		return cfg, fmt.Errorf("workload.script is required when workload.kind is %q", workload.KindLua)
	}
	return cfg, nil
}

// agentName picks the bus name: the configured one, else the local part of
// the identity, else the host name. The result is a single subject token.
func agentName(name, identity string) string {
	if name == "" {
		name, _, _ = strings.Cut(identity, "@")
	}
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		return "cmdq-agent"
	}
	return subjectToken.Replace(name)
}

var subjectToken = strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-")
