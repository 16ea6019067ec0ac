package mcp

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/cmdq-dev/cmdq/pkg/client"
)

// Config holds all configuration for the MCP server.
type Config struct {
	Daemon DaemonConfig `mapstructure:"daemon"`
}

// DaemonConfig holds settings for connecting to the cmdqd API.
type DaemonConfig struct {
	Server string `mapstructure:"server"`
}

// LoadConfig reads the MCP server configuration from file, env vars, and defaults.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("daemon.server", client.DefaultServer)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cmdq-mcp")
		v.AddConfigPath("/etc/cmdq")
		v.AddConfigPath("$HOME/.config/cmdq")
		v.AddConfigPath(".")
	}

	v.BindEnv("daemon.server", "CMDQ_SERVER")

	if err := v.ReadInConfig(); err != nil && cfgFile != "" {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
