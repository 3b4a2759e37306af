// Package coreconfig provides configuration loading for the Maestro engine.
// It layers defaults, an optional config file, and environment variables
// via github.com/spf13/viper.
package coreconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Maestro engine.
type Config struct {
	ConfigDir string          `mapstructure:"configDir"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Events    EventsConfig    `mapstructure:"events"`
}

// GatewayConfig holds remote control gateway listen settings.
type GatewayConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int `mapstructure:"writeTimeout"` // seconds
}

// LoggingConfig mirrors corelog.Config so it can be bound directly by viper.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds agent-kind resolution settings.
type AgentConfig struct {
	// SearchPath overrides PATH for resolving agent executables; empty uses PATH.
	SearchPath string `mapstructure:"searchPath"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	// Backend is "memory" (default) or "nats".
	Backend string `mapstructure:"backend"`
	NATSURL string `mapstructure:"natsUrl"`
}

// Load builds a Config from defaults, an optional config file in ConfigDir,
// and environment variables prefixed MAESTRO_.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("gateway.port", 0) // 0 = choose an ephemeral port at startup
	v.SetDefault("gateway.readTimeout", 30)
	v.SetDefault("gateway.writeTimeout", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("agent.searchPath", "")
	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.natsUrl", "")

	configDir, err := DefaultConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	v.SetDefault("configDir", configDir)

	v.SetConfigName("settings")
	v.SetConfigType("json")
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir := os.Getenv("MAESTRO_CONFIG_DIR"); dir != "" {
		v.Set("configDir", dir)
	}
	if port := os.Getenv("MAESTRO_REMOTE_PORT"); port != "" {
		v.Set("gateway.port", port)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// DefaultConfigDir returns the OS-specific application configuration
// directory for Maestro, honoring MAESTRO_CONFIG_DIR if set.
func DefaultConfigDir() (string, error) {
	if dir := os.Getenv("MAESTRO_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "Maestro"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Maestro"), nil
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "maestro"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "maestro"), nil
	}
}
