// ABOUTME: Configuration loading and parsing for relaydesk
// ABOUTME: Supports YAML files with environment variable expansion

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relaydesk configuration
type Config struct {
	Database DatabaseConfig  `yaml:"database"`
	Logging  LoggingConfig   `yaml:"logging"`
	Events   EventsConfig    `yaml:"events"`
	Agents   AgentsConfig    `yaml:"agents"`
	Channels []ChannelConfig `yaml:"channels"`
	Roster   []RosterConfig  `yaml:"roster"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EventsConfig holds the outbound event stream configuration
type EventsConfig struct {
	AMQP AMQPConfig `yaml:"amqp"`
}

// AMQPConfig holds broker settings for the event relay
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// AgentsConfig holds agent enrollment policy
type AgentsConfig struct {
	// AllowUnknown lets agents not on the roster register themselves.
	AllowUnknown bool `yaml:"allow_unknown"`
}

// ChannelConfig declares one channel integration and its endpoint pool.
// Each enrolled agent gets one workplace per endpoint.
type ChannelConfig struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
}

// RosterConfig grants roles to one channel identity
type RosterConfig struct {
	Channel       string   `yaml:"channel"`
	ChannelUserID string   `yaml:"channel_user_id"`
	Roles         []string `yaml:"roles"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Events.AMQP.Exchange == "" {
		cfg.Events.AMQP.Exchange = "support.events"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	if c.Events.AMQP.Enabled && c.Events.AMQP.URL == "" {
		return fmt.Errorf("events.amqp.url is required when events.amqp is enabled")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channels[%d]: duplicate channel %q", i, ch.Name)
		}
		seen[ch.Name] = true
		if len(ch.Endpoints) == 0 {
			return fmt.Errorf("channels[%d] (%s): at least one endpoint is required", i, ch.Name)
		}
	}

	for i, entry := range c.Roster {
		if entry.Channel == "" || entry.ChannelUserID == "" {
			return fmt.Errorf("roster[%d]: channel and channel_user_id are required", i)
		}
		for _, role := range entry.Roles {
			switch role {
			case "manage", "support":
			default:
				return fmt.Errorf("roster[%d]: unknown role %q", i, role)
			}
		}
	}

	return nil
}
