package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay
type Config struct {
	// Server configuration
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"19988"`

	// Auth configuration. An empty token leaves the client endpoint open
	// (localhost trust model). EXTENSION_IDS is a comma-separated override
	// of the compile-time allowlist.
	RelayToken   string   `envconfig:"RELAY_TOKEN"`
	ExtensionIDs []string `envconfig:"EXTENSION_IDS"`

	// Keepalive and command deadlines, milliseconds
	PingIntervalMS       int `envconfig:"PING_INTERVAL_MS" default:"30000"`
	CommandTimeoutMS     int `envconfig:"COMMAND_TIMEOUT_MS" default:"30000"`
	LongCommandTimeoutMS int `envconfig:"LONG_COMMAND_TIMEOUT_MS" default:"60000"`
	HandshakeTimeoutMS   int `envconfig:"HANDSHAKE_TIMEOUT_MS" default:"5000"`

	// Backpressure caps per client send queue
	MaxClientQueueBytes  int `envconfig:"MAX_CLIENT_QUEUE_BYTES" default:"1048576"`
	MaxClientQueueFrames int `envconfig:"MAX_CLIENT_QUEUE_FRAMES" default:"1024"`

	// Debug logging of every relayed CDP frame
	LogCDPMessages bool `envconfig:"LOG_CDP_MESSAGES" default:"false"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.Host == "" {
		return fmt.Errorf("HOST is required")
	}
	if config.PingIntervalMS <= 0 {
		return fmt.Errorf("PING_INTERVAL_MS must be greater than 0")
	}
	if config.CommandTimeoutMS <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT_MS must be greater than 0")
	}
	if config.LongCommandTimeoutMS < config.CommandTimeoutMS {
		return fmt.Errorf("LONG_COMMAND_TIMEOUT_MS must be at least COMMAND_TIMEOUT_MS")
	}
	if config.HandshakeTimeoutMS <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT_MS must be greater than 0")
	}
	if config.MaxClientQueueBytes <= 0 {
		return fmt.Errorf("MAX_CLIENT_QUEUE_BYTES must be greater than 0")
	}
	if config.MaxClientQueueFrames <= 0 {
		return fmt.Errorf("MAX_CLIENT_QUEUE_FRAMES must be greater than 0")
	}

	return nil
}
