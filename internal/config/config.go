package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Device DeviceConfig `yaml:"device"`
}

type ServerConfig struct {
	// SocketPath is where the proxy listens; clients are trusted by the
	// file permissions on this path.
	SocketPath    string `yaml:"socket_path"`
	MaxClients    int    `yaml:"max_clients"`
	SendQueueSize int    `yaml:"send_queue_size"`
}

type DeviceConfig struct {
	// PollFallback is the sampling interval used while no activated
	// sensor carries a client delay request.
	PollFallback time.Duration `yaml:"poll_fallback"`
}

// Default returns the built-in configuration, used verbatim when no config
// file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SocketPath:    "/run/sensord/sensord.sock",
			MaxClients:    8,
			SendQueueSize: 64,
		},
		Device: DeviceConfig{
			PollFallback: 200 * time.Millisecond,
		},
	}
}

// Load reads a yaml config file over the defaults, so a partial file only
// overrides what it names.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.SocketPath == "" {
		return fmt.Errorf("server.socket_path must not be empty")
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("server.max_clients must be at least 1, got %d", c.Server.MaxClients)
	}
	if c.Server.SendQueueSize < 1 {
		return fmt.Errorf("server.send_queue_size must be at least 1, got %d", c.Server.SendQueueSize)
	}
	if c.Device.PollFallback <= 0 {
		return fmt.Errorf("device.poll_fallback must be positive, got %s", c.Device.PollFallback)
	}
	return nil
}
