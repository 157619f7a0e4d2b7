package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSchema is the YAML shape of a daemon config file. Durations are
// strings in time.ParseDuration syntax; zero or missing fields keep their
// defaults.
type fileSchema struct {
	Username string `yaml:"username,omitempty"`

	Network struct {
		ChatPort     int `yaml:"chat_port"`
		TransferPort int `yaml:"transfer_port"`
	} `yaml:"network"`

	Discovery struct {
		CleanupInterval string `yaml:"cleanup_interval"`
		PeerTimeout     string `yaml:"peer_timeout"`
	} `yaml:"discovery"`

	Connections struct {
		DialTimeout           string `yaml:"dial_timeout"`
		ReadTimeout           string `yaml:"read_timeout"`
		WriteTimeout          string `yaml:"write_timeout"`
		HeartbeatWriteTimeout string `yaml:"heartbeat_write_timeout"`
		HeartbeatInterval     string `yaml:"heartbeat_interval"`
		IdleTimeout           string `yaml:"idle_timeout"`
	} `yaml:"connections"`

	Transfers struct {
		ChunkSize   int    `yaml:"chunk_size"`
		DownloadDir string `yaml:"download_dir"`
	} `yaml:"transfers"`

	Metrics struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listen_address"`
	} `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
}

// LoadFile reads a YAML config file and overlays it on the defaults.
func LoadFile(path string) (Config, error) {
	out := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw fileSchema
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return out, fmt.Errorf("parse config %s: %w", path, err)
	}

	if raw.Username != "" {
		out.Username = raw.Username
	}
	if raw.Network.ChatPort != 0 {
		out.ChatPort = raw.Network.ChatPort
	}
	if raw.Network.TransferPort != 0 {
		out.TransferPort = raw.Network.TransferPort
	}
	if raw.Transfers.ChunkSize != 0 {
		out.ChunkSize = raw.Transfers.ChunkSize
	}
	if raw.Transfers.DownloadDir != "" {
		out.DownloadDir = raw.Transfers.DownloadDir
	}
	out.MetricsEnabled = raw.Metrics.Enabled
	if raw.Metrics.ListenAddress != "" {
		out.MetricsBindAddr = raw.Metrics.ListenAddress
	}
	if raw.LogLevel != "" {
		out.LogLevel = raw.LogLevel
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{raw.Discovery.CleanupInterval, "discovery.cleanup_interval", &out.CleanupInterval},
		{raw.Discovery.PeerTimeout, "discovery.peer_timeout", &out.PeerTimeout},
		{raw.Connections.DialTimeout, "connections.dial_timeout", &out.DialTimeout},
		{raw.Connections.ReadTimeout, "connections.read_timeout", &out.ReadTimeout},
		{raw.Connections.WriteTimeout, "connections.write_timeout", &out.WriteTimeout},
		{raw.Connections.HeartbeatWriteTimeout, "connections.heartbeat_write_timeout", &out.HeartbeatWriteTimeout},
		{raw.Connections.HeartbeatInterval, "connections.heartbeat_interval", &out.HeartbeatInterval},
		{raw.Connections.IdleTimeout, "connections.idle_timeout", &out.IdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return out, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if err := out.validate(); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) validate() error {
	if c.ChatPort <= 0 || c.ChatPort > 65535 {
		return fmt.Errorf("chat_port %d out of range", c.ChatPort)
	}
	if c.TransferPort <= 0 || c.TransferPort > 65535 {
		return fmt.Errorf("transfer_port %d out of range", c.TransferPort)
	}
	if c.ChatPort == c.TransferPort {
		return fmt.Errorf("chat_port and transfer_port must differ, both %d", c.ChatPort)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	return nil
}
