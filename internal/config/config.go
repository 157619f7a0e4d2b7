// Package config carries process-wide settings: fixed protocol constants
// with their defaults, plus the knobs the headless daemon exposes through
// its YAML file.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config defines behavior and resource limits for a node. The zero value is
// not usable; obtain one from defaultConfig via Init or from LoadFile.
type Config struct {
	// ========== Identity ==========

	// Username overrides the display name advertised over mDNS.
	// Empty uses the hostname.
	Username string

	// ========== Network ==========

	// ChatPort is the TCP port carrying chat and heartbeat envelopes.
	ChatPort int

	// TransferPort is the TCP port carrying file-transfer control and data.
	TransferPort int

	// ========== Discovery ==========

	// ServiceType is the DNS-SD service type advertised and browsed.
	ServiceType string

	// ServiceDomain is the DNS-SD domain, practically always "local".
	ServiceDomain string

	// RegisterAttempts caps mDNS registration retries at startup.
	RegisterAttempts int

	// RegisterDelay is the wait after the first failed registration;
	// subsequent waits double.
	RegisterDelay time.Duration

	// CleanupInterval is how often stale directory entries are swept.
	CleanupInterval time.Duration

	// PeerTimeout evicts a peer not seen for this long.
	PeerTimeout time.Duration

	// ========== Connections ==========

	// DialTimeout bounds outbound TCP connection establishment.
	DialTimeout time.Duration

	// ReadTimeout bounds each read on an inbound connection.
	ReadTimeout time.Duration

	// WriteTimeout bounds a message write, flush included.
	WriteTimeout time.Duration

	// HeartbeatWriteTimeout bounds a heartbeat write during the sweep.
	HeartbeatWriteTimeout time.Duration

	// HeartbeatInterval is how often the connection sweep runs.
	HeartbeatInterval time.Duration

	// IdleTimeout evicts a session with no traffic for this long.
	IdleTimeout time.Duration

	// ========== Transfers ==========

	// ChunkSize is the file streaming unit in bytes.
	ChunkSize int

	// DownloadDir is where accepted files land unless the acceptor picks
	// another path.
	DownloadDir string

	// ========== Miscellaneous ==========

	// MetricsEnabled toggles the Prometheus endpoint (headless daemon).
	MetricsEnabled bool

	// MetricsBindAddr is the HTTP address for metrics (e.g., ":9090").
	MetricsBindAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

func defaultConfig() Config {
	return Config{
		ChatPort:              8765,
		TransferPort:          8766,
		ServiceType:           "_ip-chat._tcp",
		ServiceDomain:         "local",
		RegisterAttempts:      3,
		RegisterDelay:         time.Second,
		CleanupInterval:       30 * time.Second,
		PeerTimeout:           600 * time.Second,
		DialTimeout:           10 * time.Second,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          10 * time.Second,
		HeartbeatWriteTimeout: 5 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		IdleTimeout:           300 * time.Second,
		ChunkSize:             64 * 1024,
		DownloadDir:           getDefaultDownloadDir(),
		MetricsEnabled:        false,
		MetricsBindAddr:       ":9090",
		LogLevel:              "info",
	}
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "ipchat", "downloads")
	}
}
