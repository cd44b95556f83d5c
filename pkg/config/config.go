// Package config loads node and hub configuration from TOML
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values like "90s" parse directly
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the full configuration for a node or hub process
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Hub       HubConfig       `toml:"hub"`
	Transport TransportConfig `toml:"transport"`
	Session   SessionConfig   `toml:"session"`
	Keys      KeysConfig      `toml:"keys"`
	Router    RouterConfig    `toml:"router"`
	API       APIConfig       `toml:"api"`
	Log       LogConfig       `toml:"log"`
}

// NodeConfig identifies this peer
type NodeConfig struct {
	ClientID        string `toml:"client_id"`
	IdentityKeyFile string `toml:"identity_key_file"` // Ed25519 seed, hex
	DataDir         string `toml:"data_dir"`
}

// HubConfig lists the hub's listeners, as multiaddrs
type HubConfig struct {
	ListenTCP string `toml:"listen_tcp"`
	ListenUDP string `toml:"listen_udp"`
	ListenWS  string `toml:"listen_ws"`
}

// TransportConfig points a node at its hub
type TransportConfig struct {
	HubEndpoint   string   `toml:"hub_endpoint"`
	Fallback      string   `toml:"fallback"`
	Datagram      string   `toml:"datagram"`
	MaxFrame      int      `toml:"max_frame"`
	ParityShards  int      `toml:"parity_shards"`
	RetryInterval Duration `toml:"retry_interval"`
	MaxAttempts   int      `toml:"max_attempts"`
	Heartbeat     Duration `toml:"heartbeat"`
}

// SessionConfig controls session lifetimes
type SessionConfig struct {
	InactivityTimeout Duration `toml:"inactivity_timeout"`
	RotationInterval  Duration `toml:"rotation_interval"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

// KeysConfig controls the key manager
type KeysConfig struct {
	GracePeriod   Duration `toml:"grace_period"`
	FailureBudget int      `toml:"failure_budget"`
	FailureWindow Duration `toml:"failure_window"`
}

// RouterConfig sizes the dispatch worker pool
type RouterConfig struct {
	Workers    int `toml:"workers"`
	QueueDepth int `toml:"queue_depth"`
}

// APIConfig configures the HTTP status server
type APIConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "./data",
		},
		Hub: HubConfig{
			ListenTCP: "/ip4/0.0.0.0/tcp/9000",
			ListenUDP: "/ip4/0.0.0.0/udp/9001",
			ListenWS:  "/ip4/0.0.0.0/tcp/9002/ws",
		},
		Transport: TransportConfig{
			MaxFrame:      64 << 10,
			ParityShards:  2,
			RetryInterval: Duration{3 * time.Second},
			MaxAttempts:   5,
			Heartbeat:     Duration{30 * time.Second},
		},
		Session: SessionConfig{
			InactivityTimeout: Duration{10 * time.Minute},
			RotationInterval:  Duration{time.Hour},
			SweepInterval:     Duration{30 * time.Second},
		},
		Keys: KeysConfig{
			GracePeriod:   Duration{2 * time.Minute},
			FailureBudget: 5,
			FailureWindow: Duration{time.Minute},
		},
		Router: RouterConfig{
			Workers:    8,
			QueueDepth: 256,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
